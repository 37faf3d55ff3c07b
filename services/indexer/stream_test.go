package indexer

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticURLs struct {
	base  string
	build string
	files map[string]string
}

func (u staticURLs) BasePath() string  { return u.base }
func (u staticURLs) BuildPath() string { return u.build }
func (u staticURLs) FileURL(file string) (string, bool) {
	rel, ok := u.files[file]
	return rel, ok
}

func testURLs() staticURLs {
	return staticURLs{
		base:  "https://symbols.example.com/app/sources",
		build: "builds/id-7/sources/files",
		files: map[string]string{
			`C:\work\src\Program.cs`:  "src/Program.cs",
			`C:\work\src\lib\Util.cs`: "src/lib/Util.cs",
		},
	}
}

func TestSrcSrvBuilderLayout(t *testing.T) {
	var buf bytes.Buffer
	n, err := NewSrcSrvBuilder(testURLs(), zerolog.Nop()).Build(&buf, []string{
		`C:\work\src\Program.cs`,
		`D:\elsewhere\Other.cs`,
		`C:\work\src\lib\Util.cs`,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	want := "SRCSRV: ini ------------------------------------------------\r\n" +
		"VERSION=3\r\n" +
		"INDEXVERSION=2\r\n" +
		"VERCTRL=http\r\n" +
		"SRCSRV: variables ------------------------------------------\r\n" +
		"SRCSRVVERCTRL=http\r\n" +
		"HTTP_ALIAS=https://symbols.example.com/app/sources/builds/id-7/sources/files\r\n" +
		"HTTP_EXTRACT_TARGET=%HTTP_ALIAS%/%var2%\r\n" +
		"SRCSRVTRG=%HTTP_EXTRACT_TARGET%\r\n" +
		"SRCSRVCMD=\r\n" +
		"SRCSRV: source files ------------------------------------------\r\n" +
		"C:\\work\\src\\Program.cs*src/Program.cs\r\n" +
		"C:\\work\\src\\lib\\Util.cs*src/lib/Util.cs\r\n" +
		"SRCSRV: end ------------------------------------------------"
	assert.Equal(t, want, buf.String())
}

func TestSrcSrvBuilderNoResolvedFiles(t *testing.T) {
	var buf bytes.Buffer
	n, err := NewSrcSrvBuilder(testURLs(), zerolog.Nop()).Build(&buf, []string{`D:\other.cs`})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, strings.HasSuffix(buf.String(), "SRCSRV: source files ------------------------------------------\r\nSRCSRV: end ------------------------------------------------"))
}

func TestSourceLinkBuilder(t *testing.T) {
	var buf bytes.Buffer
	n, err := NewSourceLinkBuilder(testURLs(), zerolog.Nop()).Build(&buf, []string{
		`C:\work\src\Program.cs`,
		`D:\elsewhere\Other.cs`,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var doc map[string]map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, map[string]map[string]string{
		"documents": {
			`C:\work\src\Program.cs`: "https://symbols.example.com/app/sources/builds/id-7/sources/files/src/Program.cs",
		},
	}, doc)
	assert.NotContains(t, buf.String(), `\u0026`)
	assert.NotContains(t, buf.String(), "\r\n")
}

func TestNewStreamBuilder(t *testing.T) {
	assert.IsType(t, &SrcSrvBuilder{}, NewStreamBuilder(FormatLegacy, testURLs(), zerolog.Nop()))
	assert.IsType(t, &SourceLinkBuilder{}, NewStreamBuilder(FormatPortable, testURLs(), zerolog.Nop()))
	assert.Equal(t, "portable", FormatPortable.String())
	assert.Equal(t, "legacy", FormatLegacy.String())
}
