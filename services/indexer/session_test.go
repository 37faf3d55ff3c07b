package indexer

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symbold/pkg/symbols"
)

const testPdbGuid = "8EF4E863187C45E78F4632152CC82FEB1"

// fakeDumper writes the same signature for every requested pdb.
type fakeDumper struct {
	calls atomic.Int32
	code  int
}

func (d *fakeDumper) DumpPdbSignatures(_ context.Context, files []string, output string) (int, error) {
	d.calls.Add(1)
	if d.code != 0 {
		return d.code, nil
	}
	var entries []symbols.SignatureIndexEntry
	for _, f := range files {
		entries = append(entries, symbols.SignatureIndexEntry{Guid: testPdbGuid, FileName: filepath.Base(f)})
	}
	return 0, symbols.WriteIndexFile(output, entries)
}

func writePE(t *testing.T, path string, timestamp, size uint32) {
	t.Helper()
	const peOffset = 128
	buf := make([]byte, peOffset+84)
	binary.LittleEndian.PutUint32(buf[60:], peOffset)
	binary.LittleEndian.PutUint32(buf[peOffset+8:], timestamp)
	binary.LittleEndian.PutUint32(buf[peOffset+80:], size)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

type sessionFixture struct {
	root      string
	artifacts string
	legacy    *fakeAdapter
	dumper    *fakeDumper
	session   *Session
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	f := &sessionFixture{root: t.TempDir(), artifacts: t.TempDir(), dumper: &fakeDumper{}}
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "src"), 0o755))
	source := filepath.Join(f.root, "src", "Program.cs")
	require.NoError(t, os.WriteFile(source, []byte("class Program {}"), 0o644))
	canonicalSource, err := canonicalPath(source)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(f.artifacts, "app.pdb"), []byte("pdb"), 0o644))
	writePE(t, filepath.Join(f.artifacts, "app.dll"), 0x5a2f3c10, 0x1e000)
	require.NoError(t, os.WriteFile(filepath.Join(f.artifacts, "readme.txt"), []byte("hi"), 0o644))

	f.legacy = &fakeAdapter{sources: []string{canonicalSource}}
	tools := Toolset{
		Formats:    fixedFormat(PdbTypeWindows),
		Signatures: f.dumper,
		Legacy:     f.legacy,
		Portable:   &fakeAdapter{},
	}
	f.session, err = NewSession(SessionConfig{
		BuildID:    7,
		SourceRoot: f.root,
		ServerURL:  "https://symbols.example.com/app/sources",
		TempDir:    t.TempDir(),
	}, tools, zerolog.Nop())
	require.NoError(t, err)
	return f
}

func (f *sessionFixture) artifactList(target string) []Artifact {
	var out []Artifact
	for _, name := range []string{"app.pdb", "app.dll", "readme.txt"} {
		out = append(out, Artifact{LocalPath: filepath.Join(f.artifacts, name), TargetDir: target})
	}
	return out
}

func TestSessionCollectAndFinish(t *testing.T) {
	f := newSessionFixture(t)

	report := f.session.Collect(context.Background(), f.artifactList("symbols.zip/lib"))
	require.Empty(t, report.Errors)
	assert.Equal(t, 1, report.Symbols)
	assert.Equal(t, 1, report.Binaries)

	assert.Equal(t, map[string]string{"files/src/Program.cs": mustCanonical(t, filepath.Join(f.root, "src", "Program.cs"))}, f.session.Sources())

	out := t.TempDir()
	docs, err := f.session.Finish(out)
	require.NoError(t, err)
	require.Len(t, docs, 4)

	byPrefix := map[string][]symbols.SignatureIndexEntry{}
	for _, doc := range docs {
		entries, err := symbols.ReadIndexFile(doc.Path, false)
		require.NoError(t, err)
		name := filepath.Base(doc.Path)
		for _, prefix := range []string{
			symbols.SymbolSignaturesPrefix, symbols.BinarySignaturesPrefix,
			symbols.SymbolSignaturesLocalPrefix, symbols.BinarySignaturesLocalPrefix,
		} {
			if strings.HasPrefix(name, prefix) {
				byPrefix[prefix] = entries
			}
		}
		assert.True(t, strings.HasSuffix(name, symbols.IndexExtension))
	}

	published := byPrefix[symbols.SymbolSignaturesPrefix]
	require.Len(t, published, 1)
	assert.Equal(t, "8ef4e863187c45e78f4632152cc82feb", published[0].Guid)
	assert.Equal(t, "app.pdb", published[0].FileName)
	assert.Equal(t, "symbols.zip!/lib/app.pdb", published[0].ArtifactPath)

	binaries := byPrefix[symbols.BinarySignaturesPrefix]
	require.Len(t, binaries, 1)
	assert.Equal(t, "5a2f3c101e000", binaries[0].Guid)
	assert.Equal(t, "symbols.zip!/lib/app.dll", binaries[0].ArtifactPath)

	local := byPrefix[symbols.SymbolSignaturesLocalPrefix]
	require.Len(t, local, 1)
	assert.Equal(t, mustCanonical(t, filepath.Join(f.artifacts, "app.pdb")), local[0].ArtifactPath)
}

func TestSessionSkipsProcessedFiles(t *testing.T) {
	f := newSessionFixture(t)
	artifacts := f.artifactList("bin")

	first := f.session.Collect(context.Background(), artifacts)
	require.Empty(t, first.Errors)
	_, err := f.session.Finish(t.TempDir())
	require.NoError(t, err)

	second := f.session.Collect(context.Background(), artifacts)
	assert.Equal(t, 2, second.Skipped)
	assert.Zero(t, second.Symbols+second.Binaries)
	assert.EqualValues(t, 1, f.legacy.updates.Load())
	assert.EqualValues(t, 1, f.dumper.calls.Load())

	docs, err := f.session.Finish(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSessionFailuresDoNotStopOthers(t *testing.T) {
	f := newSessionFixture(t)
	f.dumper.code = 1

	report := f.session.Collect(context.Background(), f.artifactList(""))
	require.Len(t, report.Errors, 1)
	assert.Equal(t, 1, report.Binaries)

	f.dumper.code = 0
	retry := f.session.Collect(context.Background(), f.artifactList(""))
	require.Empty(t, retry.Errors)
	assert.Equal(t, 1, retry.Symbols)
	assert.Equal(t, 1, retry.Skipped)
}

func TestSessionNoSources(t *testing.T) {
	f := newSessionFixture(t)
	f.legacy.sources = nil

	report := f.session.Collect(context.Background(), f.artifactList(""))
	assert.Equal(t, 1, report.NoSources)
	assert.Zero(t, f.dumper.calls.Load())
}

func TestNewSessionDisabled(t *testing.T) {
	off := false
	tools := Toolset{Formats: fixedFormat(PdbTypeWindows), Signatures: &fakeDumper{}, Legacy: &fakeAdapter{}, Portable: &fakeAdapter{}}
	base := SessionConfig{BuildID: 1, SourceRoot: t.TempDir(), ServerURL: "https://srv/app/sources"}

	cases := []struct {
		name  string
		cfg   func(SessionConfig) SessionConfig
		tools Toolset
	}{
		{name: "switched off", cfg: func(c SessionConfig) SessionConfig { c.Enabled = &off; return c }, tools: tools},
		{name: "no server url", cfg: func(c SessionConfig) SessionConfig { c.ServerURL = ""; return c }, tools: tools},
		{name: "no tools", cfg: func(c SessionConfig) SessionConfig { return c }, tools: Toolset{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSession(tc.cfg(base), tc.tools, zerolog.Nop())
			assert.ErrorIs(t, err, ErrIndexingDisabled)
		})
	}
}

func TestNewToolsetRequiresDirectories(t *testing.T) {
	_, err := NewToolset("", t.TempDir(), &scriptedRunner{}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrIndexingDisabled)
	_, err = NewToolset(t.TempDir(), filepath.Join(t.TempDir(), "missing"), &scriptedRunner{}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrIndexingDisabled)

	tools, err := NewToolset(t.TempDir(), t.TempDir(), &scriptedRunner{}, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, tools.Legacy)
	assert.NotNil(t, tools.Portable)
}

func mustCanonical(t *testing.T, path string) string {
	t.Helper()
	p, err := canonicalPath(path)
	require.NoError(t, err)
	return p
}
