package archive

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	cases := map[string]Kind{
		"symbols.zip":    KindZip,
		"Pkg.1.0.SNUPKG": KindZip,
		"app.jar":        KindZip,
		"bundle.tar.zst": KindTarZstd,
		"bundle.tzst":    KindTarZstd,
		"secur32.pdb":    KindNone,
		"archive.tar.gz": KindNone,
	}
	for name, want := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, want, KindOf(name))
		})
	}
}

func writeFixtures(t *testing.T) []File {
	t.Helper()
	dir := t.TempDir()
	pdb := filepath.Join(dir, "secur32.pdb")
	dll := filepath.Join(dir, "secur32.dll")
	require.NoError(t, os.WriteFile(pdb, []byte("pdb-bytes"), 0o644))
	require.NoError(t, os.WriteFile(dll, []byte("dll-bytes"), 0o644))
	return []File{
		{Name: "lib/secur32.pdb", Path: pdb},
		{Name: `lib\secur32.dll`, Path: dll},
	}
}

func TestZipRoundTrip(t *testing.T) {
	files := writeFixtures(t)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, KindZip, files))

	data := buf.Bytes()
	rc, err := OpenZipEntry(bytes.NewReader(data), int64(len(data)), "LIB/Secur32.pdb")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "pdb-bytes", string(body))

	_, err = OpenZipEntry(bytes.NewReader(data), int64(len(data)), "lib/missing.pdb")
	assert.True(t, errors.Is(err, ErrEntryNotFound))
}

func TestTarZstdRoundTrip(t *testing.T) {
	files := writeFixtures(t)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, KindTarZstd, files))

	rc, err := OpenTarZstdEntry(bytes.NewReader(buf.Bytes()), "lib/secur32.dll")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "dll-bytes", string(body))

	_, err = OpenTarZstdEntry(bytes.NewReader(buf.Bytes()), "nope")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestWriteUnsupportedKind(t *testing.T) {
	assert.Error(t, Write(io.Discard, KindNone, nil))
}
