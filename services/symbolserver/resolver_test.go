package symbolserver

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symbold/pkg/symbols"
)

func TestParseSymbolRequest(t *testing.T) {
	tests := []struct {
		name string
		path string
		want SymbolRequest
		ok   bool
	}{
		{
			name: "pdb",
			path: "/app/symbols/secur32.pdb/8EF4E863187C45E78F4632152CC82FEB1/secur32.pdb",
			want: SymbolRequest{FileName: "secur32.pdb", Guid: "8ef4e863187c45e78f4632152cc82feb"},
			ok:   true,
		},
		{
			name: "binary signature is not cut",
			path: "/app/symbols/app.dll/5A2F3C101E000/app.dll",
			want: SymbolRequest{FileName: "app.dll", Guid: "5a2f3c101e000"},
			ok:   true,
		},
		{
			name: "context path and trailing slash",
			path: "/ci/APP/SYMBOLS/app.pdb/0123456789abcdef0123456789abcdef/app.pdb/",
			want: SymbolRequest{FileName: "app.pdb", Guid: "0123456789abcdef0123456789abcdef"},
			ok:   true,
		},
		{
			name: "literal plus",
			path: "/app/symbols/a+b.pdb/0123456789abcdef0123456789abcdef/a+b.pdb",
			want: SymbolRequest{FileName: "a+b.pdb", Guid: "0123456789abcdef0123456789abcdef"},
			ok:   true,
		},
		{
			name: "encoded plus",
			path: "/app/symbols/a%2Bb.pdb/0123456789abcdef0123456789abcdef/a%2Bb.pdb",
			want: SymbolRequest{FileName: "a+b.pdb", Guid: "0123456789abcdef0123456789abcdef"},
			ok:   true,
		},
		{name: "compressed", path: "/app/symbols/app.pd_/0123456789abcdef0123456789abcdef/app.pd_"},
		{name: "pointer", path: "/app/symbols/app.pdb/0123456789abcdef0123456789abcdef/file.ptr"},
		{name: "index2", path: "/app/symbols/index2.txt"},
		{name: "too short", path: "/app/symbols/app.pdb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := ParseSymbolRequest(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSymbolRequestBadEscape(t *testing.T) {
	_, ok, err := ParseSymbolRequest("/app/symbols/a%zz.pdb/0123456789abcdef0123456789abcdef/a.pdb")
	require.Error(t, err)
	assert.False(t, ok)
}

func newTestResolver(t *testing.T, metadata MetadataStore, builds BuildRegistry) *Resolver {
	t.Helper()
	cache, _ := newTestCache(t)
	r, err := NewResolver(cache, metadata, builds, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func TestResolverLookup(t *testing.T) {
	ctx := context.Background()
	metadata := &memoryMetadata{}
	rec := Record{BuildID: 7, Key: "0123456789abcdef0123456789abcdef:app.pdb", Signature: "0123456789abcdef0123456789abcdef", FileName: "app.pdb", ArtifactPath: "bin/app.pdb"}
	require.NoError(t, metadata.AddRecord(ctx, rec.BuildID, symbols.ProviderID, rec.Key, RecordFields(rec)))
	r := newTestResolver(t, metadata, newMemoryBuilds())

	got, err := r.Lookup(ctx, SymbolRequest{FileName: "APP.pdb", Guid: rec.Signature})
	require.NoError(t, err)
	assert.Equal(t, rec.ArtifactPath, got.ArtifactPath)
	assert.Equal(t, int64(7), got.BuildID)

	_, err = r.Lookup(ctx, SymbolRequest{FileName: "other.pdb", Guid: rec.Signature})
	require.ErrorIs(t, err, ErrNotFound)

	reads := metadata.readCount()
	_, err = r.Lookup(ctx, SymbolRequest{FileName: "other.pdb", Guid: rec.Signature})
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, reads, metadata.readCount(), "miss is cached")
}

func TestResolverLegacyGuidKey(t *testing.T) {
	ctx := context.Background()
	metadata := &memoryMetadata{}
	guid := "0123456789abcdef0123456789abcdef"
	for _, rec := range []Record{
		{BuildID: 1, Key: guid, Signature: guid, FileName: "other.pdb", ArtifactPath: "other.pdb"},
		{BuildID: 2, Key: guid, Signature: guid, FileName: "App.pdb", ArtifactPath: "out/App.pdb"},
	} {
		require.NoError(t, metadata.AddRecord(ctx, rec.BuildID, symbols.ProviderID, rec.Key, RecordFields(rec)))
	}
	r := newTestResolver(t, metadata, newMemoryBuilds())

	got, err := r.Lookup(ctx, SymbolRequest{FileName: "app.pdb", Guid: guid})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.BuildID)
	assert.Equal(t, "out/App.pdb", got.ArtifactPath)
}

func TestResolverLookupError(t *testing.T) {
	boom := errors.New("db down")
	r := newTestResolver(t, &memoryMetadata{err: boom}, newMemoryBuilds())
	_, err := r.Lookup(context.Background(), SymbolRequest{FileName: "a.pdb", Guid: "g"})
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestResolverBuild(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(t, &memoryMetadata{}, newMemoryBuilds(Build{ID: 3, ProjectID: "proj"}))

	b, err := r.Build(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "proj", b.ProjectID)

	_, err = r.Build(ctx, 4)
	require.ErrorIs(t, err, ErrNotFound)

	broken := newMemoryBuilds()
	broken.err = errors.New("db down")
	r = newTestResolver(t, &memoryMetadata{}, broken)
	_, err = r.Build(ctx, 3)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
