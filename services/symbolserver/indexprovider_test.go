package symbolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symbold/pkg/bus"
	"symbold/pkg/symbols"
)

func indexDocument(t *testing.T, entries ...symbols.SignatureIndexEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, symbols.WriteIndex(&buf, entries))
	return buf.Bytes()
}

type indexerFixture struct {
	indexer   *MetadataIndexer
	artifacts *memoryArtifacts
	metadata  *memoryMetadata
	builds    *memoryBuilds
	cache     *SymbolsCache
	metrics   *Metrics
}

func newIndexerFixture(t *testing.T) *indexerFixture {
	t.Helper()
	f := &indexerFixture{
		artifacts: newMemoryArtifacts(),
		metadata:  &memoryMetadata{},
		builds:    newMemoryBuilds(),
		metrics:   NewMetrics(nil),
	}
	f.cache = NewSymbolsCache(CacheConfig{}, f.metrics, zerolog.Nop())
	var err error
	f.indexer, err = NewMetadataIndexer(f.artifacts, f.metadata, f.builds, f.cache, f.metrics, zerolog.Nop())
	require.NoError(t, err)
	return f
}

func (f *indexerFixture) lookup(t *testing.T, key string) []Record {
	t.Helper()
	recs, err := f.metadata.GetByKey(context.Background(), symbols.ProviderID, key)
	require.NoError(t, err)
	return recs
}

func TestMetadataIndexerIndexBuild(t *testing.T) {
	f := newIndexerFixture(t)
	ctx := context.Background()
	pdbGuid := "8ef4e863187c45e78f4632152cc82feb"

	f.artifacts.put(5, symbols.HiddenDir+"/"+symbols.SymbolSignaturesPrefix+"1"+symbols.IndexExtension, indexDocument(t,
		symbols.SignatureIndexEntry{Guid: pdbGuid, FileName: "secur32.pdb", ArtifactPath: "foo/secur32.pdb"},
		symbols.SignatureIndexEntry{Guid: pdbGuid, FileName: "located.pdb"},
		symbols.SignatureIndexEntry{Guid: pdbGuid, FileName: "nowhere.pdb"},
	))
	f.artifacts.put(5, symbols.HiddenDir+"/"+symbols.BinarySignaturesPrefix+"2"+symbols.IndexExtension, indexDocument(t,
		symbols.SignatureIndexEntry{Guid: "5A2F3C101E000", FileName: "app.dll", ArtifactPath: "bin/app.dll"},
	))
	// Same key again in a second document.
	f.artifacts.put(5, symbols.HiddenDir+"/"+symbols.SymbolSignaturesPrefix+"3"+symbols.IndexExtension, indexDocument(t,
		symbols.SignatureIndexEntry{Guid: pdbGuid, FileName: "secur32.pdb", ArtifactPath: "dup/secur32.pdb"},
	))
	f.artifacts.put(5, symbols.HiddenDir+"/"+symbols.SymbolSignaturesLocalPrefix+"4"+symbols.IndexExtension, indexDocument(t,
		symbols.SignatureIndexEntry{Guid: "ffff", FileName: "local.pdb", ArtifactPath: "/agent/work/local.pdb"},
	))
	f.artifacts.put(5, symbols.HiddenDir+"/"+symbols.SymbolSignaturesPrefix+"broken"+symbols.IndexExtension, []byte("<file-signs"))
	f.artifacts.put(5, "deep/dir/located.pdb", []byte("pdb"))
	f.artifacts.put(5, symbols.SourcesDir+"/files/nowhere.pdb", []byte("not a symbol artifact"))

	// A stale miss must not survive indexing.
	key := symbols.MetadataKey(pdbGuid, "secur32.pdb")
	_, ok, err := f.cache.Get(ctx, key, func(context.Context) (Record, bool, error) { return Record{}, false, nil })
	require.NoError(t, err)
	require.False(t, ok)

	report, err := f.indexer.IndexBuild(ctx, Build{ID: 5, ProjectID: "proj", Number: "42"})
	require.NoError(t, err)
	assert.Equal(t, IndexReport{Documents: 3, Records: 3, Skipped: 1}, report)

	b, err := f.builds.FindBuild(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "proj", b.ProjectID)

	recs := f.lookup(t, key)
	require.Len(t, recs, 1)
	assert.Equal(t, "foo/secur32.pdb", recs[0].ArtifactPath)
	assert.Equal(t, pdbGuid, recs[0].Signature)

	recs = f.lookup(t, symbols.MetadataKey(pdbGuid, "located.pdb"))
	require.Len(t, recs, 1)
	assert.Equal(t, "deep/dir/located.pdb", recs[0].ArtifactPath)

	recs = f.lookup(t, symbols.MetadataKey("5a2f3c101e000", "app.dll"))
	require.Len(t, recs, 1)
	assert.Equal(t, "bin/app.dll", recs[0].ArtifactPath)

	assert.Empty(t, f.lookup(t, symbols.MetadataKey("ffff", "local.pdb")))
	assert.Empty(t, f.lookup(t, symbols.MetadataKey(pdbGuid, "nowhere.pdb")))

	rec, ok, err := f.cache.Get(ctx, key, func(context.Context) (Record, bool, error) {
		recs, err := f.metadata.GetByKey(ctx, symbols.ProviderID, key)
		if err != nil || len(recs) == 0 {
			return Record{}, false, err
		}
		return recs[0], true, nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), rec.BuildID)

	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.RecordsIndexed))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IndexedBuilds))
}

func TestMetadataIndexerReplacesRecords(t *testing.T) {
	f := newIndexerFixture(t)
	ctx := context.Background()
	doc := symbols.HiddenDir + "/" + symbols.SymbolSignaturesPrefix + "1" + symbols.IndexExtension

	f.artifacts.put(8, doc, indexDocument(t, symbols.SignatureIndexEntry{Guid: "aa", FileName: "old.pdb", ArtifactPath: "old.pdb"}))
	_, err := f.indexer.IndexBuild(ctx, Build{ID: 8, ProjectID: "p"})
	require.NoError(t, err)

	f.artifacts.put(8, doc, indexDocument(t, symbols.SignatureIndexEntry{Guid: "bb", FileName: "new.pdb", ArtifactPath: "new.pdb"}))
	_, err = f.indexer.IndexBuild(ctx, Build{ID: 8, ProjectID: "p"})
	require.NoError(t, err)

	assert.Empty(t, f.lookup(t, symbols.MetadataKey("aa", "old.pdb")))
	assert.Len(t, f.lookup(t, symbols.MetadataKey("bb", "new.pdb")), 1)
}

func TestMetadataIndexerRequiresKnownBuild(t *testing.T) {
	f := newIndexerFixture(t)
	_, err := f.indexer.IndexBuild(context.Background(), Build{ID: 9})
	require.ErrorIs(t, err, ErrBuildNotFound)
}

type subscription struct {
	subject string
	fn      func(ctx context.Context, data []byte) error
}

type fakeSubscriber struct {
	subs []subscription
	err  error
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func (s *fakeSubscriber) Subscribe(_ context.Context, subj, _ string, fn func(ctx context.Context, data []byte) error) (io.Closer, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.subs = append(s.subs, subscription{subject: subj, fn: fn})
	return nopCloser{}, nil
}

func (s *fakeSubscriber) deliver(t *testing.T, subject string, ev bus.BuildEvent) error {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	for _, sub := range s.subs {
		if sub.subject == subject {
			return sub.fn(context.Background(), data)
		}
	}
	t.Fatalf("no subscription for %s", subject)
	return nil
}

func TestMetadataIndexerEvents(t *testing.T) {
	f := newIndexerFixture(t)
	ctx := context.Background()
	sub := &fakeSubscriber{}
	closers, err := f.indexer.Subscribe(ctx, sub)
	require.NoError(t, err)
	require.Len(t, closers, 2)

	f.artifacts.put(3, symbols.HiddenDir+"/"+symbols.SymbolSignaturesPrefix+"1"+symbols.IndexExtension,
		indexDocument(t, symbols.SignatureIndexEntry{Guid: "aa", FileName: "a.pdb", ArtifactPath: "a.pdb"}))

	require.NoError(t, sub.deliver(t, bus.SubjectArtifactsPublished, bus.BuildEvent{BuildID: 3, ProjectID: "p", At: time.Now()}))
	assert.Len(t, f.lookup(t, symbols.MetadataKey("aa", "a.pdb")), 1)

	_, _, err = f.cache.Get(ctx, "aa:a.pdb", func(context.Context) (Record, bool, error) {
		return Record{BuildID: 3, Key: "aa:a.pdb"}, true, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, f.cache.Len())
	require.NoError(t, sub.deliver(t, bus.SubjectArtifactsChanged, bus.BuildEvent{BuildID: 3}))
	assert.Zero(t, f.cache.Len())

	// Invalid events are dropped rather than redelivered.
	require.NoError(t, sub.deliver(t, bus.SubjectArtifactsPublished, bus.BuildEvent{}))
	// Unknown builds without a project are retried.
	require.Error(t, sub.deliver(t, bus.SubjectArtifactsPublished, bus.BuildEvent{BuildID: 77}))
}

func TestMetadataIndexerSubscribeError(t *testing.T) {
	f := newIndexerFixture(t)
	_, err := f.indexer.Subscribe(context.Background(), &fakeSubscriber{err: errors.New("no stream")})
	require.Error(t, err)
}
