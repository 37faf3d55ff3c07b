package symbolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"symbold/pkg/bus"
	"symbold/pkg/symbols"
)

// Subscriber delivers build events.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// IndexReport summarizes one indexing run of a build.
type IndexReport struct {
	Documents int
	Records   int
	Skipped   int
}

// MetadataIndexer turns the signature index documents a build published into
// metadata records and keeps the lookup cache coherent with them.
type MetadataIndexer struct {
	artifacts ArtifactStore
	metadata  MetadataStore
	builds    BuildRegistry
	cache     *SymbolsCache
	metrics   *Metrics
	log       zerolog.Logger
}

func NewMetadataIndexer(artifacts ArtifactStore, metadata MetadataStore, builds BuildRegistry, cache *SymbolsCache, metrics *Metrics, log zerolog.Logger) (*MetadataIndexer, error) {
	if artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	if metadata == nil {
		return nil, errors.New("metadata store is required")
	}
	if builds == nil {
		return nil, errors.New("build registry is required")
	}
	if cache == nil {
		return nil, errors.New("cache is required")
	}
	if metrics == nil {
		return nil, errors.New("metrics are required")
	}
	return &MetadataIndexer{artifacts: artifacts, metadata: metadata, builds: builds, cache: cache, metrics: metrics, log: log}, nil
}

// Subscribe consumes build events until ctx is done. Close the returned
// closers to stop earlier.
func (m *MetadataIndexer) Subscribe(ctx context.Context, sub Subscriber) ([]io.Closer, error) {
	published, err := sub.Subscribe(ctx, bus.SubjectArtifactsPublished, "symbold-metadata-indexer", m.handlePublished)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", bus.SubjectArtifactsPublished, err)
	}
	changed, err := sub.Subscribe(ctx, bus.SubjectArtifactsChanged, "symbold-cache-invalidator", m.handleChanged)
	if err != nil {
		_ = published.Close()
		return nil, fmt.Errorf("subscribe %s: %w", bus.SubjectArtifactsChanged, err)
	}
	return []io.Closer{published, changed}, nil
}

func decodeEvent(data []byte) (bus.BuildEvent, error) {
	var ev bus.BuildEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode build event: %w", err)
	}
	return ev, ev.Validate()
}

func (m *MetadataIndexer) handlePublished(ctx context.Context, data []byte) error {
	ev, err := decodeEvent(data)
	if err != nil {
		m.log.Error().Err(err).Msg("drop build event")
		return nil
	}
	report, err := m.IndexBuild(ctx, Build{ID: ev.BuildID, ProjectID: ev.ProjectID, Number: ev.Number})
	if err != nil {
		m.log.Error().Err(err).Int64("build_id", ev.BuildID).Msg("index build metadata")
		return err
	}
	m.log.Info().Int64("build_id", ev.BuildID).Int("documents", report.Documents).
		Int("records", report.Records).Int("skipped", report.Skipped).Msg("build metadata indexed")
	return nil
}

func (m *MetadataIndexer) handleChanged(ctx context.Context, data []byte) error {
	ev, err := decodeEvent(data)
	if err != nil {
		m.log.Error().Err(err).Msg("drop build event")
		return nil
	}
	n := m.cache.InvalidateBuild(ev.BuildID)
	m.log.Info().Int64("build_id", ev.BuildID).Int("keys", n).Msg("artifacts changed, cache invalidated")
	return nil
}

// IndexBuild replaces the records of build with the entries of its published
// signature index documents. Malformed documents are skipped.
func (m *MetadataIndexer) IndexBuild(ctx context.Context, build Build) (IndexReport, error) {
	var report IndexReport
	log := m.log.With().Int64("build_id", build.ID).Logger()

	if build.ProjectID != "" {
		if err := m.builds.UpsertBuild(ctx, build); err != nil {
			return report, err
		}
	} else if _, err := m.builds.FindBuild(ctx, build.ID); err != nil {
		return report, fmt.Errorf("build without project: %w", err)
	}

	infos, err := m.artifacts.List(ctx, build.ID, symbols.HiddenDir)
	if err != nil {
		return report, fmt.Errorf("list index documents: %w", err)
	}

	seen := make(map[string]struct{})
	var entries []symbols.SignatureIndexEntry
	for _, info := range infos {
		if !isPublishedIndex(info.Path) {
			continue
		}
		docEntries, err := m.readDocument(ctx, build.ID, info.Path)
		if err != nil {
			log.Debug().Err(err).Str("document", info.Path).Msg("skip signature index document")
			continue
		}
		report.Documents++
		for _, e := range docEntries {
			key := strings.ToLower(e.Key())
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			entries = append(entries, e)
		}
	}

	if err := m.metadata.RemoveBuild(ctx, build.ID, symbols.ProviderID); err != nil {
		return report, fmt.Errorf("remove previous records: %w", err)
	}

	var all []ArtifactInfo
	for _, e := range entries {
		if e.ArtifactPath == "" {
			if all == nil {
				if all, err = m.artifacts.List(ctx, build.ID, ""); err != nil {
					return report, fmt.Errorf("list artifacts: %w", err)
				}
			}
			p, ok := locateIn(all, e.FileName)
			if !ok {
				log.Warn().Str("file", e.FileName).Msg("no artifact found for indexed file")
				report.Skipped++
				continue
			}
			e.ArtifactPath = p
		}
		rec := Record{BuildID: build.ID, Key: e.Key(), Signature: e.Guid, FileName: e.FileName, ArtifactPath: e.ArtifactPath}
		if err := m.metadata.AddRecord(ctx, build.ID, symbols.ProviderID, rec.Key, RecordFields(rec)); err != nil {
			return report, fmt.Errorf("add record %s: %w", rec.Key, err)
		}
		m.cache.Remove(rec.Key)
		report.Records++
	}

	m.cache.InvalidateBuild(build.ID)
	m.metrics.RecordsIndexed.Add(float64(report.Records))
	m.metrics.IndexedBuilds.Inc()
	return report, nil
}

func (m *MetadataIndexer) readDocument(ctx context.Context, buildID int64, artifactPath string) ([]symbols.SignatureIndexEntry, error) {
	rc, err := m.artifacts.Open(ctx, buildID, artifactPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return symbols.ReadIndex(rc, false)
}

func isPublishedIndex(artifactPath string) bool {
	name := path.Base(artifactPath)
	if !strings.HasSuffix(name, symbols.IndexExtension) {
		return false
	}
	return strings.HasPrefix(name, symbols.SymbolSignaturesPrefix) || strings.HasPrefix(name, symbols.BinarySignaturesPrefix)
}
