package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"symbold/pkg/archive"
	"symbold/pkg/bus"
	"symbold/pkg/symbols"
)

// ObjectStore receives build artifacts.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
}

// EventPublisher announces build events.
type EventPublisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// BuildRef identifies the build artifacts are published for.
type BuildRef struct {
	ID        int64
	ProjectID string
	Number    string
}

// PublishPlan lists everything a build uploads.
type PublishPlan struct {
	Artifacts []Artifact
	// Documents are stored under symbols.HiddenDir.
	Documents []IndexDocument
	// Sources maps paths relative to the build sources URL to local files.
	Sources map[string]string
}

// PublishReport counts the uploaded objects.
type PublishReport struct {
	Objects  int
	Archives int
	Bytes    int64
}

// Publisher uploads build artifacts and signature index documents and
// announces them on the event bus.
type Publisher struct {
	store   ObjectStore
	events  EventPublisher
	bucket  string
	tempDir string
	log     zerolog.Logger
}

// NewPublisher returns a Publisher. events may be nil when no bus is configured.
func NewPublisher(store ObjectStore, events EventPublisher, bucket, tempDir string, log zerolog.Logger) (*Publisher, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Publisher{store: store, events: events, bucket: bucket, tempDir: tempDir, log: log}, nil
}

// Publish uploads plan for build and publishes the artifacts published event.
func (p *Publisher) Publish(ctx context.Context, build BuildRef, plan PublishPlan) (PublishReport, error) {
	var report PublishReport
	if build.ID <= 0 {
		return report, errors.New("build id is required")
	}
	log := p.log.With().Int64("build_id", build.ID).Logger()

	archives := make(map[string][]archive.File)
	for _, a := range plan.Artifacts {
		artifactPath := a.ArtifactPath()
		if name, inner, ok := symbols.SplitArchivePath(artifactPath); ok {
			archives[name] = append(archives[name], archive.File{Name: inner, Path: a.LocalPath})
			continue
		}
		n, err := p.putFile(ctx, build.ID, artifactPath, a.LocalPath)
		if err != nil {
			return report, err
		}
		report.Objects++
		report.Bytes += n
	}

	names := make([]string, 0, len(archives))
	for name := range archives {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		n, err := p.putArchive(ctx, build.ID, name, archives[name])
		if err != nil {
			return report, err
		}
		report.Archives++
		report.Bytes += n
	}

	for _, doc := range plan.Documents {
		target := path.Join(symbols.HiddenDir, filepath.Base(doc.Path))
		n, err := p.putFile(ctx, build.ID, target, doc.Path)
		if err != nil {
			return report, err
		}
		report.Objects++
		report.Bytes += n
	}

	rels := make([]string, 0, len(plan.Sources))
	for rel := range plan.Sources {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	for _, rel := range rels {
		n, err := p.putFile(ctx, build.ID, symbols.SourceArtifactPath(rel), plan.Sources[rel])
		if err != nil {
			return report, err
		}
		report.Objects++
		report.Bytes += n
	}

	log.Info().
		Int("objects", report.Objects).
		Int("archives", report.Archives).
		Int64("bytes", report.Bytes).
		Msg("build artifacts uploaded")

	if p.events == nil {
		return report, nil
	}
	event := bus.BuildEvent{BuildID: build.ID, ProjectID: build.ProjectID, Number: build.Number, At: time.Now().UTC()}
	if err := p.events.Publish(ctx, bus.SubjectArtifactsPublished, event); err != nil {
		return report, fmt.Errorf("publish build event: %w", err)
	}
	return report, nil
}

func (p *Publisher) putFile(ctx context.Context, buildID int64, artifactPath, local string) (int64, error) {
	sum, size, err := hashFile(local)
	if err != nil {
		return 0, err
	}
	file, err := os.Open(local)
	if err != nil {
		return 0, fmt.Errorf("open %q: %w", local, err)
	}
	defer file.Close()

	key := symbols.ArtifactKey(buildID, artifactPath)
	if err := p.store.PutObject(ctx, p.bucket, key, file, size, sum); err != nil {
		return 0, fmt.Errorf("upload %s: %w", key, err)
	}
	p.log.Debug().Str("key", key).Int64("size", size).Msg("artifact uploaded")
	return size, nil
}

func (p *Publisher) putArchive(ctx context.Context, buildID int64, name string, files []archive.File) (int64, error) {
	kind := archive.KindOf(name)
	if kind == archive.KindNone {
		return 0, fmt.Errorf("unsupported archive %q", name)
	}
	tmp, err := os.CreateTemp(p.tempDir, "artifact-*"+path.Ext(name))
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	err = archive.Write(tmp, kind, files)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("pack %s: %w", name, err)
	}
	return p.putFile(ctx, buildID, name, tmp.Name())
}

func hashFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}
