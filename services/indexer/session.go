package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"symbold/pkg/symbols"
)

// ErrIndexingDisabled is returned when a build cannot be indexed.
var ErrIndexingDisabled = errors.New("symbols indexing disabled")

// SignatureDumper writes the signature index document of pdb files.
type SignatureDumper interface {
	DumpPdbSignatures(ctx context.Context, files []string, output string) (int, error)
}

// Toolset groups the external tool adapters an indexing session drives.
type Toolset struct {
	Formats    FormatDetector
	Signatures SignatureDumper
	Legacy     PatchAdapter
	Portable   PatchAdapter
}

// NewToolset wires the real tools found in toolsDir (symbols tool) and
// srcsrvDir (pdbstr and srctool).
func NewToolset(toolsDir, srcsrvDir string, run Runner, log zerolog.Logger) (Toolset, error) {
	if err := requireDir(toolsDir, "symbols tool home directory"); err != nil {
		return Toolset{}, err
	}
	if err := requireDir(srcsrvDir, "source server tools home directory"); err != nil {
		return Toolset{}, err
	}
	tool := NewSymbolsTool(toolsDir, run, log)
	return Toolset{
		Formats:    tool,
		Signatures: tool,
		Legacy:     LegacyAdapter{SrcTool: NewSrcTool(srcsrvDir, run), PdbStr: NewPdbStr(srcsrvDir, run)},
		Portable:   PortableAdapter{Tool: tool},
	}, nil
}

func requireDir(dir, what string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("%w: %s is not configured", ErrIndexingDisabled, what)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s %q not found", ErrIndexingDisabled, what, dir)
	}
	return nil
}

// Artifact is a local file about to be published under TargetDir.
type Artifact struct {
	LocalPath string
	TargetDir string
}

// ArtifactPath returns the artifact path the file is published at.
func (a Artifact) ArtifactPath() string {
	return symbols.JoinArtifactPath(a.TargetDir, filepath.Base(a.LocalPath))
}

// SessionConfig holds what an indexing session needs to know about a build.
type SessionConfig struct {
	BuildID     int64
	SourceRoot  string
	ServerURL   string
	TempDir     string
	Parallelism int
	// Enabled switches indexing off when explicitly false.
	Enabled *bool
}

type fileKind int

const (
	kindOther fileKind = iota
	kindSymbols
	kindBinary
)

func classify(path string) fileKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdb":
		return kindSymbols
	case ".dll", ".exe":
		return kindBinary
	default:
		return kindOther
	}
}

// signatureSet collects the signatures of one file category of a build.
type signatureSet struct {
	mu        sync.Mutex
	artifacts map[string]string                       // canonical local path -> artifact path
	entries   map[string]symbols.SignatureIndexEntry // canonical local path -> local entry
}

func newSignatureSet() *signatureSet {
	return &signatureSet{
		artifacts: make(map[string]string),
		entries:   make(map[string]symbols.SignatureIndexEntry),
	}
}

func (s *signatureSet) add(local, artifactPath string, entry symbols.SignatureIndexEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[local] = artifactPath
	s.entries[local] = entry
}

// drain returns the local and published index entries and resets the set.
func (s *signatureSet) drain() (local, published []symbols.SignatureIndexEntry, files int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files = len(s.artifacts)
	for localPath, entry := range s.entries {
		local = append(local, entry)
		artifactPath, ok := s.artifacts[localPath]
		if !ok {
			continue
		}
		published = append(published, symbols.SignatureIndexEntry{
			Guid:         entry.Guid,
			FileName:     filepath.Base(localPath),
			ArtifactPath: artifactPath,
		})
	}
	s.artifacts = make(map[string]string)
	s.entries = make(map[string]symbols.SignatureIndexEntry)
	return local, published, files
}

// CollectReport summarizes one artifact collection pass.
type CollectReport struct {
	Symbols   int
	Binaries  int
	Skipped   int
	NoSources int
	Errors    []error
}

// Session is the indexing context of a single build. It is safe for
// concurrent collection passes; every file is processed at most once.
type Session struct {
	cfg     SessionConfig
	urls    URLProvider
	tools   Toolset
	patcher *Patcher
	log     zerolog.Logger

	inflight sync.Map // canonical path -> struct{}
	seen     sync.Map // canonical path -> struct{}, survives Finish
	pdbs     *signatureSet
	binaries *signatureSet

	sourcesMu sync.Mutex
	sources   map[string]string // relative url -> local path
}

// NewSession builds the indexing session of a build. It returns an error
// wrapping ErrIndexingDisabled when indexing is switched off or a
// prerequisite is missing.
func NewSession(cfg SessionConfig, tools Toolset, log zerolog.Logger) (*Session, error) {
	log = log.With().Int64("build_id", cfg.BuildID).Logger()
	if cfg.Enabled != nil && !*cfg.Enabled {
		return nil, fmt.Errorf("%w: switched off by configuration", ErrIndexingDisabled)
	}
	if tools.Formats == nil || tools.Signatures == nil || tools.Legacy == nil || tools.Portable == nil {
		return nil, fmt.Errorf("%w: external tools are not available", ErrIndexingDisabled)
	}
	urls, err := NewFileURLProvider(cfg.ServerURL, cfg.BuildID, cfg.SourceRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexingDisabled, err)
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}

	patcher, err := NewPatcher(cfg.TempDir, tools.Formats, tools.Legacy, tools.Portable, urls, log)
	if err != nil {
		return nil, err
	}

	log.Info().Str("source_root", urls.SourceRoot()).Str("sources_url", Alias(urls)).Msg("symbols indexing enabled")
	return &Session{
		cfg:      cfg,
		urls:     urls,
		tools:    tools,
		patcher:  patcher,
		log:      log,
		pdbs:     newSignatureSet(),
		binaries: newSignatureSet(),
		sources:  make(map[string]string),
	}, nil
}

// Collect runs one artifact collection pass. Files seen by an earlier pass
// are skipped; a failing file never stops the others.
func (s *Session) Collect(ctx context.Context, artifacts []Artifact) CollectReport {
	var (
		report   CollectReport
		reportMu sync.Mutex
	)
	record := func(fn func(r *CollectReport)) {
		reportMu.Lock()
		fn(&report)
		reportMu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)

	for _, artifact := range artifacts {
		kind := classify(artifact.LocalPath)
		if kind == kindOther {
			continue
		}
		local, err := canonicalPath(artifact.LocalPath)
		if err != nil {
			record(func(r *CollectReport) { r.Errors = append(r.Errors, err) })
			continue
		}
		if s.known(local) {
			s.log.Debug().Str("file", local).Msg("file already processed, skipped")
			record(func(r *CollectReport) { r.Skipped++ })
			continue
		}
		if _, busy := s.inflight.LoadOrStore(local, struct{}{}); busy {
			record(func(r *CollectReport) { r.Skipped++ })
			continue
		}

		g.Go(func() error {
			defer s.inflight.Delete(local)
			if err := gctx.Err(); err != nil {
				record(func(r *CollectReport) { r.Errors = append(r.Errors, err) })
				return nil
			}

			switch kind {
			case kindSymbols:
				outcome, err := s.processSymbols(gctx, local, artifact.ArtifactPath())
				record(func(r *CollectReport) {
					switch {
					case err != nil:
						r.Errors = append(r.Errors, err)
					case outcome == OutcomeNoSources:
						r.NoSources++
					default:
						r.Symbols++
					}
				})
			case kindBinary:
				err := s.processBinary(local, artifact.ArtifactPath())
				record(func(r *CollectReport) {
					if err != nil {
						r.Errors = append(r.Errors, err)
					} else {
						r.Binaries++
					}
				})
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range report.Errors {
		s.log.Error().Err(err).Msg("error occurred while indexing file")
	}
	s.log.Info().
		Int("symbols", report.Symbols).
		Int("binaries", report.Binaries).
		Int("skipped", report.Skipped).
		Int("no_sources", report.NoSources).
		Int("errors", len(report.Errors)).
		Msg("artifact collection pass finished")
	return report
}

func (s *Session) known(local string) bool {
	_, ok := s.seen.Load(local)
	return ok
}

func (s *Session) processSymbols(ctx context.Context, local, artifactPath string) (Outcome, error) {
	result, err := s.patcher.Patch(ctx, local)
	if err != nil {
		return 0, err
	}
	if result.Outcome == OutcomeNoSources {
		return result.Outcome, nil
	}
	// An already patched file whose signature was never recorded is retried here.

	entry, err := s.pdbSignature(ctx, local)
	if err != nil {
		return 0, err
	}
	s.pdbs.add(local, artifactPath, entry)
	s.seen.Store(local, struct{}{})
	s.rememberSources(result.Sources)
	s.log.Info().Str("file", local).Str("artifact_path", artifactPath).Str("sign", entry.Guid).Msg("symbols file indexed")
	return OutcomePatched, nil
}

func (s *Session) pdbSignature(ctx context.Context, local string) (symbols.SignatureIndexEntry, error) {
	out, err := os.CreateTemp(s.cfg.TempDir, "symbol-signature-local-*.xml")
	if err != nil {
		return symbols.SignatureIndexEntry{}, err
	}
	out.Close()
	defer os.Remove(out.Name())

	code, err := s.tools.Signatures.DumpPdbSignatures(ctx, []string{local}, out.Name())
	if err != nil {
		return symbols.SignatureIndexEntry{}, fmt.Errorf("dump signature of %s: %w", local, err)
	}
	if code != 0 {
		return symbols.SignatureIndexEntry{}, fmt.Errorf("dump signature of %s: exit code %d", local, code)
	}
	entries, err := symbols.ReadIndexFile(out.Name(), true)
	if err != nil {
		return symbols.SignatureIndexEntry{}, fmt.Errorf("read signature of %s: %w", local, err)
	}
	if len(entries) == 0 {
		return symbols.SignatureIndexEntry{}, fmt.Errorf("failed to get signature of %s", local)
	}
	entry := entries[0]
	entry.ArtifactPath = local
	return entry, nil
}

func (s *Session) processBinary(local, artifactPath string) error {
	sign, err := symbols.BinarySignatureFile(local)
	if err != nil {
		return err
	}
	entry := symbols.SignatureIndexEntry{
		Guid:         symbols.ExtractGuid(sign, true),
		FileName:     filepath.Base(local),
		ArtifactPath: local,
	}
	s.binaries.add(local, artifactPath, entry)
	s.seen.Store(local, struct{}{})
	s.log.Debug().Str("file", local).Str("sign", entry.Guid).Msg("binary file indexed")
	return nil
}

func (s *Session) rememberSources(sources []string) {
	s.sourcesMu.Lock()
	defer s.sourcesMu.Unlock()
	for _, src := range sources {
		rel, ok := s.urls.FileURL(src)
		if !ok {
			continue
		}
		s.sources["files/"+rel] = src
	}
}

// Sources returns the indexed source files keyed by their path relative to
// the build sources URL.
func (s *Session) Sources() map[string]string {
	s.sourcesMu.Lock()
	defer s.sourcesMu.Unlock()
	out := make(map[string]string, len(s.sources))
	for k, v := range s.sources {
		out[k] = v
	}
	return out
}

// IndexDocument is a signature index file ready to be published under symbols.HiddenDir.
type IndexDocument struct {
	Path    string
	Entries int
}

// Finish writes the local and published signature index documents of both
// categories into dir and resets the collected state.
func (s *Session) Finish(dir string) ([]IndexDocument, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var (
		docs []IndexDocument
		errs []error
	)
	categories := []struct {
		name          string
		set           *signatureSet
		localPrefix   string
		publishPrefix string
	}{
		{name: "symbols", set: s.pdbs, localPrefix: symbols.SymbolSignaturesLocalPrefix, publishPrefix: symbols.SymbolSignaturesPrefix},
		{name: "binaries", set: s.binaries, localPrefix: symbols.BinarySignaturesLocalPrefix, publishPrefix: symbols.BinarySignaturesPrefix},
	}
	for _, c := range categories {
		local, published, files := c.set.drain()
		if files == 0 {
			s.log.Info().Msgf("%s weren't found in artifacts to be published", c.name)
			continue
		}
		if len(local) == 0 {
			s.log.Warn().Msgf("no information was collected about %s signatures", c.name)
			continue
		}

		suffix := uuid.NewString() + symbols.IndexExtension
		localDoc := filepath.Join(dir, c.localPrefix+suffix)
		publishedDoc := filepath.Join(dir, c.publishPrefix+suffix)
		if err := symbols.WriteIndexFile(localDoc, local); err != nil {
			errs = append(errs, fmt.Errorf("write %s local index: %w", c.name, err))
			continue
		}
		if err := symbols.WriteIndexFile(publishedDoc, published); err != nil {
			errs = append(errs, fmt.Errorf("write %s index: %w", c.name, err))
			continue
		}
		docs = append(docs,
			IndexDocument{Path: localDoc, Entries: len(local)},
			IndexDocument{Path: publishedDoc, Entries: len(published)},
		)
	}
	s.log.Info().Int("documents", len(docs)).Msg("signature index documents written")
	return docs, errors.Join(errs...)
}
