package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// FormatDetector reports the container flavour of a pdb file.
type FormatDetector interface {
	PdbType(ctx context.Context, pdb string) (PdbType, error)
}

// PatchAdapter lists the sources of a symbol file and embeds a source link
// stream into it.
type PatchAdapter interface {
	ListSources(ctx context.Context, pdb string) ([]string, error)
	UpdateSourceLinks(ctx context.Context, pdb, stream string) (ToolResult, error)
}

// LegacyAdapter patches Windows pdb files with srctool and pdbstr.
type LegacyAdapter struct {
	SrcTool *SrcTool
	PdbStr  *PdbStr
}

func (a LegacyAdapter) ListSources(ctx context.Context, pdb string) ([]string, error) {
	return a.SrcTool.ListSources(ctx, pdb)
}

func (a LegacyAdapter) UpdateSourceLinks(ctx context.Context, pdb, stream string) (ToolResult, error) {
	return a.PdbStr.WriteStream(ctx, pdb, stream)
}

// PortableAdapter patches portable pdb files with the symbols tool.
type PortableAdapter struct {
	Tool *SymbolsTool
}

func (a PortableAdapter) ListSources(ctx context.Context, pdb string) ([]string, error) {
	return a.Tool.ListSources(ctx, pdb)
}

func (a PortableAdapter) UpdateSourceLinks(ctx context.Context, pdb, stream string) (ToolResult, error) {
	return a.Tool.UpdateSourceURLs(ctx, pdb, stream)
}

// Outcome is the terminal state of a patch attempt that did not fail.
type Outcome int

const (
	OutcomePatched Outcome = iota
	OutcomeNoSources
	OutcomeAlreadyProcessed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePatched:
		return "patched"
	case OutcomeNoSources:
		return "no-sources"
	case OutcomeAlreadyProcessed:
		return "already-processed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// PatchResult describes a patch attempt.
type PatchResult struct {
	File    string
	Outcome Outcome
	Format  SymbolFormat
	Sources []string
	Indexed int
}

// PatchError reports that the external tool refused to update a symbol file.
type PatchError struct {
	File     string
	ExitCode int
	Output   string
	Err      error
}

func (e *PatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to update symbols file %s: %v", e.File, e.Err)
	}
	return fmt.Sprintf("failed to update symbols file %s: exit code %d: %s", e.File, e.ExitCode, e.Output)
}

func (e *PatchError) Unwrap() error { return e.Err }

// Patcher rewrites the source link stream of pdb files. A file is patched at
// most once per Patcher, concurrent attempts on the same file serialize.
type Patcher struct {
	tempDir  string
	formats  FormatDetector
	adapters map[SymbolFormat]PatchAdapter
	urls     URLProvider
	log      zerolog.Logger

	locks     sync.Map // canonical path -> *sync.Mutex
	processed sync.Map // canonical path -> struct{}
}

// NewPatcher builds a Patcher writing its temporary streams to tempDir.
func NewPatcher(tempDir string, formats FormatDetector, legacy, portable PatchAdapter, urls URLProvider, log zerolog.Logger) (*Patcher, error) {
	if formats == nil {
		return nil, errors.New("format detector is required")
	}
	if legacy == nil || portable == nil {
		return nil, errors.New("patch adapters are required")
	}
	if urls == nil {
		return nil, errors.New("url provider is required")
	}
	return &Patcher{
		tempDir: tempDir,
		formats: formats,
		adapters: map[SymbolFormat]PatchAdapter{
			FormatLegacy:   legacy,
			FormatPortable: portable,
		},
		urls: urls,
		log:  log,
	}, nil
}

// Processed reports whether pdb was already patched.
func (p *Patcher) Processed(pdb string) bool {
	canonical, err := canonicalPath(pdb)
	if err != nil {
		return false
	}
	_, ok := p.processed.Load(canonical)
	return ok
}

// Patch lists the sources of pdb, builds the matching source link stream and
// embeds it. Files without sources yield OutcomeNoSources and may be retried.
func (p *Patcher) Patch(ctx context.Context, pdb string) (PatchResult, error) {
	canonical, err := canonicalPath(pdb)
	if err != nil {
		return PatchResult{File: pdb}, err
	}
	result := PatchResult{File: canonical}

	muValue, _ := p.locks.LoadOrStore(canonical, &sync.Mutex{})
	mu := muValue.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	if _, ok := p.processed.Load(canonical); ok {
		result.Outcome = OutcomeAlreadyProcessed
		return result, nil
	}

	pdbType, err := p.formats.PdbType(ctx, canonical)
	if err != nil {
		return result, fmt.Errorf("detect pdb type of %s: %w", canonical, err)
	}
	result.Format = pdbType.Format()
	adapter := p.adapters[result.Format]
	log := p.log.With().Str("file", canonical).Str("pdb_type", string(pdbType)).Logger()

	sources, err := adapter.ListSources(ctx, canonical)
	if err != nil {
		return result, fmt.Errorf("list sources of %s: %w", canonical, err)
	}
	if len(sources) == 0 {
		log.Warn().Msg("no source information found in pdb file")
		result.Outcome = OutcomeNoSources
		return result, nil
	}
	result.Sources = sources

	stream, err := os.CreateTemp(p.tempDir, "pdb-*.patch")
	if err != nil {
		return result, err
	}
	defer os.Remove(stream.Name())

	indexed, err := NewStreamBuilder(result.Format, p.urls, log).Build(stream, sources)
	if closeErr := stream.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return result, fmt.Errorf("build source link stream for %s: %w", canonical, err)
	}
	result.Indexed = indexed

	if indexed == 0 {
		log.Warn().Int("sources", len(sources)).
			Msg("no local source files were indexed, the pdb looks like it was not produced by this build")
	} else {
		log.Info().Int("sources", indexed).Msg("updating source information")
	}

	res, err := adapter.UpdateSourceLinks(ctx, canonical, stream.Name())
	if err != nil {
		return result, &PatchError{File: canonical, ExitCode: res.ExitCode, Err: err}
	}
	if res.ExitCode != 0 {
		return result, &PatchError{File: canonical, ExitCode: res.ExitCode, Output: strings.TrimSpace(res.Stderr)}
	}

	p.processed.Store(canonical, struct{}{})
	result.Outcome = OutcomePatched
	return result, nil
}
