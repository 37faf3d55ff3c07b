package symbolserver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"symbold/pkg/symbols"
)

// ErrNotFound is returned for download requests that do not resolve to a
// readable artifact. The reason is logged, never returned to the client.
var ErrNotFound = errors.New("not found")

var symbolRequestPattern = regexp.MustCompile(`(?i).*` + regexp.QuoteMeta(symbols.SymbolsPath) + `/([^/]+)/([^/]+)`)

// SymbolRequest is a parsed symbol store request.
type SymbolRequest struct {
	FileName string
	Guid     string
}

// Key is the composite metadata key of the request.
func (q SymbolRequest) Key() string {
	return symbols.MetadataKey(q.Guid, q.FileName)
}

// ParseSymbolRequest parses an escaped request path of the form
// <prefix>/<fileName>/<signature>/<fileName>. ok is false for paths that must
// be answered with not found, including compressed placeholder requests.
func ParseSymbolRequest(escapedPath string) (req SymbolRequest, ok bool, err error) {
	p := strings.TrimSuffix(escapedPath, "/")
	if IsCompressedPlaceholder(p) {
		return SymbolRequest{}, false, nil
	}
	m := symbolRequestPattern.FindStringSubmatch(p)
	if m == nil {
		return SymbolRequest{}, false, nil
	}

	// "+" is a literal character in symbol file names, not an encoded space.
	name, err := url.QueryUnescape(strings.ReplaceAll(m[1], "+", "%2b"))
	if err != nil {
		return SymbolRequest{}, false, fmt.Errorf("decode file name %q: %w", m[1], err)
	}
	return SymbolRequest{
		FileName: name,
		Guid:     symbols.ExtractGuid(strings.ToLower(m[2]), true),
	}, true, nil
}

// IsCompressedPlaceholder reports whether a request asks for a compressed
// ("file.pd_") or pointer ("file.ptr") form, which are never served.
func IsCompressedPlaceholder(p string) bool {
	p = strings.ToLower(p)
	return strings.HasSuffix(p, "_") || strings.HasSuffix(p, "ptr")
}

// Resolver maps symbol requests to stored records and their builds.
type Resolver struct {
	cache    *SymbolsCache
	metadata MetadataStore
	builds   BuildRegistry
	log      zerolog.Logger
}

func NewResolver(cache *SymbolsCache, metadata MetadataStore, builds BuildRegistry, log zerolog.Logger) (*Resolver, error) {
	if cache == nil {
		return nil, errors.New("cache is required")
	}
	if metadata == nil {
		return nil, errors.New("metadata store is required")
	}
	if builds == nil {
		return nil, errors.New("build registry is required")
	}
	return &Resolver{cache: cache, metadata: metadata, builds: builds, log: log}, nil
}

// Lookup finds the record serving req. Results, including misses, are cached.
func (r *Resolver) Lookup(ctx context.Context, req SymbolRequest) (Record, error) {
	rec, found, err := r.cache.Get(ctx, req.Key(), func(ctx context.Context) (Record, bool, error) {
		return r.lookup(ctx, req)
	})
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, req.Key())
	}
	return rec, nil
}

func (r *Resolver) lookup(ctx context.Context, req SymbolRequest) (Record, bool, error) {
	recs, err := r.metadata.GetByKey(ctx, symbols.ProviderID, req.Key())
	if err != nil {
		return Record{}, false, err
	}
	if len(recs) > 0 {
		return recs[0], true, nil
	}

	// Records written before composite keys were keyed by the bare guid.
	recs, err = r.metadata.GetByKey(ctx, symbols.ProviderID, req.Guid)
	if err != nil {
		return Record{}, false, err
	}
	for _, rec := range recs {
		if strings.EqualFold(rec.FileName, req.FileName) {
			r.log.Debug().Str("guid", req.Guid).Str("file", req.FileName).Msg("symbol resolved by legacy guid key")
			return rec, true, nil
		}
	}
	return Record{}, false, nil
}

// Build resolves a build by id. Unknown builds are ErrNotFound.
func (r *Resolver) Build(ctx context.Context, buildID int64) (Build, error) {
	b, err := r.builds.FindBuild(ctx, buildID)
	if errors.Is(err, ErrBuildNotFound) {
		return Build{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return b, err
}
