package indexer

import (
	"encoding/json"
	"io"

	"github.com/rs/zerolog"
)

type sourceLinkDocument struct {
	Documents map[string]string `json:"documents"`
}

// SourceLinkBuilder writes the JSON source link document of portable PDB files.
type SourceLinkBuilder struct {
	urls URLProvider
	log  zerolog.Logger
}

// NewSourceLinkBuilder returns a JSON builder resolving files through urls.
func NewSourceLinkBuilder(urls URLProvider, log zerolog.Logger) *SourceLinkBuilder {
	return &SourceLinkBuilder{urls: urls, log: log}
}

func (b *SourceLinkBuilder) Build(w io.Writer, sources []string) (int, error) {
	doc := sourceLinkDocument{Documents: make(map[string]string, len(sources))}
	prefix := Alias(b.urls) + "/"
	for _, src := range sources {
		rel, ok := b.urls.FileURL(src)
		if !ok {
			b.log.Debug().Str("file", src).Msg("source file is outside the source root")
			continue
		}
		doc.Documents[src] = prefix + rel
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return 0, err
	}
	return len(doc.Documents), nil
}
