package indexer

import (
	"io"

	"github.com/rs/zerolog"
)

// SymbolFormat selects the source link stream flavour a symbol file takes.
type SymbolFormat int

const (
	// FormatLegacy is the SRCSRV stream of Windows PDB files.
	FormatLegacy SymbolFormat = iota
	// FormatPortable is the JSON source link document of portable PDB files.
	FormatPortable
)

func (f SymbolFormat) String() string {
	switch f {
	case FormatPortable:
		return "portable"
	default:
		return "legacy"
	}
}

// StreamBuilder serializes source links for a set of local source files and
// reports how many of them were written.
type StreamBuilder interface {
	Build(w io.Writer, sources []string) (int, error)
}

// NewStreamBuilder returns the builder for format.
func NewStreamBuilder(format SymbolFormat, urls URLProvider, log zerolog.Logger) StreamBuilder {
	if format == FormatPortable {
		return &SourceLinkBuilder{urls: urls, log: log}
	}
	return &SrcSrvBuilder{urls: urls, log: log}
}
