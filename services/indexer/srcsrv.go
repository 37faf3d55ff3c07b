package indexer

import (
	"bufio"
	"io"

	"github.com/rs/zerolog"
)

const crlf = "\r\n"

const (
	srcsrvIniBanner       = "SRCSRV: ini ------------------------------------------------"
	srcsrvVariablesBanner = "SRCSRV: variables ------------------------------------------"
	srcsrvSourcesBanner   = "SRCSRV: source files ------------------------------------------"
	srcsrvEndBanner       = "SRCSRV: end ------------------------------------------------"
)

// SrcSrvBuilder writes the SRCSRV stream read by the Windows debugger source server.
type SrcSrvBuilder struct {
	urls URLProvider
	log  zerolog.Logger
}

// NewSrcSrvBuilder returns a SRCSRV builder resolving files through urls.
func NewSrcSrvBuilder(urls URLProvider, log zerolog.Logger) *SrcSrvBuilder {
	return &SrcSrvBuilder{urls: urls, log: log}
}

func (b *SrcSrvBuilder) Build(w io.Writer, sources []string) (int, error) {
	bw := bufio.NewWriter(w)
	header := []string{
		srcsrvIniBanner,
		"VERSION=3",
		"INDEXVERSION=2",
		"VERCTRL=http",
		srcsrvVariablesBanner,
		"SRCSRVVERCTRL=http",
		"HTTP_ALIAS=" + Alias(b.urls),
		"HTTP_EXTRACT_TARGET=%HTTP_ALIAS%/%var2%",
		"SRCSRVTRG=%HTTP_EXTRACT_TARGET%",
		"SRCSRVCMD=",
		srcsrvSourcesBanner,
	}
	for _, line := range header {
		if _, err := bw.WriteString(line + crlf); err != nil {
			return 0, err
		}
	}

	count := 0
	for _, src := range sources {
		rel, ok := b.urls.FileURL(src)
		if !ok {
			b.log.Debug().Str("file", src).Msg("source file is outside the source root")
			continue
		}
		if _, err := bw.WriteString(src + "*" + rel + crlf); err != nil {
			return count, err
		}
		count++
	}

	if _, err := bw.WriteString(srcsrvEndBanner); err != nil {
		return count, err
	}
	return count, bw.Flush()
}
