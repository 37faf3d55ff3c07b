package symbols

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

type indexDocument struct {
	XMLName xml.Name     `xml:"file-signs"`
	Entries []indexEntry `xml:"file-sign-entry"`
}

type indexEntry struct {
	Sign string `xml:"sign,attr"`
	File string `xml:"file,attr"`
	Path string `xml:"file-path,attr,omitempty"`
}

// WriteIndex serializes entries as a signature index document. Signatures are
// written as given.
func WriteIndex(w io.Writer, entries []SignatureIndexEntry) error {
	doc := indexDocument{Entries: make([]indexEntry, 0, len(entries))}
	for _, e := range entries {
		doc.Entries = append(doc.Entries, indexEntry{Sign: e.Guid, File: e.FileName, Path: e.ArtifactPath})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode signature index: %w", err)
	}
	return enc.Close()
}

// ReadIndex parses a signature index document. Every signature is lowercased
// and, when cut is set, truncated as ExtractGuid does. Entries missing a
// signature or a file name are dropped and duplicates are collapsed.
func ReadIndex(r io.Reader, cut bool) ([]SignatureIndexEntry, error) {
	var doc indexDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("signature index is empty")
		}
		return nil, fmt.Errorf("decode signature index: %w", err)
	}

	seen := make(map[SignatureIndexEntry]struct{}, len(doc.Entries))
	out := make([]SignatureIndexEntry, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		sign := strings.TrimSpace(e.Sign)
		file := strings.TrimSpace(e.File)
		if sign == "" || file == "" {
			continue
		}
		entry := SignatureIndexEntry{
			Guid:         ExtractGuid(sign, cut),
			FileName:     file,
			ArtifactPath: e.Path,
		}
		if _, ok := seen[entry]; ok {
			continue
		}
		seen[entry] = struct{}{}
		out = append(out, entry)
	}
	return out, nil
}

// WriteIndexFile writes entries to path, replacing any existing file.
func WriteIndexFile(path string, entries []SignatureIndexEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteIndex(f, entries); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadIndexFile reads the index document stored at path.
func ReadIndexFile(path string, cut bool) ([]SignatureIndexEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadIndex(f, cut)
}
