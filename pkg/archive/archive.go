// Package archive writes and reads the archive artifacts symbol files can be
// published in: zip-based packages and zstd compressed tarballs.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// ErrEntryNotFound is returned when an archive does not hold the requested entry.
var ErrEntryNotFound = errors.New("archive: entry not found")

// Kind identifies an archive format.
type Kind int

const (
	KindNone Kind = iota
	KindZip
	KindTarZstd
)

// KindOf infers the archive format from an artifact name.
func KindOf(name string) Kind {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return KindTarZstd
	case strings.HasSuffix(lower, ".zip"), strings.HasSuffix(lower, ".nupkg"),
		strings.HasSuffix(lower, ".snupkg"), strings.HasSuffix(lower, ".jar"),
		strings.HasSuffix(lower, ".war"), strings.HasSuffix(lower, ".ear"):
		return KindZip
	default:
		return KindNone
	}
}

// File is a local file stored in an archive under Name.
type File struct {
	Name string
	Path string
}

// Write streams files into w using the given format.
func Write(w io.Writer, kind Kind, files []File) error {
	switch kind {
	case KindZip:
		return writeZip(w, files)
	case KindTarZstd:
		return writeTarZstd(w, files)
	default:
		return fmt.Errorf("archive: unsupported kind %d", kind)
	}
}

func writeZip(w io.Writer, files []File) error {
	zw := zip.NewWriter(w)
	for _, f := range files {
		info, err := os.Stat(f.Path)
		if err != nil {
			return fmt.Errorf("stat %q: %w", f.Path, err)
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = cleanName(f.Name)
		header.Method = zip.Deflate
		dst, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("write header for %q: %w", f.Name, err)
		}
		if err := copyFile(dst, f.Path); err != nil {
			return err
		}
	}
	return zw.Close()
}

func writeTarZstd(w io.Writer, files []File) error {
	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	for _, f := range files {
		info, err := os.Stat(f.Path)
		if err != nil {
			encoder.Close()
			return fmt.Errorf("stat %q: %w", f.Path, err)
		}
		header := &tar.Header{
			Name:     cleanName(f.Name),
			Mode:     int64(info.Mode().Perm()),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			encoder.Close()
			return fmt.Errorf("write header for %q: %w", f.Name, err)
		}
		if err := copyFile(tw, f.Path); err != nil {
			encoder.Close()
			return err
		}
	}
	if err := tw.Close(); err != nil {
		encoder.Close()
		return err
	}
	return encoder.Close()
}

func copyFile(dst io.Writer, src string) error {
	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer file.Close()
	if _, err := io.Copy(dst, file); err != nil {
		return fmt.Errorf("copy %q: %w", src, err)
	}
	return nil
}

func cleanName(name string) string {
	return strings.TrimLeft(path.Clean(strings.ReplaceAll(name, `\`, "/")), "/")
}

// OpenZipEntry opens the entry named inner of a zip archive. Names are
// compared case-insensitively.
func OpenZipEntry(r io.ReaderAt, size int64, inner string) (io.ReadCloser, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	want := cleanName(inner)
	for _, f := range zr.File {
		if strings.EqualFold(cleanName(f.Name), want) {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, inner)
}

// OpenTarZstdEntry scans a zstd compressed tarball for the entry named inner.
// The returned reader must be closed to release the decoder.
func OpenTarZstdEntry(r io.Reader, inner string) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	want := cleanName(inner)
	tr := tar.NewReader(decoder)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			decoder.Close()
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, inner)
		}
		if err != nil {
			decoder.Close()
			return nil, fmt.Errorf("read tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if strings.EqualFold(cleanName(header.Name), want) {
			return &tarEntry{Reader: tr, decoder: decoder}, nil
		}
	}
}

type tarEntry struct {
	io.Reader
	decoder *zstd.Decoder
}

func (e *tarEntry) Close() error {
	e.decoder.Close()
	return nil
}
