package symbols

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
)

const (
	peOffsetField   = 60
	timestampOffset = 8
	imageSizeOffset = 80
)

// ExtractionError reports a binary whose header could not be read.
type ExtractionError struct {
	Path string
	Err  error
}

func (e *ExtractionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("extract signature: %v", e.Err)
	}
	return fmt.Sprintf("extract signature of %s: %v", e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ReadUint32LE reads exactly four bytes as an unsigned little-endian integer.
func ReadUint32LE(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return 0, &ExtractionError{Err: err}
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readUint32At(r io.ReaderAt, off int64) (uint32, error) {
	return ReadUint32LE(io.NewSectionReader(r, off, 4))
}

// BinarySignature computes the signature of a PE image: the hex timestamp of
// the COFF header followed by the hex image size, without padding.
func BinarySignature(r io.ReaderAt) (string, error) {
	peOffset, err := readUint32At(r, peOffsetField)
	if err != nil {
		return "", err
	}
	timestamp, err := readUint32At(r, int64(peOffset)+timestampOffset)
	if err != nil {
		return "", err
	}
	size, err := readUint32At(r, int64(peOffset)+imageSizeOffset)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(uint64(timestamp), 16) + strconv.FormatUint(uint64(size), 16), nil
}

// BinarySignatureFile computes the signature of the PE image at path.
func BinarySignatureFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &ExtractionError{Path: path, Err: err}
	}
	defer f.Close()

	sign, err := BinarySignature(f)
	if err != nil {
		var extErr *ExtractionError
		if errors.As(err, &extErr) {
			extErr.Path = path
			return "", extErr
		}
		return "", &ExtractionError{Path: path, Err: err}
	}
	return sign, nil
}
