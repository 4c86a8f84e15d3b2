package ingest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrSourceUnreadable indicates a source that cannot be opened or whose
// compression header is corrupt.
var ErrSourceUnreadable = errors.New("source unreadable")

// Compression names the codec wrapping a source file.
type Compression string

const (
	CompressionNone  Compression = "none"
	CompressionBzip2 Compression = "bzip2"
	CompressionGzip  Compression = "gzip"
	CompressionZstd  Compression = "zstd"
)

var (
	magicBzip2 = []byte("BZh")
	magicGzip  = []byte{0x1f, 0x8b}
	magicZstd  = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Source is an opened, decompressing dump file.
type Source struct {
	io.Reader
	// Size is the on-disk size of the file in bytes.
	Size        int64
	Compression Compression
	Path        string

	closers []func() error
}

// Close releases the decompressor and the file.
func (s *Source) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenSource opens path for streaming. Compression is chosen by extension
// (.bz2, .gz, .zst) and otherwise sniffed from the leading magic bytes.
func OpenSource(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is a directory", ErrSourceUnreadable, path)
	}

	br := bufio.NewReaderSize(f, 64*1024)
	codec := compressionFor(path)
	if codec == CompressionNone {
		head, _ := br.Peek(4)
		codec = sniff(head)
	}

	src := &Source{Size: info.Size(), Compression: codec, Path: path, closers: []func() error{f.Close}}
	if err := src.wrap(br); err != nil {
		src.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnreadable, codec, err)
	}
	return src, nil
}

func (s *Source) wrap(r io.Reader) error {
	switch s.Compression {
	case CompressionBzip2:
		zr, err := bzip2.NewReader(r, nil)
		if err != nil {
			return err
		}
		s.Reader = zr
		s.closers = append(s.closers, zr.Close)
	case CompressionGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return err
		}
		s.Reader = zr
		s.closers = append(s.closers, zr.Close)
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return err
		}
		s.Reader = zr
		s.closers = append(s.closers, func() error { zr.Close(); return nil })
	default:
		s.Reader = r
	}
	return nil
}

func compressionFor(path string) Compression {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".bz2":
		return CompressionBzip2
	case ".gz", ".gzip":
		return CompressionGzip
	case ".zst", ".zstd":
		return CompressionZstd
	}
	return CompressionNone
}

func sniff(head []byte) Compression {
	switch {
	case bytes.HasPrefix(head, magicBzip2):
		return CompressionBzip2
	case bytes.HasPrefix(head, magicGzip):
		return CompressionGzip
	case bytes.HasPrefix(head, magicZstd):
		return CompressionZstd
	}
	return CompressionNone
}
