package ingest

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sourcePayload = "<mediawiki><page><title>A</title></page></mediawiki>"

func compress(t *testing.T, codec Compression, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch codec {
	case CompressionBzip2:
		w, err = bzip2.NewWriter(&buf, nil)
	case CompressionGzip:
		w = gzip.NewWriter(&buf)
	case CompressionZstd:
		w, err = zstd.NewWriter(&buf)
	default:
		return data
	}
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestOpenSource(t *testing.T) {
	tests := []struct {
		name  string
		file  string
		codec Compression
	}{
		{"plain", "dump.xml", CompressionNone},
		{"bzip2 by extension", "dump.xml.bz2", CompressionBzip2},
		{"gzip by extension", "dump.xml.gz", CompressionGzip},
		{"zstd by extension", "dump.xml.zst", CompressionZstd},
		{"bzip2 sniffed", "dump.bin", CompressionBzip2},
		{"gzip sniffed", "dump.data", CompressionGzip},
		{"zstd sniffed", "dump", CompressionZstd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := compress(t, tt.codec, []byte(sourcePayload))
			path := writeFile(t, tt.file, raw)

			src, err := OpenSource(path)
			require.NoError(t, err)
			defer src.Close()

			assert.Equal(t, tt.codec, src.Compression)
			assert.EqualValues(t, len(raw), src.Size)
			got, err := io.ReadAll(src)
			require.NoError(t, err)
			assert.Equal(t, sourcePayload, string(got))
		})
	}
}

func TestOpenSource_Unreadable(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		_, err := OpenSource(filepath.Join(t.TempDir(), "nope.xml.bz2"))
		assert.ErrorIs(t, err, ErrSourceUnreadable)
	})
	t.Run("directory", func(t *testing.T) {
		_, err := OpenSource(t.TempDir())
		assert.ErrorIs(t, err, ErrSourceUnreadable)
	})
	t.Run("corrupt gzip header", func(t *testing.T) {
		path := writeFile(t, "bad.gz", []byte("not gzip at all"))
		_, err := OpenSource(path)
		assert.ErrorIs(t, err, ErrSourceUnreadable)
	})
}
