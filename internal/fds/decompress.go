package fds

import (
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressed artifacts carry one of these extensions after the usual name.
const (
	extZstd = ".zst"
	extLZ4  = ".lz4"
	extGzip = ".gz"
)

func stripCompression(name string) string {
	switch path.Ext(name) {
	case extZstd, extLZ4, extGzip:
		return strings.TrimSuffix(name, path.Ext(name))
	}
	return name
}

// decompress wraps rd according to name's compression extension. Plain
// files pass through.
func decompress(name string, rd io.Reader) (io.ReadCloser, error) {
	switch path.Ext(name) {
	case extZstd:
		d, err := zstd.NewReader(rd, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case extLZ4:
		return io.NopCloser(lz4.NewReader(rd)), nil
	case extGzip:
		z, err := gzip.NewReader(rd)
		if err != nil {
			return nil, err
		}
		return z, nil
	default:
		return io.NopCloser(rd), nil
	}
}
