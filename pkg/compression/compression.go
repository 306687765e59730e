// Package compression wraps output files in a streaming codec. Every codec
// writes a self-describing stream, so files can be read back with the
// matching command-line tool (gzip, zstd, lz4, s2).
package compression

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm names a codec.
type Algorithm string

const (
	// None writes the data unchanged
	None Algorithm = "none"
	Gzip Algorithm = "gzip"
	Zstd Algorithm = "zstd"
	LZ4  Algorithm = "lz4"
	// S2 is the Snappy-compatible framed format
	S2 Algorithm = "s2"
)

// Level trades speed for ratio.
type Level int

const (
	Fastest Level = 1
	Default Level = 5
	Best    Level = 9
)

// Parse accepts an algorithm name; "" means None.
func Parse(name string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(name))); a {
	case "":
		return None, nil
	case None, Gzip, Zstd, LZ4, S2:
		return a, nil
	}
	return "", fmt.Errorf("unknown compression %q, expected none, gzip, zstd, lz4 or s2", name)
}

// Extension is the file suffix for a, including the dot. None has none.
func (a Algorithm) Extension() string {
	switch a {
	case Gzip:
		return ".gz"
	case Zstd:
		return ".zst"
	case LZ4:
		return ".lz4"
	case S2:
		return ".s2"
	}
	return ""
}

// Appendable reports whether a stream may be extended by writing a second
// stream after it: the readers of these formats accept concatenated streams.
func (a Algorithm) Appendable() bool {
	return a != LZ4
}

// NewWriter returns a writer compressing into w. Close flushes the codec but
// does not close w.
func NewWriter(w io.Writer, a Algorithm, level Level) (io.WriteCloser, error) {
	switch a {
	case None, "":
		return nopCloser{w}, nil
	case Gzip:
		return gzip.NewWriterLevel(w, gzipLevel(level))
	case Zstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstdLevel(level)))
	case LZ4:
		zw := lz4.NewWriter(w)
		if err := zw.Apply(lz4.CompressionLevelOption(lz4Level(level))); err != nil {
			return nil, err
		}
		return zw, nil
	case S2:
		opts := []s2.WriterOption{}
		switch level {
		case Best:
			opts = append(opts, s2.WriterBestCompression())
		case Fastest:
		default:
			opts = append(opts, s2.WriterBetterCompression())
		}
		return s2.NewWriter(w, opts...), nil
	}
	return nil, fmt.Errorf("unknown compression %q", a)
}

// NewReader returns a reader decompressing r.
func NewReader(r io.Reader, a Algorithm) (io.ReadCloser, error) {
	switch a {
	case None, "":
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Zstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case S2:
		return io.NopCloser(s2.NewReader(r)), nil
	}
	return nil, fmt.Errorf("unknown compression %q", a)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func gzipLevel(level Level) int {
	switch level {
	case Fastest:
		return gzip.BestSpeed
	case Best:
		return gzip.BestCompression
	}
	return gzip.DefaultCompression
}

func zstdLevel(level Level) zstd.EncoderLevel {
	switch level {
	case Fastest:
		return zstd.SpeedFastest
	case Best:
		return zstd.SpeedBestCompression
	}
	return zstd.SpeedDefault
}

func lz4Level(level Level) lz4.CompressionLevel {
	switch level {
	case Fastest:
		return lz4.Fast
	case Best:
		return lz4.Level9
	}
	return lz4.Level5
}
