// Package compression encodes and decodes OTLP payload bodies.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
)

// Type is a compression algorithm.
type Type string

const (
	TypeNone    Type = "none"
	TypeGzip    Type = "gzip"
	TypeZstd    Type = "zstd"
	TypeSnappy  Type = "snappy"
	TypeZlib    Type = "zlib"
	TypeDeflate Type = "deflate"
	TypeLZ4     Type = "lz4"
)

// Level is an algorithm-specific compression level. LevelDefault selects
// each algorithm's own default.
type Level int

const LevelDefault Level = 0

// ErrTooLarge is returned when a decoded payload exceeds the caller's limit.
var ErrTooLarge = errors.New("decompressed payload exceeds size limit")

// Config selects the algorithm used for outgoing payloads.
type Config struct {
	Type  Type
	Level Level
}

// ParseType parses a configured algorithm name.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case "", TypeNone:
		return TypeNone, nil
	case TypeGzip, TypeZstd, TypeSnappy, TypeZlib, TypeDeflate, TypeLZ4:
		return t, nil
	default:
		return TypeNone, fmt.Errorf("unsupported compression type: %s", s)
	}
}

// ContentEncoding returns the HTTP Content-Encoding value, or "" for none.
func (t Type) ContentEncoding() string {
	if t == TypeNone {
		return ""
	}
	return string(t)
}

// ParseContentEncoding maps an HTTP Content-Encoding header to a Type.
// Unknown encodings map to TypeNone with ok=false.
func ParseContentEncoding(encoding string) (Type, bool) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return TypeNone, true
	case "gzip", "x-gzip":
		return TypeGzip, true
	case "zstd":
		return TypeZstd, true
	case "snappy", "x-snappy-framed":
		return TypeSnappy, true
	case "zlib":
		return TypeZlib, true
	case "deflate":
		return TypeDeflate, true
	case "lz4":
		return TypeLZ4, true
	default:
		return TypeNone, false
	}
}

// Compress encodes data with cfg.Type.
func Compress(data []byte, cfg Config) ([]byte, error) {
	switch cfg.Type {
	case TypeNone, "":
		return data, nil
	case TypeZstd:
		return encodeZstd(data, cfg.Level), nil
	case TypeSnappy:
		return snappy.Encode(nil, data), nil
	}

	var buf bytes.Buffer
	buf.Grow(len(data) / 2)

	w, err := newStreamWriter(&buf, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("%s compress: %w", cfg.Type, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s compress: %w", cfg.Type, err)
	}
	return buf.Bytes(), nil
}

func newStreamWriter(w io.Writer, cfg Config) (io.WriteCloser, error) {
	switch cfg.Type {
	case TypeGzip:
		return gzip.NewWriterLevel(w, flateLevel(cfg.Level))
	case TypeZlib:
		return zlib.NewWriterLevel(w, flateLevel(cfg.Level))
	case TypeDeflate:
		return flate.NewWriter(w, flateLevel(cfg.Level))
	case TypeLZ4:
		lw := lz4.NewWriter(w)
		if cfg.Level != LevelDefault {
			if err := lw.Apply(lz4.CompressionLevelOption(lz4.CompressionLevel(1 << (8 + cfg.Level)))); err != nil {
				return nil, fmt.Errorf("lz4 level %d: %w", cfg.Level, err)
			}
		}
		return lw, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", cfg.Type)
	}
}

func flateLevel(l Level) int {
	if l == LevelDefault {
		return flate.DefaultCompression
	}
	return int(l)
}

// Decompress decodes data. A positive maxSize bounds the decoded length.
func Decompress(data []byte, t Type, maxSize int64) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch t {
	case TypeNone, "":
		out = data
	case TypeZstd:
		out, err = decodeZstd(data, maxSize)
	case TypeSnappy:
		var n int
		if n, err = snappy.DecodedLen(data); err == nil {
			if maxSize > 0 && int64(n) > maxSize {
				return nil, ErrTooLarge
			}
			out, err = snappy.Decode(nil, data)
		}
	default:
		out, err = readAllLimited(data, t, maxSize)
	}
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && int64(len(out)) > maxSize {
		return nil, ErrTooLarge
	}
	return out, nil
}

func readAllLimited(data []byte, t Type, maxSize int64) ([]byte, error) {
	var r io.Reader
	src := bytes.NewReader(data)
	switch t {
	case TypeGzip:
		gr, err := gzip.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		defer gr.Close()
		r = gr
	case TypeZlib:
		zr, err := zlib.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("zlib decompress: %w", err)
		}
		defer zr.Close()
		r = zr
	case TypeDeflate:
		fr := flate.NewReader(src)
		defer fr.Close()
		r = fr
	case TypeLZ4:
		r = lz4.NewReader(src)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}

	if maxSize > 0 {
		// one extra byte tells "exactly at the limit" from "over it"
		r = io.LimitReader(r, maxSize+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", t, err)
	}
	return out, nil
}
