package compression

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/gzip" // registers "gzip"
)

// GRPCZstd is the name under which the zstd gRPC compressor is registered.
const GRPCZstd = "zstd"

func init() {
	encoding.RegisterCompressor(&grpcZstd{})
}

// grpcZstd implements encoding.Compressor with pooled streaming coders.
type grpcZstd struct{}

var (
	grpcZstdWriters = sync.Pool{New: func() interface{} {
		encodersCreated.Inc()
		w, _ := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		return w
	}}
	grpcZstdReaders = sync.Pool{New: func() interface{} {
		r, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return r
	}}
)

func (grpcZstd) Name() string { return GRPCZstd }

func (grpcZstd) Compress(w io.Writer) (io.WriteCloser, error) {
	enc := grpcZstdWriters.Get().(*zstd.Encoder)
	poolGets.Inc()
	enc.Reset(w)
	return &pooledEncoder{Encoder: enc}, nil
}

func (grpcZstd) Decompress(r io.Reader) (io.Reader, error) {
	dec := grpcZstdReaders.Get().(*zstd.Decoder)
	poolGets.Inc()
	if err := dec.Reset(r); err != nil {
		grpcZstdReaders.Put(dec)
		return nil, err
	}
	return &pooledDecoder{Decoder: dec}, nil
}

type pooledEncoder struct {
	*zstd.Encoder
}

func (p *pooledEncoder) Close() error {
	err := p.Encoder.Close()
	p.Encoder.Reset(nil)
	grpcZstdWriters.Put(p.Encoder)
	poolPuts.Inc()
	return err
}

// pooledDecoder returns its decoder to the pool once the stream hits EOF.
type pooledDecoder struct {
	*zstd.Decoder
	released bool
}

func (p *pooledDecoder) Read(b []byte) (int, error) {
	if p.released {
		return 0, io.EOF
	}
	n, err := p.Decoder.Read(b)
	if err == io.EOF {
		_ = p.Decoder.Reset(nil)
		grpcZstdReaders.Put(p.Decoder)
		poolPuts.Inc()
		p.released = true
	}
	return n, err
}
