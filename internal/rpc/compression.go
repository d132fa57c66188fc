package rpc

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
)

// CompressorName is the gRPC content-coding name of the zstd compressor.
const CompressorName = "zstd"

// zstdCompressor implements gRPC's encoding.Compressor using pooled zstd
// encoders and decoders.
type zstdCompressor struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
}

// gRPC requires compressors to be registered during initialization.
func init() {
	encoding.RegisterCompressor(&zstdCompressor{})
}

func (c *zstdCompressor) Name() string {
	return CompressorName
}

func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	if enc, ok := c.encoderPool.Get().(*zstd.Encoder); ok {
		enc.Reset(w)
		return &pooledEncoder{enc: enc, pool: &c.encoderPool}, nil
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	return &pooledEncoder{enc: enc, pool: &c.encoderPool}, nil
}

func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	if dec, ok := c.decoderPool.Get().(*zstd.Decoder); ok {
		if err := dec.Reset(r); err != nil {
			c.decoderPool.Put(dec)
			return nil, err
		}
		return &pooledDecoder{dec: dec, pool: &c.decoderPool}, nil
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &pooledDecoder{dec: dec, pool: &c.decoderPool}, nil
}

type pooledEncoder struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (p *pooledEncoder) Write(data []byte) (int, error) {
	return p.enc.Write(data)
}

func (p *pooledEncoder) Close() error {
	err := p.enc.Close()
	p.pool.Put(p.enc)
	return err
}

// pooledDecoder returns its decoder to the pool once the stream hits EOF.
type pooledDecoder struct {
	dec  *zstd.Decoder
	pool *sync.Pool
	done bool
}

func (p *pooledDecoder) Read(data []byte) (int, error) {
	if p.done {
		return 0, io.EOF
	}
	n, err := p.dec.Read(data)
	if err == io.EOF {
		p.done = true
		p.pool.Put(p.dec)
	}
	return n, err
}
