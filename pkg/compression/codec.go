// Package compression provides the payload codecs used by the dead letter
// store. Messages above the configured threshold are compressed before they
// are persisted and transparently decompressed on read.
package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a payload codec.
type Algorithm string

const (
	AlgorithmNone   Algorithm = "none"
	AlgorithmGzip   Algorithm = "gzip"
	AlgorithmZstd   Algorithm = "zstd"
	AlgorithmSnappy Algorithm = "snappy"
	AlgorithmLZ4    Algorithm = "lz4"
)

// Codec compresses and decompresses payload bytes.
type Codec interface {
	Name() Algorithm
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	MinSize() int
}

var (
	registryOnce sync.Once
	registry     map[Algorithm]Codec
)

func codecs() map[Algorithm]Codec {
	registryOnce.Do(func() {
		registry = map[Algorithm]Codec{
			AlgorithmNone:   &noneCodec{},
			AlgorithmGzip:   &gzipCodec{},
			AlgorithmZstd:   newZstdCodec(),
			AlgorithmSnappy: &snappyCodec{},
			AlgorithmLZ4:    &lz4Codec{},
		}
	})
	return registry
}

// ForName returns the codec registered for the algorithm name. Unknown
// names fall back to the pass-through codec.
func ForName(name string) Codec {
	if c, ok := codecs()[Algorithm(name)]; ok {
		return c
	}
	return codecs()[AlgorithmNone]
}

// noneCodec passes data through untouched.
type noneCodec struct{}

func (c *noneCodec) Name() Algorithm                       { return AlgorithmNone }
func (c *noneCodec) Compress(data []byte) ([]byte, error)  { return data, nil }
func (c *noneCodec) Decompress(data []byte) ([]byte, error) { return data, nil }
func (c *noneCodec) MinSize() int                          { return 0 }

type gzipCodec struct{}

func (c *gzipCodec) Name() Algorithm { return AlgorithmGzip }

func (c *gzipCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *gzipCodec) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader failed: %w", err)
	}
	defer reader.Close()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gzip read failed: %w", err)
	}
	return out, nil
}

func (c *gzipCodec) MinSize() int { return 256 }

type zstdCodec struct {
	once    sync.Once
	initErr error
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstdCodec() *zstdCodec { return &zstdCodec{} }

func (c *zstdCodec) init() error {
	c.once.Do(func() {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			c.initErr = fmt.Errorf("failed to create zstd encoder: %w", err)
			return
		}
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			c.initErr = fmt.Errorf("failed to create zstd decoder: %w", err)
			return
		}
		c.encoder = encoder
		c.decoder = decoder
	})
	return c.initErr
}

func (c *zstdCodec) Name() Algorithm { return AlgorithmZstd }

func (c *zstdCodec) Compress(data []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(data, nil), nil
}

func (c *zstdCodec) Decompress(data []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode failed: %w", err)
	}
	return out, nil
}

func (c *zstdCodec) MinSize() int { return 512 }

type snappyCodec struct{}

func (c *snappyCodec) Name() Algorithm { return AlgorithmSnappy }

func (c *snappyCodec) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (c *snappyCodec) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode failed: %w", err)
	}
	return out, nil
}

func (c *snappyCodec) MinSize() int { return 128 }

type lz4Codec struct{}

func (c *lz4Codec) Name() Algorithm { return AlgorithmLZ4 }

func (c *lz4Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("lz4 write failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *lz4Codec) Decompress(data []byte) ([]byte, error) {
	reader := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("lz4 read failed: %w", err)
	}
	return out, nil
}

func (c *lz4Codec) MinSize() int { return 128 }
