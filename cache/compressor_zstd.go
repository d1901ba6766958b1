package cache

import (
	"github.com/klauspost/compress/zstd"
)

// CompressorZstd is a zstd compressor.
// The encoder and decoder are shared and safe for concurrent use.
type CompressorZstd struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewCompressorZstd() (*CompressorZstd, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &CompressorZstd{encoder: encoder, decoder: decoder}, nil
}

func (c *CompressorZstd) Compress(b []byte) []byte {
	return c.encoder.EncodeAll(b, make([]byte, 0, len(b)/2))
}

func (c *CompressorZstd) Expand(b []byte) ([]byte, error) {
	return c.decoder.DecodeAll(b, nil)
}
