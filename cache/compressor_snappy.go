package cache

import (
	"github.com/golang/snappy"
)

// CompressorSnappy is a Snappy compressor.
// Fast in both directions at the cost of a larger result than zstd.
type CompressorSnappy struct {
}

func (c CompressorSnappy) Compress(b []byte) []byte {
	return snappy.Encode(nil, b)
}

func (c CompressorSnappy) Expand(b []byte) ([]byte, error) {
	return snappy.Decode(nil, b)
}
