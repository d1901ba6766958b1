package cache

// Compressor is the interface for stored entry compressors
type Compressor interface {

	// Compress returns a compressed copy of b
	Compress(b []byte) []byte

	// Expand reverses Compress
	Expand(b []byte) ([]byte, error)
}
