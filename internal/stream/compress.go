package stream

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// CompressionMethodLZ4 is the only compression method this implementation
// writes to the "compressionMethod" metadata field.
const CompressionMethodLZ4 = "lz4"

// CompressChunk compresses a single chunk's worth of plaintext with LZ4,
// returning the compressed bytes that get written to the stream file.
func CompressChunk(plain []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(plain)))
	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(plain, buf)
	if err != nil {
		return nil, fmt.Errorf("stream: lz4 compress: %w", err)
	}
	if n == 0 {
		// lz4 reports n==0 when the input was incompressible; store it
		// verbatim with a one-byte marker so the decompressor knows to
		// pass it through rather than expand a zero-length block.
		return append([]byte{storedMarker}, plain...), nil
	}
	return append([]byte{compressedMarker}, buf[:n]...), nil
}

// DecompressChunk reverses CompressChunk, given the original (uncompressed)
// length of the chunk.
func DecompressChunk(compressed []byte, originalLen int) ([]byte, error) {
	if len(compressed) == 0 {
		if originalLen == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("stream: empty compressed chunk for %d-byte original", originalLen)
	}
	marker, body := compressed[0], compressed[1:]
	switch marker {
	case storedMarker:
		return body, nil
	case compressedMarker:
		out := make([]byte, originalLen)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("stream: lz4 decompress: %w", err)
		}
		return out[:n], nil
	default:
		return nil, fmt.Errorf("stream: unknown chunk marker 0x%02x", marker)
	}
}

const (
	compressedMarker byte = 0x01
	storedMarker     byte = 0x00
)
