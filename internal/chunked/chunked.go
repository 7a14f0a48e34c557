// Package chunked splits long extent reads and writes into pieces no
// larger than the NBD server's maxRequestSize, optionally LZ4-compressing
// each piece independently on the way into a stream file, and reversing
// that on the way out during restore.
package chunked

import (
	"context"
	"fmt"

	"github.com/idnt-devops/virtnbdbackup/internal/blockdevice"
	"github.com/idnt-devops/virtnbdbackup/internal/frame"
	"github.com/idnt-devops/virtnbdbackup/internal/stream"
	"github.com/idnt-devops/virtnbdbackup/internal/vnbderrors"
)

// Plan returns the sequence of chunk lengths length splits into at
// maxRequestSize boundaries (the last chunk is shorter when it doesn't
// divide evenly). Used identically by the backup-side compressor and the
// restore-side decompressor so their chunk boundaries always agree.
func Plan(length, maxRequestSize int64) []int64 {
	if maxRequestSize <= 0 || length <= maxRequestSize {
		if length == 0 {
			return nil
		}
		return []int64{length}
	}
	var chunks []int64
	remaining := length
	for remaining > 0 {
		n := maxRequestSize
		if n > remaining {
			n = remaining
		}
		chunks = append(chunks, n)
		remaining -= n
	}
	return chunks
}

// WriteDataExtent reads a data extent from dev in maxRequestSize pieces and
// frames it onto sw as a single DATA frame whose header length is the
// extent's original length. When compress is true each chunk is LZ4
// compressed independently and the returned trailer entry records each
// chunk's compressed size (needed by restore to know how much to read
// before decompressing); when false the returned entry is nil.
func WriteDataExtent(ctx context.Context, dev blockdevice.BlockDevice, sw *stream.Writer, e blockdevice.Extent, maxRequestSize int64, compress bool) ([]int64, error) {
	if err := sw.WriteDataHeader(uint64(e.Offset), uint64(e.Length)); err != nil {
		return nil, err
	}

	var trailerEntry []int64
	offset := e.Offset
	for _, chunkLen := range Plan(e.Length, maxRequestSize) {
		buf, err := dev.Pread(ctx, offset, chunkLen)
		if err != nil {
			return nil, fmt.Errorf("%w: read extent at offset %d: %v", vnbderrors.ErrIO, offset, err)
		}
		if compress {
			compressed, err := stream.CompressChunk(buf)
			if err != nil {
				return nil, err
			}
			if err := sw.WriteRaw(compressed); err != nil {
				return nil, err
			}
			trailerEntry = append(trailerEntry, int64(len(compressed)))
		} else {
			if err := sw.WriteRaw(buf); err != nil {
				return nil, err
			}
		}
		offset += chunkLen
	}

	if err := sw.WriteTerminator(); err != nil {
		return nil, err
	}
	return trailerEntry, nil
}

// ReadDataExtent replays a DATA frame (header already consumed via
// sr.Next()) back onto dev via Pwrite. When compressed is true, chunkSizes
// must be the trailer entry for this DATA block (one compressed size per
// chunk); when false it is ignored and the payload is read as one
// contiguous block.
func ReadDataExtent(ctx context.Context, dev blockdevice.BlockDevice, sr *stream.Reader, h frame.Header, maxRequestSize int64, compressed bool, chunkSizes []int64) error {
	originalLengths := Plan(int64(h.Length), maxRequestSize)

	if !compressed {
		buf := make([]byte, 0, h.Length)
		for _, n := range originalLengths {
			chunk, err := sr.ReadRaw(n)
			if err != nil {
				return err
			}
			buf = append(buf, chunk...)
		}
		if err := sr.ConsumeTerminator(); err != nil {
			return err
		}
		return writePieces(ctx, dev, int64(h.Start), buf, originalLengths)
	}

	if len(chunkSizes) != len(originalLengths) {
		return fmt.Errorf("%w: trailer has %d chunk sizes, expected %d for a %d-byte data block", vnbderrors.ErrStreamFormat, len(chunkSizes), len(originalLengths), h.Length)
	}

	offset := int64(h.Start)
	for i, compressedLen := range chunkSizes {
		raw, err := sr.ReadRaw(compressedLen)
		if err != nil {
			return err
		}
		plain, err := stream.DecompressChunk(raw, int(originalLengths[i]))
		if err != nil {
			return err
		}
		if err := dev.Pwrite(ctx, offset, plain); err != nil {
			return fmt.Errorf("%w: write restored data at offset %d: %v", vnbderrors.ErrIO, offset, err)
		}
		offset += originalLengths[i]
	}
	return sr.ConsumeTerminator()
}

// writePieces splits buf (a fully-assembled, uncompressed DATA payload)
// back into its original chunk lengths before writing, so no single Pwrite
// call exceeds maxRequestSize.
func writePieces(ctx context.Context, dev blockdevice.BlockDevice, start int64, buf []byte, lengths []int64) error {
	offset := start
	pos := 0
	for _, n := range lengths {
		if err := dev.Pwrite(ctx, offset, buf[pos:pos+int(n)]); err != nil {
			return fmt.Errorf("%w: write restored data at offset %d: %v", vnbderrors.ErrIO, offset, err)
		}
		offset += n
		pos += int(n)
	}
	return nil
}

// WriteZeroExtent zero-fills a hole on the target device, chunking at
// maxRequestSize.
func WriteZeroExtent(ctx context.Context, dev blockdevice.BlockDevice, start, length, maxRequestSize int64) error {
	offset := start
	for _, n := range Plan(length, maxRequestSize) {
		if err := dev.Zero(ctx, offset, n); err != nil {
			return fmt.Errorf("%w: zero-fill at offset %d: %v", vnbderrors.ErrIO, offset, err)
		}
		offset += n
	}
	return nil
}
