// Package blockmap builds the guest-offset-to-stream-offset translation
// table the instant-recovery mapper serves reads from (component G), and
// answers pread-shaped lookups against it.
package blockmap

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/idnt-devops/virtnbdbackup/internal/frame"
	"github.com/idnt-devops/virtnbdbackup/internal/stream"
	"github.com/idnt-devops/virtnbdbackup/internal/vnbderrors"
)

// Block is one entry of the translation table: a contiguous guest-offset
// range backed either by bytes at StreamOffset in the backup file (Data
// true) or by implicit zero-fill (Data false).
type Block struct {
	OriginalOffset     int64
	NextOriginalOffset int64
	Length             int64
	StreamOffset       int64 // valid only when Data is true
	Data               bool
	NextBlockOffset    *int64 // file offset of the following frame header; nil for the last block
}

// Map is the built translation table for one stream file, plus enough
// metadata to validate and size an NBD export over it.
type Map struct {
	Path        string
	DiskName    string
	VirtualSize int64
	Blocks      []Block
}

// Build prescans path once, per spec.md §4.G: only full/copy, uncompressed
// streams may be mapped; incremental and compressed streams are refused,
// since the mapper has no way to represent "this guest offset has no data
// in this generation" nor to seek into a compressed payload at arbitrary
// offsets.
func Build(path string) (Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return Map{}, fmt.Errorf("%w: open %s: %v", vnbderrors.ErrIO, path, err)
	}
	defer f.Close()

	h, err := frame.ReadFrame(f)
	if err != nil {
		return Map{}, err
	}
	if h.Kind != frame.KindMeta {
		return Map{}, fmt.Errorf("%w: stream does not start with META", vnbderrors.ErrStreamFormat)
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(f, payload); err != nil {
		return Map{}, fmt.Errorf("%w: short read of metadata payload: %v", vnbderrors.ErrStreamFormat, err)
	}
	if err := frame.ReadTerminator(f); err != nil {
		return Map{}, err
	}
	meta, err := stream.LoadMetadata(payload)
	if err != nil {
		return Map{}, err
	}
	if meta.Compressed {
		return Map{}, fmt.Errorf("%w: %s is compressed", vnbderrors.ErrCompressionUnsupportedForMapping, path)
	}
	if meta.Incremental {
		return Map{}, fmt.Errorf("%w: %s is an incremental/differential stream, only full or copy streams can be mapped", vnbderrors.ErrCompressionUnsupportedForMapping, path)
	}

	m := Map{Path: path, DiskName: meta.DiskName, VirtualSize: int64(meta.VirtualSize)}

	prevIdx := -1
	for {
		headerPos, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return Map{}, fmt.Errorf("%w: seek current position: %v", vnbderrors.ErrIO, err)
		}
		h, err := frame.ReadFrame(f)
		if err != nil {
			return Map{}, err
		}

		switch h.Kind {
		case frame.KindData:
			streamOffset, err := f.Seek(0, io.SeekCurrent)
			if err != nil {
				return Map{}, fmt.Errorf("%w: seek current position: %v", vnbderrors.ErrIO, err)
			}
			b := Block{
				OriginalOffset:     int64(h.Start),
				NextOriginalOffset: int64(h.Start + h.Length),
				Length:             int64(h.Length),
				StreamOffset:       streamOffset,
				Data:               true,
			}
			m.Blocks = append(m.Blocks, b)
			if prevIdx >= 0 {
				m.Blocks[prevIdx].NextBlockOffset = &headerPos
			}
			prevIdx = len(m.Blocks) - 1
			if _, err := f.Seek(int64(h.Length)+int64(len(frame.Terminator)), io.SeekCurrent); err != nil {
				return Map{}, fmt.Errorf("%w: skip past data payload: %v", vnbderrors.ErrIO, err)
			}

		case frame.KindZero:
			b := Block{
				OriginalOffset:     int64(h.Start),
				NextOriginalOffset: int64(h.Start + h.Length),
				Length:             int64(h.Length),
				Data:               false,
			}
			m.Blocks = append(m.Blocks, b)
			if prevIdx >= 0 {
				m.Blocks[prevIdx].NextBlockOffset = &headerPos
			}
			prevIdx = len(m.Blocks) - 1

		case frame.KindStop:
			return m, nil

		default:
			return Map{}, fmt.Errorf("%w: unexpected frame kind %s in block map prescan", vnbderrors.ErrStreamFormat, h.Kind)
		}
	}
}

// find returns the block with the largest OriginalOffset <= guestOffset,
// via binary search over the (sorted-by-construction) block list.
func (m Map) find(guestOffset int64) (Block, bool) {
	i := sort.Search(len(m.Blocks), func(i int) bool {
		return m.Blocks[i].OriginalOffset > guestOffset
	})
	if i == 0 {
		return Block{}, false
	}
	return m.Blocks[i-1], true
}

// Translate resolves a guest pread(guestOffset, n) into either a file
// offset to read n bytes from (data=true) or a zero-fill instruction
// (data=false), per spec.md §4.G steps 1-5. It fails with
// ErrUnexpectedBlockRange when the read would cross into the next block.
func (m Map) Translate(guestOffset, n int64) (fileOffset int64, data bool, err error) {
	b, ok := m.find(guestOffset)
	if !ok {
		return 0, false, fmt.Errorf("%w: no block covers guest offset %d", vnbderrors.ErrUnexpectedBlockRange, guestOffset)
	}
	if !b.Data {
		if guestOffset+n > b.NextOriginalOffset {
			return 0, false, fmt.Errorf("%w: zero-fill read at %d,%d crosses block boundary at %d", vnbderrors.ErrUnexpectedBlockRange, guestOffset, n, b.NextOriginalOffset)
		}
		return 0, false, nil
	}

	fileOffset = b.StreamOffset + (guestOffset - b.OriginalOffset)
	if fileOffset+n > b.StreamOffset+b.Length {
		return 0, false, fmt.Errorf("%w: read at %d,%d crosses block boundary at %d", vnbderrors.ErrUnexpectedBlockRange, guestOffset, n, b.NextOriginalOffset)
	}
	return fileOffset, true, nil
}
