package stream

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/idnt-devops/virtnbdbackup/internal/vnbderrors"
)

// trailerFooterSize is the width of the fixed trailer-length footer
// WriteCompressionTrailerToFile appends after the JSON trailer itself, so a
// restoring reader can locate the trailer's start by seeking to the last
// trailerFooterSize bytes of the file rather than needing to track a byte
// offset while replaying frames (the trailer's in-file length is otherwise
// unknowable until it has already been parsed).
const trailerFooterSize = 8

// CompressionTrailer is the ordered list of per-DATA-block compressed chunk
// sizes, present iff metadata.compressed is true. Entry i corresponds to
// the i-th DATA frame in the stream (in file order); entry i itself lists
// the compressed byte count of each chunk the DATA frame's payload was
// split into (a single-element slice when the frame was not chunked).
type CompressionTrailer [][]int64

// BlockSizes returns the total compressed byte length occupied in-file by
// the i-th DATA block's payload (sum of its chunk sizes).
func (t CompressionTrailer) BlockSizes(i int) (int64, error) {
	if i < 0 || i >= len(t) {
		return 0, fmt.Errorf("%w: trailer has no entry for data block %d", vnbderrors.ErrStreamFormat, i)
	}
	var total int64
	for _, c := range t[i] {
		total += c
	}
	return total, nil
}

// WriteCompressionTrailer appends the trailer to w. It must be written
// after the STOP frame and nothing else follows it in the file.
func WriteCompressionTrailer(w io.Writer, trailer CompressionTrailer) error {
	data, err := json.Marshal(trailer)
	if err != nil {
		return fmt.Errorf("stream: marshal compression trailer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("%w: write compression trailer: %v", vnbderrors.ErrIO, err)
	}
	return nil
}

// ReadCompressionTrailer reads the trailer from the reader's current
// position through EOF. Restore must seek to the trailer's start (it is
// always the last thing in the file) before calling this.
func ReadCompressionTrailer(r io.Reader) (CompressionTrailer, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read compression trailer: %v", vnbderrors.ErrIO, err)
	}
	var trailer CompressionTrailer
	if err := json.Unmarshal(data, &trailer); err != nil {
		return nil, fmt.Errorf("%w: malformed compression trailer: %v", vnbderrors.ErrStreamFormat, err)
	}
	return trailer, nil
}

// WriteCompressionTrailerToFile writes the trailer followed by an 8-byte
// big-endian footer recording the trailer's own byte length, so
// ReadCompressionTrailerFromFile can find it without a forward scan.
func WriteCompressionTrailerToFile(w io.Writer, trailer CompressionTrailer) error {
	data, err := json.Marshal(trailer)
	if err != nil {
		return fmt.Errorf("stream: marshal compression trailer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("%w: write compression trailer: %v", vnbderrors.ErrIO, err)
	}
	var footer [trailerFooterSize]byte
	binary.BigEndian.PutUint64(footer[:], uint64(len(data)))
	if _, err := w.Write(footer[:]); err != nil {
		return fmt.Errorf("%w: write compression trailer footer: %v", vnbderrors.ErrIO, err)
	}
	return nil
}

// ReadCompressionTrailerFromFile locates and parses a trailer written by
// WriteCompressionTrailerToFile, restoring f's read position to where it
// was before this call returns.
func ReadCompressionTrailerFromFile(f io.ReadSeeker) (CompressionTrailer, error) {
	saved, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("%w: seek current position: %v", vnbderrors.ErrIO, err)
	}
	defer f.Seek(saved, io.SeekStart)

	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("%w: seek end: %v", vnbderrors.ErrIO, err)
	}
	if end < trailerFooterSize {
		return nil, fmt.Errorf("%w: file too short to contain a compression trailer footer", vnbderrors.ErrStreamFormat)
	}

	var footer [trailerFooterSize]byte
	if _, err := f.Seek(end-trailerFooterSize, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: seek to trailer footer: %v", vnbderrors.ErrIO, err)
	}
	if _, err := io.ReadFull(f, footer[:]); err != nil {
		return nil, fmt.Errorf("%w: read trailer footer: %v", vnbderrors.ErrIO, err)
	}
	trailerLen := int64(binary.BigEndian.Uint64(footer[:]))
	trailerStart := end - trailerFooterSize - trailerLen
	if trailerStart < 0 {
		return nil, fmt.Errorf("%w: trailer footer declares impossible length %d", vnbderrors.ErrStreamFormat, trailerLen)
	}

	if _, err := f.Seek(trailerStart, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: seek to trailer start: %v", vnbderrors.ErrIO, err)
	}
	buf := make([]byte, trailerLen)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("%w: read compression trailer: %v", vnbderrors.ErrIO, err)
	}
	var trailer CompressionTrailer
	if err := json.Unmarshal(buf, &trailer); err != nil {
		return nil, fmt.Errorf("%w: malformed compression trailer: %v", vnbderrors.ErrStreamFormat, err)
	}
	return trailer, nil
}
