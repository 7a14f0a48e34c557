package stream

import (
	"fmt"
	"io"

	"github.com/idnt-devops/virtnbdbackup/internal/frame"
	"github.com/idnt-devops/virtnbdbackup/internal/vnbderrors"
)

// Writer sequences frames onto an underlying io.Writer in the order the
// sparse stream format requires: one META, any number of DATA/ZERO, one
// STOP, optional trailer. It does not itself chunk or compress payloads —
// package chunked drives that — it only frames whatever bytes it is given.
type Writer struct {
	w        io.Writer
	wroteMeta bool
	wroteStop bool
}

// NewWriter wraps w for stream frame sequencing.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMeta writes the stream's single leading META frame.
func (sw *Writer) WriteMeta(m Metadata) error {
	if sw.wroteMeta {
		return fmt.Errorf("stream: WriteMeta called more than once")
	}
	payload, err := DumpMetadata(m.DiskName, m.DiskFormat, m.VirtualSize, m.DataSize, m.CheckpointName, m.ParentCheckpoint, m.Incremental, m.Compressed, m.CompressionMethod)
	if err != nil {
		return err
	}
	if err := frame.WriteFrame(sw.w, frame.KindMeta, 0, uint64(len(payload))); err != nil {
		return err
	}
	if _, err := sw.w.Write(payload); err != nil {
		return fmt.Errorf("%w: write metadata payload: %v", vnbderrors.ErrIO, err)
	}
	if err := frame.WriteTerminator(sw.w); err != nil {
		return err
	}
	sw.wroteMeta = true
	return nil
}

// WriteDataHeader writes a DATA frame header. length is the ORIGINAL
// (uncompressed) extent length, per spec, regardless of whether the bytes
// that follow are compressed. Callers write the payload bytes themselves
// (via WriteRaw, possibly across several chunked lz4 blocks) and must
// finish with WriteTerminator.
func (sw *Writer) WriteDataHeader(start, length uint64) error {
	return frame.WriteFrame(sw.w, frame.KindData, start, length)
}

// WriteRaw writes payload bytes directly to the underlying writer. Used by
// package chunked to stream one or more (optionally compressed) chunks
// that make up a DATA frame's payload.
func (sw *Writer) WriteRaw(p []byte) error {
	if _, err := sw.w.Write(p); err != nil {
		return fmt.Errorf("%w: write data payload: %v", vnbderrors.ErrIO, err)
	}
	return nil
}

// WriteTerminator closes out a META or DATA frame's payload.
func (sw *Writer) WriteTerminator() error {
	return frame.WriteTerminator(sw.w)
}

// WriteZero writes a ZERO frame (hole); it carries no payload or terminator.
func (sw *Writer) WriteZero(start, length uint64) error {
	return frame.WriteFrame(sw.w, frame.KindZero, start, length)
}

// WriteStop writes the single terminal STOP frame.
func (sw *Writer) WriteStop() error {
	if sw.wroteStop {
		return fmt.Errorf("stream: WriteStop called more than once")
	}
	if err := frame.WriteFrame(sw.w, frame.KindStop, 0, 0); err != nil {
		return err
	}
	sw.wroteStop = true
	return nil
}

// Reader walks frames in file order off an underlying io.Reader.
type Reader struct {
	r io.Reader
}

// NewReader wraps r for stream frame sequencing.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: frame.NewReader(r)}
}

// Next reads the next frame header.
func (sr *Reader) Next() (frame.Header, error) {
	return frame.ReadFrame(sr.r)
}

// ReadPayload reads exactly h.Length raw bytes followed by the terminator.
// Valid for META frames, and for DATA frames in an uncompressed stream
// where h.Length is the number of bytes actually present in the file.
func (sr *Reader) ReadPayload(h frame.Header) ([]byte, error) {
	if !h.Kind.HasPayload() {
		return nil, fmt.Errorf("stream: frame kind %s carries no payload", h.Kind)
	}
	buf := make([]byte, h.Length)
	if _, err := io.ReadFull(sr.r, buf); err != nil {
		return nil, fmt.Errorf("%w: short read of %s payload: %v", vnbderrors.ErrStreamFormat, h.Kind, err)
	}
	if err := frame.ReadTerminator(sr.r); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadRaw reads exactly n raw payload bytes without consuming a
// terminator. Used by package chunked to read one compressed chunk of a
// DATA frame's payload at a time, per the compression trailer.
func (sr *Reader) ReadRaw(n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(sr.r, buf); err != nil {
		return nil, fmt.Errorf("%w: short read of data chunk: %v", vnbderrors.ErrStreamFormat, err)
	}
	return buf, nil
}

// ConsumeTerminator reads and asserts the terminator following a DATA
// frame's payload bytes, once all of its chunks have been read via ReadRaw.
func (sr *Reader) ConsumeTerminator() error {
	return frame.ReadTerminator(sr.r)
}
