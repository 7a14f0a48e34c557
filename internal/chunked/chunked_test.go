package chunked

import (
	"bytes"
	"context"
	"testing"

	"github.com/idnt-devops/virtnbdbackup/internal/blockdevice"
	"github.com/idnt-devops/virtnbdbackup/internal/stream"
	"github.com/stretchr/testify/require"
)

// fakeDevice is an in-memory blockdevice.BlockDevice backed by a byte slice.
type fakeDevice struct {
	data           []byte
	maxRequestSize int64
}

func newFakeDevice(size int, maxRequestSize int64) *fakeDevice {
	return &fakeDevice{data: make([]byte, size), maxRequestSize: maxRequestSize}
}

func (f *fakeDevice) MaxRequestSize() int64 { return f.maxRequestSize }
func (f *fakeDevice) VirtualSize() int64    { return int64(len(f.data)) }
func (f *fakeDevice) Extents(ctx context.Context, metaContext string) ([]blockdevice.Extent, error) {
	return nil, nil
}
func (f *fakeDevice) Pread(ctx context.Context, offset, length int64) ([]byte, error) {
	out := make([]byte, length)
	copy(out, f.data[offset:offset+length])
	return out, nil
}
func (f *fakeDevice) Pwrite(ctx context.Context, offset int64, p []byte) error {
	copy(f.data[offset:], p)
	return nil
}
func (f *fakeDevice) Zero(ctx context.Context, offset, length int64) error {
	for i := int64(0); i < length; i++ {
		f.data[offset+i] = 0
	}
	return nil
}
func (f *fakeDevice) Close() error { return nil }

func TestPlanSplitsAtBoundary(t *testing.T) {
	require.Equal(t, []int64{10}, Plan(10, 100))
	require.Equal(t, []int64{4, 4, 2}, Plan(10, 4))
	require.Nil(t, Plan(0, 4))
}

func TestWriteReadDataExtentUncompressed(t *testing.T) {
	ctx := context.Background()
	src := newFakeDevice(10*1024*1024, 4*1024*1024)
	for i := range src.data {
		src.data[i] = byte(i % 251)
	}

	var buf bytes.Buffer
	sw := stream.NewWriter(&buf)
	e := blockdevice.Extent{Offset: 0, Length: int64(len(src.data)), Data: true}
	trailerEntry, err := WriteDataExtent(ctx, src, sw, e, src.maxRequestSize, false)
	require.NoError(t, err)
	require.Nil(t, trailerEntry)

	sr := stream.NewReader(&buf)
	h, err := sr.Next()
	require.NoError(t, err)

	dst := newFakeDevice(len(src.data), src.maxRequestSize)
	require.NoError(t, ReadDataExtent(ctx, dst, sr, h, src.maxRequestSize, false, nil))
	require.Equal(t, src.data, dst.data)
}

func TestWriteReadDataExtentCompressed(t *testing.T) {
	ctx := context.Background()
	src := newFakeDevice(10*1024*1024, 4*1024*1024)
	// Highly compressible payload, like a real VM disk's data regions often are.
	for i := range src.data {
		src.data[i] = byte(i / 4096 % 7)
	}

	var buf bytes.Buffer
	sw := stream.NewWriter(&buf)
	e := blockdevice.Extent{Offset: 0, Length: int64(len(src.data)), Data: true}
	trailerEntry, err := WriteDataExtent(ctx, src, sw, e, src.maxRequestSize, true)
	require.NoError(t, err)
	require.Len(t, trailerEntry, 3) // 10MiB split into three 4MiB chunks

	sr := stream.NewReader(&buf)
	h, err := sr.Next()
	require.NoError(t, err)
	require.EqualValues(t, len(src.data), h.Length)

	dst := newFakeDevice(len(src.data), src.maxRequestSize)
	require.NoError(t, ReadDataExtent(ctx, dst, sr, h, src.maxRequestSize, true, trailerEntry))
	require.Equal(t, src.data, dst.data)
}

func TestWriteZeroExtentChunks(t *testing.T) {
	ctx := context.Background()
	dev := newFakeDevice(100, 30)
	for i := range dev.data {
		dev.data[i] = 0xFF
	}
	require.NoError(t, WriteZeroExtent(ctx, dev, 0, 100, 30))
	for _, b := range dev.data {
		require.EqualValues(t, 0, b)
	}
}
