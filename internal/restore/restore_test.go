package restore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/idnt-devops/virtnbdbackup/internal/blockdevice"
	"github.com/idnt-devops/virtnbdbackup/internal/chunked"
	"github.com/idnt-devops/virtnbdbackup/internal/stream"
)

// fakeDevice is an in-memory blockdevice.BlockDevice, mirroring package
// chunked's test double, used here to drive full pipeline-level replay
// tests without a real NBD connection.
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

// writeFullStream builds an uncompressed full/copy-shaped stream file
// directly onto disk: one DATA extent at [0,dataLen) followed by a ZERO
// hole covering the rest of virtualSize, matching spec.md S2.
func writeFullStream(t *testing.T, path string, virtualSize, dataLen int64, fill byte, checkpointName string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	sw := stream.NewWriter(f)
	require.NoError(t, sw.WriteMeta(stream.Metadata{
		DiskName: "sda", DiskFormat: "raw", VirtualSize: uint64(virtualSize),
		DataSize: uint64(dataLen), CheckpointName: checkpointName,
	}))
	data := make([]byte, dataLen)
	for i := range data {
		data[i] = fill
	}
	require.NoError(t, sw.WriteDataHeader(0, uint64(dataLen)))
	require.NoError(t, sw.WriteRaw(data))
	require.NoError(t, sw.WriteTerminator())
	if dataLen < virtualSize {
		require.NoError(t, sw.WriteZero(uint64(dataLen), uint64(virtualSize-dataLen)))
	}
	require.NoError(t, sw.WriteStop())
}

// writeIncStream builds an incremental-shaped stream file covering a single
// dirty DATA extent, with no ZERO frames (holes are implicit for inc/diff
// per spec.md §4.B invariant 5).
func writeIncStream(t *testing.T, path string, virtualSize int64, extentOffset, extentLen int64, fill byte, checkpointName string, parent *string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	sw := stream.NewWriter(f)
	dataSize := uint64(0)
	if extentLen > 0 {
		dataSize = uint64(extentLen)
	}
	require.NoError(t, sw.WriteMeta(stream.Metadata{
		DiskName: "sda", DiskFormat: "raw", VirtualSize: uint64(virtualSize),
		DataSize: dataSize, CheckpointName: checkpointName, ParentCheckpoint: parent, Incremental: true,
	}))
	if extentLen > 0 {
		data := make([]byte, extentLen)
		for i := range data {
			data[i] = fill
		}
		require.NoError(t, sw.WriteDataHeader(uint64(extentOffset), uint64(extentLen)))
		require.NoError(t, sw.WriteRaw(data))
		require.NoError(t, sw.WriteTerminator())
	}
	require.NoError(t, sw.WriteStop())
}

func TestRunChainFullOnly(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "sda.full.data")
	writeFullStream(t, full, 65536, 4096, 0xAB, "full")

	dev := newFakeDevice(65536, 4*1024*1024)
	report, err := RunChain(context.Background(), dev, []string{full}, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, report.FilesApplied)
	require.Empty(t, report.StoppedAt)

	for i := 0; i < 4096; i++ {
		require.EqualValues(t, 0xAB, dev.data[i])
	}
	for i := 4096; i < 65536; i++ {
		require.EqualValues(t, 0, dev.data[i])
	}
}

// TestRunChainEmptyIncrementalIsNoOp covers spec.md S1: a full followed by
// an inc with no dirty extents leaves the disk byte-identical to the full.
func TestRunChainEmptyIncrementalIsNoOp(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "sda.full.data")
	writeFullStream(t, full, 65536, 4096, 0xAB, "virtnbdbackup.0")

	inc := filepath.Join(dir, "sda.inc.virtnbdbackup.1.data")
	parent := "virtnbdbackup.0"
	writeIncStream(t, inc, 65536, 0, 0, 0, "virtnbdbackup.1", &parent)

	dev := newFakeDevice(65536, 4*1024*1024)
	report, err := RunChain(context.Background(), dev, []string{full, inc}, Options{})
	require.NoError(t, err)
	require.Equal(t, 2, report.FilesApplied)

	for i := 0; i < 4096; i++ {
		require.EqualValues(t, 0xAB, dev.data[i])
	}
}

// TestRunChainUntilStopsEarly covers spec.md S4.
func TestRunChainUntilStopsEarly(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "sda.full.data")
	writeFullStream(t, full, 65536, 0, 0, "virtnbdbackup.0")

	inc1 := filepath.Join(dir, "sda.inc.virtnbdbackup.1.data")
	p0 := "virtnbdbackup.0"
	writeIncStream(t, inc1, 65536, 0, 4096, 0x11, "virtnbdbackup.1", &p0)

	inc2 := filepath.Join(dir, "sda.inc.virtnbdbackup.2.data")
	p1 := "virtnbdbackup.1"
	writeIncStream(t, inc2, 65536, 4096, 4096, 0x22, "virtnbdbackup.2", &p1)

	inc3 := filepath.Join(dir, "sda.inc.virtnbdbackup.3.data")
	p2 := "virtnbdbackup.2"
	writeIncStream(t, inc3, 65536, 8192, 4096, 0x33, "virtnbdbackup.3", &p2)

	dev := newFakeDevice(65536, 4*1024*1024)
	report, err := RunChain(context.Background(), dev, []string{full, inc1, inc2, inc3}, Options{Until: "virtnbdbackup.2"})
	require.NoError(t, err)
	require.Equal(t, 3, report.FilesApplied)
	require.Equal(t, "virtnbdbackup.2", report.StoppedAt)

	for i := 0; i < 4096; i++ {
		require.EqualValues(t, 0x11, dev.data[i])
	}
	for i := 4096; i < 8192; i++ {
		require.EqualValues(t, 0x22, dev.data[i])
	}
	// inc3's region must be untouched (still zero).
	for i := 8192; i < 12288; i++ {
		require.EqualValues(t, 0, dev.data[i])
	}
}

func TestRunChainRejectsDiskMismatch(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "sda.full.data")
	writeFullStream(t, full, 65536, 0, 0, "full")

	other := filepath.Join(dir, "sdb.full.data")
	f, err := os.Create(other)
	require.NoError(t, err)
	sw := stream.NewWriter(f)
	require.NoError(t, sw.WriteMeta(stream.Metadata{DiskName: "sdb", DiskFormat: "raw", VirtualSize: 131072, CheckpointName: "full"}))
	require.NoError(t, sw.WriteStop())
	f.Close()

	dev := newFakeDevice(65536, 4*1024*1024)
	_, err = RunChain(context.Background(), dev, []string{full, other}, Options{})
	require.Error(t, err)
}

// TestRunChainCompressedStream covers spec.md S3 end to end through the
// public RunChain entry point (rather than the chunked-package-level unit
// test), exercising the file-based trailer footer.
func TestRunChainCompressedStream(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sda.full.data")

	virtualSize := int64(8 * 1024 * 1024)
	maxReq := int64(4 * 1024 * 1024)
	src := make([]byte, virtualSize)
	for i := range src {
		src[i] = byte(i / 4096 % 5)
	}

	f, err := os.Create(path)
	require.NoError(t, err)
	sw := stream.NewWriter(f)
	require.NoError(t, sw.WriteMeta(stream.Metadata{
		DiskName: "sda", DiskFormat: "raw", VirtualSize: uint64(virtualSize),
		DataSize: uint64(virtualSize), CheckpointName: "full", Compressed: true, CompressionMethod: "lz4",
	}))

	srcDev := &fakeDevice{data: src, maxRequestSize: maxReq}
	e := blockdevice.Extent{Offset: 0, Length: virtualSize, Data: true}
	entry, err := chunked.WriteDataExtent(context.Background(), srcDev, sw, e, maxReq, true)
	require.NoError(t, err)
	require.Len(t, entry, 2)
	require.NoError(t, sw.WriteStop())
	require.NoError(t, stream.WriteCompressionTrailerToFile(f, stream.CompressionTrailer{entry}))
	require.NoError(t, f.Close())

	dst := newFakeDevice(int(virtualSize), maxReq)
	report, err := RunChain(context.Background(), dst, []string{path}, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, report.FilesApplied)
	require.Equal(t, src, dst.data)
}
