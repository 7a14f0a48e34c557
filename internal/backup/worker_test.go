package backup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/idnt-devops/virtnbdbackup/internal/blockdevice"
	"github.com/idnt-devops/virtnbdbackup/internal/checkpoint"
	"github.com/idnt-devops/virtnbdbackup/internal/frame"
	"github.com/idnt-devops/virtnbdbackup/internal/hostcontrol"
	"github.com/idnt-devops/virtnbdbackup/internal/stream"
)

// fakeDevice is an in-memory blockdevice.BlockDevice whose Extents return
// a fixed, caller-supplied list, mirroring package chunked/restore's test
// doubles.
type fakeDevice struct {
	data           []byte
	maxRequestSize int64
	extents        []blockdevice.Extent
}

func (f *fakeDevice) MaxRequestSize() int64 { return f.maxRequestSize }
func (f *fakeDevice) VirtualSize() int64    { return int64(len(f.data)) }
func (f *fakeDevice) Extents(ctx context.Context, metaContext string) ([]blockdevice.Extent, error) {
	return f.extents, nil
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

// TestBackupDiskStreamFullCoversSpecS2 covers spec.md S2: a 64 KiB disk
// with one 4 KiB data extent at the start, holes elsewhere.
func TestBackupDiskStreamFullCoversSpecS2(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 65536)
	for i := 0; i < 4096; i++ {
		data[i] = 0xAB
	}
	dev := &fakeDevice{
		data:           data,
		maxRequestSize: 4 * 1024 * 1024,
		extents: []blockdevice.Extent{
			{Offset: 0, Length: 4096, Data: true},
			{Offset: 4096, Length: 65536 - 4096, Data: false},
		},
	}
	disk := hostcontrol.Disk{Target: "sda", Format: "raw", VirtualSize: 65536}

	result, err := BackupDisk(context.Background(), dev, dir, disk, Options{Level: checkpoint.LevelFull, Type: StreamTypeStream}, "full", nil)
	require.NoError(t, err)
	require.EqualValues(t, 4096, result.DataSize)
	require.Equal(t, filepath.Join(dir, "sda.full.full.data"), result.FinalPath)

	// no leftover partial file
	_, err = os.Stat(result.FinalPath + ".partial")
	require.True(t, os.IsNotExist(err))

	f, err := os.Open(result.FinalPath)
	require.NoError(t, err)
	defer f.Close()

	sr := stream.NewReader(f)
	h, err := sr.Next()
	require.NoError(t, err)
	require.Equal(t, frame.KindMeta, h.Kind)
	payload, err := sr.ReadPayload(h)
	require.NoError(t, err)
	meta, err := stream.LoadMetadata(payload)
	require.NoError(t, err)
	require.EqualValues(t, 65536, meta.VirtualSize)
	require.EqualValues(t, 4096, meta.DataSize)
	require.False(t, meta.Incremental)

	h, err = sr.Next()
	require.NoError(t, err)
	require.Equal(t, frame.KindData, h.Kind)
	dataPayload, err := sr.ReadPayload(h)
	require.NoError(t, err)
	require.True(t, bytes.Equal(dataPayload, data[:4096]))

	h, err = sr.Next()
	require.NoError(t, err)
	require.Equal(t, frame.KindZero, h.Kind)
	require.EqualValues(t, 4096, h.Start)
	require.EqualValues(t, 65536-4096, h.Length)

	h, err = sr.Next()
	require.NoError(t, err)
	require.Equal(t, frame.KindStop, h.Kind)
}

// TestBackupDiskRawMatchesSpecS2 covers spec.md S2's raw-output half: a
// full-size file with the data region populated and holes left sparse.
func TestBackupDiskRawMatchesSpecS2(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 65536)
	for i := 0; i < 4096; i++ {
		data[i] = 0xAB
	}
	dev := &fakeDevice{
		data:           data,
		maxRequestSize: 4 * 1024 * 1024,
		extents: []blockdevice.Extent{
			{Offset: 0, Length: 4096, Data: true},
			{Offset: 4096, Length: 65536 - 4096, Data: false},
		},
	}
	disk := hostcontrol.Disk{Target: "sda", Format: "raw", VirtualSize: 65536}

	result, err := BackupDisk(context.Background(), dev, dir, disk, Options{Level: checkpoint.LevelFull, Type: StreamTypeRaw}, "full", nil)
	require.NoError(t, err)

	out, err := os.ReadFile(result.FinalPath)
	require.NoError(t, err)
	require.Len(t, out, 65536)
	for i := 0; i < 4096; i++ {
		require.EqualValues(t, 0xAB, out[i])
	}
	for i := 4096; i < 65536; i++ {
		require.EqualValues(t, 0, out[i])
	}
}

// TestBackupDiskIncrementalOmitsHoles covers spec.md §4.B invariant 5: an
// incremental stream carries only its dirty DATA extent, no ZERO frames.
func TestBackupDiskIncrementalOmitsHoles(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 65536)
	for i := 4096; i < 8192; i++ {
		data[i] = 0xCD
	}
	dev := &fakeDevice{
		data:           data,
		maxRequestSize: 4 * 1024 * 1024,
		extents: []blockdevice.Extent{
			{Offset: 0, Length: 4096, Data: false},
			{Offset: 4096, Length: 4096, Data: true},
			{Offset: 8192, Length: 65536 - 8192, Data: false},
		},
	}
	disk := hostcontrol.Disk{Target: "sda", Format: "raw", VirtualSize: 65536, BitmapName: "virtnbdbackup.0"}
	parent := "virtnbdbackup.0"

	result, err := BackupDisk(context.Background(), dev, dir, disk, Options{Level: checkpoint.LevelInc, Type: StreamTypeStream}, "virtnbdbackup.1", &parent)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "sda.inc.virtnbdbackup.1.data"), result.FinalPath)

	f, err := os.Open(result.FinalPath)
	require.NoError(t, err)
	defer f.Close()
	sr := stream.NewReader(f)

	h, err := sr.Next()
	require.NoError(t, err)
	payload, err := sr.ReadPayload(h)
	require.NoError(t, err)
	meta, err := stream.LoadMetadata(payload)
	require.NoError(t, err)
	require.True(t, meta.Incremental)
	require.Equal(t, "virtnbdbackup.0", *meta.ParentCheckpoint)

	h, err = sr.Next()
	require.NoError(t, err)
	require.Equal(t, frame.KindData, h.Kind)
	require.EqualValues(t, 4096, h.Start)

	h, err = sr.Next()
	require.NoError(t, err)
	require.Equal(t, frame.KindStop, h.Kind, "incremental stream must skip hole extents entirely")
}

// TestBackupDiskEmptyIncrementalWritesMetaAndStopOnly covers spec.md S1.
func TestBackupDiskEmptyIncrementalWritesMetaAndStopOnly(t *testing.T) {
	dir := t.TempDir()
	dev := &fakeDevice{
		data:           make([]byte, 1<<30),
		maxRequestSize: 4 * 1024 * 1024,
		extents: []blockdevice.Extent{
			{Offset: 0, Length: 1 << 30, Data: false},
		},
	}
	disk := hostcontrol.Disk{Target: "sda", Format: "raw", VirtualSize: 1 << 30, BitmapName: "virtnbdbackup.0"}
	parent := "virtnbdbackup.0"

	result, err := BackupDisk(context.Background(), dev, dir, disk, Options{Level: checkpoint.LevelInc, Type: StreamTypeStream}, "virtnbdbackup.1", &parent)
	require.NoError(t, err)
	require.EqualValues(t, 0, result.DataSize)

	f, err := os.Open(result.FinalPath)
	require.NoError(t, err)
	defer f.Close()
	sr := stream.NewReader(f)

	h, err := sr.Next()
	require.NoError(t, err)
	require.Equal(t, frame.KindMeta, h.Kind)
	payload, err := sr.ReadPayload(h)
	require.NoError(t, err)
	meta, err := stream.LoadMetadata(payload)
	require.NoError(t, err)
	require.EqualValues(t, 0, meta.DataSize)

	h, err = sr.Next()
	require.NoError(t, err)
	require.Equal(t, frame.KindStop, h.Kind)
}
