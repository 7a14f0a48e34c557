package blockmap

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/idnt-devops/virtnbdbackup/internal/stream"
	"github.com/idnt-devops/virtnbdbackup/internal/vnbderrors"
)

// writeStream builds a full/copy-shaped stream file with the given DATA and
// ZERO extents in order, returning its path.
func writeStream(t *testing.T, dir string, virtualSize uint64, compressed bool, build func(w *stream.Writer)) string {
	t.Helper()
	path := filepath.Join(dir, "sda.full.data")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := stream.NewWriter(f)
	require.NoError(t, w.WriteMeta(stream.Metadata{
		DiskName: "sda", DiskFormat: "raw", VirtualSize: virtualSize, Compressed: compressed,
	}))
	build(w)
	require.NoError(t, w.WriteStop())
	return path
}

// TestBuildAndTranslateCoversSpecS6 covers spec.md S6: a three-block map
// (data, zero, data) where a read crossing the first block's boundary
// fails, a read fully inside the zero block returns zero-fill, and a read
// fully inside the second data block resolves to the right file offset.
func TestBuildAndTranslateCoversSpecS6(t *testing.T) {
	dir := t.TempDir()
	dataBlock0 := []byte("AAAA") // 4 bytes standing in for a 4096-byte block, same shape
	dataBlock1 := []byte("BBBB")

	path := writeStream(t, dir, 12, false, func(w *stream.Writer) {
		require.NoError(t, w.WriteDataHeader(0, uint64(len(dataBlock0))))
		require.NoError(t, w.WriteRaw(dataBlock0))
		require.NoError(t, w.WriteTerminator())
		require.NoError(t, w.WriteZero(4, 4))
		require.NoError(t, w.WriteDataHeader(8, uint64(len(dataBlock1))))
		require.NoError(t, w.WriteRaw(dataBlock1))
		require.NoError(t, w.WriteTerminator())
	})

	m, err := Build(path)
	require.NoError(t, err)
	require.Equal(t, "sda", m.DiskName)
	require.Len(t, m.Blocks, 3)
	require.Nil(t, m.Blocks[len(m.Blocks)-1].NextBlockOffset)
	for i := 0; i < len(m.Blocks)-1; i++ {
		require.NotNil(t, m.Blocks[i].NextBlockOffset)
	}

	// read fully inside block 0
	fileOffset, data, err := m.Translate(0, 4)
	require.NoError(t, err)
	require.True(t, data)
	require.Equal(t, m.Blocks[0].StreamOffset, fileOffset)

	// read crossing from block 0 into block 1's territory
	_, _, err = m.Translate(2, 4)
	require.Error(t, err)
	require.True(t, errors.Is(err, vnbderrors.ErrUnexpectedBlockRange))

	// read fully inside the zero block
	_, data, err = m.Translate(4, 4)
	require.NoError(t, err)
	require.False(t, data)

	// read fully inside block 2 (the second data block)
	fileOffset, data, err = m.Translate(8, 4)
	require.NoError(t, err)
	require.True(t, data)
	require.Equal(t, m.Blocks[2].StreamOffset, fileOffset)
}

// TestTranslateMonotone covers spec.md §8 invariant 7: fileOffset advances
// in lockstep with guestOffset within a single block.
func TestTranslateMonotone(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("0123456789ABCDEF")
	path := writeStream(t, dir, uint64(len(payload)), false, func(w *stream.Writer) {
		require.NoError(t, w.WriteDataHeader(0, uint64(len(payload))))
		require.NoError(t, w.WriteRaw(payload))
		require.NoError(t, w.WriteTerminator())
	})

	m, err := Build(path)
	require.NoError(t, err)
	require.Len(t, m.Blocks, 1)

	base, _, err := m.Translate(0, 1)
	require.NoError(t, err)
	for o := int64(1); o < int64(len(payload)); o++ {
		fo, data, err := m.Translate(o, 1)
		require.NoError(t, err)
		require.True(t, data)
		require.Equal(t, o-0, fo-base)
	}
}

func TestBuildRefusesCompressedStream(t *testing.T) {
	dir := t.TempDir()
	path := writeStream(t, dir, 16, true, func(w *stream.Writer) {
		require.NoError(t, w.WriteDataHeader(0, 4))
		require.NoError(t, w.WriteRaw([]byte{1, 2, 3, 4}))
		require.NoError(t, w.WriteTerminator())
	})

	_, err := Build(path)
	require.Error(t, err)
	require.True(t, errors.Is(err, vnbderrors.ErrCompressionUnsupportedForMapping))
}

func TestBuildRefusesIncrementalStream(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sda.inc.data")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := stream.NewWriter(f)
	require.NoError(t, w.WriteMeta(stream.Metadata{DiskName: "sda", DiskFormat: "raw", VirtualSize: 16, Incremental: true}))
	require.NoError(t, w.WriteStop())
	require.NoError(t, f.Close())

	_, err = Build(path)
	require.Error(t, err)
}
