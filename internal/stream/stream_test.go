package stream

import (
	"bytes"
	"testing"

	"github.com/idnt-devops/virtnbdbackup/internal/frame"
	"github.com/stretchr/testify/require"
)

func TestMetadataRoundTripPreservesUnknownFields(t *testing.T) {
	payload, err := DumpMetadata("sda", "raw", 65536, 4096, "full", nil, false, false, "")
	require.NoError(t, err)

	m, err := LoadMetadata(payload)
	require.NoError(t, err)
	require.Equal(t, "sda", m.DiskName)
	require.Equal(t, uint64(65536), m.VirtualSize)

	// simulate an unknown free-form field a newer writer might add
	withExtra := append(bytes.TrimSuffix(payload, []byte("}")), []byte(`,"toolVersion":"9.9"}`)...)
	m2, err := LoadMetadata(withExtra)
	require.NoError(t, err)
	require.Contains(t, m2.Extra, "toolVersion")

	reserialized, err := m2.MarshalJSON()
	require.NoError(t, err)
	require.Contains(t, string(reserialized), "toolVersion")
}

func TestStreamRawDataAndZeroCoversVirtualSize(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	data := bytes.Repeat([]byte{0xAB}, 4096)
	require.NoError(t, w.WriteMeta(Metadata{DiskName: "sda", DiskFormat: "raw", VirtualSize: 65536, DataSize: uint64(len(data))}))
	require.NoError(t, w.WriteDataHeader(0, uint64(len(data))))
	require.NoError(t, w.WriteRaw(data))
	require.NoError(t, w.WriteTerminator())
	require.NoError(t, w.WriteZero(4096, 65536-4096))
	require.NoError(t, w.WriteStop())

	r := NewReader(&buf)

	h, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, frame.KindMeta, h.Kind)
	metaPayload, err := r.ReadPayload(h)
	require.NoError(t, err)
	m, err := LoadMetadata(metaPayload)
	require.NoError(t, err)
	require.EqualValues(t, 65536, m.VirtualSize)

	h, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, frame.KindData, h.Kind)
	require.EqualValues(t, 0, h.Start)
	require.EqualValues(t, 4096, h.Length)
	payload, err := r.ReadPayload(h)
	require.NoError(t, err)
	require.Equal(t, data, payload)

	h, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, frame.KindZero, h.Kind)
	require.EqualValues(t, 4096, h.Start)
	require.EqualValues(t, 65536-4096, h.Length)

	h, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, frame.KindStop, h.Kind)

	// Sum(DATA.length) + Sum(ZERO.length) == virtualSize (invariant 2).
	require.EqualValues(t, m.VirtualSize, 4096+(65536-4096))
}

func TestCompressionTrailerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	trailer := CompressionTrailer{{100, 200, 50}, {42}}
	require.NoError(t, WriteCompressionTrailer(&buf, trailer))

	got, err := ReadCompressionTrailer(&buf)
	require.NoError(t, err)
	require.Equal(t, trailer, got)

	size, err := got.BlockSizes(0)
	require.NoError(t, err)
	require.EqualValues(t, 350, size)
}

func TestLZ4ChunkRoundTrip(t *testing.T) {
	plain := bytes.Repeat([]byte("hello sparse stream world "), 500)
	compressed, err := CompressChunk(plain)
	require.NoError(t, err)

	out, err := DecompressChunk(compressed, len(plain))
	require.NoError(t, err)
	require.Equal(t, plain, out)
}
