package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/idnt-devops/virtnbdbackup/internal/vnbderrors"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	cases := []Header{
		{Kind: KindMeta, Start: 0, Length: 128},
		{Kind: KindData, Start: 4096, Length: 65536},
		{Kind: KindZero, Start: 1 << 40, Length: 1 << 20},
		{Kind: KindStop, Start: 0, Length: 0},
	}

	for _, h := range cases {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, h.Kind, h.Start, h.Length))
		require.Equal(t, headerWidth, buf.Len())

		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		require.Equal(t, h, got)
	}
}

func TestWriteReadTerminatorRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTerminator(&buf))
	require.NoError(t, ReadTerminator(&buf))
}

func TestReadTerminatorMismatch(t *testing.T) {
	buf := bytes.NewBuffer(make([]byte, len(Terminator)))
	err := ReadTerminator(buf)
	require.Error(t, err)
	require.True(t, errors.Is(err, vnbderrors.ErrStreamFormat))
}

func TestReadFrameUnknownKind(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("XXXX:")
	buf.Write(bytes.Repeat([]byte("0"), offsetWidth*2))
	buf.WriteString("\r\n")

	_, err := ReadFrame(&buf)
	require.Error(t, err)
	require.True(t, errors.Is(err, vnbderrors.ErrStreamFormat))
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, KindData, 0, 10))
	truncated := bytes.NewReader(buf.Bytes()[:headerWidth-3])

	_, err := ReadFrame(truncated)
	require.Error(t, err)
	require.True(t, errors.Is(err, vnbderrors.ErrStreamFormat))
}
