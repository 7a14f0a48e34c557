package extent

import (
	"testing"

	"github.com/idnt-devops/virtnbdbackup/internal/blockdevice"
	"github.com/stretchr/testify/require"
)

func TestCoalesceMergesAdjacentSameState(t *testing.T) {
	in := []blockdevice.Extent{
		{Offset: 0, Length: 100, Data: true},
		{Offset: 100, Length: 50, Data: true},
		{Offset: 150, Length: 200, Data: false},
		{Offset: 350, Length: 10, Data: true},
	}
	out := Coalesce(in)
	require.Equal(t, []blockdevice.Extent{
		{Offset: 0, Length: 150, Data: true},
		{Offset: 150, Length: 200, Data: false},
		{Offset: 350, Length: 10, Data: true},
	}, out)
}

func TestCoalesceDoesNotMergeAcrossGap(t *testing.T) {
	in := []blockdevice.Extent{
		{Offset: 0, Length: 100, Data: true},
		{Offset: 200, Length: 100, Data: true},
	}
	out := Coalesce(in)
	require.Len(t, out, 2)
}

func TestValidateCoverageDetectsGap(t *testing.T) {
	extents := []blockdevice.Extent{
		{Offset: 0, Length: 100, Data: true},
		{Offset: 150, Length: 50, Data: false},
	}
	err := ValidateCoverage(extents, 200)
	require.Error(t, err)
}

func TestValidateCoverageAccepts(t *testing.T) {
	extents := []blockdevice.Extent{
		{Offset: 0, Length: 4096, Data: true},
		{Offset: 4096, Length: 61440, Data: false},
	}
	require.NoError(t, ValidateCoverage(extents, 65536))
}

func TestHasDataAndTotalDataLength(t *testing.T) {
	extents := []blockdevice.Extent{
		{Offset: 0, Length: 4096, Data: true},
		{Offset: 4096, Length: 61440, Data: false},
	}
	require.True(t, HasData(extents))
	require.EqualValues(t, 4096, TotalDataLength(extents))

	require.False(t, HasData(nil))
	require.EqualValues(t, 0, TotalDataLength(nil))
}
