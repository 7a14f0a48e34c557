// Package extent builds and merges the ordered extent list a backup worker
// streams from: either the full allocation map (full/copy level) or a named
// dirty-bitmap context (incremental/differential level).
package extent

import (
	"context"
	"fmt"

	"github.com/idnt-devops/virtnbdbackup/internal/blockdevice"
	"github.com/idnt-devops/virtnbdbackup/internal/vnbderrors"
)

// AllocationContext requests the base allocation map.
const AllocationContext = "base:allocation"

// DirtyBitmapContext builds the qemu dirty-bitmap meta-context name for the
// given bitmap. The bitmap name itself differs between live and offline
// disks (per-checkpoint vs per-disk) but the context prefix is the same.
func DirtyBitmapContext(bitmapName string) string {
	return "qemu:dirty-bitmap:" + bitmapName
}

// Query fetches and coalesces the extent list for a disk.
//
// full/copy callers pass metaContext == AllocationContext and get back both
// data and hole extents. incremental/differential callers pass a
// DirtyBitmapContext and get back only the dirty ranges the bitmap reports;
// unallocated/clean regions are implicitly absent rather than represented
// as explicit false-extents.
func Query(ctx context.Context, dev blockdevice.BlockDevice, metaContext string) ([]blockdevice.Extent, error) {
	raw, err := dev.Extents(ctx, metaContext)
	if err != nil {
		return nil, fmt.Errorf("%w: query extents (%s): %v", vnbderrors.ErrHostControl, metaContext, err)
	}
	merged := Coalesce(raw)
	if len(merged) == 0 {
		return nil, fmt.Errorf("%w: no extents found for context %q", vnbderrors.ErrHostControl, metaContext)
	}
	return merged, nil
}

// Coalesce merges consecutive extents sharing the same Data flag into one.
// Result preserves ascending offset order.
func Coalesce(extents []blockdevice.Extent) []blockdevice.Extent {
	if len(extents) == 0 {
		return nil
	}
	merged := make([]blockdevice.Extent, 0, len(extents))
	cur := extents[0]
	for _, e := range extents[1:] {
		if e.Data == cur.Data && cur.Offset+cur.Length == e.Offset {
			cur.Length += e.Length
			continue
		}
		merged = append(merged, cur)
		cur = e
	}
	merged = append(merged, cur)
	return merged
}

// HasData reports whether any extent in the list is dirty/allocated data.
func HasData(extents []blockdevice.Extent) bool {
	for _, e := range extents {
		if e.Data {
			return true
		}
	}
	return false
}

// TotalDataLength sums the length of all data==true extents.
func TotalDataLength(extents []blockdevice.Extent) int64 {
	var total int64
	for _, e := range extents {
		if e.Data {
			total += e.Length
		}
	}
	return total
}

// ValidateCoverage checks the contiguous-and-covers-[0,virtualSize)
// invariant spec.md §3 requires of a full/copy disk's extent list.
func ValidateCoverage(extents []blockdevice.Extent, virtualSize int64) error {
	if len(extents) == 0 {
		return fmt.Errorf("%w: empty extent list", vnbderrors.ErrHostControl)
	}
	if extents[0].Offset != 0 {
		return fmt.Errorf("%w: extent list does not start at 0", vnbderrors.ErrStreamFormat)
	}
	for i := 1; i < len(extents); i++ {
		if extents[i-1].Offset+extents[i-1].Length != extents[i].Offset {
			return fmt.Errorf("%w: extent list is not contiguous at index %d", vnbderrors.ErrStreamFormat, i)
		}
	}
	last := extents[len(extents)-1]
	if last.Offset+last.Length != virtualSize {
		return fmt.Errorf("%w: extent list does not cover virtual size (%d != %d)", vnbderrors.ErrStreamFormat, last.Offset+last.Length, virtualSize)
	}
	return nil
}
