package backup

import (
	"context"
	"fmt"
	"os"

	"github.com/idnt-devops/virtnbdbackup/internal/blockdevice"
	"github.com/idnt-devops/virtnbdbackup/internal/chunked"
	"github.com/idnt-devops/virtnbdbackup/internal/hostcontrol"
	"github.com/idnt-devops/virtnbdbackup/internal/progress"
	"github.com/idnt-devops/virtnbdbackup/internal/vnbderrors"
)

// writeRaw implements spec.md §4.E step 4: a full-size raw image, data
// extents copied byte-for-byte, holes left as sparse (unwritten) regions of
// the truncated file. Only valid for full/copy levels; the caller (CLI
// layer) refuses raw with inc/diff per the preserved Open Question in
// spec.md §9.
func writeRaw(ctx context.Context, dev blockdevice.BlockDevice, partial string, disk hostcontrol.Disk, extents []blockdevice.Extent, bar *progress.Bar) (Result, error) {
	f, err := os.Create(partial)
	if err != nil {
		return Result{}, fmt.Errorf("%w: create %s: %v", vnbderrors.ErrIO, partial, err)
	}
	defer f.Close()

	if err := f.Truncate(dev.VirtualSize()); err != nil {
		return Result{}, fmt.Errorf("%w: truncate %s to %d bytes: %v", vnbderrors.ErrIO, partial, dev.VirtualSize(), err)
	}

	maxReq := dev.MaxRequestSize()
	for _, e := range extents {
		if !e.Data {
			continue // hole: leave the truncated region as sparse zero
		}
		offset := e.Offset
		for _, n := range chunked.Plan(e.Length, maxReq) {
			buf, err := dev.Pread(ctx, offset, n)
			if err != nil {
				return Result{}, fmt.Errorf("%w: read extent at %d: %v", vnbderrors.ErrIO, offset, err)
			}
			if _, err := f.WriteAt(buf, offset); err != nil {
				return Result{}, fmt.Errorf("%w: write raw image at %d: %v", vnbderrors.ErrIO, offset, err)
			}
			offset += n
		}
		bar.Add(e.Length)
	}
	return Result{}, nil
}
