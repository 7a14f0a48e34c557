package backup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/idnt-devops/virtnbdbackup/internal/hostcontrol"
)

func disksNamed(names ...string) []hostcontrol.Disk {
	var out []hostcontrol.Disk
	for _, n := range names {
		out = append(out, hostcontrol.Disk{Target: n})
	}
	return out
}

func TestPoolRunCompletesAllDisksOnSuccess(t *testing.T) {
	disks := disksNamed("sda", "sdb", "sdc")

	var mu sync.Mutex
	seen := map[string]bool{}

	results, err := poolRun(context.Background(), 2, disks, func(ctx context.Context, disk hostcontrol.Disk) (Result, error) {
		mu.Lock()
		seen[disk.Target] = true
		mu.Unlock()
		return Result{Disk: disk}, nil
	})

	require.NoError(t, err)
	require.Len(t, results, 3)
	require.True(t, seen["sda"] && seen["sdb"] && seen["sdc"])
}

func TestPoolRunClampsWorkerCountToDiskCount(t *testing.T) {
	disks := disksNamed("sda")
	var concurrent int32
	var maxConcurrent int32

	_, err := poolRun(context.Background(), 8, disks, func(ctx context.Context, disk hostcontrol.Disk) (Result, error) {
		n := atomic.AddInt32(&concurrent, 1)
		if n > atomic.LoadInt32(&maxConcurrent) {
			atomic.StoreInt32(&maxConcurrent, n)
		}
		atomic.AddInt32(&concurrent, -1)
		return Result{}, nil
	})

	require.NoError(t, err)
	require.LessOrEqual(t, maxConcurrent, int32(1))
}

// TestPoolRunFatalErrorCancelsBatch covers spec.md §5: "Fatal error in any
// worker cancels the batch". With a single worker, once the first disk
// fails, pending disks must observe the cancelled context rather than run
// to completion.
func TestPoolRunFatalErrorCancelsBatch(t *testing.T) {
	disks := disksNamed("sda", "sdb", "sdc", "sdd")
	boom := errors.New("boom")

	var ran int32
	results, err := poolRun(context.Background(), 1, disks, func(ctx context.Context, disk hostcontrol.Disk) (Result, error) {
		atomic.AddInt32(&ran, 1)
		if disk.Target == "sda" {
			return Result{}, boom
		}
		return Result{Disk: disk}, nil
	})

	require.Error(t, err)
	require.Less(t, len(results), len(disks))
	_ = ran
}
