// Package backup implements the per-disk backup worker and its bounded
// worker pool (component E), grounded on the teacher's
// vmware_nbdkit/parallel_worker.go copyWorker/copyExtent shape: one
// dedicated BlockDevice per worker, sequential extent processing, fatal
// errors propagated rather than retried across disks.
package backup

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/idnt-devops/virtnbdbackup/internal/backupset"
	"github.com/idnt-devops/virtnbdbackup/internal/blockdevice"
	"github.com/idnt-devops/virtnbdbackup/internal/checkpoint"
	"github.com/idnt-devops/virtnbdbackup/internal/chunked"
	"github.com/idnt-devops/virtnbdbackup/internal/extent"
	"github.com/idnt-devops/virtnbdbackup/internal/hostcontrol"
	"github.com/idnt-devops/virtnbdbackup/internal/progress"
	"github.com/idnt-devops/virtnbdbackup/internal/stream"
	"github.com/idnt-devops/virtnbdbackup/internal/vnbderrors"
)

// StreamType selects the output format a disk worker produces.
type StreamType string

const (
	StreamTypeStream StreamType = "stream"
	StreamTypeRaw    StreamType = "raw"
)

// Options configures one backup run across all disks of a domain.
type Options struct {
	Level        checkpoint.Level
	Type         StreamType
	Compress     bool
	CompressName string // e.g. "lz4"; only meaningful when Compress is set
}

// Result summarizes one disk worker's completed output.
type Result struct {
	Disk      hostcontrol.Disk
	FinalPath string
	DataSize  int64
	Warnings  int
}

// Dialer opens the BlockDevice a worker reads the given disk through. In
// production this is an nbdclient.Connect call against the export the host
// control plane started for disk; tests supply an in-memory stand-in.
type Dialer func(ctx context.Context, disk hostcontrol.Disk) (blockdevice.BlockDevice, error)

// BackupDisk runs the algorithm of spec.md §4.E for a single disk: open
// (already dialed) BlockDevice, query extents, stream or raw-copy, finalize
// by atomic rename. name/parent come from checkpoint.Chain.ParentFor.
func BackupDisk(ctx context.Context, dev blockdevice.BlockDevice, dir string, disk hostcontrol.Disk, opts Options, checkpointName string, parent *string) (Result, error) {
	logger := log.WithFields(log.Fields{"disk": disk.Target, "level": opts.Level})

	metaContext := extent.AllocationContext
	incremental := opts.Level == checkpoint.LevelInc || opts.Level == checkpoint.LevelDiff
	if incremental {
		metaContext = extent.DirtyBitmapContext(disk.BitmapName)
	}

	extents, err := extent.Query(ctx, dev, metaContext)
	if err != nil {
		return Result{}, err
	}
	if !incremental {
		if err := extent.ValidateCoverage(extents, dev.VirtualSize()); err != nil {
			return Result{}, err
		}
	}

	nameComponent := checkpointName
	if opts.Level == checkpoint.LevelFull || opts.Level == checkpoint.LevelCopy {
		nameComponent = string(opts.Level)
	}
	final := backupset.DataFileName(dir, disk.Target, opts.Level, nameComponent)
	partial := backupset.PartialName(final)

	dataSize := extent.TotalDataLength(extents)
	logger.WithFields(log.Fields{"extents": len(extents), "data_size": dataSize}).Info("starting disk backup")

	bar := progress.NewDataBar(fmt.Sprintf("%s (%s)", disk.Target, opts.Level), dataSize)

	var result Result
	if opts.Type == StreamTypeRaw {
		result, err = writeRaw(ctx, dev, partial, disk, extents, bar)
	} else {
		result, err = writeStream(ctx, dev, partial, disk, opts, extents, dataSize, checkpointName, parent, bar)
	}
	if err != nil {
		_ = os.Remove(partial)
		return Result{}, err
	}
	bar.Finish()

	if err := backupset.FinalizeRename(partial, final); err != nil {
		return Result{}, err
	}
	result.Disk = disk
	result.FinalPath = final
	result.DataSize = dataSize

	logger.Info("disk backup complete")
	return result, nil
}

func writeStream(ctx context.Context, dev blockdevice.BlockDevice, partial string, disk hostcontrol.Disk, opts Options, extents []blockdevice.Extent, dataSize int64, checkpointName string, parent *string, bar *progress.Bar) (Result, error) {
	f, err := os.Create(partial)
	if err != nil {
		return Result{}, fmt.Errorf("%w: create %s: %v", vnbderrors.ErrIO, partial, err)
	}
	defer f.Close()

	sw := stream.NewWriter(f)
	incremental := opts.Level == checkpoint.LevelInc || opts.Level == checkpoint.LevelDiff

	meta := stream.Metadata{
		DiskName:          disk.Target,
		DiskFormat:        disk.Format,
		VirtualSize:       uint64(dev.VirtualSize()),
		DataSize:          uint64(dataSize),
		CheckpointName:    checkpointName,
		ParentCheckpoint:  parent,
		Incremental:       incremental,
		Compressed:        opts.Compress,
		CompressionMethod: opts.CompressName,
	}
	if err := sw.WriteMeta(meta); err != nil {
		return Result{}, err
	}

	var trailer stream.CompressionTrailer
	for _, e := range extents {
		if !e.Data {
			if incremental {
				continue
			}
			if err := sw.WriteZero(uint64(e.Offset), uint64(e.Length)); err != nil {
				return Result{}, err
			}
			continue
		}
		entry, err := chunked.WriteDataExtent(ctx, dev, sw, e, dev.MaxRequestSize(), opts.Compress)
		if err != nil {
			return Result{}, err
		}
		if opts.Compress {
			trailer = append(trailer, entry)
		}
		bar.Add(e.Length)
	}

	if err := sw.WriteStop(); err != nil {
		return Result{}, err
	}
	if opts.Compress {
		if err := stream.WriteCompressionTrailerToFile(f, trailer); err != nil {
			return Result{}, err
		}
	}
	return Result{}, nil
}
