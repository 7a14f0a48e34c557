// Package restore replays a chain of sparse streams through a writer
// BlockDevice (component F), honoring an optional stop-at-checkpoint bound.
package restore

import (
	"context"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/idnt-devops/virtnbdbackup/internal/blockdevice"
	"github.com/idnt-devops/virtnbdbackup/internal/chunked"
	"github.com/idnt-devops/virtnbdbackup/internal/frame"
	"github.com/idnt-devops/virtnbdbackup/internal/stream"
	"github.com/idnt-devops/virtnbdbackup/internal/vnbderrors"
)

// Options configures one restore chain replay.
type Options struct {
	// Until stops the chain after replaying the file whose
	// meta.CheckpointName equals Until; empty replays the whole chain.
	Until string
}

// Report summarizes a completed (or early-stopped) chain replay.
type Report struct {
	FilesApplied int
	StoppedAt    string // non-empty when Until was reached
}

// RunChain replays files in order against dev, which must already be sized
// and connected to the destination image (spec.md §4.F steps 1-2 are the
// caller's responsibility: create the destination at virtualSize, open a
// writer NBD endpoint over it).
func RunChain(ctx context.Context, dev blockdevice.BlockDevice, files []string, opts Options) (Report, error) {
	var report Report
	var baseDiskName string
	var baseVirtualSize uint64

	for i, path := range files {
		meta, err := replayFile(ctx, dev, path, opts.Until)
		stopped := errors.Is(err, vnbderrors.ErrUntilCheckpointReached)
		if err != nil && !stopped {
			return report, fmt.Errorf("restore file %s: %w", path, err)
		}

		if i == 0 {
			baseDiskName = meta.DiskName
			baseVirtualSize = meta.VirtualSize
		} else if meta.DiskName != baseDiskName || meta.VirtualSize != baseVirtualSize {
			return report, fmt.Errorf("%w: %s does not match base disk %q/%d bytes", vnbderrors.ErrStreamFormat, path, baseDiskName, baseVirtualSize)
		}

		report.FilesApplied++
		log.WithFields(log.Fields{"file": path, "checkpoint": meta.CheckpointName}).Info("applied stream to restore target")

		if stopped {
			report.StoppedAt = meta.CheckpointName
			return report, nil
		}
	}
	return report, nil
}

// replayFile applies one stream file's frames to dev and returns its
// parsed metadata for chain-compatibility checks. If the file's own
// checkpoint name equals until (non-empty), it returns
// ErrUntilCheckpointReached alongside the (valid) metadata, the control-flow
// signal spec.md §7 assigns to this exact condition; RunChain is the chain
// walker that catches it.
func replayFile(ctx context.Context, dev blockdevice.BlockDevice, path, until string) (stream.Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return stream.Metadata{}, fmt.Errorf("%w: open %s: %v", vnbderrors.ErrIO, path, err)
	}
	defer f.Close()

	sr := stream.NewReader(f)
	h, err := sr.Next()
	if err != nil {
		return stream.Metadata{}, err
	}
	if h.Kind != frame.KindMeta {
		return stream.Metadata{}, fmt.Errorf("%w: stream does not start with META", vnbderrors.ErrStreamFormat)
	}
	payload, err := sr.ReadPayload(h)
	if err != nil {
		return stream.Metadata{}, err
	}
	meta, err := stream.LoadMetadata(payload)
	if err != nil {
		return stream.Metadata{}, err
	}

	var trailer stream.CompressionTrailer
	if meta.Compressed {
		trailer, err = stream.ReadCompressionTrailerFromFile(f)
		if err != nil {
			return stream.Metadata{}, err
		}
	}

	maxRequestSize := dev.MaxRequestSize()
	var dataSeen uint64
	dataBlockIndex := 0

	for {
		h, err := sr.Next()
		if err != nil {
			return stream.Metadata{}, err
		}
		switch h.Kind {
		case frame.KindData:
			var chunkSizes []int64
			if meta.Compressed {
				if dataBlockIndex >= len(trailer) {
					return stream.Metadata{}, fmt.Errorf("%w: compression trailer has %d entries, but stream has at least %d DATA blocks", vnbderrors.ErrStreamFormat, len(trailer), dataBlockIndex+1)
				}
				chunkSizes = trailer[dataBlockIndex]
			}
			if err := chunked.ReadDataExtent(ctx, dev, sr, h, maxRequestSize, meta.Compressed, chunkSizes); err != nil {
				return stream.Metadata{}, err
			}
			dataSeen += h.Length
			dataBlockIndex++
		case frame.KindZero:
			if err := chunked.WriteZeroExtent(ctx, dev, int64(h.Start), int64(h.Length), maxRequestSize); err != nil {
				return stream.Metadata{}, err
			}
		case frame.KindStop:
			if dataSeen != meta.DataSize {
				return stream.Metadata{}, fmt.Errorf("%w: %d bytes replayed, metadata declares %d", vnbderrors.ErrRestoreSizeMismatch, dataSeen, meta.DataSize)
			}
			if until != "" && meta.CheckpointName == until {
				return meta, vnbderrors.ErrUntilCheckpointReached
			}
			return meta, nil
		default:
			return stream.Metadata{}, fmt.Errorf("%w: unexpected frame kind %s mid-stream", vnbderrors.ErrStreamFormat, h.Kind)
		}
	}
}

