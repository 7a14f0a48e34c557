package backup

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/idnt-devops/virtnbdbackup/internal/backupset"
	"github.com/idnt-devops/virtnbdbackup/internal/checkpoint"
	"github.com/idnt-devops/virtnbdbackup/internal/hostcontrol"
	"github.com/idnt-devops/virtnbdbackup/internal/vnbderrors"
)

// RunOptions configures a full backup run across every disk of a domain.
type RunOptions struct {
	Domain       string
	OutputDir    string
	Prefix       string // checkpoint name prefix, e.g. "virtnbdbackup"
	Level        checkpoint.Level
	Type         StreamType
	Compress     bool
	CompressName string
	Workers      int
	Online       bool // true for live domains (affects diff naming, see checkpoint.ParentFor)
}

// Report summarizes a completed run for the CLI layer's exit-code decision.
type Report struct {
	Results  []Result
	Warnings int
}

// Run executes spec.md §4.E/§4.H end to end: validates the chain and host
// checkpoints, computes the level's (name, parent), runs the bounded disk
// worker pool, and on success appends the new checkpoint name to the chain.
// hc is the HostControl capability; dial opens a BlockDevice for a disk
// (already backed by a live NBD export the caller started via
// hc.StartBackupJob).
func Run(ctx context.Context, hc hostcontrol.HostControl, dial Dialer, opts RunOptions) (Report, error) {
	logger := log.WithFields(log.Fields{"domain": opts.Domain, "level": opts.Level})

	disks, err := hc.ListDisks(ctx, opts.Domain)
	if err != nil {
		return Report{}, err
	}

	for _, d := range disks {
		if opts.Level == checkpoint.LevelInc || opts.Level == checkpoint.LevelDiff {
			if err := backupset.RequirePartialAbsent(opts.OutputDir, d.Target); err != nil {
				return Report{}, err
			}
		}
	}

	hostCheckpoints, err := hc.ListCheckpoints(ctx, opts.Domain)
	if err != nil {
		return Report{}, err
	}
	if opts.Level != checkpoint.LevelCopy {
		if err := checkpoint.ValidateForeign(hostCheckpoints, opts.Prefix); err != nil {
			return Report{}, err
		}
	}

	chain := checkpoint.New(opts.OutputDir, opts.Domain)
	if opts.Level == checkpoint.LevelFull {
		if err := chain.RemoveAll(); err != nil {
			return Report{}, err
		}
		for _, name := range hostCheckpoints {
			if err := hc.DeleteCheckpoint(ctx, opts.Domain, name); err != nil {
				logger.WithField("checkpoint", name).WithError(err).Warn("failed to delete stale host checkpoint")
			}
		}
	}

	checkpointName, parent, err := chain.ParentFor(opts.Level, opts.Prefix, opts.Online)
	if err != nil {
		return Report{}, err
	}

	if opts.Level == checkpoint.LevelFull || opts.Level == checkpoint.LevelInc {
		if err := hc.CreateCheckpoint(ctx, opts.Domain, checkpointName, derefOr(parent, ""), disks); err != nil {
			return Report{}, err
		}
	}

	if err := hc.StartBackupJob(ctx, opts.Domain, disks); err != nil {
		return Report{}, err
	}
	defer func() {
		if err := hc.StopBackupJob(ctx, opts.Domain); err != nil {
			logger.WithError(err).Warn("failed to stop backup job")
		}
	}()

	if err := backupset.EnsureCheckpointsDir(opts.OutputDir); err != nil {
		return Report{}, err
	}
	if err := dumpCheckpointArtifacts(ctx, hc, opts, checkpointName); err != nil {
		logger.WithError(err).Warn("failed to dump checkpoint/vmconfig artifacts")
	}

	backupOpts := Options{Level: opts.Level, Type: opts.Type, Compress: opts.Compress, CompressName: opts.CompressName}

	results, err := poolRun(ctx, opts.Workers, disks, func(ctx context.Context, disk hostcontrol.Disk) (Result, error) {
		dev, err := dial(ctx, disk)
		if err != nil {
			return Result{}, err
		}
		defer dev.Close()
		return BackupDisk(ctx, dev, opts.OutputDir, disk, backupOpts, checkpointName, parent)
	})
	if err != nil {
		return Report{Results: results}, err
	}

	if opts.Level == checkpoint.LevelFull || opts.Level == checkpoint.LevelInc {
		if err := chain.Append(checkpointName); err != nil {
			return Report{Results: results}, err
		}
	}

	logger.WithField("disks", len(results)).Info("backup run complete")
	return Report{Results: results}, nil
}

func dumpCheckpointArtifacts(ctx context.Context, hc hostcontrol.HostControl, opts RunOptions, checkpointName string) error {
	ident := backupset.NewIdent()
	vmconfig, err := hc.VMConfigXML(ctx, opts.Domain)
	if err != nil {
		return fmt.Errorf("%w: fetch vmconfig: %v", vnbderrors.ErrHostControl, err)
	}
	if err := backupset.WriteFileAtomically(backupset.VMConfigPath(opts.OutputDir, ident), vmconfig); err != nil {
		return err
	}

	if checkpointName == "" {
		return nil
	}
	xmlDump, err := hc.DumpCheckpointXML(ctx, opts.Domain, checkpointName)
	if err != nil {
		return fmt.Errorf("%w: dump checkpoint xml: %v", vnbderrors.ErrHostControl, err)
	}
	return backupset.WriteFileAtomically(backupset.CheckpointXMLPath(opts.OutputDir, checkpointName), xmlDump)
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
