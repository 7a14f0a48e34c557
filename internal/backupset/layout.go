// Package backupset names and locates the files that make up one backup
// set directory, per spec.md §6's persisted state layout, and detects
// leftover .partial files from an interrupted run.
package backupset

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/idnt-devops/virtnbdbackup/internal/checkpoint"
	"github.com/idnt-devops/virtnbdbackup/internal/vnbderrors"
)

const partialSuffix = ".partial"

// NewIdent returns a fresh identifier for a backup set's vmconfig document,
// mirroring the teacher's uuid.New() use for run identifiers.
func NewIdent() string {
	return uuid.New().String()
}

// DataFileName returns "<diskTarget>.<level>.<name>.data" per spec.md §6's
// file naming rules. name is the checkpoint name for inc, the unix
// timestamp string for online diff, and "full"/"copy" literally for those
// levels (ParentFor never hands back a name for full/copy, so callers pass
// the level string itself there).
func DataFileName(dir, diskTarget string, level checkpoint.Level, name string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%s.%s.data", diskTarget, level, name))
}

// PartialName appends the partial-marker suffix to a final data file name.
func PartialName(final string) string {
	return final + partialSuffix
}

// FinalizeRename atomically renames partial to final, the single rename
// point every backup worker owns for its own file (spec.md §3: "the worker
// owning the file owns the rename").
func FinalizeRename(partial, final string) error {
	if err := os.Rename(partial, final); err != nil {
		return fmt.Errorf("%w: rename %s to %s: %v", vnbderrors.ErrIO, partial, final, err)
	}
	return nil
}

// PartialBackupPresent reports whether any "<diskTarget>.*.data.partial"
// file exists in dir, refusing a subsequent incremental/differential start
// per spec.md §3 and §8 invariant 9.
func PartialBackupPresent(dir, diskTarget string) (bool, error) {
	pattern := filepath.Join(dir, diskTarget+".*.data"+partialSuffix)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return false, fmt.Errorf("%w: glob partial files: %v", vnbderrors.ErrIO, err)
	}
	return len(matches) > 0, nil
}

// RequirePartialAbsent is the guard backup invokes before starting an
// inc/diff run: it fails fast with ErrPartialBackupPresent rather than
// silently overwriting evidence of an interrupted prior run.
func RequirePartialAbsent(dir, diskTarget string) error {
	present, err := PartialBackupPresent(dir, diskTarget)
	if err != nil {
		return err
	}
	if present {
		return fmt.Errorf("%w: %s has an existing .partial file", vnbderrors.ErrPartialBackupPresent, diskTarget)
	}
	return nil
}

// VMConfigPath returns "vmconfig.<ident>.xml" within dir.
func VMConfigPath(dir, ident string) string {
	return filepath.Join(dir, fmt.Sprintf("vmconfig.%s.xml", ident))
}

// CheckpointXMLPath returns "checkpoints/<checkpointName>.xml" within dir.
func CheckpointXMLPath(dir, checkpointName string) string {
	return filepath.Join(dir, "checkpoints", checkpointName+".xml")
}

// LogPath returns "backup.<level>.<timestamp>.log" within dir.
func LogPath(dir string, level checkpoint.Level, timestamp int64) string {
	return filepath.Join(dir, fmt.Sprintf("backup.%s.%d.log", level, timestamp))
}

// CheckpointChainPath returns "<domain>.cpt" within dir.
func CheckpointChainPath(dir, domain string) string {
	return filepath.Join(dir, domain+".cpt")
}

// EnsureCheckpointsDir creates dir/checkpoints if absent.
func EnsureCheckpointsDir(dir string) error {
	if err := os.MkdirAll(filepath.Join(dir, "checkpoints"), 0o755); err != nil {
		return fmt.Errorf("%w: create checkpoints directory: %v", vnbderrors.ErrIO, err)
	}
	return nil
}

// WriteFileAtomically writes data to a temp file alongside path and renames
// it into place, the same write-temp-and-rename pattern checkpoint.Chain
// uses, applied here to vmconfig/checkpoint-XML artifact dumps.
func WriteFileAtomically(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: create parent directory for %s: %v", vnbderrors.ErrIO, path, err)
	}
	tmp := path + partialSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", vnbderrors.ErrIO, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename %s into place: %v", vnbderrors.ErrIO, tmp, err)
	}
	return nil
}
