// Package vnbderrors defines the error taxonomy shared by the backup,
// restore and mapper pipelines. Callers compare against these sentinels
// with errors.Is; wrapped context is added with fmt.Errorf("...: %w").
package vnbderrors

import "errors"

var (
	// ErrStreamFormat indicates a malformed frame, bad terminator, unknown
	// frame kind, or truncated payload while reading a sparse stream.
	ErrStreamFormat = errors.New("stream format error")

	// ErrRestoreSizeMismatch indicates the sum of DATA segment lengths
	// did not equal metadata.dataSize for a stream file.
	ErrRestoreSizeMismatch = errors.New("restored data size does not match stream metadata")

	// ErrUntilCheckpointReached is a control-flow condition: the restore
	// chain walker stops normally after replaying the requested checkpoint.
	ErrUntilCheckpointReached = errors.New("until checkpoint reached")

	// ErrForeignCheckpoint indicates the host has a checkpoint this tool
	// did not create.
	ErrForeignCheckpoint = errors.New("foreign checkpoint present on host")

	// ErrNoCheckpoints indicates an incremental or differential backup was
	// requested but the checkpoint chain is empty.
	ErrNoCheckpoints = errors.New("no checkpoints in chain")

	// ErrPartialBackupPresent indicates a ".partial" file was found before
	// starting an incremental or differential backup.
	ErrPartialBackupPresent = errors.New("partial backup file present")

	// ErrRedefineCheckpoint indicates the host refused to re-register a
	// checkpoint definition.
	ErrRedefineCheckpoint = errors.New("host refused checkpoint redefinition")

	// ErrNbdConnect indicates the NBD client exceeded its connect retry
	// budget, or hit a non-retryable connect error.
	ErrNbdConnect = errors.New("nbd connect failed")

	// ErrHostControl indicates a host-control failure: domain not found,
	// capability missing, or dirty bitmap missing.
	ErrHostControl = errors.New("host control error")

	// ErrIO is a generic underlying I/O failure (open/read/write/rename).
	ErrIO = errors.New("io error")

	// ErrCompressionUnsupportedForMapping indicates the mapper refused a
	// compressed stream.
	ErrCompressionUnsupportedForMapping = errors.New("compressed streams cannot be mapped")

	// ErrUnexpectedBlockRange indicates a mapper read would cross a block
	// boundary in the block map.
	ErrUnexpectedBlockRange = errors.New("read crosses block map boundary")
)
