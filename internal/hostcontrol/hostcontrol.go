// Package hostcontrol defines the HostControl capability the backup
// pipeline consumes from the virtualization host's control plane: disk
// discovery, checkpoint lifecycle and fsfreeze/fsthaw. Per spec.md §1 this
// is an external collaborator — the core only depends on this interface,
// never on a specific hypervisor SDK.
package hostcontrol

import "context"

// Disk describes one virtual disk backup targets.
type Disk struct {
	Target      string // e.g. "sda", used in output file names
	Path        string // host-visible backing path/identifier, opaque to the core
	Format      string // "raw", "qcow2", ...
	VirtualSize int64
	BitmapName  string // dirty-bitmap name for this disk, when one exists
}

// HostControl is the set of operations the core needs from the
// virtualization host's control plane: domain discovery, checkpoint
// create/redefine/delete, and guest filesystem quiescing around a backup.
type HostControl interface {
	// ListDisks returns the disks to back up for a domain, honoring any
	// --include/--exclude filtering the caller has already applied.
	ListDisks(ctx context.Context, domain string) ([]Disk, error)

	// ListCheckpoints returns the checkpoint names currently defined on
	// the host for domain, so the caller can detect foreign checkpoints.
	ListCheckpoints(ctx context.Context, domain string) ([]string, error)

	// CreateCheckpoint defines a new checkpoint named name, with the given
	// parent (empty for the first in a chain), covering the given disks.
	CreateCheckpoint(ctx context.Context, domain, name, parent string, disks []Disk) error

	// DeleteCheckpoint removes a checkpoint definition from the host.
	DeleteCheckpoint(ctx context.Context, domain, name string) error

	// DumpCheckpointXML returns the host's XML representation of a
	// checkpoint, to be copied verbatim into the backup set.
	DumpCheckpointXML(ctx context.Context, domain, name string) ([]byte, error)

	// VMConfigXML returns the domain's configuration document, copied
	// opaquely into the backup set as vmconfig.<ident>.xml.
	VMConfigXML(ctx context.Context, domain string) ([]byte, error)

	// FreezeFilesystems and ThawFilesystems quiesce/unquiesce the guest's
	// filesystems around snapshot creation, when guest agent support
	// exists; implementations may treat this as a no-op where unsupported.
	FreezeFilesystems(ctx context.Context, domain string) error
	ThawFilesystems(ctx context.Context, domain string) error

	// StartBackupJob and StopBackupJob bracket the host-side export of a
	// domain's disks over NBD. StopBackupJob must be safe to call after a
	// failed StartBackupJob (idempotent cleanup).
	StartBackupJob(ctx context.Context, domain string, disks []Disk) error
	StopBackupJob(ctx context.Context, domain string) error
}
