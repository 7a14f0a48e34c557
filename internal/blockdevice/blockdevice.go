// Package blockdevice defines the BlockDevice capability the backup and
// restore pipelines consume. Its concrete implementation (talking NBD to a
// real export) lives in package nbdclient; the core packages never import
// that or any hypervisor-specific type, so they stay portable across
// whatever NBD client library backs a given deployment.
package blockdevice

import "context"

// Extent is a contiguous run of a disk sharing an allocation or dirtiness
// state. Offset and Length are in bytes; Data is true for allocated/dirty
// regions and false for holes.
type Extent struct {
	Offset int64
	Length int64
	Data   bool
}

// BlockDevice is the minimal capability the core needs from an NBD
// connection: bounded reads/writes, a zero-fill primitive, extent queries
// against an allocation map or a named dirty-bitmap context, and the
// server-advertised maximum request size.
type BlockDevice interface {
	// MaxRequestSize is the largest single read/write the server accepts;
	// package chunked splits any extent at or above this size.
	MaxRequestSize() int64

	// VirtualSize is the size of the exported disk in bytes.
	VirtualSize() int64

	// Extents returns the ordered extent list for the given meta-context.
	// An empty metaContext requests the allocation map ("base:allocation");
	// a non-empty one requests a dirty-bitmap context
	// ("qemu:dirty-bitmap:<name>").
	Extents(ctx context.Context, metaContext string) ([]Extent, error)

	// Pread reads length bytes at offset.
	Pread(ctx context.Context, offset, length int64) ([]byte, error)

	// Pwrite writes p at offset.
	Pwrite(ctx context.Context, offset int64, p []byte) error

	// Zero zero-fills length bytes at offset.
	Zero(ctx context.Context, offset, length int64) error

	// Close releases the underlying connection.
	Close() error
}
