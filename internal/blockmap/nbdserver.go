package blockmap

import (
	"context"
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/rclone/gonbdserver/nbd"

	"github.com/idnt-devops/virtnbdbackup/internal/vnbderrors"
)

// backend implements nbd.Backend (the same interface rclone's own NBD
// server backend implements, see "serve nbd"'s chunkedBackend) over a
// prescanned Map: every ReadAt call binary-searches the block map and
// either returns zero-fill or pread's the backing stream file, per spec.md
// §4.G steps 1-5. The export is read-only; WriteAt and TrimAt always fail.
type backend struct {
	mu   sync.Mutex
	m    Map
	file *os.File
	ec   *nbd.ExportConfig
}

// newBackend opens the backing stream file once per export, mirroring the
// rclone chunkedBackend's one-open-per-newBackend call lifecycle.
func newBackend(m Map, ec *nbd.ExportConfig) (*backend, error) {
	f, err := os.Open(m.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open backing file %s: %v", vnbderrors.ErrIO, m.Path, err)
	}
	return &backend{m: m, file: f, ec: ec}, nil
}

// ReadAt implements nbd.Backend.ReadAt: translate the guest offset through
// the block map and either zero-fill or read from the backing file.
func (b *backend) ReadAt(ctx context.Context, buf []byte, offset int64) (int, error) {
	fileOffset, data, err := b.m.Translate(offset, int64(len(buf)))
	if err != nil {
		return 0, err
	}
	if !data {
		for i := range buf {
			buf[i] = 0
		}
		return len(buf), nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.file.ReadAt(buf, fileOffset)
	if err != nil {
		return n, fmt.Errorf("%w: read backing file at %d: %v", vnbderrors.ErrIO, fileOffset, err)
	}
	return n, nil
}

// WriteAt implements nbd.Backend.WriteAt. The mapper is read-only (spec.md
// §4.G serves pread only); any write attempt is refused.
func (b *backend) WriteAt(ctx context.Context, buf []byte, offset int64, fua bool) (int, error) {
	return 0, fmt.Errorf("blockmap: export is read-only")
}

// TrimAt implements nbd.Backend.TrimAt; a no-op since nothing needs discarding
// on a read-only, file-backed export.
func (b *backend) TrimAt(ctx context.Context, length int, offset int64) (int, error) {
	return length, nil
}

// Flush implements nbd.Backend.Flush; nothing to flush on a read-only export.
func (b *backend) Flush(ctx context.Context) error { return nil }

// Close implements nbd.Backend.Close.
func (b *backend) Close(ctx context.Context) error {
	return b.file.Close()
}

// Geometry implements nbd.Backend.Geometry. minBS/prefBS/maxBS come from
// the blocksize filter the caller's gonbdserver export config applies;
// per spec.md §4.G, the operator must set maxlen at or below the smallest
// block length so reads never cross a block boundary.
func (b *backend) Geometry(ctx context.Context) (size, minBS, prefBS, maxBS uint64, err error) {
	size = uint64(b.m.VirtualSize)
	minBS = b.ec.MinimumBlockSize
	prefBS = b.ec.PreferredBlockSize
	maxBS = b.ec.MaximumBlockSize
	return size, minBS, prefBS, maxBS, nil
}

// HasFua implements nbd.Backend.HasFua. A read-only export has nothing to
// flush-on-write, but gonbdserver still queries this during negotiation.
func (b *backend) HasFua(ctx context.Context) bool { return false }

// HasFlush implements nbd.Backend.HasFlush.
func (b *backend) HasFlush(ctx context.Context) bool { return false }

var _ nbd.Backend = (*backend)(nil)

// RegisterBackend installs a gonbdserver backend factory named driverName
// (conventionally "virtnbdmap") that serves reads from m. Call this once
// before nbd.Serve brings up the listener; cmd/map's Driver field in its
// ExportConfig must match driverName.
func RegisterBackend(driverName string, m Map) {
	nbd.RegisterBackend(driverName, func(ctx context.Context, ec *nbd.ExportConfig) (nbd.Backend, error) {
		return newBackend(m, ec)
	})
}

const driverName = "virtnbdmap"

// ServeOptions configures the instant-recovery mapper's NBD listener.
type ServeOptions struct {
	ListenAddress string
	Port          string
	ExportName    string
	MinBlockSize  uint64
	PrefBlockSize uint64
	MaxBlockSize  uint64 // per spec.md §4.G, must be <= the smallest block length
}

// Serve registers m as a gonbdserver backend and blocks serving NBD_CMD_READ
// requests against it until ctx is cancelled. minlen/maxlen on the export's
// blocksize negotiation are set from opts so the server itself enforces the
// "reads never cross a block boundary" precondition spec.md §4.G documents
// as the operator's responsibility when configuring the blocksize filter.
func Serve(ctx context.Context, m Map, opts ServeOptions) error {
	RegisterBackend(driverName, m)

	serverConf := nbd.ServerConfig{
		Protocol: "tcp",
		Address:  opts.ListenAddress,
		Port:     opts.Port,
	}
	exportConf := nbd.ExportConfig{
		Name:               opts.ExportName,
		Driver:             driverName,
		ReadOnly:           true,
		MinimumBlockSize:   opts.MinBlockSize,
		PreferredBlockSize: opts.PrefBlockSize,
		MaximumBlockSize:   opts.MaxBlockSize,
	}
	conf := &nbd.Config{
		Server:  []nbd.ServerConfig{serverConf},
		Export:  []nbd.ExportConfig{exportConf},
	}

	log.WithFields(log.Fields{
		"listen": opts.ListenAddress, "port": opts.Port, "export": opts.ExportName,
		"disk": m.DiskName, "virtual_size": m.VirtualSize, "blocks": len(m.Blocks),
	}).Info("serving instant-recovery mapper export")

	var wg sync.WaitGroup
	nbd.Serve(ctx, &wg, conf, nil)
	wg.Wait()
	return nil
}
