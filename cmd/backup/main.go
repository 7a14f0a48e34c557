// Command backup runs a full, copy, incremental, or differential backup of
// one domain's disks to a sparse stream (or raw) file, per spec.md §4.E and
// §6's CLI surface table. Flag parsing and host-session bootstrap follow
// the teacher's main.go root-command-plus-PersistentPreRunE shape.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/thediveo/enumflag/v2"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/session"
	"github.com/vmware/govmomi/session/keepalive"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/soap"

	"github.com/idnt-devops/virtnbdbackup/internal/backup"
	"github.com/idnt-devops/virtnbdbackup/internal/backupset"
	"github.com/idnt-devops/virtnbdbackup/internal/blockdevice"
	"github.com/idnt-devops/virtnbdbackup/internal/checkpoint"
	"github.com/idnt-devops/virtnbdbackup/internal/hostcontrol"
	"github.com/idnt-devops/virtnbdbackup/internal/nbdclient"
)

type levelOpt enumflag.Flag

const (
	levelFull levelOpt = iota
	levelCopy
	levelInc
	levelDiff
)

var levelIds = map[levelOpt][]string{
	levelFull: {"full"},
	levelCopy: {"copy"},
	levelInc:  {"inc"},
	levelDiff: {"diff"},
}

func (l levelOpt) toCheckpointLevel() checkpoint.Level {
	switch l {
	case levelCopy:
		return checkpoint.LevelCopy
	case levelInc:
		return checkpoint.LevelInc
	case levelDiff:
		return checkpoint.LevelDiff
	default:
		return checkpoint.LevelFull
	}
}

type typeOpt enumflag.Flag

const (
	typeStream typeOpt = iota
	typeRaw
)

var typeIds = map[typeOpt][]string{
	typeStream: {"stream"},
	typeRaw:    {"raw"},
}

var (
	debug      bool
	endpoint   string
	username   string
	password   string
	vmwarePath string

	domain     string
	output     string
	prefix     string
	level      levelOpt
	streamType typeOpt
	include    []string
	exclude    []string
	compress   bool
	workers    int
	raw        bool
	socketfile string
	scratchdir string
	strict     bool
	startonly  bool
	killonly   bool
	printonly  bool
)

var rootCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up a domain's disks to a sparse stream",
	RunE:  runBackup,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&endpoint, "vmware-endpoint", "", "VMware endpoint (hostname or IP only)")
	rootCmd.PersistentFlags().StringVar(&username, "vmware-username", "", "VMware username")
	rootCmd.PersistentFlags().StringVar(&password, "vmware-password", "", "VMware password")
	rootCmd.PersistentFlags().StringVar(&vmwarePath, "vmware-path", "", "VMware VM path (e.g. '/Datacenter/vm/VM')")

	rootCmd.Flags().StringVar(&domain, "domain", "", "Domain/VM to back up")
	rootCmd.MarkFlagRequired("domain")
	rootCmd.Flags().StringVar(&output, "output", "", "Target directory for the backup set")
	rootCmd.MarkFlagRequired("output")
	rootCmd.Flags().StringVar(&prefix, "prefix", "virtnbdbackup", "Checkpoint name prefix for this tool's chain")

	rootCmd.Flags().Var(enumflag.New(&level, "level", levelIds, enumflag.EnumCaseInsensitive), "level", "Backup level: copy, full, inc, diff")
	rootCmd.Flags().Var(enumflag.New(&streamType, "type", typeIds, enumflag.EnumCaseInsensitive), "type", "Output type: stream, raw")

	rootCmd.Flags().StringSliceVar(&include, "include", nil, "Only back up these disk targets, comma separated")
	rootCmd.Flags().StringSliceVar(&exclude, "exclude", nil, "Skip these disk targets, comma separated")
	rootCmd.Flags().BoolVar(&compress, "compress", false, "Compress DATA blocks with lz4")
	rootCmd.Flags().IntVar(&workers, "worker", 1, "Number of disks to back up concurrently")
	rootCmd.Flags().BoolVar(&raw, "raw", false, "Shorthand for --type raw")
	rootCmd.Flags().StringVar(&socketfile, "socketfile", "", "NBD unix socket to dial for each disk export")
	rootCmd.Flags().StringVar(&scratchdir, "scratchdir", "", "Scratch directory for the host-side NBD export helper")
	rootCmd.Flags().BoolVar(&strict, "strict", false, "Exit 2 instead of 0 when the run completed with warnings")
	rootCmd.Flags().BoolVar(&startonly, "startonly", false, "Only start the host-side backup job, then exit")
	rootCmd.Flags().BoolVar(&killonly, "killonly", false, "Only stop a previously started backup job, then exit")
	rootCmd.Flags().BoolVar(&printonly, "printonly", false, "Print the planned backup set layout and exit without writing")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("backup failed")
		os.Exit(1)
	}
}

func runBackup(cmd *cobra.Command, args []string) error {
	if debug {
		log.SetLevel(log.DebugLevel)
	}
	if raw {
		streamType = typeRaw
	}
	lvl := level.toCheckpointLevel()
	if streamType == typeRaw && (lvl == checkpoint.LevelInc || lvl == checkpoint.LevelDiff) {
		return fmt.Errorf("--type raw cannot represent an incremental or differential backup")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hc, err := connectVMware(ctx)
	if err != nil {
		return err
	}

	if killonly {
		return hc.StopBackupJob(ctx, domain)
	}

	if printonly {
		disks, err := hc.ListDisks(ctx, domain)
		if err != nil {
			return err
		}
		for _, d := range disks {
			fmt.Printf("%s: %s (%s, %d bytes) -> %s\n", d.Target, d.Path, d.Format, d.VirtualSize,
				backupset.DataFileName(output, d.Target, lvl, string(lvl)))
		}
		return nil
	}

	if startonly {
		disks, err := hc.ListDisks(ctx, domain)
		if err != nil {
			return err
		}
		return hc.StartBackupJob(ctx, domain, filterDisks(disks))
	}

	if err := os.MkdirAll(output, 0o755); err != nil {
		return fmt.Errorf("create output directory %s: %w", output, err)
	}

	compressName := ""
	if compress {
		compressName = "lz4"
	}

	dial := func(ctx context.Context, disk hostcontrol.Disk) (blockdevice.BlockDevice, error) {
		return nbdclient.Connect(ctx, nbdclient.DialOpts{
			UnixSocket:  socketfile,
			ExportName:  disk.Target,
			MetaContext: metaContextFor(lvl, disk),
		})
	}

	opts := backup.RunOptions{
		Domain:       domain,
		OutputDir:    output,
		Prefix:       prefix,
		Level:        lvl,
		Type:         streamTypeFor(streamType),
		Compress:     compress,
		CompressName: compressName,
		Workers:      workers,
		Online:       true,
	}

	report, err := backup.Run(ctx, filteringHostControl{hc}, dial, opts)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{"disks": len(report.Results), "warnings": report.Warnings}).Info("backup run complete")
	if strict && report.Warnings > 0 {
		os.Exit(2)
	}
	return nil
}

func streamTypeFor(t typeOpt) backup.StreamType {
	if t == typeRaw {
		return backup.StreamTypeRaw
	}
	return backup.StreamTypeStream
}

func metaContextFor(lvl checkpoint.Level, disk hostcontrol.Disk) string {
	if lvl == checkpoint.LevelInc || lvl == checkpoint.LevelDiff {
		return "qemu:dirty-bitmap:" + disk.BitmapName
	}
	return "base:allocation"
}

// filterDisks applies --include/--exclude to a disk list before a
// --startonly host job is brought up.
func filterDisks(disks []hostcontrol.Disk) []hostcontrol.Disk {
	if len(include) == 0 && len(exclude) == 0 {
		return disks
	}
	var out []hostcontrol.Disk
	for _, d := range disks {
		if len(include) > 0 && !contains(include, d.Target) {
			continue
		}
		if contains(exclude, d.Target) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// filteringHostControl wraps hostcontrol.HostControl so ListDisks applies
// --include/--exclude before the backup pipeline ever sees the disk list.
type filteringHostControl struct {
	hostcontrol.HostControl
}

func (f filteringHostControl) ListDisks(ctx context.Context, domainName string) ([]hostcontrol.Disk, error) {
	disks, err := f.HostControl.ListDisks(ctx, domainName)
	if err != nil {
		return nil, err
	}
	return filterDisks(disks), nil
}

// connectVMware logs into vCenter/ESXi and returns a HostControl backed by
// govmomi, following the teacher's PersistentPreRunE session bootstrap
// (soap client, session manager login, keepalive handler, finder lookup).
func connectVMware(ctx context.Context) (hostcontrol.HostControl, error) {
	endpointURL := &url.URL{
		Scheme: "https",
		Host:   endpoint,
		User:   url.UserPassword(username, password),
		Path:   "sdk",
	}

	soapClient := soap.NewClient(endpointURL, true)
	vimClient, err := vim25.NewClient(ctx, soapClient)
	if err != nil {
		return nil, fmt.Errorf("create vmware client: %w", err)
	}
	vimClient.RoundTripper = keepalive.NewHandlerSOAP(vimClient.RoundTripper, 15*time.Second, nil)

	mgr := session.NewManager(vimClient)
	if err := mgr.Login(ctx, endpointURL.User); err != nil {
		return nil, fmt.Errorf("login to vmware: %w", err)
	}

	finder := find.NewFinder(vimClient)
	return hostcontrol.NewVMwareHostControl(func(ctx context.Context, domainName string) (*object.VirtualMachine, error) {
		return finder.VirtualMachine(ctx, vmwarePath)
	}), nil
}
