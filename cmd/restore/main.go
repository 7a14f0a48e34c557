// Command restore replays a chain of sparse stream files back onto a new
// disk image, per spec.md §4.F and §6's CLI surface table.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/thediveo/enumflag/v2"

	"github.com/idnt-devops/virtnbdbackup/internal/frame"
	"github.com/idnt-devops/virtnbdbackup/internal/nbdclient"
	"github.com/idnt-devops/virtnbdbackup/internal/restore"
	"github.com/idnt-devops/virtnbdbackup/internal/stream"
	"github.com/idnt-devops/virtnbdbackup/internal/vnbderrors"
)

// readMetadataOnly opens path and parses just its leading META frame,
// without walking the rest of the stream; used by --action dump and to
// size the destination image before the actual replay begins.
func readMetadataOnly(path string) (stream.Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return stream.Metadata{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sr := stream.NewReader(f)
	h, err := sr.Next()
	if err != nil {
		return stream.Metadata{}, err
	}
	if h.Kind != frame.KindMeta {
		return stream.Metadata{}, fmt.Errorf("%w: %s does not start with META", vnbderrors.ErrStreamFormat, path)
	}
	payload, err := sr.ReadPayload(h)
	if err != nil {
		return stream.Metadata{}, err
	}
	return stream.LoadMetadata(payload)
}

type actionOpt enumflag.Flag

const (
	actionDump actionOpt = iota
	actionRestore
)

var actionIds = map[actionOpt][]string{
	actionDump:    {"dump"},
	actionRestore: {"restore"},
}

var (
	debug      bool
	action     actionOpt
	input      string
	output     string
	until      string
	sequence   string
	diskFilter string
	socketfile string
	raw        bool
)

var rootCmd = &cobra.Command{
	Use:   "restore",
	Short: "Dump a stream's metadata, or restore a chain onto a new disk",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.Flags().Var(enumflag.New(&action, "action", actionIds, enumflag.EnumCaseInsensitive), "action", "dump or restore")
	rootCmd.MarkFlagRequired("action")
	rootCmd.Flags().StringVar(&input, "input", "", "Backup set directory, or (with --sequence) its base directory")
	rootCmd.MarkFlagRequired("input")
	rootCmd.Flags().StringVar(&output, "output", "", "Destination image path")
	rootCmd.Flags().StringVar(&until, "until", "", "Stop replay after this checkpoint")
	rootCmd.Flags().StringVar(&sequence, "sequence", "", "Explicit comma-separated stream file sequence, starting with full or copy")
	rootCmd.Flags().StringVar(&diskFilter, "disk", "", "Restrict to this disk target")
	rootCmd.Flags().StringVar(&socketfile, "socketfile", "", "NBD unix socket for the writer endpoint")
	rootCmd.Flags().BoolVar(&raw, "raw", false, "Preserve raw format instead of qcow2")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("restore failed")
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if debug {
		log.SetLevel(log.DebugLevel)
	}

	files, err := resolveChain()
	if err != nil {
		return err
	}

	if action == actionDump {
		return dumpChain(files)
	}

	if output == "" {
		return fmt.Errorf("--output is required for --action restore")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runRestore(ctx, files)
}

// resolveChain returns the ordered list of stream files to replay: either
// the explicit --sequence, or every "<disk>.*.data" file under --input
// sorted by modification time (full/copy first, per naming convention).
func resolveChain() ([]string, error) {
	if sequence != "" {
		return strings.Split(sequence, ","), nil
	}

	entries, err := os.ReadDir(input)
	if err != nil {
		return nil, fmt.Errorf("read input directory %s: %w", input, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".data") {
			continue
		}
		if diskFilter != "" && !strings.HasPrefix(e.Name(), diskFilter+".") {
			continue
		}
		files = append(files, filepath.Join(input, e.Name()))
	}
	sort.Slice(files, func(i, j int) bool {
		return chainOrderKey(files[i]) < chainOrderKey(files[j])
	})
	if len(files) == 0 {
		return nil, fmt.Errorf("no .data files found under %s", input)
	}
	return files, nil
}

// chainOrderKey sorts a full/copy file first, then incrementals/differentials
// by the checkpoint index or timestamp embedded in the file name.
func chainOrderKey(path string) string {
	name := filepath.Base(path)
	switch {
	case strings.Contains(name, ".full."), strings.Contains(name, ".copy."):
		return "0"
	default:
		return "1" + name
	}
}

func dumpChain(files []string) error {
	for _, path := range files {
		meta, err := readMetadataOnly(path)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return err
		}
		fmt.Printf("%s:\n%s\n", path, data)
	}
	return nil
}

func runRestore(ctx context.Context, files []string) error {
	baseMeta, err := readMetadataOnly(files[0])
	if err != nil {
		return err
	}

	format := "qcow2"
	if raw || baseMeta.DiskFormat == "raw" {
		format = "raw"
	}
	if err := createImage(output, format, int64(baseMeta.VirtualSize)); err != nil {
		return err
	}

	nbdProc, sock, err := startWriterEndpoint(output, format)
	if err != nil {
		return err
	}
	defer stopWriterEndpoint(nbdProc)

	dev, err := nbdclient.Connect(ctx, nbdclient.DialOpts{UnixSocket: sock, ExportName: "restore"})
	if err != nil {
		return err
	}
	defer dev.Close()

	report, err := restore.RunChain(ctx, dev, files, restore.Options{Until: until})
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{"files_applied": report.FilesApplied, "stopped_at": report.StoppedAt}).
		Info("restore chain complete")
	return nil
}

// createImage creates the destination image via qemu-img, matching the
// teacher's exec.Command("qemu-img", ...) convention for image tooling it
// doesn't reimplement in Go.
func createImage(path, format string, virtualSize int64) error {
	cmd := exec.Command("qemu-img", "create", "-f", format, path, fmt.Sprintf("%d", virtualSize))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("qemu-img create failed: %w (output: %s)", err, out)
	}
	return nil
}

// startWriterEndpoint brings up a qemu-nbd writer export over the
// destination image and returns its process handle and the unix socket the
// restore pipeline should dial. qemu-nbd itself is an external collaborator
// (spec.md §1 treats NBD server lifecycle as out of scope); this is the
// thinnest possible bridge to it.
func startWriterEndpoint(path, format string) (*exec.Cmd, string, error) {
	sock := socketfile
	if sock == "" {
		sock = path + ".nbd.sock"
	}
	os.Remove(sock)
	cmd := exec.Command("qemu-nbd", "--socket="+sock, "--export-name=restore", "--format="+format, "--persistent", path)
	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start qemu-nbd writer endpoint: %w", err)
	}
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cmd, sock, nil
}

func stopWriterEndpoint(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	_ = cmd.Wait()
}
