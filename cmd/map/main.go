// Command map serves a full or copy sparse stream as a read-only NBD
// export by prescanning it into a block map, per spec.md §4.G.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/idnt-devops/virtnbdbackup/internal/blockmap"
)

var (
	debug         bool
	file          string
	device        string
	blocksize     string
	exportName    string
	threads       int
	listenAddress string
)

var rootCmd = &cobra.Command{
	Use:   "map",
	Short: "Serve a sparse stream as a read-only NBD export (instant recovery)",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.Flags().StringVar(&file, "file", "", "Path to the full/copy sparse stream to map")
	rootCmd.MarkFlagRequired("file")
	rootCmd.Flags().StringVar(&device, "device", "", "Local /dev/nbdN to connect via nbd-client, if set")
	rootCmd.Flags().StringVar(&blocksize, "blocksize", "512", "Blocksize filter maxlen; must be <= the smallest block in the stream")
	rootCmd.Flags().StringVar(&exportName, "export-name", "virtnbdmap", "NBD export name to advertise")
	rootCmd.Flags().IntVar(&threads, "threads", 4, "Server thread count")
	rootCmd.Flags().StringVar(&listenAddress, "listen-address", "127.0.0.1", "Address to listen on")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("map failed")
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if debug {
		log.SetLevel(log.DebugLevel)
	}

	m, err := blockmap.Build(file)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"file": file, "disk": m.DiskName, "virtual_size": m.VirtualSize, "blocks": len(m.Blocks),
	}).Info("block map built")

	maxlen, err := strconv.ParseUint(blocksize, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid --blocksize %q: %w", blocksize, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host, port := splitListenAddress(listenAddress)
	opts := blockmap.ServeOptions{
		ListenAddress: host,
		Port:          port,
		ExportName:    exportName,
		MinBlockSize:  512,
		PrefBlockSize: 4096,
		MaxBlockSize:  maxlen,
	}

	if device != "" {
		log.WithField("device", device).Warn("local /dev/nbdN attach via nbd-client is not performed automatically; connect it against the export this process serves")
	}

	return blockmap.Serve(ctx, m, opts)
}

func splitListenAddress(addr string) (host, port string) {
	if i := strings.LastIndex(addr, ":"); i != -1 {
		return addr[:i], addr[i+1:]
	}
	return addr, "10809"
}
