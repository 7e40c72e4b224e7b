// Command sqlitefs mounts a SQLite-backed filesystem at a given mountpoint,
// per spec.md §6's CLI surface: a mountpoint positional argument, a
// --database path, and a --foreground flag, plus --debug for verbose
// kernel-op logging.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"

	"github.com/werden230/sqlitefs/internal/fsops"
	"github.com/werden230/sqlitefs/internal/gateway"
	"github.com/werden230/sqlitefs/internal/storage"
)

var (
	databasePath string
	foreground   bool
	debug        bool
)

func main() {
	root := &cobra.Command{
		Use:   "sqlitefs <mountpoint>",
		Short: "Mount a SQLite-backed filesystem over FUSE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0])
		},
		SilenceUsage: true,
	}

	root.Flags().StringVar(&databasePath, "database", "sqlitefs.db", "path to the SQLite database file backing this filesystem")
	root.Flags().BoolVar(&foreground, "foreground", false, "accepted for compatibility; sqlitefs always stays attached to the controlling terminal and never daemonizes")
	root.Flags().BoolVar(&debug, "debug", false, "log every kernel op as it's dispatched")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// registerSignalHandler unmounts mountPoint on SIGINT/SIGTERM so Ctrl-C
// leaves a clean unmount instead of a stale one -- our gateway dependency
// does not install a handler of its own.
func registerSignalHandler(logger *log.Logger, mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalChan
		logger.Printf("received signal, unmounting %s", mountPoint)
		if err := fuse.Unmount(mountPoint); err != nil {
			logger.Printf("unmount %s: %v", mountPoint, err)
		}
	}()
}

func run(mountPoint string) error {
	logger := log.New(os.Stderr, "sqlitefs: ", log.LstdFlags)

	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return fmt.Errorf("creating mountpoint %q: %w", mountPoint, err)
	}

	pool, err := storage.Open(databasePath, 0, logger)
	if err != nil {
		return fmt.Errorf("opening database %q: %w", databasePath, err)
	}
	defer pool.Close()

	logger.Printf("database %s, mountpoint %s", databasePath, mountPoint)

	fs := fsops.New(pool, timeutil.RealClock())
	server := fuseutil.NewFileSystemServer(gateway.New(fs))

	cfg := &fuse.MountConfig{
		// Disable writeback caching so that pid is always available in
		// OpContext, matching the teacher's own mount_memfs sample.
		DisableWritebackCaching: true,
		ErrorLogger:             logger,
	}
	if debug {
		cfg.DebugLogger = logger
	}

	mfs, err := fuse.Mount(mountPoint, server, cfg)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	registerSignalHandler(logger, mountPoint)

	if err := mfs.Join(context.Background()); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	return nil
}
