// Command shufflefs mounts a passthrough overlay of ROOTDIR at
// MOUNTPOINT whose directory listings are deliberately reordered.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/shufflefs/shufflefs/internal/config"
	overlayfs "github.com/shufflefs/shufflefs/internal/fs"
	"github.com/shufflefs/shufflefs/internal/logging"
)

const version = "0.1.0"

func main() {
	flags := flag.NewFlagSet("shufflefs", flag.ExitOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	multiUser := flags.Bool("multi-user", false, "allow multiple users to access the overlay (requires root)")
	shuffle := flags.Bool("shuffle-dirents", false, "randomly shuffle directory entries on every listing")
	reverse := flags.Bool("reverse-dirents", true, "reverse directory entry order")
	sortDirents := flags.Bool("sort-dirents", false, "sort directory entries instead")
	sortByCtime := flags.Bool("sort-by-ctime", false, "sort directory entries by ctime instead of alphabetically (no effect without --sort-dirents)")
	padBlocks := flags.Int("pad-blocks", 1, "add N to st_blocks")
	shareLocks := flags.Bool("share-locks", false, "share locks with the underlying filesystem")
	quiet := flags.BoolP("quiet", "q", false, "don't output any status messages")
	debug := flags.Bool("debug", false, "enable FUSE protocol debug output")
	showVersion := flags.BoolP("version", "V", false, "display version info")

	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: shufflefs [OPTIONS] ROOTDIR MOUNTPOINT")
		fmt.Fprintln(os.Stderr)
		flags.PrintDefaults()
	}
	flags.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("shufflefs version: %s\n", version)
		return
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shufflefs: %v\n", err)
		os.Exit(1)
	}

	// Flags given on the command line override the config file.
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "multi-user":
			cfg.MultiUser = *multiUser
		case "shuffle-dirents":
			cfg.Dirents.Shuffle = *shuffle
		case "reverse-dirents":
			cfg.Dirents.Reverse = *reverse
		case "sort-dirents":
			cfg.Dirents.Sort = *sortDirents
		case "sort-by-ctime":
			cfg.Dirents.SortByCtime = *sortByCtime
		case "pad-blocks":
			cfg.PadBlocks = *padBlocks
		case "share-locks":
			cfg.ShareLocks = *shareLocks
		case "quiet":
			cfg.Quiet = *quiet
		}
	})

	if cfg.Quiet && parseableAsInfo(cfg.Logging.Level) {
		cfg.Logging.Level = "warn"
	}
	if err := logging.Init(&logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		fmt.Fprintf(os.Stderr, "shufflefs: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	args := flags.Args()
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "shufflefs: error: wrong number of arguments")
		flags.Usage()
		os.Exit(2)
	}

	// Resolve the root once, up front; every request path is a simple
	// concatenation against it afterwards.
	root, err := filepath.Abs(args[0])
	if err == nil {
		root, err = filepath.EvalSymlinks(root)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "shufflefs: %s: %v\n", args[0], err)
		os.Exit(1)
	}

	// Let the underlying filesystem see the caller's creation modes
	// unmodified.
	unix.Umask(0)

	overlay, err := overlayfs.NewOverlay(overlayfs.Options{
		Root:           root,
		MountPoint:     args[1],
		MultiUser:      cfg.MultiUser,
		ShuffleDirents: cfg.Dirents.Shuffle,
		ReverseDirents: cfg.Dirents.Reverse,
		SortDirents:    cfg.Dirents.Sort,
		SortByCtime:    cfg.Dirents.SortByCtime,
		PadBlocks:      cfg.PadBlocks,
		ShareLocks:     cfg.ShareLocks,
		Debug:          *debug,
	})
	if err != nil {
		logging.Fatal("cannot create overlay", logging.Err(err))
	}

	if cfg.Dirents.Shuffle {
		logging.Info("shuffling directory entries")
	}
	if cfg.Dirents.Sort {
		order := "alphabetically"
		if cfg.Dirents.SortByCtime {
			order = "by ctime"
		}
		logging.Info("sorting directory entries", logging.String("order", order))
	}
	if cfg.Dirents.Reverse {
		logging.Info("reversing directory entries")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info("mounting overlay",
		logging.String("root", root),
		logging.String("mountpoint", args[1]))

	if err := overlay.Mount(ctx); err != nil && err != context.Canceled {
		logging.Fatal("mount failed", logging.Err(err))
	}
}

// parseableAsInfo reports whether the level would log status messages.
func parseableAsInfo(level string) bool {
	return level == "" || level == "info" || level == "debug"
}
