package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aweston/repomirror/internal/config"
	"github.com/aweston/repomirror/internal/control"
	"github.com/aweston/repomirror/internal/fetch"
	"github.com/aweston/repomirror/internal/listing"
	"github.com/aweston/repomirror/internal/mirrorsync"
	"github.com/aweston/repomirror/internal/state"
	"github.com/aweston/repomirror/internal/stats"
	"github.com/aweston/repomirror/internal/ui"
)

var version = "dev"

func main() {
	os.Exit(run())
}

//nolint:gocyclo,revive // cyclomatic: main CLI entry point orchestrates all flag parsing and mode selection
func run() int {
	var (
		configPath  string
		mirrors     []string
		roots       []string
		arch        string
		bwLimitStr  string
		multithread bool
		pauseStr    string
		timeoutStr  string
		probeSize   bool
		listenAddr  string
		quiet       bool
		noProgress  bool
		showVersion bool
	)

	rootCmd := &cobra.Command{
		Use:   "repomirror [flags] <destination>",
		Short: "Mirror an HTTP package repository to a local directory tree",
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "repomirror %s\n", version)
				return nil
			}

			dest := args[0]

			// Load optional config file; flags win over file values.
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			applyConfigDefaults(cmd, cfg,
				&mirrors, &roots, &arch, &bwLimitStr, &multithread,
				&pauseStr, &timeoutStr, &probeSize, &listenAddr)

			mirrors = config.NormalizeMirrors(mirrors)
			if len(mirrors) == 0 {
				return errors.New("no mirrors configured; pass --mirror or set mirrors in the config file")
			}
			roots = config.ExpandArch(roots, arch)
			if len(roots) == 0 {
				return errors.New("no roots configured; pass --root or set roots in the config file")
			}

			var bwLimit int64
			if bwLimitStr != "" {
				bwLimit, err = config.ParseSize(bwLimitStr)
				if err != nil {
					return fmt.Errorf("invalid --bwlimit: %w", err)
				}
			}

			var pause time.Duration
			if pauseStr != "" {
				pause, err = time.ParseDuration(pauseStr)
				if err != nil {
					return fmt.Errorf("invalid --pause: %w", err)
				}
			}

			listOpts := listing.DefaultOptions()
			if timeoutStr != "" {
				listOpts.Timeout, err = time.ParseDuration(timeoutStr)
				if err != nil {
					return fmt.Errorf("invalid --timeout: %w", err)
				}
			}

			// Configure logging.
			logLevel := slog.LevelInfo
			if quiet {
				logLevel = slog.LevelWarn
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: logLevel,
			}))
			slog.SetDefault(logger)

			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("destination %s: %w", dest, err)
			}

			// Wire the engine: emitters feed the tracker, the tracker owns
			// the state record, observers consume snapshots.
			collector := stats.NewCollector()
			tracker := state.NewTracker(dest, collector, logger)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			var trackerWg sync.WaitGroup
			trackerWg.Add(1)
			go func() {
				defer trackerWg.Done()
				tracker.Run(ctx)
			}()

			events := tracker.Events()
			fetcher := fetch.New(fetch.Config{
				DestRoot: dest,
				Events:   events,
				Logger:   logger,
			})
			syncer := mirrorsync.New(mirrorsync.Config{
				Mirrors:     mirrors,
				Roots:       roots,
				DestRoot:    dest,
				BWLimit:     bwLimit,
				Multithread: multithread,
				Pause:       pause,
				ProbeSize:   probeSize,
				Logger:      logger,
			}, listing.NewLister(listOpts), fetcher, events)

			defer fetch.CleanupTmpFiles()

			// First signal stops between tasks; a second one aborts.
			sigCh := make(chan os.Signal, 2)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				<-sigCh
				logger.Info("stop requested, finishing in-flight downloads")
				syncer.Stop()
				<-sigCh
				logger.Warn("aborting")
				cancel()
			}()

			if listenAddr != "" {
				// Serve mode: passes start over the control channel.
				srv := control.New(syncer, tracker, logger)
				return srv.ListenAndServe(ctx, listenAddr)
			}

			// One-shot mode: run a single pass with inline progress.
			workers := 1
			if multithread && len(mirrors) > 1 {
				workers = len(mirrors)
			}
			presenter := ui.NewPresenter(ui.Config{
				Writer:     os.Stdout,
				ErrWriter:  os.Stderr,
				Stats:      collector,
				Workers:    workers,
				IsTTY:      ui.IsTTY(os.Stderr.Fd()),
				Quiet:      quiet,
				NoProgress: noProgress,
			})

			snaps, unsub := tracker.Subscribe()
			var presenterErr error
			var presenterWg sync.WaitGroup
			presenterWg.Add(1)
			go func() {
				defer presenterWg.Done()
				presenterErr = presenter.Run(snaps)
			}()

			runErr := syncer.Run(ctx)

			// Run returns with its final events still queued. Counters and
			// the feed are final only after the tracker drains the channel
			// and exits.
			close(events)
			trackerWg.Wait()

			unsub()
			presenterWg.Wait()
			if presenterErr != nil {
				fmt.Fprintf(os.Stderr, "presenter: %v\n", presenterErr)
			}

			if !quiet {
				if summary := presenter.Summary(); summary != "" {
					fmt.Fprintln(os.Stderr, summary)
				}
			}

			if runErr != nil {
				logger.Error("sync failed", "error", runErr)
				return &exitError{code: 2}
			}
			if collector.Snapshot().FilesFailed > 0 {
				return &exitError{code: 1} // partial failure
			}
			return nil
		},
	}

	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	rootCmd.Flags().StringVar(&configPath, "config", "", "config file (default: $XDG_CONFIG_HOME/repomirror/config.toml)")
	rootCmd.Flags().
		StringArrayVarP(&mirrors, "mirror", "m", nil, "mirror base URL, first is the discovery source (repeatable)")
	rootCmd.Flags().
		StringArrayVarP(&roots, "root", "r", nil, "top-level repository folder to mirror (repeatable)")
	rootCmd.Flags().StringVar(&arch, "arch", "", "replaces $arch in root names")
	rootCmd.Flags().StringVar(&bwLimitStr, "bwlimit", "", "aggregate bandwidth limit (e.g. 2M, 512K)")
	rootCmd.Flags().BoolVar(&multithread, "multithread", false, "one download worker per mirror")
	rootCmd.Flags().StringVar(&pauseStr, "pause", "", "delay between downloads per worker (e.g. 250ms)")
	rootCmd.Flags().StringVar(&timeoutStr, "timeout", "", "directory listing timeout (default 7s)")
	rootCmd.Flags().BoolVar(&probeSize, "probe-size", false, "probe file sizes during scanning to project download volume")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "serve the control API on this address instead of running one pass")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")
	rootCmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable progress display")

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	return 0
}

// applyConfigDefaults fills in file values for flags not explicitly set
// on the command line.
//
//nolint:revive // argument-limit: one pointer per merged flag
func applyConfigDefaults(
	cmd *cobra.Command,
	cfg config.File,
	mirrors, roots *[]string,
	arch, bwLimit *string,
	multithread *bool,
	pause, timeout *string,
	probeSize *bool,
	listen *string,
) {
	if !cmd.Flags().Changed("mirror") && len(cfg.Mirrors) > 0 {
		*mirrors = cfg.Mirrors
	}
	if !cmd.Flags().Changed("root") && len(cfg.Roots) > 0 {
		*roots = cfg.Roots
	}
	if !cmd.Flags().Changed("arch") && cfg.Arch != nil {
		*arch = *cfg.Arch
	}
	if !cmd.Flags().Changed("bwlimit") && cfg.BWLimit != nil {
		*bwLimit = *cfg.BWLimit
	}
	if !cmd.Flags().Changed("multithread") && cfg.Multithread != nil {
		*multithread = *cfg.Multithread
	}
	if !cmd.Flags().Changed("pause") && cfg.Pause != nil {
		*pause = *cfg.Pause
	}
	if !cmd.Flags().Changed("timeout") && cfg.Timeout != nil {
		*timeout = *cfg.Timeout
	}
	if !cmd.Flags().Changed("probe-size") && cfg.ProbeSize != nil {
		*probeSize = *cfg.ProbeSize
	}
	if !cmd.Flags().Changed("listen") && cfg.Listen != nil {
		*listen = *cfg.Listen
	}
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
