// ============================================================================
// pixelsqueeze CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree, configuration layering and run modes
//
// Command Structure:
//   pixelsqueeze [paths...]         # Compress files (batch or interactive)
//   │   ├── --file, -f             # File to compress (repeatable)
//   │   ├── --directory, -d        # Directory to walk (repeatable)
//   │   ├── --verbose, -v          # Print one line per compressed file (default)
//   │   ├── --quiet, -q            # Only print errors
//   │   ├── --workers              # Worker count (0 = CPU count)
//   │   ├── --skip-check           # Do not verify optimizer binaries
//   │   └── --metrics-file         # Write Prometheus textfile at exit
//   ├── check                      # Show optimizer availability
//   ├── plan                       # Show the step chain per format
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --debug                    # Debug logging
//
// Configuration layering:
//   built-in defaults < YAML file < .env < PIXELSQUEEZE_* env < flags
//
// Run modes:
//   batch        any of -f, -d or positional paths. Exits once every job is
//                compressed and reported.
//   interactive  no paths. One path per stdin line; "recompress" resubmits
//                every known path. EOF drains, SIGINT/SIGTERM stops.
//
// Signal Handling:
//   SIGINT / SIGTERM stop dispatching. Running chains finish and settle,
//   pending jobs are reported as failed.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ChuLiYu/pixelsqueeze/internal/check"
	"github.com/ChuLiYu/pixelsqueeze/internal/collector"
	"github.com/ChuLiYu/pixelsqueeze/internal/config"
	"github.com/ChuLiYu/pixelsqueeze/internal/controller"
	"github.com/ChuLiYu/pixelsqueeze/internal/metrics"
	"github.com/ChuLiYu/pixelsqueeze/internal/plan"
	"github.com/ChuLiYu/pixelsqueeze/internal/report"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// Version is reported by --version.
var Version = "1.0.0"

// ErrInterrupted is returned when a run ended on a signal.
var ErrInterrupted = errors.New("interrupted")

// options collects every flag of the command tree.
type options struct {
	configFile string
	debug      bool

	files       []string
	directories []string
	verbose     bool
	quiet       bool
	workers     int
	skipCheck   bool
	metricsFile string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	return buildRoot(&options{})
}

func buildRoot(opts *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pixelsqueeze [paths...]",
		Short: "Lossless image optimizer",
		Long: `pixelsqueeze runs JPEG, PNG and GIF files through external lossless
optimizers in parallel. A file is only replaced by a smaller result.

Without paths it reads one path per line from stdin.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configFile, "config", "c", config.DefaultPath, "config file path")
	pf.BoolVar(&opts.debug, "debug", false, "enable debug logging")

	f := rootCmd.Flags()
	f.StringArrayVarP(&opts.files, "file", "f", nil, "file to compress (repeatable)")
	f.StringArrayVarP(&opts.directories, "directory", "d", nil, "directory to compress recursively (repeatable)")
	f.BoolVarP(&opts.verbose, "verbose", "v", true, "print a line for every compressed file")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "only print errors")
	f.IntVar(&opts.workers, "workers", 0, "number of workers (0 = one per CPU)")
	f.BoolVar(&opts.skipCheck, "skip-check", false, "do not verify that the optimizers are installed")
	f.StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics to this file at exit")

	rootCmd.AddCommand(buildCheckCommand(opts))
	rootCmd.AddCommand(buildPlanCommand(opts))

	return rootCmd
}

func buildCheckCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check that every optimizer is installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			table := plan.NewTable(cfg.Tools, plan.OptionsFrom(cfg))
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Optimizers:")
			if n := check.Print(out, check.Resolve(table.Tools())); n > 0 {
				return fmt.Errorf("%w: %d missing", check.ErrToolsMissing, n)
			}
			return nil
		},
	}
}

func buildPlanCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the optimizer chain of every format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			table := plan.NewTable(cfg.Tools, plan.OptionsFrom(cfg))
			out := cmd.OutOrStdout()
			for _, format := range table.Formats() {
				steps, _ := table.Steps(format)
				fmt.Fprintf(out, "%s:\n", format)
				for i, step := range steps {
					fmt.Fprintf(out, "  %d. [%s] %s\n", i+1, step.Output, step)
				}
			}
			return nil
		},
	}
}

// ============================================================================
// Configuration
// ============================================================================

// loadConfig layers file, environment and the flags the user set.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	explicit := cmd.Flags().Changed("config")
	cfg, err := config.Load(opts.configFile, explicit)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.Workers = opts.workers
	}
	if flags.Changed("skip-check") {
		cfg.SkipCheck = opts.skipCheck
	}
	if flags.Changed("metrics-file") {
		cfg.Metrics.Textfile = opts.metricsFile
	}
	if opts.debug {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// ============================================================================
// Run
// ============================================================================

func run(cmd *cobra.Command, opts *options, args []string) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg)

	if !cfg.SkipCheck {
		table := plan.NewTable(cfg.Tools, plan.OptionsFrom(cfg))
		if err := check.Missing(table.Tools()); err != nil {
			return fmt.Errorf("%w (use --skip-check to run anyway)", err)
		}
	}

	quiet := opts.quiet || !opts.verbose
	printer := report.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), quiet)
	reg := prometheus.NewRegistry()

	ctrl, err := controller.New(cfg, controller.Deps{
		Registerer: reg,
		Sinks:      []collector.Sink{printer},
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths := make([]string, 0, len(opts.files)+len(opts.directories)+len(args))
	paths = append(paths, opts.files...)
	paths = append(paths, opts.directories...)
	paths = append(paths, args...)

	if len(paths) > 0 {
		err = runBatch(ctx, ctrl, paths, logger)
	} else {
		err = runInteractive(ctx, ctrl, cmd.InOrStdin(), logger)
	}

	logger.Info("run finished", "summary", printer.Summary())
	if cfg.Metrics.Textfile != "" {
		if werr := metrics.WriteTextfile(reg, cfg.Metrics.Textfile); werr != nil {
			logger.Error("cannot write metrics textfile", "path", cfg.Metrics.Textfile, "error", werr)
		}
	}
	return err
}

func runBatch(ctx context.Context, ctrl *controller.Controller, paths []string, logger *slog.Logger) error {
	queued, err := ctrl.Submit(paths)
	if err != nil {
		ctrl.Stop()
		return err
	}
	logger.Debug("batch submitted", "queued", queued)

	done := make(chan struct{})
	go func() {
		ctrl.Drain()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		logger.Warn("received shutdown signal, stopping")
		abandoned := ctrl.Stop()
		<-done
		logger.Info("stopped", "abandoned", abandoned)
		return ErrInterrupted
	}
}

func runInteractive(ctx context.Context, ctrl *controller.Controller, in io.Reader, logger *slog.Logger) error {
	logger.Info("reading paths from stdin", "recompress", controller.RecompressCommand)
	err := ctrl.Serve(ctx, in)
	switch {
	case err == nil:
		ctrl.Drain()
		return nil
	case errors.Is(err, context.Canceled):
		logger.Warn("received shutdown signal, stopping")
		abandoned := ctrl.Stop()
		logger.Info("stopped", "abandoned", abandoned)
		return ErrInterrupted
	default:
		ctrl.Stop()
		return fmt.Errorf("failed to read input: %w", err)
	}
}
