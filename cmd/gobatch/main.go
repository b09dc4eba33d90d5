package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nemanja-m/gobatch/internal/health"
	"github.com/nemanja-m/gobatch/internal/shared/config"
	"github.com/nemanja-m/gobatch/internal/shared/logging"
	"github.com/nemanja-m/gobatch/pkg/core"
	"github.com/nemanja-m/gobatch/pkg/engine"
	"github.com/nemanja-m/gobatch/pkg/jobs"
	"github.com/nemanja-m/gobatch/pkg/stream"

	_ "github.com/nemanja-m/gobatch/examples/files"
	_ "github.com/nemanja-m/gobatch/examples/grep"
	_ "github.com/nemanja-m/gobatch/examples/wordcount"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gobatch:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var silent, debug bool

	root := &cobra.Command{
		Use:   "gobatch [flags] JOB [ARGS...]",
		Short: "Run a batch job over lines of input",
		Long: "gobatch feeds input units to a registered job with bounded concurrency,\n" +
			"optionally spread over forked worker processes, and writes the results.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, newLogger(cmd, cfg, silent, debug), args)
		},
	}
	root.Flags().SetInterspersed(false)

	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default gobatch.yaml in ./config or .)")
	flags.StringP("input", "i", "", "read input lines from a file instead of stdin")
	flags.StringP("output", "o", "", "write output to a file instead of stdout")
	flags.BoolVarP(&silent, "silent", "s", false, "only log errors")
	flags.BoolVarP(&debug, "debug", "d", false, "log debug messages")
	flags.Float64P("timeout", "t", 0, "per-instance timeout in seconds")
	flags.Float64P("global-timeout", "g", 0, "whole job timeout in seconds")
	flags.IntP("fork", "f", 0, "number of worker processes; without a value one per CPU")
	flags.Lookup("fork").NoOptDefVal = "-1"
	flags.BoolP("benchmark", "b", false, "log throughput statistics on completion")
	flags.BoolP("recurse", "r", false, "expand directory units into their entries")
	flags.Int("max", 1, "concurrent instances per process")
	flags.Int("take", 1, "input units per instance")
	flags.Int("retries", 2, "retries per input batch; negative for unlimited")
	flags.Int("limit", 0, "stop after this many input units")
	flags.Float64("wait", 0, "seconds to wait before reusing an instance")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, text)")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.String("health-addr", "", "serve the gRPC health service on this address")

	root.AddCommand(newListCmd(), newConfigCmd(&configPath))
	return root
}

func newLogger(cmd *cobra.Command, cfg *config.Config, silent, debug bool) logging.Logger {
	level := logging.ParseLevel(cfg.Logging.Level)
	switch {
	case debug:
		level = logging.ParseLevel("debug")
	case silent:
		level = logging.ParseLevel("error")
	}
	return logging.NewSlogLogger(cmd.ErrOrStderr(), level, cfg.Logging.Format)
}

func run(ctx context.Context, cfg *config.Config, logger logging.Logger, args []string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Forked workers re-run this command line and end up here.
	if engine.IsWorker() {
		return engine.New(engine.Config{Logger: logger}).Serve(ctx)
	}

	def, err := jobs.Get(args[0])
	if err != nil {
		return fmt.Errorf("%w (available: %v)", err, jobs.List())
	}

	opts := cfg.JobOptions()
	if opts == nil {
		opts = make(map[string]any)
	}
	opts["args"] = args[1:]

	ecfg := engine.Config{
		Logger:      logger,
		Options:     opts,
		MetricsAddr: cfg.Metrics.Addr,
		Health: health.Config{
			Addr:             cfg.Health.Addr,
			EnableReflection: cfg.Health.EnableReflection,
			KeepaliveMinTime: cfg.Health.KeepaliveMinTime,
		},
		WatchSignals: true,
	}

	var methods core.Methods
	if cfg.Input != "" {
		in, err := stream.OpenLines(cfg.Input)
		if err != nil {
			return err
		}
		defer in.Close()
		methods.Input = in
	}
	if cfg.Output != "" {
		out, err := stream.CreateFile(cfg.Output)
		if err != nil {
			return err
		}
		defer out.Close()
		methods.Output = out
	}

	report, err := engine.New(ecfg).Run(ctx, def.WithMethods(methods))
	if err != nil {
		return err
	}
	logger.Debug("Job finished", "run_id", report.RunID, "stats", report.Stats.String())
	return nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered jobs",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range jobs.List() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

func newConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath, cmd.Flags())
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return errors.Join(err, enc.Close())
			}
			return enc.Close()
		},
	}
}
