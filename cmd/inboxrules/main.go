package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/inboxrules/internal/config"
	"github.com/joshsymonds/inboxrules/internal/dispatch"
	"github.com/joshsymonds/inboxrules/internal/execute"
	"github.com/joshsymonds/inboxrules/internal/fetch"
	"github.com/joshsymonds/inboxrules/internal/gmail"
	"github.com/joshsymonds/inboxrules/internal/history"
	"github.com/joshsymonds/inboxrules/internal/labels"
	"github.com/joshsymonds/inboxrules/internal/match"
	"github.com/joshsymonds/inboxrules/internal/metrics"
	"github.com/joshsymonds/inboxrules/internal/rate"
	"github.com/joshsymonds/inboxrules/internal/runner"
	"github.com/joshsymonds/inboxrules/internal/runtime"
)

// errFailOn marks a run that finished but tripped a --fail-on condition.
var errFailOn = errors.New("fail-on condition met")

// newClient is replaced in tests.
var newClient = func(ctx context.Context, cfg config.Config, scope runtime.Scope) (gmail.Client, error) {
	return runtime.NewGmailClient(ctx, runtime.Credentials{
		ClientSecretFile: cfg.Gmail.ClientSecretFile,
		TokenFile:        cfg.Gmail.TokenFile,
	}, scope, runtime.AdapterOptions{
		UserID:         cfg.Gmail.UserID,
		GetConcurrency: cfg.Gmail.GetConcurrency,
	})
}

type globalOptions struct {
	configPath  string
	metricsAddr string
	logLevel    string
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	opts   globalOptions
	cfg    config.Config
	logger *slog.Logger
	stderr io.Writer
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		runtime.DefaultLogger().Error("inboxrules failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stderr: stderr}
	root := &cobra.Command{
		Use:           "inboxrules",
		Short:         "Apply mailbox rules to Gmail in bulk",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	flags := root.PersistentFlags()
	flags.StringVar(&a.opts.configPath, "config", "", "TOML config file (defaults when empty)")
	flags.StringVar(&a.opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the command")
	flags.StringVar(&a.opts.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newApplyCmd(a),
		newPreviewCmd(a),
		newValidateCmd(a),
		newHistoryCmd(a),
		newImportCmd(a),
	)
	return root
}

func (a *app) setup() error {
	cfg := config.Default()
	if a.opts.configPath != "" {
		loaded, err := config.Load(a.opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if a.opts.metricsAddr != "" {
		cfg.Metrics.Addr = a.opts.metricsAddr
	}
	if a.opts.logLevel != "" {
		cfg.Logging.Level = a.opts.logLevel
	}
	logger, err := runtime.NewLogger(a.stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	return nil
}

// serveMetrics starts the metrics endpoint when configured and returns a
// function that stops it.
func (a *app) serveMetrics(ctx context.Context) (func(), error) {
	if a.cfg.Metrics.Addr == "" {
		return func() {}, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	_, done, err := metrics.Serve(ctx, a.cfg.Metrics.Addr, a.logger)
	if err != nil {
		cancel()
		return nil, err
	}
	return func() {
		cancel()
		if err := <-done; err != nil {
			a.logger.Warn("metrics server", "err", err)
		}
	}, nil
}

// newRunner wires the engine around client: one quota and label cache shared
// by the matcher and the executor.
func (a *app) newRunner(client gmail.Client) *runner.Runner {
	quota := rate.New(a.cfg.RateConfig(), nil)
	d := dispatch.New(quota, a.cfg.RetryPolicy(), a.logger)
	resolver := labels.NewResolver(client, d)

	f := fetch.New(client, d, resolver, a.logger)
	f.PageSize = a.cfg.Fetch.PageSize
	f.GetBatch = a.cfg.Fetch.GetBatch

	e := execute.New(client, d, resolver, a.logger)
	e.BatchSize = a.cfg.Execute.MaxBatchSize

	return runner.New(match.New(f, a.cfg.Fetch.MaxFullScan, a.logger), e, a.logger)
}

func (a *app) openHistory() (*history.Store, error) {
	if !a.cfg.History.Enabled {
		return nil, fmt.Errorf("history is disabled in config")
	}
	return history.Open(a.cfg.History.Path)
}
