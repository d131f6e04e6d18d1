// Command alpenhornd is the per-site archive daemon: it reconciles the
// shared Data Index against the local filesystem roots configured for
// this host and drives imports, integrity checks, deletions and
// cross-site pulls.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/radiocosmology/alpenhornd/config"
	"github.com/radiocosmology/alpenhornd/daemon"
	"github.com/radiocosmology/alpenhornd/extension"
	"github.com/radiocosmology/alpenhornd/index"
	"github.com/radiocosmology/alpenhornd/ioclass"
	"github.com/radiocosmology/alpenhornd/logging"
	"github.com/radiocosmology/alpenhornd/metrics"

	_ "github.com/radiocosmology/alpenhornd/extension/radio" // built-in acquisition detectors
)

// Exit codes, spec.md §6.
const (
	exitOK              = 0
	exitConfigError     = 1
	exitDatabaseUnreach = 2
	exitExtensionError  = 3
	exitSchemaMismatch  = 4
)

var configPath string
var hostname string

func main() {
	root := &cobra.Command{
		Use:   "alpenhornd",
		Short: "Archive daemon for a distributed scientific data archive",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the daemon configuration file (default $ALPENHORN_CONFIG or /etc/alpenhorn/alpenhornd.yaml)")
	root.Flags().StringVar(&hostname, "host", "", "override the daemon_host used to select nodes (default: config value, then os.Hostname)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// startupError carries the exit code a config/startup failure should
// produce, so main can set it after cobra prints the error.
type startupError struct {
	code int
	err  error
}

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var se *startupError
	if as(err, &se) {
		return se.code
	}
	return exitConfigError
}

func as(err error, target **startupError) bool {
	for err != nil {
		if se, ok := err.(*startupError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.Path(configPath))
	if err != nil {
		return &startupError{exitConfigError, err}
	}
	if hostname != "" {
		cfg.Daemon.Hostname = hostname
	}
	if cfg.Daemon.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return &startupError{exitConfigError, fmt.Errorf("resolve hostname: %w", err)}
		}
		cfg.Daemon.Hostname = h
	}

	logging.Init(logging.Config{
		Level: logging.Level(cfg.Logging.Level),
		JSON:  cfg.Logging.JSON,
	})
	log := logging.WithComponent("main")

	retry := index.NewRetryOpts(cfg.Database.DeadlockMinMs, cfg.Database.DeadlockMaxMs, cfg.Database.DeadlockRetries)
	store, err := index.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.QueryTimeout, retry)
	if err != nil {
		return &startupError{exitDatabaseUnreach, err}
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return &startupError{exitDatabaseUnreach, fmt.Errorf("read schema version: %w", err)}
	}
	if version != index.ExpectedSchemaVersion {
		return &startupError{exitSchemaMismatch, fmt.Errorf("schema version %d, daemon requires %d", version, index.ExpectedSchemaVersion)}
	}

	classes := ioclass.NewRegistry()
	detectors, err := extension.Load(cfg.Extensions, classes)
	if err != nil {
		return &startupError{exitExtensionError, err}
	}

	d := daemon.New(cfg, store, detectors, classes)

	var metricsErrCh <-chan error
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Addr)
		metricsErrCh = srv.Start(ctx)
		log.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics endpoint listening")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go d.Run(ctx)

	log.Info().Str("host", cfg.Daemon.Hostname).Msg("alpenhornd started")

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received termination signal")
	case err := <-metricsErrCh:
		if err != nil {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}

	cancel()
	d.Shutdown()
	log.Info().Msg("alpenhornd exited cleanly")
	return nil
}
