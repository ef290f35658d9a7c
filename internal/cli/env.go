package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/roach88/ledgergate/internal/coherence"
	"github.com/roach88/ledgergate/internal/config"
	"github.com/roach88/ledgergate/internal/journal"
	"github.com/roach88/ledgergate/internal/store"
	"github.com/roach88/ledgergate/internal/store/redisstore"
	"github.com/roach88/ledgergate/internal/telemetry"
)

// backend is a journal backend the CLI owns and must close.
type backend interface {
	journal.Backend
	Ping(ctx context.Context) error
	Close() error
}

// env is everything a ledger-backed command needs. Close releases the
// backend.
type env struct {
	cfg       config.Config
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	backend   backend
	journal   *journal.Journal
	snapshots *coherence.Resolver
	formatter *OutputFormatter
}

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Store.Backend = config.BackendSQLite
		cfg.Store.Path = opts.Database
	}
	if opts.Tenant != "" {
		cfg.Tenant = opts.Tenant
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

// newLogger writes text logs to w at the configured level, or debug when
// verbose.
func newLogger(w io.Writer, cfg config.Config, verbose bool) *slog.Logger {
	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openEnv loads configuration, opens and pings the configured backend and
// wires the journal and coherence resolver over it.
func openEnv(opts *RootOptions, cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg, opts.Verbose)

	metrics, err := telemetry.New(otel.GetMeterProvider())
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to create metrics", err)
	}

	be, err := openBackend(commandContext(cmd), cfg, logger)
	if err != nil {
		return nil, err
	}

	j := journal.New(be, journal.WithLogger(logger), journal.WithMetrics(metrics))
	return &env{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		backend:   be,
		journal:   j,
		snapshots: coherence.NewResolver(j, cfg.Coherence.Window, logger),
		formatter: newFormatter(opts, cmd),
	}, nil
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend, error) {
	var be backend
	switch cfg.Store.Backend {
	case config.BackendRedis:
		logger.Debug("opening redis ledger", "addr", cfg.Store.Redis.Addr, "prefix", cfg.Store.Redis.Prefix)
		be = redisstore.New(&goredis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		}, cfg.Store.Redis.Prefix)
	default:
		logger.Debug("opening sqlite ledger", "path", cfg.Store.Path)
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		be = st
	}

	if err := be.Ping(ctx); err != nil {
		_ = be.Close()
		return nil, WrapExitError(ExitFailure, "ledger backend unavailable", err)
	}
	return be, nil
}

// Close releases the backend.
func (e *env) Close() error {
	return e.backend.Close()
}

// commandContext returns the command context, or Background when the command was
// executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// readInput reads a request file, or stdin for "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" {
		return nil, NewExitError(ExitCommandError, "--request is required")
	}
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to read %s", path), err)
	}
	return data, nil
}

// backendError maps a journal error to an exit code: invalid input is a
// command error, everything else a failure.
func backendError(message string, err error) error {
	if errors.Is(err, journal.ErrInvalidEntry) {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}
