package cli

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

	"github.com/roach88/rawlake/internal/blob"
	"github.com/roach88/rawlake/internal/catalog"
	"github.com/roach88/rawlake/internal/cleaner"
	"github.com/roach88/rawlake/internal/config"
	"github.com/roach88/rawlake/internal/fingerprint"
	"github.com/roach88/rawlake/internal/manifest"
	"github.com/roach88/rawlake/internal/pipeline"
	"github.com/roach88/rawlake/internal/store"
	"github.com/roach88/rawlake/internal/warehouse"
)

// loadConfig resolves configuration: defaults, then the config file, then
// the dotenv file and environment, then command-line flags.
func loadConfig(opts *RootOptions) (config.Config, error) {
	if err := config.LoadDotEnv(opts.EnvFile); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return config.Config{}, err
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if opts.Catalog != "" {
		cfg.Catalog = opts.Catalog
	}
	if opts.Workers > 0 {
		cfg.Workers = opts.Workers
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

func fingerprintOptions(cfg config.Config) fingerprint.Options {
	return fingerprint.Options{ScanLines: cfg.HeaderScanLines, Encodings: cfg.Encodings}
}

// app holds the stores a command works against.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	st      *store.Store
	man     *manifest.Manifest
	blobs   blob.Store
	wh      *warehouse.Store
	metrics *pipeline.Metrics
}

// openApp opens the manifest database and blob store, and the warehouse
// when withWarehouse is set.
func openApp(opts *RootOptions, cmd *cobra.Command, withWarehouse bool) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, CommandError(ErrCodeConfig, "failed to load config", err)
	}
	log := newLogger(opts, cmd.ErrOrStderr())

	log.Debug("opening manifest", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, CommandError(ErrCodeStorage, "failed to open database", err)
	}
	a := &app{cfg: cfg, log: log, st: st, man: manifest.New(st.DB()), metrics: pipeline.NewMetrics()}

	switch cfg.BlobBackend {
	case config.BlobDir:
		ds, err := blob.NewDirStore(cfg.BlobDir)
		if err != nil {
			a.Close()
			return nil, CommandError(ErrCodeStorage, "failed to open blob directory", err)
		}
		a.blobs = ds
	default:
		a.blobs = blob.NewSQLiteStore(st.DB())
	}

	if withWarehouse {
		log.Debug("opening warehouse", "driver", cfg.WarehouseDriver, "dsn", cfg.WarehouseDSN)
		wh, err := warehouse.Open(cfg.WarehouseDriver, cfg.WarehouseDSN)
		if err != nil {
			a.Close()
			return nil, CommandError(ErrCodeStorage, "failed to open warehouse", err)
		}
		a.wh = wh
	}
	return a, nil
}

func (a *app) Close() {
	if a.wh != nil {
		if err := a.wh.Close(); err != nil {
			a.log.Error("error closing warehouse", "error", err)
		}
	}
	if a.blobs != nil {
		if err := a.blobs.Close(); err != nil {
			a.log.Error("error closing blob store", "error", err)
		}
	}
	if err := a.st.Close(); err != nil {
		a.log.Error("error closing database", "error", err)
	}
}

func (a *app) loadCatalog() (*catalog.Catalog, error) {
	cat, err := catalog.Load(a.cfg.Catalog, catalog.Options{CleanerKnown: cleaner.Known})
	if err != nil {
		return nil, CommandError(ErrCodeCatalog, "failed to load catalog", err)
	}
	a.log.Debug("catalog loaded", "source", cat.Source(), "recipes", cat.Len())
	return cat, nil
}

func (a *app) pipelineOptions() []pipeline.Option {
	return []pipeline.Option{
		pipeline.WithLogger(a.log),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithWorkers(a.cfg.Workers),
		pipeline.WithBatchSize(a.cfg.BatchSize),
		pipeline.WithFingerprintOptions(fingerprintOptions(a.cfg)),
		pipeline.WithRetry(pipeline.RetryPolicy{
			MaxAttempts:    a.cfg.Retry.MaxAttempts,
			InitialBackoff: a.cfg.Retry.InitialBackoff,
			MaxBackoff:     a.cfg.Retry.MaxBackoff,
		}),
	}
}

// serveMetrics exposes /metrics until ctx is done when an address is
// configured.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	go func() {
		a.log.Info("serving metrics", "addr", a.cfg.MetricsAddr)
		if err := a.metrics.Serve(ctx, a.cfg.MetricsAddr); err != nil {
			a.log.Error("metrics server stopped", "error", err)
		}
	}()
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command, log *slog.Logger) (context.Context, context.CancelFunc) {
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, finishing in-flight files", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// outputError reports err through the formatter and returns it as an
// ExitError for main.
func outputError(f *OutputFormatter, err error) error {
	ee := &ExitError{Code: ExitCommandError, Message: "command failed", Err: err}
	if !errors.As(err, &ee) && errors.Is(err, os.ErrNotExist) {
		ee.ErrCode = ErrCodeNotFound
	}
	code := ee.ErrCode
	if code == "" {
		code = ErrCodeGeneric
	}
	if ferr := f.Error(code, err.Error(), nil); ferr != nil {
		return ferr
	}
	return ee
}

// summaryResult prints a run summary and maps it to an exit code.
func summaryResult(f *OutputFormatter, s pipeline.Summary, runErr error) error {
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return outputError(f, runErr)
	}
	if err := f.Render(s, func(w io.Writer) {
		fmt.Fprintln(w, s.String())
	}); err != nil {
		return err
	}
	if runErr != nil {
		return FailureError(ErrCodeInterrupted, "interrupted", runErr)
	}
	if s.HasFailures() {
		return FailureError(ErrCodeFileFailure, "one or more files failed", nil)
	}
	return nil
}
