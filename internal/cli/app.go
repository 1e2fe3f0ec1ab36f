package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/ledgersync/internal/config"
	"github.com/agentworkforce/ledgersync/internal/connectivity"
	"github.com/agentworkforce/ledgersync/internal/credentials"
	"github.com/agentworkforce/ledgersync/internal/envelope"
	"github.com/agentworkforce/ledgersync/internal/localstore"
	"github.com/agentworkforce/ledgersync/internal/logging"
	"github.com/agentworkforce/ledgersync/internal/metrics"
	"github.com/agentworkforce/ledgersync/internal/pipeline"
	"github.com/agentworkforce/ledgersync/internal/syncengine"
)

// app holds every component of one process, wired from config.
type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	creds    *credentials.FileStore
	store    localstore.Store
	client   *pipeline.Client
	signal   *connectivity.Signal
	probe    connectivity.Probe
	engine   *syncengine.Engine
}

type appOptions struct {
	// withMetrics registers collectors for the daemon. One-shot commands
	// skip them.
	withMetrics bool
	// onCredentialsChange fires when another process rewrites the
	// credentials file.
	onCredentialsChange func(credentials.Set)
}

func newApp(ctx context.Context, root *RootOptions, opts appOptions) (*app, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigPath: root.ConfigPath, EnvFile: root.EnvFile})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	a := &app{cfg: cfg, logger: logger}
	if opts.withMetrics {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = metrics.New(a.registry)
	}

	a.creds, err = credentials.NewFileStore(credentials.FileStoreOptions{
		Path:     cfg.Store.CredentialsPath,
		Logger:   &logger,
		OnChange: opts.onCredentialsChange,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open credentials", err)
	}
	a.store, err = localstore.Open(cfg.Store.DSN)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open local store", err)
	}
	a.client, err = pipeline.New(pipeline.Options{
		BaseURL:     cfg.API.BaseURL,
		APIKey:      cfg.API.APIKey,
		Database:    cfg.API.Database,
		Timeout:     cfg.API.Timeout,
		Credentials: a.creds,
		Logger:      &logger,
		Metrics:     a.metrics,
	})
	if err != nil {
		_ = a.store.Close()
		return nil, WrapExitError(ExitCommandError, "failed to build API client", err)
	}

	a.probe = buildProbe(cfg, a.creds, &logger)
	initial := true
	if a.probe != nil {
		initial = a.probe.Check(ctx)
	}
	a.signal = connectivity.NewSignal(connectivity.SignalOptions{
		Initial: initial,
		Logger:  &logger,
		Metrics: a.metrics,
	})
	a.engine, err = syncengine.New(syncengine.Options{
		Store:   a.store,
		API:     a.client,
		Online:  a.signal.IsOnline,
		Retry:   retryPolicy(cfg.Sync),
		Logger:  &logger,
		Metrics: a.metrics,
	})
	if err != nil {
		_ = a.store.Close()
		return nil, WrapExitError(ExitCommandError, "failed to build sync engine", err)
	}
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func retryPolicy(cfg config.SyncConfig) syncengine.RetryPolicy {
	if cfg.RetryPolicy == config.RetryBackoff {
		return &syncengine.ExponentialBackoff{
			Base:        cfg.RetryBase,
			Max:         cfg.RetryMax,
			MaxAttempts: cfg.RetryMaxAttempts,
			Jitter:      cfg.RetryJitter,
		}
	}
	return syncengine.ManualRetry{}
}

// buildProbe returns nil when connectivity tracking is off; the process is
// then always online.
func buildProbe(cfg config.Config, creds credentials.Store, logger *zerolog.Logger) connectivity.Probe {
	switch cfg.Connectivity.Mode {
	case config.ConnectivityHTTP:
		return &connectivity.HTTPProbe{
			URL:      cfg.Connectivity.URL,
			Interval: cfg.Connectivity.Interval,
			Jitter:   cfg.Connectivity.Jitter,
			Logger:   logger,
		}
	case config.ConnectivityWebSocket:
		return &connectivity.WebSocketProbe{
			URL:    cfg.Connectivity.URL,
			Header: busHeader(creds),
			Logger: logger,
		}
	default:
		return nil
	}
}

// busHeader reads the session at dial time. The daemon's store is reloaded
// when another process logs in or out.
func busHeader(creds credentials.Store) func() http.Header {
	return func() http.Header {
		header := http.Header{}
		if token := creds.Get(credentials.FieldAccessToken); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
		return header
	}
}

// sessionError maps engine and pipeline errors to exit codes.
func sessionError(message string, err error) error {
	if errors.Is(err, syncengine.ErrSessionLost) || errors.Is(err, envelope.ErrUnauthorized) {
		return WrapExitError(ExitSessionLost, message+" (run `ledgersync login`)", err)
	}
	if errors.Is(err, syncengine.ErrNotFound) || errors.Is(err, syncengine.ErrInvalidInput) ||
		errors.Is(err, syncengine.ErrUnknownKind) || errors.Is(err, syncengine.ErrInvalidPayload) ||
		errors.Is(err, syncengine.ErrInvalidTransition) {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}

func readSecret(envName string) string {
	return strings.TrimSpace(os.Getenv(envName))
}
