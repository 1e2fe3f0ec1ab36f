package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/ledgersync/internal/adminapi"
	"github.com/agentworkforce/ledgersync/internal/credentials"
	"github.com/agentworkforce/ledgersync/internal/localstore"
	"github.com/agentworkforce/ledgersync/internal/pipeline"
	"github.com/agentworkforce/ledgersync/internal/syncengine"
)

const shutdownTimeout = 10 * time.Second

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var adminToken string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon",
		Long: `Run the daemon: track connectivity, drain the queue on every return to
online and on a timer, prune old done operations, and serve the admin API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if adminToken == "" {
				adminToken = readSecret("LEDGERSYNC_ADMIN_TOKEN")
			}
			return runServe(cmd.Context(), rootOpts, adminToken)
		},
	}
	cmd.Flags().StringVar(&adminToken, "admin-token", "", "bearer token required by the admin API (default $LEDGERSYNC_ADMIN_TOKEN)")
	return cmd
}

func runServe(ctx context.Context, rootOpts *RootOptions, adminToken string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	kick := make(chan struct{}, 1)
	trigger := func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
	a, err := newApp(ctx, rootOpts, appOptions{
		withMetrics: true,
		onCredentialsChange: func(set credentials.Set) {
			if !set.IsZero() {
				trigger()
			}
		},
	})
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	a.client.RegisterUnauthorizedHandler(func(reason pipeline.Reason) {
		logger.Warn().Str("reason", string(reason)).Msg("session lost; run `ledgersync login` to resume syncing")
	})
	a.signal.OnOnline(trigger)

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	run := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Str("task", name).Msg("daemon task failed")
				select {
				case errCh <- err:
				default:
				}
			}
		}()
	}

	run("credentials watch", func() error { return a.creds.Watch(ctx) })
	if a.probe != nil {
		run("connectivity", func() error { return a.probe.Run(ctx, a.signal) })
	}
	if listen := a.cfg.Admin.Listen; listen != "" {
		server := &http.Server{
			Addr: listen,
			Handler: adminapi.NewServer(a.engine, a.signal, a.creds, adminapi.ServerConfig{
				Token:     adminToken,
				Retention: a.cfg.Sync.Retention,
				Gatherer:  a.registry,
				Cache:     localstore.NewCache(a.store),
				Logger:    &logger,
			}).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		run("admin api", func() error {
			logger.Info().Str("addr", listen).Msg("admin api listening")
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}
	run("sync loop", func() error {
		syncLoop(ctx, a, kick)
		return nil
	})

	trigger()
	logger.Info().
		Str("store", a.cfg.Store.DSN).
		Str("connectivity", a.cfg.Connectivity.Mode).
		Bool("online", a.signal.IsOnline()).
		Msg("ledgersync daemon started")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		stop()
	}
	wg.Wait()
	logger.Info().Msg("ledgersync daemon stopped")
	if runErr != nil {
		return WrapExitError(ExitFailure, "daemon failed", runErr)
	}
	return nil
}

// syncLoop is the only caller of Drain inside the daemon, apart from the
// admin API, so drains triggered by reconnects never pile up.
func syncLoop(ctx context.Context, a *app, kick <-chan struct{}) {
	ticker := time.NewTicker(a.cfg.Sync.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep(ctx)
			a.drain(ctx)
		case <-kick:
			a.drain(ctx)
		}
	}
}

func (a *app) sweep(ctx context.Context) {
	if a.cfg.Sync.Retention <= 0 {
		return
	}
	pruned, err := a.engine.Prune(ctx, a.cfg.Sync.Retention)
	if err != nil {
		a.logger.Error().Err(err).Msg("prune failed")
		return
	}
	if pruned > 0 {
		a.logger.Info().Int("pruned", pruned).Msg("pruned done operations")
	}
}

func (a *app) drain(ctx context.Context) {
	_, err := a.engine.Drain(ctx)
	switch {
	case err == nil:
	case errors.Is(err, syncengine.ErrDrainInProgress), ctx.Err() != nil:
	case errors.Is(err, syncengine.ErrSessionLost):
		a.logger.Warn().Err(err).Msg("drain stopped: session lost")
	default:
		a.logger.Error().Err(err).Msg("drain failed")
	}
}
