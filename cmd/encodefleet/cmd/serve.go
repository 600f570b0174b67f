package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/encodefleet/encodefleet/internal/config"
	"github.com/encodefleet/encodefleet/pkg/api"
	"github.com/encodefleet/encodefleet/pkg/auth"
	"github.com/encodefleet/encodefleet/pkg/logging"
	"github.com/encodefleet/encodefleet/pkg/metrics"
	"github.com/encodefleet/encodefleet/pkg/models"
	"github.com/encodefleet/encodefleet/pkg/orchestrator"
	"github.com/encodefleet/encodefleet/pkg/ratelimit"
	"github.com/encodefleet/encodefleet/pkg/retry"
	"github.com/encodefleet/encodefleet/pkg/scheduler"
	"github.com/encodefleet/encodefleet/pkg/shutdown"
	"github.com/encodefleet/encodefleet/pkg/store"
	"github.com/encodefleet/encodefleet/pkg/sweeplock"
	"github.com/encodefleet/encodefleet/pkg/tracing"
	"github.com/encodefleet/encodefleet/pkg/webhook"
)

// Version is stamped at build time with -ldflags "-X ...cmd.Version=..."
var Version = "dev"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler",
	Long: `Run the scheduler API, the lease reaper, and the metrics listener until
SIGINT or SIGTERM. Configuration comes from --config and ENCODEFLEET_*
environment variables; see "encodefleet config show".`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	v, err := config.NewViper(cfgFile)
	if err != nil {
		return err
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}

	logger, err := newServerLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	logger.Info("Starting encodefleet scheduler", map[string]interface{}{
		"version": Version,
		"addr":    cfg.Server.Addr,
		"store":   cfg.Store.Type,
		"lease":   cfg.Leasing.Duration.String(),
	})

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder()

	tp, err := tracing.InitTracer(tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		st.Close()
		return err
	}

	notifier := webhook.New(
		webhook.WithTimeout(cfg.Webhook.Timeout),
		webhook.WithLogger(logger),
		webhook.WithMetrics(recorder),
	)

	engine := scheduler.New(st, scheduler.Config{
		LeaseDuration: cfg.Leasing.Duration,
		RetryPolicy: &models.RetryPolicy{
			DefaultMaxAttempts: cfg.Leasing.DefaultMaxAttempts,
			Base:               cfg.Leasing.RetryBase,
		},
		Logger:   logger,
		Metrics:  recorder,
		Notifier: notifier,
	})

	orch := orchestrator.New(st, engine, orchestrator.Config{
		ShortThreshold:     cfg.Leasing.ShortThreshold,
		DefaultJobDuration: cfg.Leasing.DefaultJobDuration,
		HealthTimeout:      cfg.Health.Timeout,
		Logger:             logger,
	})

	locker, closeLocker, err := newSweepLocker(ctx, cfg.SweepLock, logger)
	if err != nil {
		st.Close()
		return err
	}

	reaper := scheduler.NewReaper(engine, scheduler.ReaperConfig{
		Interval:  cfg.Reaper.Interval,
		BatchSize: cfg.Reaper.BatchSize,
		Locker:    locker,
	})

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithMetrics(recorder),
		api.WithTracing(tp),
		api.WithHostStats(cfg.Server.HostStats),
	}
	var limiter *ratelimit.Limiter
	if cfg.RateLimit.ClaimRPS > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.ClaimRPS, cfg.RateLimit.ClaimBurst)
		opts = append(opts, api.WithClaimLimiter(limiter))
	}
	if len(cfg.Auth.APIKeys) > 0 {
		keys := auth.NewAPIKeyManager()
		for _, k := range cfg.Auth.APIKeys {
			keys.AddAPIKey(k, "config")
		}
		opts = append(opts, api.WithAPIKeys(keys))
		logger.Info("API key authentication enabled", map[string]interface{}{"keys": len(cfg.Auth.APIKeys)})

		if v.ConfigFileUsed() != "" {
			v.OnConfigChange(func(e fsnotify.Event) {
				next, err := config.FromViper(v)
				if err != nil {
					logger.WithError(err).Warn("Ignoring invalid config change", map[string]interface{}{"file": e.Name})
					return
				}
				reloadAPIKeys(keys, next.Auth.APIKeys, logger)
			})
			v.WatchConfig()
		}
	} else {
		logger.Warn("No API keys configured, the API is unauthenticated")
	}

	handler := api.NewHandler(orch, opts...)
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", recorder.Handler()).Methods("GET")
		metricsSrv = &http.Server{
			Addr:         cfg.Metrics.Addr,
			Handler:      metricsRouter,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
	}

	// Hooks run in reverse: listeners first, the store last
	sm := shutdown.New(cfg.Server.ShutdownTimeout, logger)
	sm.Register("store", shutdown.CloseResource(st))
	if closeLocker != nil {
		sm.Register("sweep lock", closeLocker)
	}
	sm.Register("tracing", tp.Shutdown)
	sm.Register("webhooks", waitFor(notifier.Wait))
	sm.Register("reaper", reaper.Stop)
	if metricsSrv != nil {
		sm.Register("metrics server", shutdown.StopHTTPServer(metricsSrv))
	}
	sm.Register("api server", shutdown.StopHTTPServer(srv))
	sm.Register("background tasks", func(context.Context) error {
		cancel()
		return nil
	})

	reaper.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("API server listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			logger.Info("Metrics server listening", map[string]interface{}{"addr": metricsSrv.Addr})
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	if limiter != nil {
		g.Go(func() error {
			limiter.RunCleanup(gctx, cfg.RateLimit.CleanupInterval, cfg.RateLimit.MaxAge)
			return nil
		})
	}
	g.Go(func() error {
		return sm.WaitWithContext(gctx)
	})

	return g.Wait()
}

// reloadAPIKeys applies the key list from a changed config file. An empty
// list is ignored so an edit cannot switch authentication off.
func reloadAPIKeys(keys *auth.APIKeyManager, next []string, logger *logging.Logger) bool {
	if len(next) == 0 {
		logger.Warn("Config change removed every API key, keeping the current set")
		return false
	}
	added, revoked := keys.SetAPIKeys(next, "config")
	if added > 0 || revoked > 0 {
		logger.Info("API keys reloaded", map[string]interface{}{"added": added, "revoked": revoked})
	}
	return true
}

func newServerLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Level)
	if cfg.File {
		return logging.NewFileLogger("server", "", level, cfg.JSON)
	}
	return logging.NewLogger(level, cfg.JSON), nil
}

// openStore retries while the database is still starting up
func openStore(ctx context.Context, cfg config.StoreConfig, logger *logging.Logger) (store.Store, error) {
	rc := retry.DefaultConfig()
	rc.MaxRetries = cfg.ConnectRetries
	rc.Logger = logger

	var st store.Store
	err := retry.Do(ctx, rc, "open store", func(context.Context) error {
		s, err := store.NewStore(store.Config{
			Type:            cfg.Type,
			DSN:             cfg.DSN,
			Path:            cfg.Path,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return err
		}
		st = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Store ready", map[string]interface{}{"type": cfg.Type})
	return st, nil
}

// newSweepLocker returns a nil locker for the "none" backend
func newSweepLocker(ctx context.Context, cfg config.SweepLockConfig, logger *logging.Logger) (scheduler.SweepLocker, func(context.Context) error, error) {
	switch cfg.Backend {
	case "redis":
		rc := retry.DefaultConfig()
		rc.Logger = logger
		var lock *sweeplock.Redis
		var closer func(context.Context) error
		err := retry.Do(ctx, rc, "connect sweep lock", func(ctx context.Context) error {
			client, err := sweeplock.Dial(ctx, cfg.Addr, cfg.Password, cfg.DB)
			if err != nil {
				return err
			}
			lock = sweeplock.NewRedis(client, sweeplock.WithKey(cfg.Key), sweeplock.WithLogger(logger))
			closer = shutdown.CloseResource(client)
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using redis sweep lock", map[string]interface{}{"addr": cfg.Addr, "owner": lock.Owner()})
		return lock, closer, nil
	case "local":
		return sweeplock.NewLocal(), nil, nil
	default:
		return nil, nil, nil
	}
}

// waitFor adapts a blocking wait to a shutdown hook bounded by ctx
func waitFor(wait func()) func(context.Context) error {
	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
