/*
main.go - Application entry point

PURPOSE:
  Starts the partner CRM: HTTP API plus the in-process expiry scheduler.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve   (default) HTTP server and scheduler
  sweep   Run the expiry sweeper once and exit, for an external cron

STARTUP SEQUENCE:
  1. Load configuration (flags > env > .env > defaults)
  2. Build the zap logger
  3. Open the store selected by DB_DRIVER (migrates on open)
  4. Build the ledger with the configured commission mode and metrics
  5. Configure HTTP router, start server and scheduler

COMMAND-LINE FLAGS:
  --port       HTTP server port          (PORT)
  --db-driver  sqlite | postgres         (DB_DRIVER)
  --db         SQLite database path      (DB_PATH), ":memory:" allowed
  --log-level  zap level                 (LOG_LEVEL)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, waiting for a running sweep
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server --db=./data/crm.db

  # Run against PostgreSQL
  DB_DRIVER=postgres DATABASE_URL=postgres://crm@localhost/crm ./server

  # Expire lapsed subscriptions from system cron
  ./server sweep

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Stores
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/warp/partner-crm/api"
	"github.com/warp/partner-crm/config"
	"github.com/warp/partner-crm/crm"
	"github.com/warp/partner-crm/logging"
	"github.com/warp/partner-crm/monitoring"
	"github.com/warp/partner-crm/store/postgres"
	"github.com/warp/partner-crm/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()

	root := &cobra.Command{
		Use:           "server",
		Short:         "Partner CRM revenue ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), v)
		},
	}

	flags := root.PersistentFlags()
	flags.String("port", "", "HTTP server port")
	flags.String("db-driver", "", "store driver: sqlite or postgres")
	flags.String("db", "", "SQLite database path (:memory: for in-memory)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	cobra.CheckErr(v.BindPFlag(config.KeyPort, flags.Lookup("port")))
	cobra.CheckErr(v.BindPFlag(config.KeyDBDriver, flags.Lookup("db-driver")))
	cobra.CheckErr(v.BindPFlag(config.KeyDBPath, flags.Lookup("db")))
	cobra.CheckErr(v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level")))

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and the expiry scheduler",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), v)
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Expire lapsed subscriptions once and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return sweepOnce(cmd.Context(), v)
			},
		},
	)
	return root
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   crm.Store
	metrics *monitoring.Metrics
	ledger  *crm.Ledger
}

func newApp(ctx context.Context, v *viper.Viper) (*app, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Production())
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Sync()
		return nil, err
	}

	metrics, err := monitoring.New()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("metrics: %w", err)
	}

	rates, err := crm.ResolverForMode(cfg.CommissionMode)
	if err != nil {
		store.Close()
		return nil, err
	}

	ledger := crm.NewLedger(store,
		crm.WithRateResolver(rates),
		crm.WithLogger(logger.Named("ledger")),
		crm.WithObserver(metrics),
	)

	logger.Info("partner crm configured",
		zap.String("env", cfg.Env),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("commission_mode", cfg.CommissionMode),
		zap.Bool("auth_disabled", cfg.AuthDisabled),
		zap.Bool("sweep_enabled", cfg.SweepEnabled))

	return &app{cfg: cfg, logger: logger, store: store, metrics: metrics, ledger: ledger}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("close store", zap.Error(err))
	}
	a.logger.Sync()
}

func openStore(ctx context.Context, cfg *config.Config) (crm.Store, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil
	default:
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.DBPath, err)
		}
		return s, nil
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func serve(ctx context.Context, v *viper.Viper) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, v)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.AuthDisabled {
		a.logger.Warn("authentication is disabled; every request runs as admin")
	}

	handler := api.NewHandler(a.ledger, a.logger.Named("api"))
	router := api.NewRouter(handler, api.RouterConfig{
		Auth:           api.NewAuthenticator(a.cfg.JWTSecret, a.cfg.WebhookSecret, a.cfg.AuthDisabled),
		AllowedOrigins: a.cfg.AllowedOrigins,
		Metrics:        a.metrics,
		Logger:         a.logger.Named("http"),
	})

	var scheduler *api.ExpiryScheduler
	if a.cfg.SweepEnabled {
		scheduler, err = api.NewExpiryScheduler(a.ledger, a.cfg.SweepSchedule, a.logger)
		if err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop(context.Background())
	}

	server := &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server forced to shutdown", zap.Error(err))
	}
	if scheduler != nil {
		scheduler.Stop(shutdownCtx)
	}
	a.logger.Info("server stopped")
	return nil
}

func sweepOnce(ctx context.Context, v *viper.Viper) error {
	a, err := newApp(ctx, v)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.ledger.SweepExpired(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("expired %d subscriptions\n", n)
	return nil
}
