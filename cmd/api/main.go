// Package main is the entry point for the OmniFM entitlement API server.
//
// It loads configuration, opens the configured license store backend, builds
// the domain components (catalog, pricing engine, resolver, lifecycle
// manager) and the Stripe collaborator, mounts the HTTP routes, and serves
// until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"omnifm/internal/api"
	"omnifm/internal/api/handlers"
	"omnifm/internal/catalog"
	"omnifm/internal/config"
	"omnifm/internal/core"
	"omnifm/internal/external"
	"omnifm/internal/license"
	"omnifm/internal/pricing"
	"omnifm/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("omnifm entitlement API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"store_backend", cfg.Store.Backend,
	)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	st, err := openStore(cfg, srv, logger)
	if err != nil {
		return fmt.Errorf("opening license store: %w", err)
	}

	roster, err := config.LoadRoster()
	if err != nil {
		return fmt.Errorf("loading bot roster: %w", err)
	}
	logger.Info("bot roster loaded", "bots", len(roster))

	cat := catalog.NewStaticCatalog()
	engine := pricing.NewEngineWithDiscount(cat, cfg.Licensing.YearlyDiscountMonths)
	resolver := license.NewResolver(st, cat, logger)
	manager := license.NewManager(st, cat, engine, logger,
		license.WithKeyPrefix(cfg.Licensing.KeyPrefix))

	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: 20 * time.Second},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
			Currency:  cfg.Billing.Currency,
			Logger:    logger,
		},
	)

	h := api.Handlers{
		Health:  handlers.NewHealthHandler(cfg),
		Bots:    handlers.NewBotsHandler(roster, manager, logger),
		Premium: handlers.NewPremiumHandler(resolver, cat, engine, stripeClient, manager, roster, cfg, srv.Validator, logger),
		Admin:   handlers.NewAdminHandler(manager, srv.Validator, logger),
	}
	if secret := cfg.Billing.StripeWebhookSecret.Unmask(); secret != "" {
		h.Webhook = handlers.NewStripeWebhookHandler(&external.StripeVerifier{}, engine, manager, secret, logger)
	} else {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set; webhook endpoint disabled")
	}
	api.MountRoutes(srv, h)

	return serveHTTP(srv, cfg, logger)
}

// openStore opens the configured store backend and registers its cleanup on
// the server.
func openStore(cfg *config.Config, srv *core.Server, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		return store.NewMemoryStore(), nil

	case config.StoreBackendFile:
		return store.NewFileStore(cfg.Store.FilePath)

	case config.StoreBackendPostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
		if err != nil {
			return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Database.MaxConns)
		poolCfg.MinConns = int32(cfg.Database.MinConns)
		poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
		poolCfg.HealthCheckPeriod = cfg.Database.HealthCheckPeriod
		poolCfg.ConnConfig.ConnectTimeout = cfg.Database.AcquireTimeout

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		srv.Closers = append(srv.Closers, func() error {
			pool.Close()
			return nil
		})

		pg := store.NewPostgresStore(pool, logger)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return pg, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// serveHTTP runs the HTTP server until SIGINT/SIGTERM, then drains it.
func serveHTTP(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.RequestTimeout,
		WriteTimeout:      cfg.Server.RequestTimeout,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
