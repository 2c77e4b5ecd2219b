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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/xtrntr/campusmarket/internal/api"
	"github.com/xtrntr/campusmarket/internal/auth"
	"github.com/xtrntr/campusmarket/internal/cache"
	"github.com/xtrntr/campusmarket/internal/catalog"
	"github.com/xtrntr/campusmarket/internal/config"
	"github.com/xtrntr/campusmarket/internal/credit"
	"github.com/xtrntr/campusmarket/internal/db"
	"github.com/xtrntr/campusmarket/internal/notify"
	"github.com/xtrntr/campusmarket/internal/observability"
	"github.com/xtrntr/campusmarket/internal/orders"
	"github.com/xtrntr/campusmarket/internal/returns"
	"github.com/xtrntr/campusmarket/internal/users"
)

// Main entry point: sets up database, services, and HTTP server
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer logger.Sync()

	tp, shutdownTracing, err := observability.SetupTracing(ctx, cfg.OtelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	// Initialize database connection
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close(context.Background())

	applied, err := database.Migrate(ctx)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", zap.Strings("versions", applied))
	}

	// Notification fan-out: the log always, websockets always, Kafka when configured
	hub := notify.NewHub(logger)
	sinks := notify.Multi{notify.LogSink{Logger: logger}, hub}
	if cfg.KafkaBroker != "" {
		kafkaSink, err := notify.DialKafkaSink(cfg.KafkaBroker, cfg.NotifyTopic, tp)
		if err != nil {
			return err
		}
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
		logger.Info("publishing notifications to kafka",
			zap.String("broker", cfg.KafkaBroker),
			zap.String("topic", cfg.NotifyTopic))
	}
	notifier := notify.NewNotifier(sinks, logger)

	var productCache catalog.Cache
	if cfg.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cache.Options{Addr: cfg.RedisURL, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return err
		}
		defer rdb.Close()
		productCache = cache.NewProductCache(rdb, cfg.ProductCacheTTL, logger)
		logger.Info("product cache enabled", zap.String("addr", cfg.RedisURL))
	}

	cat := catalog.New(database, notifier, productCache, logger)
	ledger := credit.NewLedger(database, notifier, logger)
	handler := api.NewHandler(
		auth.NewAuthService(users.NewDirectory(database), cfg.JWTSecret, cfg.JWTTTL),
		cat,
		orders.NewService(database, cat, ledger, notifier, logger),
		ledger,
		credit.NewEvaluations(database, ledger, notifier, logger),
		returns.NewService(database, cat, ledger, notifier, logger),
		hub,
		logger,
	)

	// Set up HTTP router
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	handler.Routes(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
