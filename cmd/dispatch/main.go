package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/vkaroly/sms-dispatch/internal/api"
	"github.com/vkaroly/sms-dispatch/internal/cache"
	"github.com/vkaroly/sms-dispatch/internal/config"
	"github.com/vkaroly/sms-dispatch/internal/dedupe"
	"github.com/vkaroly/sms-dispatch/internal/dispatch"
	"github.com/vkaroly/sms-dispatch/internal/gateway"
	"github.com/vkaroly/sms-dispatch/internal/repo"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, store, err := openStore(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("failed to open job store: %v", err)
	}
	defer db.Close()

	requestGuard := dedupe.New(cfg.Dispatch.RequestDedupeWindow, cfg.Dispatch.DedupeRetention)
	transportGuard := dedupe.New(cfg.Dispatch.TransportDedupeWindow, cfg.Dispatch.DedupeRetention)

	gw := gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.Timeout)

	dispatcher, err := dispatch.New(gw, store, requestGuard, transportGuard, dispatch.Options{
		Batch: dispatch.BatchPolicy{
			Divisor: cfg.Dispatch.BatchDivisor,
			Min:     cfg.Dispatch.BatchMin,
			Max:     cfg.Dispatch.BatchMax,
		},
		MessagesPerSecond: cfg.Dispatch.MessagesPerSecond,
		BatchDelay:        cfg.Dispatch.BatchDelay,
	}, logger.With("component", "dispatcher"))
	if err != nil {
		log.Fatalf("failed to create dispatcher: %v", err)
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		dispatcher.WithAttemptCache(cache.NewRedisCache(rdb, cfg.Redis.TTL))
		logger.Info("attempt cache enabled", "addr", cfg.Redis.Address)
	}

	handler := api.NewHandler(dispatcher, store, logger.With("component", "api"))
	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: api.Router(handler),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "err", err)
	}

	// Let in-flight jobs finish writing their final state before the
	// process exits.
	done := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("timed out waiting for active jobs")
	}
}

func openStore(ctx context.Context, url string) (*sql.DB, repo.JobStore, error) {
	driver := repo.DriverSQLite
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		driver = repo.DriverPostgres
	}

	db, err := sql.Open(driver, url)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}

	store, err := repo.NewSQLJobStore(db, driver)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, store, nil
}
