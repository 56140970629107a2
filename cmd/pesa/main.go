package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"pesa/internal/amqp"
	"pesa/internal/cache"
	"pesa/internal/cli"
	"pesa/internal/core"
	apphttp "pesa/internal/http"
	applog "pesa/internal/log"
	"pesa/internal/parser"
	"pesa/internal/services"
)

func main() {
	cfg, logger := cli.Bootstrap(applog.ComponentApp)
	loc, _ := cfg.Location()
	target, _ := cfg.Target()

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	// A zero TTL disables the range cache.
	var entriesCache *cache.LRUCache[[]core.LedgerEntry]
	cacheManager := cache.NewManager()
	if cfg.CacheTTL > 0 {
		entriesCache = cache.NewLRUCache[[]core.LedgerEntry](cfg.CacheSize, cfg.CacheTTL)
		cacheManager.Register(entriesCache)
		cacheManager.StartCleanup(cfg.CacheTTL)
	}
	defer cacheManager.Stop()

	analyticsSvc := services.NewAnalyticsService(repo, loc, target, entriesCache)

	checks := map[string]apphttp.ReadinessCheck{"ledger": repo.Ping}
	opts := apphttp.Options{
		Analytics: analyticsSvc,
		Checks:    checks,
		Logger:    logger,
	}

	// Interfaces stay untyped nil when AMQP is off.
	var publisher services.EntryPublisher
	if cfg.AMQPEnabled() {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPBatchQueue, cfg.AMQPEntryQueue)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", applog.FieldError, err)
			os.Exit(1)
		}
		defer client.Close()

		publisher = client
		opts.Publisher = client
		checks["amqp"] = func(context.Context) error {
			if !client.Healthy() {
				return errors.New("amqp circuit breaker is open")
			}
			return nil
		}
		logger.Info("AMQP publishing enabled", "exchange", cfg.AMQPExchange, "entry_queue", cfg.AMQPEntryQueue)
	} else {
		logger.Info("AMQP disabled - no AMQP_URL provided")
	}

	p := parser.New(cfg.ProviderSender, cfg.CurrencyPrefixes)
	opts.Ingest = services.NewIngestService(p, repo, publisher, analyticsSvc)

	srv, err := apphttp.NewServer(":"+cfg.Port, opts)
	if err != nil {
		logger.Error("Failed to create HTTP server", applog.FieldError, err)
		os.Exit(1)
	}
	srv.MaxHeaderBytes = 1 << 16

	sigCtx, stop := cli.SignalContext()
	defer stop()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-sigCtx.Done()
		logger.Info("Shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", applog.FieldError, err)
		}
	}()

	logger.Info("Starting pesa server",
		"port", cfg.Port,
		"provider", cfg.ProviderSender,
		"timezone", loc.String(),
		"target_defined", target.IsPositive())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", applog.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	<-stopped
	logger.Info("Server stopped gracefully")
}
