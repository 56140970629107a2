package main

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"pesa/internal/amqp"
	"pesa/internal/cli"
	applog "pesa/internal/log"
	"pesa/internal/parser"
	"pesa/internal/services"
	ports "pesa/internal/sheets"
	gsheet "pesa/internal/sheets/google"
	mem "pesa/internal/sheets/memory"
	"pesa/internal/worker"
)

func main() {
	cfg, logger := cli.Bootstrap(applog.ComponentWorker)
	logger.Info("Starting pesa-worker")

	if !cfg.AMQPEnabled() {
		logger.Error("pesa-worker requires AMQP_URL")
		os.Exit(1)
	}
	loc, _ := cfg.Location()

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPBatchQueue, cfg.AMQPEntryQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", applog.FieldError, err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := cli.SignalContext()
	defer cancel()

	var mirror ports.EntryWriter
	if cfg.SheetsEnabled() {
		sheetsClient, err := gsheet.New(ctx, gsheet.Config{
			SpreadsheetID:      cfg.GoogleSpreadsheetID,
			SheetName:          cfg.GoogleSheetName,
			Location:           loc,
			ServiceAccountJSON: cfg.GoogleServiceAccountJSON,
			ServiceAccountFile: cfg.GoogleServiceAccountFile,
			OAuthClientJSON:    cfg.GoogleOAuthClientJSON,
			OAuthClientFile:    cfg.GoogleOAuthClientFile,
			OAuthTokenJSON:     cfg.GoogleOAuthTokenJSON,
			OAuthTokenFile:     cfg.GoogleOAuthTokenFile,
		})
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", applog.FieldError, err)
			os.Exit(1)
		}
		mirror = sheetsClient
		logger.Info("Google Sheets mirror enabled", "spreadsheet_id", cfg.GoogleSpreadsheetID, "sheet", cfg.GoogleSheetName)
	} else {
		mirror = mem.New()
		logger.Info("Google Sheets disabled - mirroring to memory")
	}

	p := parser.New(cfg.ProviderSender, cfg.CurrencyPrefixes)
	ingest := services.NewIngestService(p, repo, client)
	batchWorker := worker.NewBatchWorker(ingest)
	mirrorWorker := worker.NewMirrorWorker(mirror)

	// Recover entry events lost while the worker was down.
	if cfg.SheetsEnabled() && cfg.MirrorBackfill > 0 {
		end := time.Now()
		start := end.Add(-cfg.MirrorBackfill)
		logger.Info("Performing startup mirror backfill", "since", start.Format(time.RFC3339))
		if _, _, err := mirrorWorker.Backfill(ctx, repo, start.UnixMilli(), end.UnixMilli()); err != nil {
			// Not fatal: the consumer still mirrors new entries.
			logger.Error("Startup backfill failed", applog.FieldError, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.ConsumeBatches(gctx, batchWorker.HandleBatch)
	})
	g.Go(func() error {
		return client.ConsumeEntries(gctx, mirrorWorker.HandleEntry)
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Consumer stopped with error", applog.FieldError, err)
			}
		case <-time.After(30 * time.Second):
			logger.Warn("Consumers did not stop within 30s")
		}
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Message consumption failed", applog.FieldError, err)
			os.Exit(1)
		}
	}

	logger.Info("pesa-worker stopped")
}
