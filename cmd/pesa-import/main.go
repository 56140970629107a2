package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"pesa/internal/cli"
	"pesa/internal/config"
	"pesa/internal/core"
	applog "pesa/internal/log"
	"pesa/internal/parser"
	"pesa/internal/services"
	"pesa/internal/storage"
)

func main() {
	file := flag.String("file", "", "JSON file with an array of messages, or - for stdin")
	dbPath := flag.String("db", "", "SQLite database path (overrides SQLITE_DB_PATH)")
	flag.Parse()

	if err := run(*file, *dbPath, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "pesa-import:", err)
		os.Exit(1)
	}
}

func run(file, dbPath string, out io.Writer) error {
	cli.LoadEnvFile()

	if file == "" {
		return errors.New("missing -file")
	}

	cfg := config.Load()
	if dbPath != "" {
		cfg.SQLiteDBPath = dbPath
	}

	logger := cli.SetupLogger(cfg, applog.ComponentImport, os.Stderr)

	if err := cfg.Validate(); err != nil {
		return err
	}

	msgs, err := readMessages(file)
	if err != nil {
		return err
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer repo.Close()

	ctx, stop := cli.SignalContext()
	defer stop()

	ingest := services.NewIngestService(parser.New(cfg.ProviderSender, cfg.CurrencyPrefixes), repo, nil)
	report, err := ingest.IngestBatch(ctx, msgs)
	applog.NewStructuredLogger(logger).LogBatchIngested(ctx, "", report.Received, report.Inserted, report.Duplicates, report.Skipped)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(report); encErr != nil {
		return fmt.Errorf("write report: %w", encErr)
	}
	if err != nil {
		return fmt.Errorf("import stopped after %d inserts: %w", report.Inserted, err)
	}
	return nil
}

// readMessages accepts a bare array or an object with a "messages" array.
func readMessages(file string) ([]core.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}

	var msgs []core.RawMessage
	if err := json.Unmarshal(data, &msgs); err == nil {
		return msgs, nil
	}
	var wrapped struct {
		Messages []core.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}
	return wrapped.Messages, nil
}
