// Command whoop-fetch runs a full historical fetch for one subject over an
// explicit date range, writing the CSV baseline the incremental updater needs
// plus a raw JSON export of the unflattened records.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/datawithjack/whoop-api-v2-batch-fetcher/internal/config"
	"github.com/datawithjack/whoop-api-v2-batch-fetcher/internal/credstore"
	"github.com/datawithjack/whoop-api-v2-batch-fetcher/internal/tabstore"
	"github.com/datawithjack/whoop-api-v2-batch-fetcher/internal/whoopsync"
)

const dateLayout = "2006-01-02"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	subject := flag.String("subject", "", "subject to backfill (required)")
	startStr := flag.String("start", "", "range start, YYYY-MM-DD")
	endStr := flag.String("end", "", "range end, YYYY-MM-DD (default today)")
	daysBack := flag.Int("days-back", 30, "fallback range length when --start is omitted")
	jsonExport := flag.Bool("json", true, "also export the raw records as JSON")
	flag.Parse()

	if *subject == "" {
		log.Fatal("--subject is required")
	}
	start, end, err := resolveRange(*startStr, *endStr, *daysBack)
	if err != nil {
		log.Fatalf("date range: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	creds, err := openCredentialStore(cfg)
	if err != nil {
		sugar.Fatalf("credential store: %v", err)
	}

	client := whoopsync.NewHTTPClient(whoopsync.HTTPClientOptions{
		BaseURL:      cfg.BaseURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		UserAgent:    "whoop-fetch/1.0",
	})
	stores := tabstore.Dir{Path: cfg.DataDir}
	syncer, err := whoopsync.NewSyncer(whoopsync.SyncerOptions{
		Client:      client,
		Credentials: creds,
		Stores: whoopsync.StoreProviderFunc(func(subject string) (whoopsync.TabularStore, error) {
			return stores.Open(subject)
		}),
		Logger: sugar,
	})
	if err != nil {
		sugar.Fatalf("syncer: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.PassTimeout)
	defer cancel()

	records, err := syncer.BackfillSubject(ctx, *subject, start, end)
	if err != nil {
		sugar.Fatalf("backfill: %v", err)
	}
	sugar.Infow("backfill complete", "subject", *subject, "records", len(records),
		"start", start.Format(dateLayout), "end", end.Format(dateLayout))

	if *jsonExport {
		raw := make([]map[string]any, 0, len(records))
		for _, record := range records {
			raw = append(raw, map[string]any(record))
		}
		name := fmt.Sprintf("sleep_data_batch_%s_%s_%s.json",
			tabstore.SafeSubject(*subject), start.Format("20060102"), end.Format("20060102"))
		path := filepath.Join(cfg.DataDir, "json", name)
		if err := tabstore.ExportJSON(path, raw); err != nil {
			sugar.Fatalf("json export: %v", err)
		}
		sugar.Infow("json export written", "path", path)
	}
}

func resolveRange(startStr, endStr string, daysBack int) (time.Time, time.Time, error) {
	end := time.Now().UTC()
	if endStr != "" {
		parsed, err := time.Parse(dateLayout, endStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --end %q: %w", endStr, err)
		}
		end = parsed
	}
	var start time.Time
	if startStr != "" {
		parsed, err := time.Parse(dateLayout, startStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --start %q: %w", startStr, err)
		}
		start = parsed
	} else {
		if daysBack <= 0 {
			daysBack = 30
		}
		start = end.AddDate(0, 0, -daysBack)
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start %s is after end %s",
			start.Format(dateLayout), end.Format(dateLayout))
	}
	return start, end, nil
}

func openCredentialStore(cfg *config.Config) (credstore.Store, error) {
	if cfg.CredentialsJSON != "" {
		return credstore.NewMemoryStoreFromJSON([]byte(cfg.CredentialsJSON))
	}
	return credstore.FromDSN(cfg.CredentialsDSN)
}

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}
