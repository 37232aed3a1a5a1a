// Command whoop-sync runs the incremental sleep-data updater: one pass per
// interval over every subject in the credential store, appending only records
// newer than each subject's stored watermark.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/datawithjack/whoop-api-v2-batch-fetcher/internal/config"
	"github.com/datawithjack/whoop-api-v2-batch-fetcher/internal/credstore"
	"github.com/datawithjack/whoop-api-v2-batch-fetcher/internal/tabstore"
	"github.com/datawithjack/whoop-api-v2-batch-fetcher/internal/whoopsync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	once := flag.Bool("once", false, "run one sync pass and exit")
	watch := flag.Bool("watch", true, "trigger an immediate pass when the credentials file changes")
	flag.Parse()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	creds, credsPath, err := openCredentialStore(cfg)
	if err != nil {
		sugar.Fatalf("credential store: %v", err)
	}

	client := whoopsync.NewHTTPClient(whoopsync.HTTPClientOptions{
		BaseURL:      cfg.BaseURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		UserAgent:    "whoop-sync/1.0",
	})
	stores := tabstore.Dir{Path: cfg.DataDir}
	syncer, err := whoopsync.NewSyncer(whoopsync.SyncerOptions{
		Client:      client,
		Credentials: creds,
		Stores: whoopsync.StoreProviderFunc(func(subject string) (whoopsync.TabularStore, error) {
			return stores.Open(subject)
		}),
		Logger:       sugar,
		SubjectDelay: cfg.SubjectDelay,
	})
	if err != nil {
		sugar.Fatalf("syncer: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, cfg.PassTimeout)
		defer cancel()
		batch, err := syncer.SyncAll(ctx)
		if err != nil {
			sugar.Errorw("sync pass aborted", "error", err)
			return
		}
		if batch.Failed > 0 {
			sugar.Warnw("sync pass finished with failures",
				"succeeded", batch.Succeeded, "failed", batch.Failed)
		}
	}

	run()
	if *once {
		return
	}

	credsChanged := watchCredentials(rootCtx, sugar, credsPath, *watch)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredInterval(cfg.SyncInterval, cfg.IntervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			sugar.Infow("sync stopping", "reason", rootCtx.Err())
			return
		case <-credsChanged:
			sugar.Info("credentials changed on disk; running immediate pass")
			run()
			timer.Reset(jitteredInterval(cfg.SyncInterval, cfg.IntervalJitter, rng.Float64()))
		case <-timer.C:
			run()
			timer.Reset(jitteredInterval(cfg.SyncInterval, cfg.IntervalJitter, rng.Float64()))
		}
	}
}

func openCredentialStore(cfg *config.Config) (credstore.Store, string, error) {
	if cfg.CredentialsJSON != "" {
		store, err := credstore.NewMemoryStoreFromJSON([]byte(cfg.CredentialsJSON))
		return store, "", err
	}
	store, err := credstore.FromDSN(cfg.CredentialsDSN)
	if err != nil {
		return nil, "", err
	}
	if fileStore, ok := store.(*credstore.FileStore); ok {
		return store, fileStore.Path(), nil
	}
	return store, "", nil
}

// watchCredentials signals on the returned channel when the credential file
// is rewritten out of band, e.g. after re-authorizing a subject. A nil
// channel (file-less store or watch disabled) blocks forever in select.
func watchCredentials(ctx context.Context, logger *zap.SugaredLogger, path string, enabled bool) <-chan struct{} {
	if !enabled || path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnw("credentials watch unavailable", "error", err)
		return nil
	}
	if err := watcher.Add(path); err != nil {
		logger.Warnw("credentials watch unavailable", "path", path, "error", err)
		_ = watcher.Close()
		return nil
	}
	changed := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					select {
					case changed <- struct{}{}:
					default:
					}
				}
				// Atomic rename replaces the inode; re-add the path.
				if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					_ = watcher.Add(path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnw("credentials watch error", "error", err)
			}
		}
	}()
	return changed
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

func jitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if jitterRatio < 0 {
		jitterRatio = 0
	} else if jitterRatio > 1 {
		jitterRatio = 1
	}
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
