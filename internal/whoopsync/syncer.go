package whoopsync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/datawithjack/whoop-api-v2-batch-fetcher/internal/credstore"
)

// subjectColumn carries the owning subject into every persisted row, matching
// the column name used by previously exported data files.
const subjectColumn = "user_email"

// TabularStore is the per-subject persisted row store the engine syncs into.
type TabularStore interface {
	// LatestStart returns the watermark: the maximum interval start among
	// persisted rows. The bool is false when the store is empty or absent.
	LatestStart() (time.Time, bool, error)
	// IDsAt returns the identifiers of rows whose interval start equals ts.
	IDsAt(ts time.Time) (map[string]struct{}, error)
	// Append persists rows in a single write, widening the column set as
	// needed without dropping previously written columns.
	Append(rows []map[string]string) error
	// WriteAll replaces the store contents; used for historical backfills.
	WriteAll(rows []map[string]string) error
}

// StoreProvider opens the tabular store for a subject.
type StoreProvider interface {
	Open(subject string) (TabularStore, error)
}

// StoreProviderFunc adapts a function to StoreProvider.
type StoreProviderFunc func(subject string) (TabularStore, error)

func (f StoreProviderFunc) Open(subject string) (TabularStore, error) { return f(subject) }

type SyncerOptions struct {
	Client       RemoteClient
	Credentials  credstore.Store
	Stores       StoreProvider
	Logger       *zap.SugaredLogger
	ExpiryMargin time.Duration
	// SubjectDelay is the pause between subjects in a batch pass, giving the
	// remote's rate limiter room to breathe.
	SubjectDelay time.Duration
}

// SyncResult is the outcome for one subject in a pass. Err is nil on success;
// zero appended rows is a success, not an error.
type SyncResult struct {
	Subject   string
	Appended  int
	Watermark time.Time
	Err       error
}

// BatchResult aggregates one pass over every known subject.
type BatchResult struct {
	Results   []SyncResult
	Succeeded int
	Failed    int
}

// Syncer runs the incremental fetch-and-reconcile pass: read the watermark
// from the subject's store, fetch only newer records, and append them
// idempotently. Subjects are processed sequentially and failures never abort
// the rest of the batch.
type Syncer struct {
	client       RemoteClient
	credentials  credstore.Store
	stores       StoreProvider
	tokens       *TokenManager
	logger       *zap.SugaredLogger
	subjectDelay time.Duration
	now          func() time.Time
}

func NewSyncer(opts SyncerOptions) (*Syncer, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if opts.Stores == nil {
		return nil, fmt.Errorf("store provider is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Syncer{
		client:       opts.Client,
		credentials:  opts.Credentials,
		stores:       opts.Stores,
		tokens:       NewTokenManager(opts.Client, opts.Credentials, opts.ExpiryMargin),
		logger:       logger,
		subjectDelay: opts.SubjectDelay,
		now:          time.Now,
	}, nil
}

// SyncSubject performs one incremental pass for a single subject.
func (s *Syncer) SyncSubject(ctx context.Context, subject string) SyncResult {
	result := SyncResult{Subject: subject}

	store, err := s.stores.Open(subject)
	if err != nil {
		result.Err = fmt.Errorf("subject %s: opening store: %w", subject, err)
		return result
	}

	watermark, ok, err := store.LatestStart()
	if err != nil {
		result.Err = fmt.Errorf("subject %s: reading watermark: %w", subject, err)
		return result
	}
	if !ok {
		result.Err = fmt.Errorf("subject %s: %w", subject, ErrNoBaseline)
		return result
	}
	result.Watermark = watermark

	seenAtWatermark, err := store.IDsAt(watermark)
	if err != nil {
		result.Err = fmt.Errorf("subject %s: reading watermark ids: %w", subject, err)
		return result
	}

	creds, err := s.tokens.EnsureValid(ctx, subject)
	if err != nil {
		result.Err = err
		return result
	}

	// The lower bound is the watermark itself rather than watermark+epsilon:
	// the boundary record comes back and is dropped by the ID filter, while a
	// distinct new record sharing the boundary timestamp is kept.
	upperBound := s.now()
	fetched, err := FetchSleepSince(ctx, s.client, creds.AccessToken, watermark, upperBound)
	if err != nil {
		result.Err = fmt.Errorf("subject %s: fetching sleep data: %w", subject, err)
		return result
	}

	rows := make([]map[string]string, 0, len(fetched))
	maxStart := watermark
	for _, record := range fetched {
		start, err := record.Start()
		if err != nil {
			s.logger.Warnw("skipping record without usable start", "subject", subject, "id", record.ID())
			continue
		}
		if start.Before(watermark) {
			continue
		}
		if start.Equal(watermark) {
			if _, stored := seenAtWatermark[record.ID()]; stored {
				continue
			}
		}
		row := FlattenRecord(record)
		row[subjectColumn] = subject
		rows = append(rows, row)
		if start.After(maxStart) {
			maxStart = start
		}
	}

	if len(rows) > 0 {
		if err := store.Append(rows); err != nil {
			result.Err = fmt.Errorf("subject %s: appending rows: %w", subject, err)
			return result
		}
	}
	result.Appended = len(rows)
	result.Watermark = maxStart
	s.logger.Infow("subject synced", "subject", subject, "appended", len(rows), "watermark", maxStart)
	return result
}

// SyncAll runs one sequential pass over every subject in the credential
// store. One subject's failure is recorded and the pass moves on.
func (s *Syncer) SyncAll(ctx context.Context) (BatchResult, error) {
	subjects, err := s.credentials.Subjects()
	if err != nil {
		return BatchResult{}, fmt.Errorf("listing subjects: %w", err)
	}

	var batch BatchResult
	for i, subject := range subjects {
		if i > 0 && s.subjectDelay > 0 {
			if err := waitWithContext(ctx, s.subjectDelay); err != nil {
				return batch, err
			}
		}
		result := s.SyncSubject(ctx, subject)
		batch.Results = append(batch.Results, result)
		if result.Err != nil {
			batch.Failed++
			s.logger.Errorw("subject sync failed", "subject", subject, "error", result.Err)
			continue
		}
		batch.Succeeded++
	}
	s.logger.Infof("sync pass complete: %d of %d subjects succeeded", batch.Succeeded, len(subjects))
	return batch, nil
}

// BackfillSubject fetches the full [start, end] range and replaces the
// subject's store with it. Incremental sync requires this baseline to exist.
// It returns the raw records so callers can export the unflattened payload.
func (s *Syncer) BackfillSubject(ctx context.Context, subject string, start, end time.Time) ([]SleepRecord, error) {
	store, err := s.stores.Open(subject)
	if err != nil {
		return nil, fmt.Errorf("subject %s: opening store: %w", subject, err)
	}
	creds, err := s.tokens.EnsureValid(ctx, subject)
	if err != nil {
		return nil, err
	}
	fetched, err := FetchSleepSince(ctx, s.client, creds.AccessToken, start, end)
	if err != nil {
		return nil, fmt.Errorf("subject %s: fetching sleep data: %w", subject, err)
	}
	rows := make([]map[string]string, 0, len(fetched))
	for _, record := range fetched {
		row := FlattenRecord(record)
		row[subjectColumn] = subject
		rows = append(rows, row)
	}
	if err := store.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("subject %s: writing store: %w", subject, err)
	}
	s.logger.Infow("subject backfilled", "subject", subject, "records", len(rows))
	return fetched, nil
}
