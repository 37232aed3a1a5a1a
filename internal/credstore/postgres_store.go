package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresCredentialsTable = "whoop_credentials"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps one row per subject. It replaces the flat-file model for
// deployments where several jobs share a credential database.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresCredentialsTable,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) Get(subject string) (Credentials, error) {
	if err := s.ensureReady(); err != nil {
		return Credentials{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT access_token, refresh_token, token_type, scope, expires_at, last_refreshed
		FROM %s WHERE subject = $1`, postgresQuoteIdentifier(s.tableName))
	var (
		creds         Credentials
		expiresAt     sql.NullTime
		lastRefreshed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, subject).Scan(
		&creds.AccessToken, &creds.RefreshToken, &creds.TokenType, &creds.Scope,
		&expiresAt, &lastRefreshed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Credentials{}, fmt.Errorf("%w: %s", ErrNotFound, subject)
	}
	if err != nil {
		return Credentials{}, err
	}
	creds.Subject = subject
	if expiresAt.Valid {
		creds.ExpiresAt = expiresAt.Time
	}
	if lastRefreshed.Valid {
		creds.LastRefreshed = lastRefreshed.Time
	}
	return creds, nil
}

func (s *PostgresStore) Put(creds Credentials) error {
	if strings.TrimSpace(creds.Subject) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (subject, access_token, refresh_token, token_type, scope, expires_at, last_refreshed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (subject) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			scope = EXCLUDED.scope,
			expires_at = EXCLUDED.expires_at,
			last_refreshed = EXCLUDED.last_refreshed,
			updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query,
		creds.Subject, creds.AccessToken, creds.RefreshToken, creds.TokenType, creds.Scope,
		nullableTime(creds.ExpiresAt), nullableTime(creds.LastRefreshed),
	)
	return err
}

func (s *PostgresStore) Subjects() ([]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT subject FROM %s ORDER BY subject", postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, err
		}
		subjects = append(subjects, subject)
	}
	return subjects, rows.Err()
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				subject TEXT PRIMARY KEY,
				access_token TEXT NOT NULL,
				refresh_token TEXT NOT NULL,
				token_type TEXT NOT NULL DEFAULT '',
				scope TEXT NOT NULL DEFAULT '',
				expires_at TIMESTAMPTZ,
				last_refreshed TIMESTAMPTZ,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
