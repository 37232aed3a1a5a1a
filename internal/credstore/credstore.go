// Package credstore persists per-subject OAuth credentials for the Whoop API.
//
// A store maps a subject identifier (the account's email address) to its
// current access token, refresh token and absolute expiry. Updates replace the
// whole record; a refresh either lands completely or leaves the stored record
// untouched.
package credstore

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("credentials not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Credentials is one subject's OAuth state. Subject is the map key in the
// persisted form and is filled in by the store on read.
type Credentials struct {
	Subject       string    `json:"-"`
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	TokenType     string    `json:"token_type,omitempty"`
	Scope         string    `json:"scope,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	LastRefreshed time.Time `json:"last_refreshed,omitempty"`
}

// ValidFor reports whether the access token is good for at least margin more
// time. A missing expiry counts as already expired.
func (c Credentials) ValidFor(margin time.Duration, now time.Time) bool {
	if c.AccessToken == "" || c.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(margin).Before(c.ExpiresAt)
}

// Store is the credential persistence contract. Put is a full-record upsert
// and must be durable before it returns.
type Store interface {
	Get(subject string) (Credentials, error)
	Put(creds Credentials) error
	Subjects() ([]string, error)
}
