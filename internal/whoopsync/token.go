package whoopsync

import (
	"context"
	"fmt"
	"time"

	"github.com/datawithjack/whoop-api-v2-batch-fetcher/internal/credstore"
)

// DefaultExpiryMargin is how much remaining lifetime a token must have before
// a pass will use it without refreshing.
const DefaultExpiryMargin = 5 * time.Minute

// defaultExpiresIn covers token responses that omit expires_in.
const defaultExpiresIn = 3600

// TokenManager keeps per-subject access tokens usable. A successful refresh
// is persisted to the credential store before EnsureValid returns, so a crash
// afterwards can at worst waste one extra refresh round trip. A failed
// refresh leaves the stored record untouched.
type TokenManager struct {
	client RemoteClient
	store  credstore.Store
	margin time.Duration
	now    func() time.Time
}

func NewTokenManager(client RemoteClient, store credstore.Store, margin time.Duration) *TokenManager {
	if margin <= 0 {
		margin = DefaultExpiryMargin
	}
	return &TokenManager{
		client: client,
		store:  store,
		margin: margin,
		now:    time.Now,
	}
}

// EnsureValid returns credentials whose access token is good for at least the
// configured margin, refreshing and persisting them when necessary.
func (m *TokenManager) EnsureValid(ctx context.Context, subject string) (credstore.Credentials, error) {
	creds, err := m.store.Get(subject)
	if err != nil {
		return credstore.Credentials{}, err
	}
	now := m.now()
	if creds.ValidFor(m.margin, now) {
		return creds, nil
	}

	resp, err := m.client.RefreshToken(ctx, creds.RefreshToken)
	if err != nil {
		return credstore.Credentials{}, fmt.Errorf("subject %s: %w", subject, err)
	}

	expiresIn := resp.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}
	updated := creds
	updated.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		// The remote may rotate refresh tokens; keep whichever it sent back.
		updated.RefreshToken = resp.RefreshToken
	}
	if resp.TokenType != "" {
		updated.TokenType = resp.TokenType
	}
	if resp.Scope != "" {
		updated.Scope = resp.Scope
	}
	updated.ExpiresAt = now.Add(time.Duration(expiresIn) * time.Second)
	updated.LastRefreshed = now

	if err := m.store.Put(updated); err != nil {
		return credstore.Credentials{}, fmt.Errorf("subject %s: persisting refreshed credentials: %w", subject, err)
	}
	return updated, nil
}
