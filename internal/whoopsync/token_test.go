package whoopsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/datawithjack/whoop-api-v2-batch-fetcher/internal/credstore"
)

type countingRemote struct {
	fakeRemote
	refreshCalls int
}

func (c *countingRemote) RefreshToken(ctx context.Context, refreshToken string) (TokenResponse, error) {
	c.refreshCalls++
	return c.fakeRemote.RefreshToken(ctx, refreshToken)
}

func TestEnsureValidSkipsRefreshInsideMargin(t *testing.T) {
	remote := &countingRemote{}
	store := credstore.NewMemoryStore()
	if err := store.Put(credstore.Credentials{
		Subject:      "user@example.com",
		AccessToken:  "good-access",
		RefreshToken: "good-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("put creds: %v", err)
	}

	mgr := NewTokenManager(remote, store, DefaultExpiryMargin)
	creds, err := mgr.EnsureValid(context.Background(), "user@example.com")
	if err != nil {
		t.Fatalf("ensure valid: %v", err)
	}
	if creds.AccessToken != "good-access" {
		t.Fatalf("credentials must be returned unchanged, got %+v", creds)
	}
	if remote.refreshCalls != 0 {
		t.Fatalf("no network call expected for a valid token, saw %d", remote.refreshCalls)
	}
}

func TestEnsureValidRefreshesWithinMarginAndPersists(t *testing.T) {
	remote := &countingRemote{fakeRemote: fakeRemote{
		refreshResp: TokenResponse{
			AccessToken:  "rotated-access",
			RefreshToken: "rotated-refresh",
			TokenType:    "bearer",
			ExpiresIn:    3600,
		},
	}}
	store := credstore.NewMemoryStore()
	if err := store.Put(credstore.Credentials{
		Subject:      "user@example.com",
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		// Inside the 5 minute margin: still nominally unexpired but due.
		ExpiresAt: time.Now().Add(time.Minute),
	}); err != nil {
		t.Fatalf("put creds: %v", err)
	}

	mgr := NewTokenManager(remote, store, DefaultExpiryMargin)
	creds, err := mgr.EnsureValid(context.Background(), "user@example.com")
	if err != nil {
		t.Fatalf("ensure valid: %v", err)
	}
	if remote.refreshCalls != 1 {
		t.Fatalf("expected exactly one refresh call, saw %d", remote.refreshCalls)
	}
	if creds.AccessToken != "rotated-access" || creds.RefreshToken != "rotated-refresh" {
		t.Fatalf("rotated tokens not applied: %+v", creds)
	}
	if !creds.ExpiresAt.After(time.Now().Add(30 * time.Minute)) {
		t.Fatalf("expiry not extended: %s", creds.ExpiresAt)
	}

	stored, err := store.Get("user@example.com")
	if err != nil {
		t.Fatalf("get stored creds: %v", err)
	}
	if stored.AccessToken != "rotated-access" || stored.RefreshToken != "rotated-refresh" {
		t.Fatalf("refresh must be persisted before returning, stored %+v", stored)
	}
}

func TestEnsureValidTreatsMissingExpiryAsExpired(t *testing.T) {
	remote := &countingRemote{}
	store := credstore.NewMemoryStore()
	if err := store.Put(credstore.Credentials{
		Subject:      "user@example.com",
		AccessToken:  "access-without-expiry",
		RefreshToken: "refresh",
	}); err != nil {
		t.Fatalf("put creds: %v", err)
	}

	mgr := NewTokenManager(remote, store, DefaultExpiryMargin)
	if _, err := mgr.EnsureValid(context.Background(), "user@example.com"); err != nil {
		t.Fatalf("ensure valid: %v", err)
	}
	if remote.refreshCalls != 1 {
		t.Fatalf("missing expiry must force a refresh, saw %d calls", remote.refreshCalls)
	}
}

func TestEnsureValidFailureLeavesStoreUntouched(t *testing.T) {
	remote := &countingRemote{fakeRemote: fakeRemote{
		refreshErr: map[string]error{
			"revoked": fmt.Errorf("%w: invalid_grant", ErrTokenRefreshFailed),
		},
	}}
	store := credstore.NewMemoryStore()
	original := credstore.Credentials{
		Subject:      "user@example.com",
		AccessToken:  "stale-access",
		RefreshToken: "revoked",
		ExpiresAt:    time.Now().Add(-time.Hour),
	}
	if err := store.Put(original); err != nil {
		t.Fatalf("put creds: %v", err)
	}

	mgr := NewTokenManager(remote, store, DefaultExpiryMargin)
	_, err := mgr.EnsureValid(context.Background(), "user@example.com")
	if !errors.Is(err, ErrTokenRefreshFailed) {
		t.Fatalf("expected ErrTokenRefreshFailed, got %v", err)
	}

	stored, getErr := store.Get("user@example.com")
	if getErr != nil {
		t.Fatalf("get stored creds: %v", getErr)
	}
	if stored.AccessToken != original.AccessToken || stored.RefreshToken != original.RefreshToken {
		t.Fatalf("failed refresh mutated the store: %+v", stored)
	}
}

func TestEnsureValidUnknownSubject(t *testing.T) {
	mgr := NewTokenManager(&countingRemote{}, credstore.NewMemoryStore(), DefaultExpiryMargin)
	_, err := mgr.EnsureValid(context.Background(), "nobody@example.com")
	if !errors.Is(err, credstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
