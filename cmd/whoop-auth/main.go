// Command whoop-auth exchanges an OAuth authorization code for tokens and
// stores the resulting credential record. Obtaining the code (the browser
// redirect) happens outside this tool; paste either the bare code or the full
// redirect URL it arrived on.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/datawithjack/whoop-api-v2-batch-fetcher/internal/config"
	"github.com/datawithjack/whoop-api-v2-batch-fetcher/internal/credstore"
	"github.com/datawithjack/whoop-api-v2-batch-fetcher/internal/whoopsync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	subject := flag.String("subject", "", "subject identifier to store the credentials under (required)")
	code := flag.String("code", "", "authorization code")
	redirectURL := flag.String("redirect-url", "", "full redirect URL containing the code")
	flag.Parse()

	if *subject == "" {
		log.Fatal("--subject is required")
	}
	authCode, err := extractCode(*code, *redirectURL)
	if err != nil {
		log.Fatalf("authorization code: %v", err)
	}

	store, err := credstore.FromDSN(cfg.CredentialsDSN)
	if err != nil {
		log.Fatalf("credential store: %v", err)
	}

	client := whoopsync.NewHTTPClient(whoopsync.HTTPClientOptions{
		BaseURL:      cfg.BaseURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		UserAgent:    "whoop-auth/1.0",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := client.ExchangeCode(ctx, authCode)
	if err != nil {
		log.Fatalf("token exchange: %v", err)
	}
	if resp.RefreshToken == "" {
		log.Fatal("no refresh token in response; the app is missing the offline scope")
	}

	// Probe the new token before persisting it.
	profile, err := client.GetProfile(ctx, resp.AccessToken)
	if err != nil {
		log.Fatalf("token verification: %v", err)
	}
	log.Printf("authorized %s %s (%s)", profile.FirstName, profile.LastName, profile.Email)

	now := time.Now()
	expiresIn := resp.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	err = store.Put(credstore.Credentials{
		Subject:       *subject,
		AccessToken:   resp.AccessToken,
		RefreshToken:  resp.RefreshToken,
		TokenType:     resp.TokenType,
		Scope:         resp.Scope,
		ExpiresAt:     now.Add(time.Duration(expiresIn) * time.Second),
		LastRefreshed: now,
	})
	if err != nil {
		log.Fatalf("storing credentials: %v", err)
	}
	log.Printf("credentials stored for %s (expires %s)", *subject,
		now.Add(time.Duration(expiresIn)*time.Second).Format(time.RFC3339))
}

func extractCode(code, redirectURL string) (string, error) {
	code = strings.TrimSpace(code)
	if code != "" {
		return code, nil
	}
	redirectURL = strings.TrimSpace(redirectURL)
	if redirectURL == "" {
		return "", fmt.Errorf("one of --code or --redirect-url is required")
	}
	parsed, err := url.Parse(redirectURL)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	if errName := query.Get("error"); errName != "" {
		return "", fmt.Errorf("authorization failed: %s (%s)", errName, query.Get("error_description"))
	}
	extracted := query.Get("code")
	if extracted == "" {
		return "", fmt.Errorf("redirect URL carries no code parameter")
	}
	return extracted, nil
}
