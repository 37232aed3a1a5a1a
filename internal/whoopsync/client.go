// Package whoopsync fetches sleep data from the Whoop developer API and keeps
// per-subject CSV stores up to date incrementally.
package whoopsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultBaseURL is the production Whoop API host.
	DefaultBaseURL = "https://api.prod.whoop.com"

	tokenPath   = "/oauth/oauth2/token"
	sleepPath   = "/developer/v2/activity/sleep"
	profilePath = "/developer/v2/user/profile/basic"

	// MaxPageLimit is the largest page size the sleep collection accepts.
	MaxPageLimit = 25

	// offlineScope must be requested on token grants or the remote will not
	// issue refresh tokens.
	offlineScope = "offline"
)

// timestampLayout renders the millisecond-precision UTC format the collection
// endpoint requires; the trailing Z prints literally for UTC values.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// TokenResponse is the remote OAuth token endpoint's reply.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int    `json:"expires_in"`
}

// Profile is the basic user profile, used as a cheap token validity probe.
type Profile struct {
	UserID    int64  `json:"user_id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// SleepRecord is one remote sleep activity, kept as the raw nested document.
// Numbers are json.Number so flattening does not reformat integers.
type SleepRecord map[string]any

// ID returns the record's unique identifier, or "" when absent.
func (r SleepRecord) ID() string {
	if id, ok := r["id"].(string); ok {
		return id
	}
	if n, ok := r["id"].(json.Number); ok {
		return n.String()
	}
	return ""
}

// Start returns the record's interval start.
func (r SleepRecord) Start() (time.Time, error) {
	raw, ok := r["start"].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return time.Time{}, fmt.Errorf("sleep record %s has no start", r.ID())
	}
	return time.Parse(time.RFC3339, raw)
}

// SleepPage is one page of the paginated sleep collection. A missing or empty
// NextToken ends the sequence; an empty Records slice alone does not.
type SleepPage struct {
	Records   []SleepRecord `json:"records"`
	NextToken string        `json:"next_token"`
}

// RemoteClient is the surface the sync engine needs from the Whoop API.
type RemoteClient interface {
	RefreshToken(ctx context.Context, refreshToken string) (TokenResponse, error)
	ExchangeCode(ctx context.Context, code string) (TokenResponse, error)
	GetProfile(ctx context.Context, accessToken string) (Profile, error)
	ListSleep(ctx context.Context, accessToken string, start, end time.Time, limit int, nextToken string) (SleepPage, error)
}

type HTTPClientOptions struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	HTTPClient   *http.Client
	UserAgent    string
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

// HTTPClient talks to the real API. 429 and 5xx responses and transport
// errors are retried with exponential backoff capped at MaxDelay, honoring
// Retry-After when present; 4xx responses other than 429 are terminal.
type HTTPClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	redirectURI  string
	httpClient   *http.Client
	userAgent    string
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
}

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	return &HTTPClient{
		baseURL:      baseURL,
		clientID:     strings.TrimSpace(opts.ClientID),
		clientSecret: strings.TrimSpace(opts.ClientSecret),
		redirectURI:  strings.TrimSpace(opts.RedirectURI),
		httpClient:   httpClient,
		userAgent:    strings.TrimSpace(opts.UserAgent),
		maxRetries:   maxRetries,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
	}
}

func (c *HTTPClient) RefreshToken(ctx context.Context, refreshToken string) (TokenResponse, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return TokenResponse{}, fmt.Errorf("%w: no refresh token available", ErrTokenRefreshFailed)
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("scope", offlineScope)
	form.Set("refresh_token", refreshToken)

	var out TokenResponse
	if err := c.postForm(ctx, tokenPath, form, &out); err != nil {
		return TokenResponse{}, fmt.Errorf("%w: %w", ErrTokenRefreshFailed, err)
	}
	return out, nil
}

func (c *HTTPClient) ExchangeCode(ctx context.Context, code string) (TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", c.redirectURI)

	var out TokenResponse
	if err := c.postForm(ctx, tokenPath, form, &out); err != nil {
		return TokenResponse{}, err
	}
	return out, nil
}

func (c *HTTPClient) GetProfile(ctx context.Context, accessToken string) (Profile, error) {
	var out Profile
	err := c.getJSON(ctx, profilePath, nil, accessToken, &out)
	return out, err
}

func (c *HTTPClient) ListSleep(ctx context.Context, accessToken string, start, end time.Time, limit int, nextToken string) (SleepPage, error) {
	if limit <= 0 || limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	q := url.Values{}
	q.Set("start", start.UTC().Format(timestampLayout))
	q.Set("end", end.UTC().Format(timestampLayout))
	q.Set("limit", strconv.Itoa(limit))
	if nextToken != "" {
		q.Set("nextToken", nextToken)
	}
	var out SleepPage
	err := c.getJSON(ctx, sleepPath, q, accessToken, &out)
	return out, err
}

// FetchSleepSince walks the continuation-token chain and returns every record
// whose interval start falls in [lowerBound, upperBound], in remote order.
func FetchSleepSince(ctx context.Context, client RemoteClient, accessToken string, lowerBound, upperBound time.Time) ([]SleepRecord, error) {
	var all []SleepRecord
	nextToken := ""
	for {
		page, err := client.ListSleep(ctx, accessToken, lowerBound, upperBound, MaxPageLimit, nextToken)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Records...)
		if page.NextToken == "" {
			return all, nil
		}
		nextToken = page.NextToken
	}
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, accessToken string, out any) error {
	requestPath := path
	if len(query) > 0 {
		requestPath = path + "?" + query.Encode()
	}
	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+requestPath, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}
	return c.do(ctx, build, out)
}

func (c *HTTPClient) postForm(ctx context.Context, path string, form url.Values, out any) error {
	encoded := form.Encode()
	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}
	return c.do(ctx, build, out)
}

func (c *HTTPClient) do(ctx context.Context, build func() (*http.Request, error), out any) error {
	correlationID := "whoop_" + uuid.NewString()
	for attempt := 0; ; attempt++ {
		req, err := build()
		if err != nil {
			return err
		}
		req.Header.Set("X-Correlation-Id", correlationID)
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}

		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			dec := json.NewDecoder(bytes.NewReader(payload))
			dec.UseNumber()
			return dec.Decode(out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		return newAPIError(resp.StatusCode, errorMessage(payload))
	}
}

func errorMessage(payload []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(payload, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	msg := strings.TrimSpace(string(payload))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
