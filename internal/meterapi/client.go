// Package meterapi talks to the upstream metering provider APIs: historical
// interval readings, freshness, live readings and the provider transaction
// ledger. The upstreams are flaky and rate limited; the client owns the
// retry, page-shrinking and pacing behaviour so callers only see clean
// results or the two sentinel errors.
package meterapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/smallbiznis/voltara/internal/ratelimit"
	"github.com/smallbiznis/voltara/internal/site"
	"go.uber.org/zap"
)

// ClientConfig tunes retry and pagination behaviour.
type ClientConfig struct {
	InitialPageSize int
	MinPageSize     int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	HTTPTimeout     time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		InitialPageSize: 1000,
		MinPageSize:     50,
		MaxAttempts:     5,
		BackoffBase:     time.Second,
		BackoffCap:      30 * time.Second,
		HTTPTimeout:     45 * time.Second,
	}
}

func (c ClientConfig) withDefaults() ClientConfig {
	defaults := DefaultClientConfig()
	if c.InitialPageSize <= 0 {
		c.InitialPageSize = defaults.InitialPageSize
	}
	if c.MinPageSize <= 0 {
		c.MinPageSize = defaults.MinPageSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaults.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaults.BackoffCap
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaults.HTTPTimeout
	}
	return c
}

// Client fetches from one registry of providers. Safe for concurrent use;
// requests within a provider serialize through the pacer.
type Client struct {
	registry *site.Registry
	pacer    *ratelimit.Pacer
	client   *http.Client
	log      *zap.Logger
	cfg      ClientConfig

	mu       sync.Mutex
	sessions map[string]string
}

func NewClient(registry *site.Registry, pacer *ratelimit.Pacer, log *zap.Logger, cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		registry: registry,
		pacer:    pacer,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		log:      log.Named("meterapi"),
		cfg:      cfg,
		sessions: make(map[string]string),
	}
}

// FetchDay retrieves every interval reading for one site and one day.
// Returns the records and the page size in effect when the day completed.
//
// Error contract:
//   - 429 anywhere aborts immediately with ErrRateLimitExhausted.
//   - 5xx and timeouts shrink the page size to the floor and retry with
//     capped exponential backoff; at the floor retries keep waiting without
//     shrinking further.
//   - 400 is terminal for the day: whatever accumulated is returned, nil error.
//   - Retries exhausted discards all partial pages and returns ErrIncompleteDay.
func (c *Client) FetchDay(ctx context.Context, s site.Site, day time.Time, pageSize int) ([]IntervalReading, int, error) {
	provider, err := c.registry.Provider(s.ProviderCode)
	if err != nil {
		return nil, pageSize, err
	}
	if pageSize <= 0 {
		pageSize = c.cfg.InitialPageSize
	}

	day = day.UTC().Truncate(24 * time.Hour)
	var (
		records []IntervalReading
		cursor  string
		attempt int
	)

	for {
		if err := c.pacer.Wait(ctx, provider.Code, provider.RequestDelay); err != nil {
			return nil, pageSize, err
		}

		page, status, err := c.fetchPage(ctx, provider, s, day, pageSize, cursor)
		switch {
		case err == nil && status == http.StatusOK:
			attempt = 0
			records = append(records, page.Data...)
			if !page.Pagination.HasMore || len(page.Data) == 0 {
				return records, pageSize, nil
			}
			cursor = page.Pagination.Cursor
			continue

		case status == http.StatusTooManyRequests:
			return nil, pageSize, ErrRateLimitExhausted

		case status == http.StatusBadRequest:
			// Terminal for the day. The upstream rejects some historical
			// windows outright; keep what earlier pages produced.
			c.log.Warn("day rejected by upstream",
				zap.String("site", s.Code),
				zap.Time("day", day),
				zap.Int("accumulated", len(records)),
			)
			return records, pageSize, nil

		case isTransient(status, err):
			attempt++
			if attempt >= c.cfg.MaxAttempts {
				c.log.Warn("retries exhausted, discarding day",
					zap.String("site", s.Code),
					zap.Time("day", day),
					zap.Int("discarded", len(records)),
					zap.Error(err),
				)
				return nil, pageSize, ErrIncompleteDay
			}
			if pageSize > c.cfg.MinPageSize {
				pageSize = pageSize / 2
				if pageSize < c.cfg.MinPageSize {
					pageSize = c.cfg.MinPageSize
				}
			}
			if err := c.sleep(ctx, backoff(c.cfg.BackoffBase, c.cfg.BackoffCap, attempt)); err != nil {
				return nil, pageSize, err
			}
			continue

		default:
			if err == nil {
				err = fmt.Errorf("unexpected status %d", status)
			}
			return nil, pageSize, err
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, provider site.Provider, s site.Site, day time.Time, pageSize int, cursor string) (*intervalResponse, int, error) {
	query := intervalQuery{
		SiteID:  s.ExternalID,
		From:    day.Format("2006-01-02"),
		To:      day.Format("2006-01-02"),
		PerPage: pageSize,
		Cursor:  cursor,
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.BaseURL+"/v1/readings/historical", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(provider.Username, provider.Password)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}

	var page intervalResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		// Truncated bodies behave like any other transport failure.
		return nil, 0, err
	}
	return &page, resp.StatusCode, nil
}

// LatestAvailableDate asks the freshness endpoint for the most recent date
// the provider has data for.
func (c *Client) LatestAvailableDate(ctx context.Context, s site.Site) (time.Time, error) {
	provider, err := c.registry.Provider(s.ProviderCode)
	if err != nil {
		return time.Time{}, err
	}
	if err := c.pacer.Wait(ctx, provider.Code, provider.RequestDelay); err != nil {
		return time.Time{}, err
	}

	endpoint := fmt.Sprintf("%s/v1/sites/%s/freshness", provider.BaseURL, url.PathEscape(s.ExternalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return time.Time{}, err
	}
	req.SetBasicAuth(provider.Username, provider.Password)

	resp, err := c.client.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return time.Time{}, ErrRateLimitExhausted
	}
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("freshness request failed: status %d", resp.StatusCode)
	}

	var freshness freshnessResponse
	if err := json.NewDecoder(resp.Body).Decode(&freshness); err != nil {
		return time.Time{}, err
	}
	latest, err := time.Parse("2006-01-02", freshness.LatestDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid freshness date %q: %w", freshness.LatestDate, err)
	}
	return latest.UTC(), nil
}

// LatestReadings fetches the single most recent interval reading per meter
// for one site from the lighter live endpoint.
func (c *Client) LatestReadings(ctx context.Context, s site.Site) ([]IntervalReading, error) {
	provider, err := c.registry.Provider(s.ProviderCode)
	if err != nil {
		return nil, err
	}
	if err := c.pacer.Wait(ctx, provider.Code, provider.RequestDelay); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/sites/%s/live", provider.BaseURL, url.PathEscape(s.ExternalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(provider.Username, provider.Password)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimitExhausted
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("live request failed: status %d", resp.StatusCode)
	}

	var live liveResponse
	if err := json.NewDecoder(resp.Body).Decode(&live); err != nil {
		return nil, err
	}
	return live.Readings, nil
}

// Transactions fetches one page of the provider transaction ledger,
// newest-first, offset paginated. The ledger endpoint is session
// authenticated; the session is established lazily and refreshed on 401.
func (c *Client) Transactions(ctx context.Context, providerCode string, offset, limit int) ([]LedgerTransaction, error) {
	provider, err := c.registry.Provider(providerCode)
	if err != nil {
		return nil, err
	}
	if err := c.pacer.Wait(ctx, provider.Code, provider.RequestDelay); err != nil {
		return nil, err
	}

	page, status, err := c.fetchTransactions(ctx, provider, offset, limit)
	if status == http.StatusUnauthorized {
		c.dropSession(provider.Code)
		page, status, err = c.fetchTransactions(ctx, provider, offset, limit)
	}
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return page.Data, nil
	case http.StatusTooManyRequests:
		return nil, ErrRateLimitExhausted
	default:
		return nil, fmt.Errorf("transactions request failed: status %d", status)
	}
}

func (c *Client) fetchTransactions(ctx context.Context, provider site.Provider, offset, limit int) (*ledgerResponse, int, error) {
	token, err := c.session(ctx, provider)
	if err != nil {
		return nil, 0, err
	}

	endpoint := fmt.Sprintf("%s/v1/transactions?offset=%s&limit=%s&order=desc",
		provider.BaseURL,
		strconv.Itoa(offset),
		strconv.Itoa(limit),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}

	var page ledgerResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, resp.StatusCode, err
	}
	return &page, resp.StatusCode, nil
}

func (c *Client) session(ctx context.Context, provider site.Provider) (string, error) {
	c.mu.Lock()
	token := c.sessions[provider.Code]
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}

	body, err := json.Marshal(map[string]string{
		"username": provider.Username,
		"password": provider.Password,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.BaseURL+"/v1/session", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", ErrSessionFailed
	}
	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", err
	}
	if session.Token == "" {
		return "", ErrSessionFailed
	}

	c.mu.Lock()
	c.sessions[provider.Code] = session.Token
	c.mu.Unlock()
	return session.Token, nil
}

func (c *Client) dropSession(providerCode string) {
	c.mu.Lock()
	delete(c.sessions, providerCode)
	c.mu.Unlock()
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func backoff(base, cap time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	if d > cap || d <= 0 {
		return cap
	}
	return d
}

func isTransient(status int, err error) bool {
	if status >= 500 {
		return true
	}
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Connection resets and EOFs from a struggling upstream.
	return status == 0
}
