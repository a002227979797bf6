package meterapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/voltara/internal/ratelimit"
	"github.com/smallbiznis/voltara/internal/site"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testClient(t *testing.T, baseURL string, cfg ClientConfig) (*Client, site.Site) {
	t.Helper()
	reg, err := site.NewRegistry(
		[]site.Provider{{Code: "alpha", BaseURL: baseURL, Username: "u", Password: "p"}},
		[]site.Site{{Code: "MAK", Community: "makota", ProviderCode: "alpha", ExternalID: "ext-mak"}},
	)
	require.NoError(t, err)

	client := NewClient(reg, ratelimit.NewPacer(0), zap.NewNop(), cfg)
	s, err := reg.Site("MAK")
	require.NoError(t, err)
	return client, s
}

func fastConfig() ClientConfig {
	return ClientConfig{
		InitialPageSize: 400,
		MinPageSize:     50,
		MaxAttempts:     3,
		BackoffBase:     time.Millisecond,
		BackoffCap:      2 * time.Millisecond,
		HTTPTimeout:     5 * time.Second,
	}
}

func reading(serial string, at time.Time, v float64) IntervalReading {
	return IntervalReading{MeterSerial: serial, Timestamp: at, KilowattHours: &v}
}

func writePage(t *testing.T, w http.ResponseWriter, data []IntervalReading, cursor string, hasMore bool) {
	t.Helper()
	var page intervalResponse
	page.Data = data
	page.Pagination.Cursor = cursor
	page.Pagination.HasMore = hasMore
	require.NoError(t, json.NewEncoder(w).Encode(page))
}

func TestFetchDay_FollowsCursorPagination(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	var requests []intervalQuery
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var q intervalQuery
		require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		requests = append(requests, q)

		switch q.Cursor {
		case "":
			writePage(t, w, []IntervalReading{reading("SM-1", day, 1)}, "c1", true)
		case "c1":
			writePage(t, w, []IntervalReading{reading("SM-2", day, 2)}, "c2", true)
		case "c2":
			writePage(t, w, []IntervalReading{reading("SM-3", day, 3)}, "", false)
		default:
			t.Fatalf("unexpected cursor %q", q.Cursor)
		}
	}))
	defer srv.Close()

	client, s := testClient(t, srv.URL, fastConfig())
	records, pageSize, err := client.FetchDay(context.Background(), s, day, 0)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, 400, pageSize)
	assert.Len(t, requests, 3)
	assert.Equal(t, "ext-mak", requests[0].SiteID)
	assert.Equal(t, "2026-03-10", requests[0].From)
}

func TestFetchDay_QuotaExhaustionAbortsImmediately(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, s := testClient(t, srv.URL, fastConfig())
	records, _, err := client.FetchDay(context.Background(), s, day, 0)
	require.ErrorIs(t, err, ErrRateLimitExhausted)
	assert.Nil(t, records)
	assert.Equal(t, 1, calls)
}

func TestFetchDay_TransientFailuresShrinkPageThenGiveUp(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	var perPage []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var q intervalQuery
		require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		perPage = append(perPage, q.PerPage)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, s := testClient(t, srv.URL, fastConfig())
	records, _, err := client.FetchDay(context.Background(), s, day, 0)
	require.ErrorIs(t, err, ErrIncompleteDay)
	assert.Nil(t, records)
	assert.Equal(t, []int{400, 200, 100}, perPage)
}

func TestFetchDay_BadRequestKeepsAccumulatedPages(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call++
		if call == 1 {
			writePage(t, w, []IntervalReading{reading("SM-1", day, 1), reading("SM-2", day, 2)}, "c1", true)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client, s := testClient(t, srv.URL, fastConfig())
	records, _, err := client.FetchDay(context.Background(), s, day, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestFetchDay_RecoversAfterTransientFailure(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call++
		if call == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writePage(t, w, []IntervalReading{reading("SM-1", day, 1)}, "", false)
	}))
	defer srv.Close()

	client, s := testClient(t, srv.URL, fastConfig())
	records, pageSize, err := client.FetchDay(context.Background(), s, day, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	// The shrunken page size sticks for the rest of the day.
	assert.Equal(t, 200, pageSize)
}

func TestLatestAvailableDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sites/ext-mak/freshness", r.URL.Path)
		require.NoError(t, json.NewEncoder(w).Encode(freshnessResponse{SiteID: "ext-mak", LatestDate: "2026-03-09"}))
	}))
	defer srv.Close()

	client, s := testClient(t, srv.URL, fastConfig())
	latest, err := client.LatestAvailableDate(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), latest)
}

func TestTransactions_RefreshesSessionOn401(t *testing.T) {
	sessions := 0
	var tokens []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/session":
			sessions++
			token := "tok-1"
			if sessions > 1 {
				token = "tok-2"
			}
			require.NoError(t, json.NewEncoder(w).Encode(sessionResponse{Token: token}))
		case "/v1/transactions":
			token := r.Header.Get("Authorization")
			tokens = append(tokens, token)
			if token == "Bearer tok-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			require.NoError(t, json.NewEncoder(w).Encode(ledgerResponse{Data: []LedgerTransaction{{ID: "tx-1", Kind: "credit", Amount: 10}}}))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client, _ := testClient(t, srv.URL, fastConfig())
	entries, err := client.Transactions(context.Background(), "alpha", 0, 50)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tx-1", entries[0].ID)
	assert.Equal(t, 2, sessions)
	assert.Equal(t, []string{"Bearer tok-1", "Bearer tok-2"}, tokens)
}
