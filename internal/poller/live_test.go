package poller

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	consumptionrepo "github.com/smallbiznis/voltara/internal/consumption/repository"
	"github.com/smallbiznis/voltara/internal/meterapi"
	"github.com/smallbiznis/voltara/internal/site"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLive struct {
	readings map[string][]meterapi.IntervalReading
	errs     map[string]error
}

func (f *fakeLive) LatestReadings(ctx context.Context, s site.Site) ([]meterapi.IntervalReading, error) {
	if err := f.errs[s.Code]; err != nil {
		return nil, err
	}
	return f.readings[s.Code], nil
}

func TestLivePoller_WritesAreIdempotent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	now := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	reg, err := site.NewRegistry(
		[]site.Provider{{Code: "alpha"}},
		[]site.Site{{Code: "MAK", Community: "makota", ProviderCode: "alpha"}},
	)
	require.NoError(t, err)

	v1, v2 := 0.8, 1.2
	live := &fakeLive{readings: map[string][]meterapi.IntervalReading{
		"MAK": {
			{MeterSerial: "SM-1", CustomerCode: "ACC-01", Timestamp: now, KilowattHours: &v1},
			{MeterSerial: "SM-2", CustomerCode: "ACC-02", Timestamp: now, KilowattHours: &v2},
		},
	}}

	poller := NewLivePoller(db, zap.NewNop(), node, live, reg, consumptionrepo.Provide(), nil, Config{})

	require.NoError(t, poller.RunOnce(ctx))
	require.NoError(t, poller.RunOnce(ctx))

	count, err := consumptionrepo.Provide().CountForDay(ctx, db, "makota", now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestLivePoller_RateLimitSkipsProviderForCycle(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	now := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	reg, err := site.NewRegistry(
		[]site.Provider{{Code: "alpha"}, {Code: "beta"}},
		[]site.Site{
			{Code: "AA1", Community: "aa1", ProviderCode: "alpha"},
			{Code: "AA2", Community: "aa2", ProviderCode: "alpha"},
			{Code: "BB1", Community: "bb1", ProviderCode: "beta"},
		},
	)
	require.NoError(t, err)

	v := 1.0
	live := &fakeLive{
		readings: map[string][]meterapi.IntervalReading{
			"AA2": {{MeterSerial: "SM-1", Timestamp: now, KilowattHours: &v}},
			"BB1": {{MeterSerial: "SM-2", Timestamp: now, KilowattHours: &v}},
		},
		errs: map[string]error{"AA1": meterapi.ErrRateLimitExhausted},
	}

	poller := NewLivePoller(db, zap.NewNop(), node, live, reg, consumptionrepo.Provide(), nil, Config{})
	require.NoError(t, poller.RunOnce(ctx))

	// The sibling alpha site is skipped this cycle; beta still lands.
	count, err := consumptionrepo.Provide().CountForDay(ctx, db, "aa2", now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	count, err = consumptionrepo.Provide().CountForDay(ctx, db, "bb1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
