package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	consumptiondomain "github.com/smallbiznis/voltara/internal/consumption/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&consumptiondomain.HourlyBucket{}))
	return db
}

func bucket(node *snowflake.Node, account, meter string, hour time.Time, kwh float64) consumptiondomain.HourlyBucket {
	return consumptiondomain.HourlyBucket{
		ID:            node.Generate(),
		AccountNumber: account,
		MeterID:       meter,
		ReadingHour:   hour,
		KWh:           kwh,
		Community:     "makota",
		Source:        "alpha",
	}
}

func TestInsertBatch_SkipsExistingMeterHours(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := Provide()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	hour := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)

	inserted, err := repo.InsertBatch(ctx, db, []consumptiondomain.HourlyBucket{
		bucket(node, "ACC-1", "SM-1", hour, 1.5),
		bucket(node, "ACC-2", "SM-2", hour, 2.5),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), inserted)

	// Same meter-hours with different values: existing rows win.
	inserted, err = repo.InsertBatch(ctx, db, []consumptiondomain.HourlyBucket{
		bucket(node, "ACC-1", "SM-1", hour, 9.9),
		bucket(node, "ACC-3", "SM-3", hour, 3.5),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted)

	var kwh float64
	require.NoError(t, db.Raw(`SELECT kwh FROM hourly_consumption WHERE meter_id = 'SM-1'`).Scan(&kwh).Error)
	assert.InDelta(t, 1.5, kwh, 1e-9)
}

func TestIncompleteDays(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := Provide()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	day1 := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	day3 := day2.Add(24 * time.Hour)

	var rows []consumptiondomain.HourlyBucket
	for h := 0; h < 24; h++ {
		rows = append(rows, bucket(node, "ACC-1", "SM-1", day1.Add(time.Duration(h)*time.Hour), 1))
	}
	for h := 0; h < 3; h++ {
		rows = append(rows, bucket(node, "ACC-1", "SM-1", day2.Add(time.Duration(h)*time.Hour), 1))
	}
	_, err = repo.InsertBatch(ctx, db, rows)
	require.NoError(t, err)

	gaps, err := repo.IncompleteDays(ctx, db, "makota", day1, day3)
	require.NoError(t, err)
	require.Len(t, gaps, 2)
	assert.Equal(t, day2, gaps[0].Day)
	assert.Equal(t, 3, gaps[0].Hours)
	// A day with no rows at all is still a gap.
	assert.Equal(t, day3, gaps[1].Day)
	assert.Equal(t, 0, gaps[1].Hours)

	complete, err := repo.CompleteDay(ctx, db, "makota")
	require.NoError(t, err)
	assert.True(t, complete.Equal(day1), "got %v", complete)

	hours, err := repo.DistinctHoursForDay(ctx, db, "makota", day2)
	require.NoError(t, err)
	assert.Equal(t, 3, hours)
}

func TestSumSince(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := Provide()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	_, err = repo.InsertBatch(ctx, db, []consumptiondomain.HourlyBucket{
		bucket(node, "ACC-1", "SM-1", base.Add(-time.Hour), 10),
		bucket(node, "ACC-1", "SM-1", base, 20),
		bucket(node, "ACC-1", "SM-1", base.Add(time.Hour), 30),
		bucket(node, "ACC-2", "SM-2", base.Add(time.Hour), 99),
	})
	require.NoError(t, err)

	// Strictly after: the row at the boundary instant is excluded.
	total, err := repo.SumSince(ctx, db, "ACC-1", base)
	require.NoError(t, err)
	assert.InDelta(t, 30.0, total, 1e-9)

	total, err = repo.SumSince(ctx, db, "ACC-1", base.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 60.0, total, 1e-9)
}

func TestAccountForMeter_UsesLatestNonEmpty(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := Provide()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	_, err = repo.InsertBatch(ctx, db, []consumptiondomain.HourlyBucket{
		bucket(node, "ACC-OLD", "SM-1", base, 1),
		bucket(node, "ACC-NEW", "SM-1", base.Add(time.Hour), 1),
		bucket(node, "", "SM-1", base.Add(2*time.Hour), 1),
	})
	require.NoError(t, err)

	account, err := repo.AccountForMeter(ctx, db, "SM-1")
	require.NoError(t, err)
	assert.Equal(t, "ACC-NEW", account)

	account, err = repo.AccountForMeter(ctx, db, "SM-404")
	require.NoError(t, err)
	assert.Empty(t, account)

	hour, err := repo.MaxReadingHour(ctx, db, "makota")
	require.NoError(t, err)
	assert.True(t, hour.Equal(base.Add(2*time.Hour)), "got %v", hour)
}
