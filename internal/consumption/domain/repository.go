package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	// InsertBatch writes buckets with conflict-skip on (meter_id,
	// reading_hour) and reports how many rows were actually inserted.
	InsertBatch(ctx context.Context, db *gorm.DB, rows []HourlyBucket) (int64, error)

	// CountForDay reports rows recorded for a community on one day.
	CountForDay(ctx context.Context, db *gorm.DB, community string, day time.Time) (int64, error)

	// DistinctHoursForDay reports how many distinct reading hours exist for
	// a community on one day.
	DistinctHoursForDay(ctx context.Context, db *gorm.DB, community string, day time.Time) (int, error)

	// MaxReadingHour returns the latest reading hour committed for a
	// community, or the zero time when none exists.
	MaxReadingHour(ctx context.Context, db *gorm.DB, community string) (time.Time, error)

	// IncompleteDays lists (community, day) pairs inside [from, to] with
	// fewer than 24 distinct hours, including days with no rows at all.
	IncompleteDays(ctx context.Context, db *gorm.DB, community string, from, to time.Time) ([]IncompleteDay, error)

	// CompleteDay returns one day known to have a full 24-hour complement
	// for the community, or the zero time when none exists.
	CompleteDay(ctx context.Context, db *gorm.DB, community string) (time.Time, error)

	// SumSince sums kwh for an account strictly after the given instant.
	SumSince(ctx context.Context, db *gorm.DB, accountNumber string, after time.Time) (float64, error)

	// AccountForMeter resolves the account most recently associated with a
	// meter serial, or empty when unknown.
	AccountForMeter(ctx context.Context, db *gorm.DB, meterID string) (string, error)
}
