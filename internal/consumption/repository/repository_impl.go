package repository

import (
	"context"
	"time"

	consumptiondomain "github.com/smallbiznis/voltara/internal/consumption/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() consumptiondomain.Repository {
	return &repo{}
}

func (r *repo) InsertBatch(ctx context.Context, db *gorm.DB, rows []consumptiondomain.HourlyBucket) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "meter_id"}, {Name: "reading_hour"}},
		DoNothing: true,
	}).Create(&rows)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repo) CountForDay(ctx context.Context, db *gorm.DB, community string, day time.Time) (int64, error) {
	start, end := dayBounds(day)
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM hourly_consumption
		 WHERE community = ? AND reading_hour >= ? AND reading_hour < ?`,
		community,
		start,
		end,
	).Scan(&count).Error
	return count, err
}

func (r *repo) DistinctHoursForDay(ctx context.Context, db *gorm.DB, community string, day time.Time) (int, error) {
	start, end := dayBounds(day)
	var count int
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(DISTINCT reading_hour) FROM hourly_consumption
		 WHERE community = ? AND reading_hour >= ? AND reading_hour < ?`,
		community,
		start,
		end,
	).Scan(&count).Error
	return count, err
}

func (r *repo) MaxReadingHour(ctx context.Context, db *gorm.DB, community string) (time.Time, error) {
	var row struct {
		Latest *time.Time
	}
	err := db.WithContext(ctx).Raw(
		`SELECT MAX(reading_hour) AS latest FROM hourly_consumption WHERE community = ?`,
		community,
	).Scan(&row).Error
	if err != nil {
		return time.Time{}, err
	}
	if row.Latest == nil {
		return time.Time{}, nil
	}
	return row.Latest.UTC(), nil
}

func (r *repo) IncompleteDays(ctx context.Context, db *gorm.DB, community string, from, to time.Time) ([]consumptiondomain.IncompleteDay, error) {
	from = from.UTC().Truncate(24 * time.Hour)
	to = to.UTC().Truncate(24 * time.Hour)

	hoursByDay, err := r.hoursByDay(ctx, db, community, from, to.Add(24*time.Hour))
	if err != nil {
		return nil, err
	}

	var out []consumptiondomain.IncompleteDay
	for day := from; !day.After(to); day = day.Add(24 * time.Hour) {
		hours := hoursByDay[day]
		if hours < 24 {
			out = append(out, consumptiondomain.IncompleteDay{
				Community: community,
				Day:       day,
				Hours:     hours,
			})
		}
	}
	return out, nil
}

func (r *repo) CompleteDay(ctx context.Context, db *gorm.DB, community string) (time.Time, error) {
	latest, err := r.MaxReadingHour(ctx, db, community)
	if err != nil || latest.IsZero() {
		return time.Time{}, err
	}

	end := latest.Truncate(24 * time.Hour).Add(24 * time.Hour)
	start := end.Add(-90 * 24 * time.Hour)
	hoursByDay, err := r.hoursByDay(ctx, db, community, start, end)
	if err != nil {
		return time.Time{}, err
	}

	var best time.Time
	for day, hours := range hoursByDay {
		if hours >= 24 && day.After(best) {
			best = day
		}
	}
	return best, nil
}

// hoursByDay buckets distinct reading hours into their UTC day in Go to stay
// dialect independent.
func (r *repo) hoursByDay(ctx context.Context, db *gorm.DB, community string, from, to time.Time) (map[time.Time]int, error) {
	var hours []time.Time
	err := db.WithContext(ctx).Raw(
		`SELECT reading_hour FROM hourly_consumption
		 WHERE community = ? AND reading_hour >= ? AND reading_hour < ?
		 GROUP BY reading_hour`,
		community,
		from,
		to,
	).Scan(&hours).Error
	if err != nil {
		return nil, err
	}

	byDay := make(map[time.Time]int)
	for _, h := range hours {
		byDay[h.UTC().Truncate(24*time.Hour)]++
	}
	return byDay, nil
}

func (r *repo) SumSince(ctx context.Context, db *gorm.DB, accountNumber string, after time.Time) (float64, error) {
	var total float64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(kwh), 0) FROM hourly_consumption
		 WHERE account_number = ? AND reading_hour > ?`,
		accountNumber,
		after,
	).Scan(&total).Error
	return total, err
}

func (r *repo) AccountForMeter(ctx context.Context, db *gorm.DB, meterID string) (string, error) {
	var row struct {
		AccountNumber string
	}
	err := db.WithContext(ctx).Raw(
		`SELECT account_number FROM hourly_consumption
		 WHERE meter_id = ? AND account_number <> ''
		 ORDER BY reading_hour DESC LIMIT 1`,
		meterID,
	).Scan(&row).Error
	if err != nil {
		return "", err
	}
	return row.AccountNumber, nil
}

func dayBounds(day time.Time) (time.Time, time.Time) {
	start := day.UTC().Truncate(24 * time.Hour)
	return start, start.Add(24 * time.Hour)
}
