// Package domain contains persistence models for the canonical hourly
// consumption store.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// HourlyBucket is the canonical aggregation unit: total energy for one meter
// within one clock hour. At most one row per (meter_id, reading_hour);
// writes use conflict-skip semantics, so a bucket, once written, is never
// overwritten by a later run.
type HourlyBucket struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	AccountNumber string       `gorm:"type:text;index"`
	MeterID       string       `gorm:"type:text;not null;uniqueIndex:ux_hourly_meter_hour,priority:1"`
	ReadingHour   time.Time    `gorm:"not null;uniqueIndex:ux_hourly_meter_hour,priority:2"`
	KWh           float64      `gorm:"column:kwh;not null"`
	Community     string       `gorm:"type:text;index"`
	Source        string       `gorm:"type:text;not null"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (HourlyBucket) TableName() string { return "hourly_consumption" }

// IncompleteDay identifies a (community, day) pair with fewer than 24
// distinct recorded hours.
type IncompleteDay struct {
	Community string
	Day       time.Time
	Hours     int
}
