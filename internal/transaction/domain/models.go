// Package domain contains the append-only payment snapshot ledger. Rows are
// created once and never updated or deleted; a balance is only ever a
// point-in-time value attached to a snapshot at the moment it was computed.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Snapshot is one payment or reconciliation event.
type Snapshot struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	AccountNumber     string            `gorm:"type:text;not null;index"`
	MeterID           string            `gorm:"type:text;index"`
	TransactionDate   time.Time         `gorm:"not null;index"`
	TransactionAmount float64           `gorm:"not null"`
	RateUsed          float64           `gorm:"not null"`
	KWhValue          float64           `gorm:"column:kwh_value;not null"`
	IsPayment         bool              `gorm:"not null"`
	CurrentBalance    float64           `gorm:"not null"`
	Source            string            `gorm:"type:text;not null"`
	ExternalID        string            `gorm:"type:text;not null;uniqueIndex"`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Snapshot) TableName() string { return "transactions" }

// FallbackExternalID derives a deterministic dedupe key for ledger entries
// that carry no provider ID of their own.
func FallbackExternalID(accountNumber string, at time.Time, amount float64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%.6f", accountNumber, at.UTC().Unix(), amount))
	return "h:" + hex.EncodeToString(sum[:16])
}
