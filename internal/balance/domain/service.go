package domain

import (
	"context"
	"errors"
	"time"

	transactiondomain "github.com/smallbiznis/voltara/internal/transaction/domain"
)

// Balance is a live kWh position derived from immutable history.
type Balance struct {
	AccountNumber string    `json:"account_number"`
	KWh           float64   `json:"balance_kwh"`
	AsOf          time.Time `json:"as_of"`
}

// RecordPaymentRequest captures one payment event.
type RecordPaymentRequest struct {
	AccountNumber string    `json:"account_number"`
	MeterID       string    `json:"meter_id"`
	Amount        float64   `json:"amount"`
	Rate          float64   `json:"rate"`
	// KWhOverride replaces the amount/rate division when the payment source
	// already knows the vended energy.
	KWhOverride *float64  `json:"kwh_override"`
	OccurredAt  time.Time `json:"occurred_at"`
	Source      string    `json:"source"`
	// ExternalID deduplicates replays from provider ledgers. Empty means a
	// fresh internal payment.
	ExternalID string         `json:"external_id"`
	Metadata   map[string]any `json:"metadata"`
}

// RecordPaymentResponse reports the appended snapshot. Deduplicated is true
// when the external ID had already been recorded and nothing was written.
type RecordPaymentResponse struct {
	Snapshot     *transactiondomain.Snapshot
	KWhVended    float64
	NewBalance   float64
	Deduplicated bool
}

type Service interface {
	GetBalance(ctx context.Context, accountNumber string) (Balance, error)
	RecordPayment(ctx context.Context, req RecordPaymentRequest) (RecordPaymentResponse, error)
}

var (
	ErrInvalidAccount = errors.New("invalid_account")
	ErrInvalidAmount  = errors.New("invalid_amount")
	ErrInvalidRate    = errors.New("invalid_rate")
)
