package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/voltara/internal/balance/domain"
	"github.com/smallbiznis/voltara/internal/clock"
	consumptiondomain "github.com/smallbiznis/voltara/internal/consumption/domain"
	transactiondomain "github.com/smallbiznis/voltara/internal/transaction/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	ConsumptionRepo consumptiondomain.Repository
	TransactionRepo transactiondomain.Repository
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	consumptionRepo consumptiondomain.Repository
	transactionRepo transactiondomain.Repository
}

func NewService(p Params) balancedomain.Service {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("balance.service"),
		genID:           p.GenID,
		clock:           p.Clock,
		consumptionRepo: p.ConsumptionRepo,
		transactionRepo: p.TransactionRepo,
	}
}

// GetBalance recomputes the live kWh balance from the latest snapshot plus
// consumption accumulated since. Nothing stores a running total; correcting
// or backfilling history can never leave a stale balance behind.
func (s *Service) GetBalance(ctx context.Context, accountNumber string) (balancedomain.Balance, error) {
	accountNumber = strings.TrimSpace(accountNumber)
	if accountNumber == "" {
		return balancedomain.Balance{}, balancedomain.ErrInvalidAccount
	}
	return s.balance(ctx, s.db, accountNumber)
}

func (s *Service) balance(ctx context.Context, db *gorm.DB, accountNumber string) (balancedomain.Balance, error) {
	snapshot, err := s.transactionRepo.LatestForAccount(ctx, db, accountNumber)
	if err != nil {
		return balancedomain.Balance{}, err
	}

	base := 0.0
	since := time.Time{}
	if snapshot != nil {
		base = snapshot.CurrentBalance
		since = snapshot.TransactionDate
	}

	consumed, err := s.consumptionRepo.SumSince(ctx, db, accountNumber, since)
	if err != nil {
		return balancedomain.Balance{}, err
	}

	return balancedomain.Balance{
		AccountNumber: accountNumber,
		KWh:           base - consumed,
		AsOf:          s.clock.Now(),
	}, nil
}

// RecordPayment appends a new snapshot carrying the recomputed balance. This
// is the only way balance moves forward; the snapshot and its balance commit
// atomically in one transaction.
func (s *Service) RecordPayment(ctx context.Context, req balancedomain.RecordPaymentRequest) (balancedomain.RecordPaymentResponse, error) {
	accountNumber := strings.TrimSpace(req.AccountNumber)
	if accountNumber == "" {
		return balancedomain.RecordPaymentResponse{}, balancedomain.ErrInvalidAccount
	}
	if req.Amount <= 0 {
		return balancedomain.RecordPaymentResponse{}, balancedomain.ErrInvalidAmount
	}

	kwh := 0.0
	switch {
	case req.KWhOverride != nil:
		kwh = *req.KWhOverride
	case req.Rate > 0:
		kwh = req.Amount / req.Rate
	default:
		return balancedomain.RecordPaymentResponse{}, balancedomain.ErrInvalidRate
	}

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now()
	}
	occurredAt = occurredAt.UTC()

	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "internal"
	}

	snapshot := &transactiondomain.Snapshot{
		ID:                s.genID.Generate(),
		AccountNumber:     accountNumber,
		MeterID:           strings.TrimSpace(req.MeterID),
		TransactionDate:   occurredAt,
		TransactionAmount: req.Amount,
		RateUsed:          req.Rate,
		KWhValue:          kwh,
		IsPayment:         true,
		Source:            source,
		CreatedAt:         s.clock.Now(),
	}
	snapshot.ExternalID = strings.TrimSpace(req.ExternalID)
	if snapshot.ExternalID == "" {
		snapshot.ExternalID = transactiondomain.FallbackExternalID(accountNumber, occurredAt, req.Amount)
	}
	if req.Metadata != nil {
		snapshot.Metadata = datatypes.JSONMap(req.Metadata)
	}

	var resp balancedomain.RecordPaymentResponse
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.balance(ctx, tx, accountNumber)
		if err != nil {
			return err
		}
		snapshot.CurrentBalance = current.KWh + kwh

		inserted, err := s.transactionRepo.Insert(ctx, tx, snapshot)
		if err != nil {
			return err
		}
		resp = balancedomain.RecordPaymentResponse{
			Snapshot:     snapshot,
			KWhVended:    kwh,
			NewBalance:   snapshot.CurrentBalance,
			Deduplicated: !inserted,
		}
		return nil
	})
	if err != nil {
		return balancedomain.RecordPaymentResponse{}, err
	}

	if resp.Deduplicated {
		s.log.Debug("payment already recorded",
			zap.String("account", accountNumber),
			zap.String("external_id", snapshot.ExternalID),
		)
	} else {
		s.log.Info("payment recorded",
			zap.String("account", accountNumber),
			zap.Float64("amount", req.Amount),
			zap.Float64("kwh", kwh),
			zap.Float64("new_balance", snapshot.CurrentBalance),
			zap.String("source", source),
		)
	}

	return resp, nil
}
