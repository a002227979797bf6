package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	balancedomain "github.com/smallbiznis/voltara/internal/balance/domain"
	"github.com/smallbiznis/voltara/internal/clock"
	consumptiondomain "github.com/smallbiznis/voltara/internal/consumption/domain"
	"github.com/smallbiznis/voltara/internal/meterapi"
	"github.com/smallbiznis/voltara/internal/metrics"
	"github.com/smallbiznis/voltara/internal/site"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LedgerReader is the slice of the upstream client the transaction poller
// needs.
type LedgerReader interface {
	Transactions(ctx context.Context, providerCode string, offset, limit int) ([]meterapi.LedgerTransaction, error)
}

// TransactionPoller mirrors provider-side vending ledgers into the snapshot
// store. Every entry goes through the balance service, the single write path
// for payments, keyed by the provider's own transaction ID so replayed pages
// deduplicate.
type TransactionPoller struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	reader   LedgerReader
	registry *site.Registry
	repo     consumptiondomain.Repository
	balances balancedomain.Service
	metrics  *metrics.Metrics
	cfg      Config
}

func NewTransactionPoller(db *gorm.DB, log *zap.Logger, clk clock.Clock, reader LedgerReader, registry *site.Registry, repo consumptiondomain.Repository, balances balancedomain.Service, m *metrics.Metrics, cfg Config) *TransactionPoller {
	return &TransactionPoller{
		db:       db,
		log:      log.Named("poller.transactions"),
		clock:    clk,
		reader:   reader,
		registry: registry,
		repo:     repo,
		balances: balances,
		metrics:  m,
		cfg:      cfg.withDefaults(),
	}
}

// RunForever polls on the configured interval until the context ends.
func (p *TransactionPoller) RunForever(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.TransactionInterval)
	defer ticker.Stop()

	for {
		if err := p.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Warn("transaction poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce walks every provider's ledger newest-first until the lookback
// cutoff.
func (p *TransactionPoller) RunOnce(ctx context.Context) error {
	var recorded, deduplicated int64
	for _, provider := range p.registry.Providers() {
		r, d, err := p.pollProvider(ctx, provider)
		recorded += r
		deduplicated += d
		if errors.Is(err, meterapi.ErrRateLimitExhausted) {
			p.log.Warn("provider quota exhausted, skipping for this cycle",
				zap.String("provider", provider.Code),
			)
			continue
		}
		if err != nil {
			p.log.Warn("ledger poll failed", zap.String("provider", provider.Code), zap.Error(err))
		}
	}

	if p.metrics != nil {
		p.metrics.PollerRows.WithLabelValues("transactions").Add(float64(recorded))
	}
	if recorded > 0 || deduplicated > 0 {
		p.log.Info("transaction poll complete",
			zap.Int64("recorded", recorded),
			zap.Int64("deduplicated", deduplicated),
		)
	}
	return ctx.Err()
}

func (p *TransactionPoller) pollProvider(ctx context.Context, provider site.Provider) (recorded, deduplicated int64, err error) {
	cutoff := p.clock.Now().Add(-p.cfg.TransactionLookback)
	offset := 0

	for {
		if ctx.Err() != nil {
			return recorded, deduplicated, ctx.Err()
		}

		page, err := p.reader.Transactions(ctx, provider.Code, offset, p.cfg.TransactionPageSize)
		if err != nil {
			return recorded, deduplicated, err
		}
		if len(page) == 0 {
			return recorded, deduplicated, nil
		}

		for _, entry := range page {
			// The ledger is newest-first; the first entry past the cutoff
			// ends the walk for this provider.
			if entry.Created.Before(cutoff) {
				return recorded, deduplicated, nil
			}
			if !isVend(entry.Kind) {
				continue
			}

			resp, err := p.record(ctx, provider, entry)
			if err != nil {
				p.log.Warn("ledger entry rejected",
					zap.String("provider", provider.Code),
					zap.String("transaction_id", entry.ID),
					zap.Error(err),
				)
				continue
			}
			if resp.Deduplicated {
				deduplicated++
			} else {
				recorded++
			}
		}

		offset += len(page)
	}
}

func (p *TransactionPoller) record(ctx context.Context, provider site.Provider, entry meterapi.LedgerTransaction) (balancedomain.RecordPaymentResponse, error) {
	account := strings.TrimSpace(entry.ToData.CustomerCode)
	if account == "" && entry.ToData.MeterSerial != "" {
		resolved, err := p.repo.AccountForMeter(ctx, p.db, entry.ToData.MeterSerial)
		if err != nil {
			return balancedomain.RecordPaymentResponse{}, err
		}
		account = resolved
	}
	if account == "" {
		return balancedomain.RecordPaymentResponse{}, fmt.Errorf("no account for ledger entry %s", entry.ID)
	}

	rate := entry.Rate
	if rate <= 0 {
		rate = provider.DefaultRate
	}

	req := balancedomain.RecordPaymentRequest{
		AccountNumber: account,
		MeterID:       entry.ToData.MeterSerial,
		Amount:        entry.Amount,
		Rate:          rate,
		OccurredAt:    entry.Created,
		Source:        provider.Code,
	}
	// An entry without a provider ID must not map to the constant
	// "<provider>:" key, or every later ID-less entry would be skipped as
	// a duplicate. Left empty, the balance service derives a deterministic
	// per-entry hash instead.
	if id := strings.TrimSpace(entry.ID); id != "" {
		req.ExternalID = provider.Code + ":" + id
	}
	if entry.Units > 0 {
		units := entry.Units
		req.KWhOverride = &units
	}

	return p.balances.RecordPayment(ctx, req)
}

// isVend reports whether a ledger entry kind represents energy sold to a
// customer.
func isVend(kind string) bool {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "credit", "payment", "vend":
		return true
	}
	return false
}
