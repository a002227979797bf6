package poller

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	consumptiondomain "github.com/smallbiznis/voltara/internal/consumption/domain"
	"github.com/smallbiznis/voltara/internal/meterapi"
	"github.com/smallbiznis/voltara/internal/metrics"
	"github.com/smallbiznis/voltara/internal/site"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LiveReader is the slice of the upstream client the live poller needs.
type LiveReader interface {
	LatestReadings(ctx context.Context, s site.Site) ([]meterapi.IntervalReading, error)
}

// LivePoller captures the newest reading per meter between batch runs. Rows
// land in the same hourly store as batch ingestion; the (meter, hour) key
// deduplicates against both repeated polls and a later batch sweep.
type LivePoller struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	reader   LiveReader
	registry *site.Registry
	repo     consumptiondomain.Repository
	metrics  *metrics.Metrics
	cfg      Config
}

func NewLivePoller(db *gorm.DB, log *zap.Logger, genID *snowflake.Node, reader LiveReader, registry *site.Registry, repo consumptiondomain.Repository, m *metrics.Metrics, cfg Config) *LivePoller {
	return &LivePoller{
		db:       db,
		log:      log.Named("poller.live"),
		genID:    genID,
		reader:   reader,
		registry: registry,
		repo:     repo,
		metrics:  m,
		cfg:      cfg.withDefaults(),
	}
}

// RunForever polls on the configured interval until the context ends.
func (p *LivePoller) RunForever(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.LiveInterval)
	defer ticker.Stop()

	for {
		if err := p.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Warn("live poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce polls every site once. A rate limited provider skips its remaining
// sites for this cycle; other per-site failures are logged and skipped.
func (p *LivePoller) RunOnce(ctx context.Context) error {
	exhausted := make(map[string]bool)
	var inserted int64

	for _, s := range p.registry.Sites() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if exhausted[s.ProviderCode] {
			continue
		}

		readings, err := p.reader.LatestReadings(ctx, s)
		if errors.Is(err, meterapi.ErrRateLimitExhausted) {
			p.log.Warn("provider quota exhausted, skipping for this cycle",
				zap.String("provider", s.ProviderCode),
			)
			exhausted[s.ProviderCode] = true
			continue
		}
		if err != nil {
			p.log.Warn("live fetch failed", zap.String("site", s.Code), zap.Error(err))
			continue
		}

		n, err := p.store(ctx, s, readings)
		if err != nil {
			p.log.Warn("live store failed", zap.String("site", s.Code), zap.Error(err))
			continue
		}
		inserted += n
	}

	if p.metrics != nil {
		p.metrics.PollerRows.WithLabelValues("live").Add(float64(inserted))
	}
	if inserted > 0 {
		p.log.Info("live poll complete", zap.Int64("rows_inserted", inserted))
	}
	return nil
}

func (p *LivePoller) store(ctx context.Context, s site.Site, readings []meterapi.IntervalReading) (int64, error) {
	rows := make([]consumptiondomain.HourlyBucket, 0, len(readings))
	for _, reading := range readings {
		if reading.MeterSerial == "" || reading.Timestamp.IsZero() {
			continue
		}
		rows = append(rows, consumptiondomain.HourlyBucket{
			ID:            p.genID.Generate(),
			AccountNumber: reading.CustomerCode,
			MeterID:       reading.MeterSerial,
			ReadingHour:   reading.Timestamp.UTC().Truncate(time.Hour),
			KWh:           reading.KWh(),
			Community:     communityOf(s),
			Source:        s.ProviderCode,
		})
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return p.repo.InsertBatch(ctx, p.db, rows)
}

func communityOf(s site.Site) string {
	if s.Community != "" {
		return s.Community
	}
	return s.Code
}
