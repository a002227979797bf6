package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	consumptiondomain "github.com/smallbiznis/voltara/internal/consumption/domain"
	"github.com/smallbiznis/voltara/internal/meterapi"
	"github.com/smallbiznis/voltara/internal/metrics"
	"github.com/smallbiznis/voltara/internal/site"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrProviderDegraded means the health probe saw the provider returning
// aggregate-shaped data for a day known to be complete. Refetching gaps in
// that state would commit corrupt hours, so the repair run stops before
// touching anything.
var ErrProviderDegraded = errors.New("provider_degraded")

type RepairParams struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	Fetcher         Fetcher
	Registry        *site.Registry
	ConsumptionRepo consumptiondomain.Repository
	Orchestrator    *Orchestrator
	Metrics         *metrics.Metrics `optional:"true"`
}

// Repairer finds days with fewer than 24 distinct hours and re-drives the
// orchestrator over them, newest first.
type Repairer struct {
	db       *gorm.DB
	log      *zap.Logger
	fetcher  Fetcher
	registry *site.Registry
	repo     consumptiondomain.Repository
	orch     *Orchestrator
	metrics  *metrics.Metrics
}

func NewRepairer(p RepairParams) *Repairer {
	return &Repairer{
		db:       p.DB,
		log:      p.Log.Named("ingest.repairer"),
		fetcher:  p.Fetcher,
		registry: p.Registry,
		repo:     p.ConsumptionRepo,
		orch:     p.Orchestrator,
		metrics:  p.Metrics,
	}
}

// Repair scans the selected sites for incomplete days and refetches them.
// Before any refetch it probes one known-complete day per provider; a probe
// that comes back degraded aborts the whole run.
func (r *Repairer) Repair(ctx context.Context, siteCodes []string) (Summary, error) {
	sites := r.registry.Filter(siteCodes, nil, "")

	var work []SiteDay
	probed := make(map[string]bool)
	for _, s := range sites {
		gaps, err := r.gapsForSite(ctx, s)
		if err != nil {
			r.recordResult("scan_error")
			return Summary{}, fmt.Errorf("scan %s: %w", s.Code, err)
		}
		if len(gaps) == 0 {
			continue
		}
		if !probed[s.ProviderCode] {
			if err := r.probeProvider(ctx, s); err != nil {
				r.recordResult("probe_failed")
				return Summary{}, err
			}
			probed[s.ProviderCode] = true
		}
		work = append(work, gaps...)
	}

	if len(work) == 0 {
		r.log.Info("no incomplete days found")
		r.recordResult("clean")
		return Summary{}, nil
	}

	r.log.Info("repairing incomplete days", zap.Int("days", len(work)))
	summary, err := r.orch.RunDays(ctx, work)
	if err != nil {
		r.recordResult("run_error")
		return summary, err
	}
	r.recordResult("repaired")
	return summary, nil
}

// gapsForSite lists the site's incomplete days between its earliest valid
// date and its latest committed hour, newest first. The scan stops at the
// store's own high-water mark rather than today, so a site that is simply
// behind is handled by a normal run, not flagged as gapped.
func (r *Repairer) gapsForSite(ctx context.Context, s site.Site) ([]SiteDay, error) {
	latest, err := r.repo.MaxReadingHour(ctx, r.db, community(s))
	if err != nil {
		return nil, err
	}
	if latest.IsZero() {
		return nil, nil
	}

	from := s.EarliestValid.UTC().Truncate(24 * time.Hour)
	// The newest day is usually still filling in; never treat it as a gap.
	to := latest.UTC().Truncate(24 * time.Hour).Add(-24 * time.Hour)
	if from.IsZero() || to.Before(from) {
		return nil, nil
	}

	incomplete, err := r.repo.IncompleteDays(ctx, r.db, community(s), from, to)
	if err != nil {
		return nil, err
	}

	days := make([]SiteDay, 0, len(incomplete))
	for _, gap := range incomplete {
		days = append(days, SiteDay{Site: s, Day: gap.Day})
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Day.After(days[j].Day) })

	if len(days) > 0 {
		r.log.Info("found incomplete days",
			zap.String("site", s.Code),
			zap.Int("count", len(days)),
			zap.Time("oldest", days[len(days)-1].Day),
			zap.Time("newest", days[0].Day),
		)
	}
	return days, nil
}

// probeProvider refetches one day the store already holds in full and checks
// the response still has hourly shape. Gaps usually share one upstream cause;
// when the provider is currently serving aggregates, every refetch would
// produce the same corrupt answer.
func (r *Repairer) probeProvider(ctx context.Context, s site.Site) error {
	day, err := r.repo.CompleteDay(ctx, r.db, community(s))
	if err != nil {
		return fmt.Errorf("probe %s: %w", s.ProviderCode, err)
	}
	if day.IsZero() {
		// Nothing complete to compare against; let the run proceed and rely
		// on the binner's per-day guard.
		r.log.Warn("no complete day available for probe", zap.String("site", s.Code))
		return nil
	}

	records, _, err := r.fetcher.FetchDay(ctx, s, day, 0)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: probe fetch %s: %v", ErrProviderDegraded, s.ProviderCode, err)
	}

	hours := make(map[time.Time]bool)
	for _, record := range records {
		if record.Timestamp.IsZero() {
			continue
		}
		hours[record.Timestamp.UTC().Truncate(time.Hour)] = true
	}
	if len(hours) <= 1 {
		r.log.Error("health probe returned aggregate-shaped data, aborting repair",
			zap.String("provider", s.ProviderCode),
			zap.String("site", s.Code),
			zap.Time("probe_day", day),
			zap.Int("distinct_hours", len(hours)),
		)
		return fmt.Errorf("%w: provider %s", ErrProviderDegraded, s.ProviderCode)
	}

	r.log.Info("health probe passed",
		zap.String("provider", s.ProviderCode),
		zap.Time("probe_day", day),
		zap.Int("distinct_hours", len(hours)),
	)
	return nil
}

// Stale reports sites whose latest committed hour trails the provider's
// freshness mark by more than the given number of days.
func (r *Repairer) Stale(ctx context.Context, maxLagDays int) ([]StaleSite, error) {
	if maxLagDays <= 0 {
		maxLagDays = 2
	}

	var stale []StaleSite
	for _, s := range r.registry.Sites() {
		latest, err := r.repo.MaxReadingHour(ctx, r.db, community(s))
		if err != nil {
			return nil, err
		}
		upstream, err := r.fetcher.LatestAvailableDate(ctx, s)
		if err != nil {
			if errors.Is(err, meterapi.ErrRateLimitExhausted) {
				return stale, err
			}
			r.log.Warn("freshness check failed", zap.String("site", s.Code), zap.Error(err))
			continue
		}
		lag := upstream.Sub(latest)
		if latest.IsZero() || lag > time.Duration(maxLagDays)*24*time.Hour {
			stale = append(stale, StaleSite{Site: s, Latest: latest, Upstream: upstream})
		}
	}
	return stale, nil
}

// StaleSite names a site whose store trails its provider.
type StaleSite struct {
	Site     site.Site
	Latest   time.Time
	Upstream time.Time
}

func (r *Repairer) recordResult(result string) {
	if r.metrics != nil {
		r.metrics.RepairRuns.WithLabelValues(result).Inc()
	}
}
