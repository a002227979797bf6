// Package ingest drives historical interval data from the provider APIs
// into the canonical hourly store. The orchestrator owns the per-site-day
// state machine; the binner owns hourly aggregation and the degraded-response
// guard; the repairer re-drives only the gaps.
package ingest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/voltara/internal/config"
	consumptiondomain "github.com/smallbiznis/voltara/internal/consumption/domain"
	"github.com/smallbiznis/voltara/internal/meterapi"
	"github.com/smallbiznis/voltara/internal/metrics"
	"github.com/smallbiznis/voltara/internal/site"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Fetcher is the slice of the upstream client the orchestrator needs.
type Fetcher interface {
	FetchDay(ctx context.Context, s site.Site, day time.Time, pageSize int) ([]meterapi.IntervalReading, int, error)
	LatestAvailableDate(ctx context.Context, s site.Site) (time.Time, error)
}

// Config controls orchestration defaults; RunRequest fields override per run.
type Config struct {
	Workers             int
	InitialPageSize     int
	MaxConsecutiveEmpty int
	Binner              BinnerConfig
}

func DefaultConfig() Config {
	return Config{
		Workers:             4,
		InitialPageSize:     1000,
		MaxConsecutiveEmpty: 7,
		Binner:              DefaultBinnerConfig(),
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.InitialPageSize <= 0 {
		c.InitialPageSize = defaults.InitialPageSize
	}
	if c.MaxConsecutiveEmpty <= 0 {
		c.MaxConsecutiveEmpty = defaults.MaxConsecutiveEmpty
	}
	c.Binner = c.Binner.withDefaults()
	return c
}

// ConfigFromApp maps the application config onto orchestration defaults.
func ConfigFromApp(cfg config.Config) Config {
	return Config{
		Workers:             cfg.Ingest.Workers,
		InitialPageSize:     cfg.Ingest.InitialPageSize,
		MaxConsecutiveEmpty: cfg.Ingest.MaxConsecutiveEmpty,
		Binner: BinnerConfig{
			DegradedMeterMinimum: cfg.Ingest.DegradedMeterMinimum,
		},
	}.withDefaults()
}

// RunRequest selects what to ingest.
type RunRequest struct {
	From time.Time
	To   time.Time

	SiteCodes     []string
	ProviderCodes []string
	Country       string

	// NewestFirst sweeps each site's range backward in time.
	NewestFirst bool
	// StopIfExists stops a site at the first day that already has rows,
	// assuming everything before that point was imported earlier.
	StopIfExists bool
	// SkipStalenessCheck forces fetching even when the store already
	// matches the provider's freshness mark.
	SkipStalenessCheck bool

	Workers  int
	PageSize int
}

// SiteDay is one explicit unit of work, used by the repairer.
type SiteDay struct {
	Site site.Site
	Day  time.Time
}

// Summary aggregates one run. Individual failures never crash a run; they
// are counted here and logged at the end.
type Summary struct {
	RunID string

	DaysCommitted  int
	DaysEmpty      int
	DaysDegraded   int
	DaysIncomplete int
	RowsInserted   int64

	SitesSkippedStale    int
	SitesStopped         int
	RateLimitedProviders []string
}

func (s *Summary) record(outcome Outcome) {
	switch outcome.State {
	case StateCommitted:
		s.DaysCommitted++
		s.RowsInserted += outcome.Rows
	case StateEmpty:
		s.DaysEmpty++
	case StateDegraded:
		s.DaysDegraded++
	case StateIncomplete:
		s.DaysIncomplete++
	}
}

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Fetcher         Fetcher
	Registry        *site.Registry
	ConsumptionRepo consumptiondomain.Repository
	Metrics         *metrics.Metrics `optional:"true"`
	Config          Config           `optional:"true"`
}

type Orchestrator struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	fetcher  Fetcher
	registry *site.Registry
	repo     consumptiondomain.Repository
	metrics  *metrics.Metrics
	cfg      Config
}

func NewOrchestrator(p Params) *Orchestrator {
	return &Orchestrator{
		db:       p.DB,
		log:      p.Log.Named("ingest.orchestrator"),
		genID:    p.GenID,
		fetcher:  p.Fetcher,
		registry: p.Registry,
		repo:     p.ConsumptionRepo,
		metrics:  p.Metrics,
		cfg:      p.Config.withDefaults(),
	}
}

// exhaustedSet tracks providers whose quota is spent for the remainder of
// the run. Cooperative: it never aborts sibling providers or committed work.
type exhaustedSet struct {
	mu        sync.Mutex
	providers map[string]bool
}

func newExhaustedSet() *exhaustedSet {
	return &exhaustedSet{providers: make(map[string]bool)}
}

func (e *exhaustedSet) mark(provider string) {
	e.mu.Lock()
	e.providers[provider] = true
	e.mu.Unlock()
}

func (e *exhaustedSet) has(provider string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.providers[provider]
}

func (e *exhaustedSet) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.providers))
	for p := range e.providers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Run ingests the requested date range across the selected sites.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (Summary, error) {
	sites := o.registry.Filter(req.SiteCodes, req.ProviderCodes, req.Country)
	work := make([][]SiteDay, 0, len(sites))
	for _, s := range sites {
		days := daysForSite(s, req.From, req.To, req.NewestFirst)
		if len(days) == 0 {
			continue
		}
		batch := make([]SiteDay, 0, len(days))
		for _, day := range days {
			batch = append(batch, SiteDay{Site: s, Day: day})
		}
		work = append(work, batch)
	}
	return o.run(ctx, work, req)
}

// RunDays ingests an explicit (site, day) list, preserving its order within
// each site. Used by the repairer.
func (o *Orchestrator) RunDays(ctx context.Context, days []SiteDay) (Summary, error) {
	bySite := make(map[string][]SiteDay)
	var order []string
	for _, sd := range days {
		if _, seen := bySite[sd.Site.Code]; !seen {
			order = append(order, sd.Site.Code)
		}
		bySite[sd.Site.Code] = append(bySite[sd.Site.Code], sd)
	}
	work := make([][]SiteDay, 0, len(order))
	for _, code := range order {
		work = append(work, bySite[code])
	}
	// Explicit day lists name exactly the gaps to fill; staleness does not
	// apply.
	return o.run(ctx, work, RunRequest{SkipStalenessCheck: true})
}

func (o *Orchestrator) run(ctx context.Context, work [][]SiteDay, req RunRequest) (Summary, error) {
	workers := req.Workers
	if workers <= 0 {
		workers = o.cfg.Workers
	}

	summary := Summary{RunID: uuid.NewString()}
	log := o.log.With(zap.String("run_id", summary.RunID))

	exhausted := newExhaustedSet()
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, batch := range work {
		batch := batch
		g.Go(func() error {
			siteSummary := o.runSite(gctx, log, batch, req, exhausted)
			mu.Lock()
			summary.DaysCommitted += siteSummary.DaysCommitted
			summary.DaysEmpty += siteSummary.DaysEmpty
			summary.DaysDegraded += siteSummary.DaysDegraded
			summary.DaysIncomplete += siteSummary.DaysIncomplete
			summary.RowsInserted += siteSummary.RowsInserted
			summary.SitesSkippedStale += siteSummary.SitesSkippedStale
			summary.SitesStopped += siteSummary.SitesStopped
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	summary.RateLimitedProviders = exhausted.list()
	if o.metrics != nil {
		o.metrics.RateLimitedProviders.Add(float64(len(summary.RateLimitedProviders)))
	}

	log.Info("ingestion run complete",
		zap.Int("days_committed", summary.DaysCommitted),
		zap.Int("days_empty", summary.DaysEmpty),
		zap.Int("days_degraded", summary.DaysDegraded),
		zap.Int("days_incomplete", summary.DaysIncomplete),
		zap.Int64("rows_inserted", summary.RowsInserted),
		zap.Strings("rate_limited_providers", summary.RateLimitedProviders),
	)
	return summary, ctx.Err()
}

func (o *Orchestrator) runSite(ctx context.Context, log *zap.Logger, days []SiteDay, req RunRequest, exhausted *exhaustedSet) Summary {
	if len(days) == 0 {
		return Summary{}
	}
	s := days[0].Site
	log = log.With(zap.String("site", s.Code), zap.String("provider", s.ProviderCode))

	var summary Summary
	if exhausted.has(s.ProviderCode) {
		log.Info("provider quota exhausted, skipping site")
		return summary
	}

	if !req.SkipStalenessCheck {
		skip, err := o.siteIsFresh(ctx, s)
		if errors.Is(err, meterapi.ErrRateLimitExhausted) {
			exhausted.mark(s.ProviderCode)
			return summary
		}
		if err != nil {
			log.Warn("freshness check failed, fetching anyway", zap.Error(err))
		} else if skip {
			log.Info("store already at provider freshness mark, skipping site")
			summary.SitesSkippedStale++
			return summary
		}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = o.cfg.InitialPageSize
	}

	consecutiveBad := 0
	for _, sd := range days {
		if ctx.Err() != nil {
			return summary
		}
		if exhausted.has(s.ProviderCode) {
			return summary
		}

		if req.StopIfExists {
			count, err := o.repo.CountForDay(ctx, o.db, community(s), sd.Day)
			if err != nil {
				log.Warn("existing-day probe failed", zap.Error(err))
			} else if count > 0 {
				log.Info("reached previously imported data, stopping site",
					zap.Time("day", sd.Day),
				)
				summary.SitesStopped++
				return summary
			}
		}

		outcome, usedPageSize := o.processDay(ctx, log, s, sd.Day, pageSize)
		pageSize = usedPageSize
		summary.record(outcome)
		if o.metrics != nil {
			o.metrics.IngestDays.WithLabelValues(string(outcome.State)).Inc()
		}

		switch outcome.State {
		case StateRateLimited:
			exhausted.mark(s.ProviderCode)
			log.Warn("provider quota exhausted")
			return summary
		case StateEmpty, StateDegraded, StateIncomplete:
			consecutiveBad++
			if consecutiveBad >= o.cfg.MaxConsecutiveEmpty {
				log.Warn("too many consecutive empty or incomplete days, stopping site",
					zap.Int("consecutive", consecutiveBad),
				)
				summary.SitesStopped++
				return summary
			}
		default:
			consecutiveBad = 0
		}
	}
	return summary
}

// processDay runs the fetch-bin-commit sequence for one site-day. Each
// successful day commits in its own transaction so a later failure cannot
// roll back earlier days and the run can resume.
func (o *Orchestrator) processDay(ctx context.Context, log *zap.Logger, s site.Site, day time.Time, pageSize int) (Outcome, int) {
	records, usedPageSize, err := o.fetcher.FetchDay(ctx, s, day, pageSize)
	switch {
	case errors.Is(err, meterapi.ErrRateLimitExhausted):
		return RateLimited(), usedPageSize
	case errors.Is(err, meterapi.ErrIncompleteDay):
		return Incomplete(0), usedPageSize
	case err != nil:
		log.Warn("day fetch failed", zap.Time("day", day), zap.Error(err))
		return Incomplete(0), usedPageSize
	}

	result := BinHourly(records, o.cfg.Binner)
	if result.Degraded {
		log.Warn("degraded aggregate response, discarding day", zap.Time("day", day))
		return Degraded(), usedPageSize
	}
	if len(result.Points) == 0 {
		return Empty(), usedPageSize
	}

	rows := make([]consumptiondomain.HourlyBucket, 0, len(result.Points))
	for _, point := range result.Points {
		rows = append(rows, consumptiondomain.HourlyBucket{
			ID:            o.genID.Generate(),
			AccountNumber: point.CustomerCode,
			MeterID:       point.MeterSerial,
			ReadingHour:   point.Hour,
			KWh:           point.KWh,
			Community:     community(s),
			Source:        s.ProviderCode,
		})
	}

	var inserted int64
	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		inserted, txErr = o.repo.InsertBatch(ctx, tx, rows)
		return txErr
	})
	if err != nil {
		log.Warn("day commit failed", zap.Time("day", day), zap.Error(err))
		return Incomplete(0), usedPageSize
	}

	log.Debug("day committed",
		zap.Time("day", day),
		zap.Int("buckets", len(rows)),
		zap.Int64("inserted", inserted),
	)
	return Committed(inserted), usedPageSize
}

func (o *Orchestrator) siteIsFresh(ctx context.Context, s site.Site) (bool, error) {
	latest, err := o.repo.MaxReadingHour(ctx, o.db, community(s))
	if err != nil || latest.IsZero() {
		return false, err
	}
	upstream, err := o.fetcher.LatestAvailableDate(ctx, s)
	if err != nil {
		return false, err
	}
	return !latest.Truncate(24 * time.Hour).Before(upstream.Truncate(24 * time.Hour)), nil
}

func community(s site.Site) string {
	if s.Community != "" {
		return s.Community
	}
	return s.Code
}

func daysForSite(s site.Site, from, to time.Time, newestFirst bool) []time.Time {
	from = from.UTC().Truncate(24 * time.Hour)
	to = to.UTC().Truncate(24 * time.Hour)
	if !s.EarliestValid.IsZero() {
		earliest := s.EarliestValid.UTC().Truncate(24 * time.Hour)
		if from.Before(earliest) {
			from = earliest
		}
	}
	if to.Before(from) {
		return nil
	}

	var days []time.Time
	for day := from; !day.After(to); day = day.Add(24 * time.Hour) {
		days = append(days, day)
	}
	if newestFirst {
		for i, j := 0, len(days)-1; i < j; i, j = i+1, j-1 {
			days[i], days[j] = days[j], days[i]
		}
	}
	return days
}
