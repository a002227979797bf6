// Command ingest runs one batch ingestion sweep and exits. It is meant for
// cron: re-running a window is always safe because every write path
// deduplicates on a natural key.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/voltara/internal/config"
	consumptionrepo "github.com/smallbiznis/voltara/internal/consumption/repository"
	"github.com/smallbiznis/voltara/internal/ingest"
	"github.com/smallbiznis/voltara/internal/logger"
	"github.com/smallbiznis/voltara/internal/meterapi"
	"github.com/smallbiznis/voltara/internal/migration"
	"github.com/smallbiznis/voltara/internal/ratelimit"
	"github.com/smallbiznis/voltara/internal/site"
	"github.com/smallbiznis/voltara/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type flags struct {
	sites           []string
	providers       []string
	country         string
	reverse         bool
	workers         int
	pageSize        int
	requestDelay    time.Duration
	ignoreFreshness bool
	stopIfExists    bool
	repair          bool
	staleAfter      int
}

func main() {
	var f flags

	cmd := &cobra.Command{
		Use:   "ingest [from_date] [to_date]",
		Short: "Fetch interval readings into the hourly consumption store",
		Long: `Fetch interval readings for the given date range into the hourly
consumption store. Dates are YYYY-MM-DD and inclusive; a single date ingests
one day. With --repair and no dates, scan for incomplete days and refetch
only those.`,
		Args: cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(cmd.Context(), f, args)
		},
	}

	cmd.Flags().StringSliceVar(&f.sites, "site", nil, "restrict to these site codes")
	cmd.Flags().StringSliceVar(&f.providers, "provider", nil, "restrict to these provider codes")
	cmd.Flags().StringVar(&f.country, "country", "", "restrict to providers in this country")
	cmd.Flags().BoolVar(&f.reverse, "reverse", false, "sweep each site newest-first")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "concurrent sites (default from config)")
	cmd.Flags().IntVar(&f.pageSize, "page-size", 0, "initial request page size (default from config)")
	cmd.Flags().DurationVar(&f.requestDelay, "request-delay", 0, "minimum delay between provider requests (default from config)")
	cmd.Flags().BoolVar(&f.ignoreFreshness, "ignore-freshness", false, "fetch even when the store matches the provider freshness mark")
	cmd.Flags().BoolVar(&f.stopIfExists, "stop-if-exists", false, "stop a site at the first day that already has data")
	cmd.Flags().BoolVar(&f.repair, "repair", false, "refetch incomplete days instead of a date range")
	cmd.Flags().IntVar(&f.staleAfter, "stale-after", 0, "report sites trailing their provider by more than this many days, then exit")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags, args []string) error {
	cfg := applyFlags(config.Load(), f)

	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	registry, err := site.Load(cfg)
	if err != nil {
		return err
	}

	conn, err := db.New(db.FromApp(cfg), log)
	if err != nil {
		return err
	}
	if err := migration.Run(cfg, log, conn); err != nil {
		return err
	}

	pacer := ratelimit.NewFromConfig(cfg)
	client := meterapi.NewFromConfig(cfg, registry, pacer, log)
	repo := consumptionrepo.Provide()

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	orchestrator := ingest.NewOrchestrator(ingest.Params{
		DB:              conn,
		Log:             log,
		GenID:           node,
		Fetcher:         client,
		Registry:        registry,
		ConsumptionRepo: repo,
		Config:          ingest.ConfigFromApp(cfg),
	})

	if f.repair || f.staleAfter > 0 {
		repairer := ingest.NewRepairer(ingest.RepairParams{
			DB:              conn,
			Log:             log,
			Fetcher:         client,
			Registry:        registry,
			ConsumptionRepo: repo,
			Orchestrator:    orchestrator,
		})
		if f.staleAfter > 0 {
			stale, err := repairer.Stale(ctx, f.staleAfter)
			if err != nil {
				return err
			}
			for _, s := range stale {
				log.Warn("site trails its provider",
					zap.String("site", s.Site.Code),
					zap.Time("latest_stored", s.Latest),
					zap.Time("latest_upstream", s.Upstream),
				)
			}
			log.Info("staleness check finished", zap.Int("stale_sites", len(stale)))
			return nil
		}
		summary, err := repairer.Repair(ctx, f.sites)
		if err != nil {
			return err
		}
		log.Info("repair finished", zap.Int64("rows_inserted", summary.RowsInserted))
		return nil
	}

	from, to, err := parseRange(args)
	if err != nil {
		return err
	}

	summary, err := orchestrator.Run(ctx, ingest.RunRequest{
		From:               from,
		To:                 to,
		SiteCodes:          f.sites,
		ProviderCodes:      f.providers,
		Country:            f.country,
		NewestFirst:        f.reverse,
		StopIfExists:       f.stopIfExists,
		SkipStalenessCheck: f.ignoreFreshness,
		Workers:            f.workers,
		PageSize:           f.pageSize,
	})
	if err != nil {
		return err
	}
	log.Info("ingestion finished",
		zap.String("run_id", summary.RunID),
		zap.Int64("rows_inserted", summary.RowsInserted),
	)
	return nil
}

// applyFlags folds flag overrides into the loaded config. Per-run knobs like
// --workers travel in the RunRequest instead; only settings consumed before
// the orchestrator exists are overridden here.
func applyFlags(cfg config.Config, f flags) config.Config {
	if f.requestDelay > 0 {
		cfg.Ingest.RequestDelay = f.requestDelay
	}
	return cfg
}

func parseRange(args []string) (time.Time, time.Time, error) {
	if len(args) == 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("from_date is required unless --repair is set")
	}
	from, err := time.Parse("2006-01-02", args[0])
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid from_date %q: %w", args[0], err)
	}
	to := from
	if len(args) == 2 {
		to, err = time.Parse("2006-01-02", args[1])
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to_date %q: %w", args[1], err)
		}
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("to_date %s precedes from_date %s", args[1], args[0])
	}
	return from.UTC(), to.UTC(), nil
}
