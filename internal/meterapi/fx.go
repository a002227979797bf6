package meterapi

import (
	"github.com/smallbiznis/voltara/internal/config"
	"github.com/smallbiznis/voltara/internal/ratelimit"
	"github.com/smallbiznis/voltara/internal/site"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewFromConfig(cfg config.Config, registry *site.Registry, pacer *ratelimit.Pacer, log *zap.Logger) *Client {
	return NewClient(registry, pacer, log, ClientConfig{
		InitialPageSize: cfg.Ingest.InitialPageSize,
		MinPageSize:     cfg.Ingest.MinPageSize,
		MaxAttempts:     cfg.Ingest.MaxAttempts,
		BackoffBase:     cfg.Ingest.BackoffBase,
		BackoffCap:      cfg.Ingest.BackoffCap,
	})
}

var Module = fx.Module("meterapi",
	fx.Provide(NewFromConfig),
)
