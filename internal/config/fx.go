package config

import "go.uber.org/fx"

// Module provides the immutable application configuration.
var Module = fx.Module("config",
	fx.Provide(Load),
)
