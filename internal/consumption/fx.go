package consumption

import (
	"github.com/smallbiznis/voltara/internal/consumption/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("consumption",
	fx.Provide(repository.Provide),
)
