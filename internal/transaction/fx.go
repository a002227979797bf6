package transaction

import (
	"github.com/smallbiznis/voltara/internal/transaction/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("transaction",
	fx.Provide(repository.Provide),
)
