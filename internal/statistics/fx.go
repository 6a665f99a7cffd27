package statistics

import (
	"github.com/smallbiznis/feeledger/internal/statistics/service"
	"go.uber.org/fx"
)

var Module = fx.Module("statistics.service",
	fx.Provide(service.New),
)
