package limits

import (
	"github.com/smallbiznis/tokenmeter/internal/limits/service"
	"go.uber.org/fx"
)

var Module = fx.Module("limits.service",
	fx.Provide(service.NewService),
)
