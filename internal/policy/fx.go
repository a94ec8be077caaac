package policy

import (
	"go.uber.org/fx"

	"github.com/arenda-io/arenda/internal/config"
)

var Module = fx.Module("policy",
	fx.Provide(
		func(cfg config.Config) *Engine {
			return NewEngine(cfg.Refund)
		},
	),
)
