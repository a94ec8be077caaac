package gateway

import (
	"github.com/arenda-io/arenda/internal/config"
	"github.com/arenda-io/arenda/internal/gateway/adapters"
	"github.com/arenda-io/arenda/internal/gateway/adapters/stripe"
	"github.com/arenda-io/arenda/internal/gateway/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("gateway",
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewFactory(),
		)
	}),
	fx.Provide(New),
)

// New constructs the process-wide gateway client from injected configuration.
func New(registry *adapters.Registry, cfg config.Config) (domain.Gateway, error) {
	return registry.New(cfg.Gateway.Provider, cfg.Gateway)
}
