package refund

import (
	"go.uber.org/fx"

	"github.com/arenda-io/arenda/internal/refund/repository"
	"github.com/arenda-io/arenda/internal/refund/service"
)

var Module = fx.Module("refund",
	fx.Provide(
		repository.Provide,
		service.New,
	),
)
