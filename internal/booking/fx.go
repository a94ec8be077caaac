package booking

import (
	"go.uber.org/fx"

	"github.com/arenda-io/arenda/internal/booking/repository"
	"github.com/arenda-io/arenda/internal/booking/service"
)

var Module = fx.Module("booking",
	fx.Provide(
		repository.Provide,
		service.New,
	),
)
