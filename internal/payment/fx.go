package payment

import (
	"go.uber.org/fx"

	"github.com/arenda-io/arenda/internal/payment/repository"
	"github.com/arenda-io/arenda/internal/payment/service"
)

var Module = fx.Module("payment",
	fx.Provide(
		repository.ProvideJournal,
		service.New,
		service.NewDispatcher,
	),
)
