package subscription

import (
	"github.com/tablierhq/tablier/internal/subscription/repository"
	"github.com/tablierhq/tablier/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
