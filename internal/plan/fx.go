package plan

import (
	"context"

	plandomain "github.com/tablierhq/tablier/internal/plan/domain"
	"github.com/tablierhq/tablier/internal/plan/service"
	"go.uber.org/fx"
)

var Module = fx.Module("plan.service",
	fx.Provide(service.NewService),
	fx.Invoke(func(lc fx.Lifecycle, svc plandomain.Service) {
		loader, ok := svc.(interface{ LoadCatalog(context.Context) error })
		if !ok {
			return
		}
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return loader.LoadCatalog(ctx)
			},
		})
	}),
)
