package payment

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires the fake gateway behind the retry wrapper. Swapping in a real
// provider only replaces the inner Gateway.
var Module = fx.Module("providers.payment",
	fx.Provide(func(log *zap.Logger) Gateway {
		return WithRetry(NewFakeGateway(), log)
	}),
)
