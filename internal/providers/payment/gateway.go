// Package payment abstracts the external payment provider. Outcomes arrive
// asynchronously through webhooks; the gateway only submits intents.
package payment

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type ChargeRequest struct {
	RestaurantID snowflake.ID
	InvoiceID    snowflake.ID
	Amount       int64
	Currency     string
}

type ChargeResult struct {
	ProviderRef string
	Accepted    bool
}

type RefundRequest struct {
	RestaurantID snowflake.ID
	ProviderRef  string
	Amount       int64
}

type RefundResult struct {
	ProviderRef string
	Accepted    bool
}

type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

var ErrProviderUnavailable = errors.New("payment_provider_unavailable")
