package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// GenerateForPeriod builds the draft invoice for the subscription's
	// current period. Generating twice for the same period returns the
	// first invoice unchanged.
	GenerateForPeriod(ctx context.Context, subscriptionID snowflake.ID) (Invoice, error)
	// Finalize moves a draft to OPEN, submits the charge and notifies the
	// restaurant.
	Finalize(ctx context.Context, invoiceID snowflake.ID) (Invoice, error)
	MarkPaid(ctx context.Context, invoiceID snowflake.ID) (Invoice, error)
	MarkVoid(ctx context.Context, invoiceID snowflake.ID) (Invoice, error)
	GetByID(ctx context.Context, invoiceID snowflake.ID) (Invoice, error)
	ListForRestaurant(ctx context.Context, restaurantID snowflake.ID) ([]Invoice, error)
}

var (
	ErrInvoiceNotFound      = errors.New("invoice_not_found")
	ErrInvalidInvoiceStatus = errors.New("invalid_invoice_status")
)
