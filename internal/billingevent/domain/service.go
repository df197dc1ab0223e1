package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// DispatchStats summarizes one dispatcher pass.
type DispatchStats struct {
	Processed int `json:"processed"`
	Discarded int `json:"discarded"`
	Failed    int `json:"failed"`
}

type Service interface {
	// Ingest verifies the webhook signature, persists the event in the inbox
	// and acknowledges. Redeliveries of the same provider event id return the
	// stored row without a second insert.
	Ingest(ctx context.Context, body []byte, signature string) (ProviderEvent, error)
	// DispatchPending applies received events oldest first. Each event
	// commits independently so one poison event cannot block the rest.
	DispatchPending(ctx context.Context, limit int) (DispatchStats, error)
	ListForRestaurant(ctx context.Context, restaurantID snowflake.ID) ([]ProviderEvent, error)
}

var (
	ErrInvalidSignature    = errors.New("invalid_webhook_signature")
	ErrMalformedEvent      = errors.New("malformed_provider_event")
	ErrUnknownEventType    = errors.New("unknown_provider_event_type")
	ErrSigningSecretNotSet = errors.New("webhook_signing_secret_not_set")
)
