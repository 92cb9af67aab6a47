package transaction

import (
	"context"

	"ms-orders/internal/models"
)

// Intent is what an external gateway hands back for a started payment.
type Intent struct {
	GatewayID  string
	PaymentURL string
}

// WebhookEvent is the gateway-neutral shape of a settlement notification.
type WebhookEvent struct {
	// EventID is the provider's delivery identifier, used for dedupe.
	EventID string

	// GatewayID correlates the event back to a transaction.
	GatewayID string

	Status models.TransactionStatus
	Raw    []byte
}

// Adapter abstracts an external payment gateway. Inline pseudo-gateways
// (INTERNAL_AUTO, FREE_SHIPPING) settle at creation time and never go
// through an adapter.
type Adapter interface {
	CreateIntent(ctx context.Context, tx *models.Transaction) (*Intent, error)
	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)
}
