package transaction

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"ms-orders/internal/config"
	"ms-orders/internal/logger"
	"ms-orders/internal/models"
)

// StripeAdapter settles transactions through Stripe Checkout sessions. The
// session ID becomes the transaction's gateway_id and its hosted URL the
// payment_url.
type StripeAdapter struct {
	cfg config.StripeConfig
	log *logger.Logger
}

func NewStripeAdapter(cfg config.StripeConfig, log *logger.Logger) *StripeAdapter {
	stripe.Key = cfg.SecretKey
	return &StripeAdapter{cfg: cfg, log: log}
}

// CreateIntent opens a Checkout session for the transaction amount. The
// local ID doubles as the Stripe idempotency key, so a retried call returns
// the same session instead of opening a second one.
func (a *StripeAdapter) CreateIntent(ctx context.Context, tx *models.Transaction) (*Intent, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(a.cfg.Currency),
					UnitAmount: stripe.Int64(tx.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("%s %s", tx.Type, tx.LocalID)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(a.cfg.SuccessURL),
		CancelURL:         stripe.String(a.cfg.CancelURL),
		ClientReferenceID: stripe.String(tx.LocalID),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(tx.LocalID)
	params.AddMetadata("local_id", tx.LocalID)

	sess, err := session.New(params)
	if err != nil {
		a.log.Error("PAYMENT", fmt.Sprintf("Failed to create Stripe checkout session for %s: %v", tx.LocalID, err))
		return nil, err
	}
	a.log.LogTransaction("INTENT", tx.LocalID, fmt.Sprintf("opened checkout session %s", sess.ID))
	return &Intent{GatewayID: sess.ID, PaymentURL: sess.URL}, nil
}

// ParseWebhook verifies the Stripe-Signature header and maps session events
// onto transaction statuses. Unrecognized event types return (nil, nil) so
// the sink can acknowledge them without side effects.
func (a *StripeAdapter) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	opts := webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, a.cfg.WebhookSecret, opts)
	if err != nil {
		return nil, fmt.Errorf("verify webhook signature: %w", err)
	}

	var status models.TransactionStatus
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		status = models.TransactionPaid
	case "checkout.session.async_payment_failed":
		status = models.TransactionFailed
	case "checkout.session.expired":
		status = models.TransactionCanceled
	default:
		a.log.Info("WEBHOOK", fmt.Sprintf("Ignoring Stripe event type %s", event.Type))
		return nil, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal checkout session: %w", err)
	}
	return &WebhookEvent{
		EventID:   event.ID,
		GatewayID: sess.ID,
		Status:    status,
		Raw:       payload,
	}, nil
}
