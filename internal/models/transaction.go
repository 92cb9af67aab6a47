package models

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

type TransactionType string

const (
	TransactionOrder             TransactionType = "ORDER"
	TransactionSubscription      TransactionType = "SUBSCRIPTION"
	TransactionEventHighlighting TransactionType = "EVENT_HIGHLIGHTING"
	TransactionWithdraw          TransactionType = "WITHDRAW"
)

type TransactionStatus string

const (
	TransactionPending    TransactionStatus = "PENDING"
	TransactionInProgress TransactionStatus = "IN_PROGRESS"
	TransactionPaid       TransactionStatus = "PAID"
	TransactionFailed     TransactionStatus = "FAILED"
	TransactionCanceled   TransactionStatus = "CANCELED"
	TransactionResolved   TransactionStatus = "RESOLVED"
)

// Terminal reports whether the transaction can no longer change state.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case TransactionPaid, TransactionFailed, TransactionCanceled, TransactionResolved:
		return true
	}
	return false
}

// Paid reports whether the status counts as a settled payment.
func (s TransactionStatus) Paid() bool {
	return s == TransactionPaid || s == TransactionResolved
}

type Gateway string

const (
	GatewayStripe Gateway = "STRIPE"

	// Pseudo-gateways settle inline without any external call.
	GatewayInternalAuto Gateway = "INTERNAL_AUTO"
	GatewayFreeShipping Gateway = "FREE_SHIPPING"
)

// Inline reports whether the gateway settles without a provider round trip.
func (g Gateway) Inline() bool {
	return g == GatewayInternalAuto || g == GatewayFreeShipping
}

// CouponMetadata is forwarded to the paid-signal handler on settlement. The
// transaction engine stores it verbatim; it never evaluates the discount.
type CouponMetadata struct {
	UseCoupon         bool   `json:"use_coupon"`
	CouponID          string `json:"coupon_id,omitempty"`
	CouponCode        string `json:"coupon_code,omitempty"`
	DiscountID        string `json:"discount_id,omitempty"`
	CalculationMethod string `json:"calculation_method,omitempty"`
	InitialAmount     int64  `json:"initial_amount"`
	ReducedAmount     int64  `json:"reduced_amount"`
}

// Transaction is the polymorphic settlement record keyed by (type, entity_id).
type Transaction struct {
	bun.BaseModel `bun:"table:transactions,alias:tx"`

	ID       string          `bun:"id,pk"`
	Type     TransactionType `bun:"type,notnull"`
	EntityID string          `bun:"entity_id,notnull"`

	// Amount in minor currency units.
	Amount int64 `bun:"amount,notnull"`

	Status  TransactionStatus `bun:"status,notnull"`
	Gateway Gateway           `bun:"gateway,notnull"`

	// GatewayID is the provider-side identifier, set once the intent exists.
	GatewayID  string `bun:"gateway_id"`
	PaymentURL string `bun:"payment_url"`

	// LocalID is the 15-char correlation key surfaced to the UI and webhook
	// rooms, and used as the gateway idempotency key.
	LocalID string `bun:"local_id,unique,notnull"`

	UserID string `bun:"user_id"`

	CouponMetadata  *CouponMetadata `bun:"coupon_metadata,type:jsonb,nullzero"`
	LastWebhookData []byte          `bun:"last_webhook_data,nullzero"`

	StatusUpdatedAt time.Time `bun:"status_updated_at,nullzero"`
	CreatedAt       time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// Transition validates a state change against the settlement machine:
//
//	PENDING -> IN_PROGRESS -> PAID | FAILED | CANCELED
//	PENDING -> RESOLVED (inline gateways)
func (t *Transaction) Transition(to TransactionStatus) error {
	if t.Status.Terminal() {
		return fmt.Errorf("transaction %s already terminal (%s)", t.LocalID, t.Status)
	}
	allowed := map[TransactionStatus][]TransactionStatus{
		TransactionPending:    {TransactionInProgress, TransactionResolved, TransactionFailed, TransactionCanceled},
		TransactionInProgress: {TransactionPaid, TransactionFailed, TransactionCanceled},
	}
	for _, next := range allowed[t.Status] {
		if next == to {
			t.Status = to
			t.StatusUpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("invalid transaction transition %s -> %s", t.Status, to)
}
