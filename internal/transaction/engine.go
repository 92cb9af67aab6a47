package transaction

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"ms-orders/internal/db"
	"ms-orders/internal/logger"
	"ms-orders/internal/models"
	"ms-orders/internal/utils"
)

const (
	CodePaymentFailed       = "PAYMENT_FAILED"
	CodeTransactionNotFound = "TRANSACTION_NOT_FOUND"
	CodeAlreadySettled      = "TRANSACTION_ALREADY_SETTLED"
)

// Hook runs inside the settlement transaction; st is bound to it, so hook
// writes commit or roll back together with the status change.
type Hook func(ctx context.Context, st *db.Store, tx *models.Transaction) error

// StatusNotifier receives committed status changes for live streaming.
type StatusNotifier interface {
	EmitStatus(localID string, status models.TransactionStatus)
}

// Engine owns the transaction lifecycle: creation, gateway hand-off and
// webhook settlement. It never interprets what a transaction pays for;
// domain effects hang off the paid/failed hooks.
type Engine struct {
	store    *db.Store
	log      *logger.Logger
	adapters map[models.Gateway]Adapter

	cache  *Cache
	notify StatusNotifier

	onPaid   Hook
	onFailed Hook

	gatewayTimeout time.Duration
}

func NewEngine(store *db.Store, log *logger.Logger, gatewayTimeout time.Duration) *Engine {
	return &Engine{
		store:          store,
		log:            log,
		adapters:       make(map[models.Gateway]Adapter),
		gatewayTimeout: gatewayTimeout,
	}
}

func (e *Engine) RegisterAdapter(gateway models.Gateway, adapter Adapter) {
	e.adapters[gateway] = adapter
}

func (e *Engine) SetCache(cache *Cache)             { e.cache = cache }
func (e *Engine) SetNotifier(notify StatusNotifier) { e.notify = notify }

// SetHooks wires the settlement effects. onPaid fires exactly once per
// transaction reaching a paid status, onFailed once on FAILED or CANCELED.
func (e *Engine) SetHooks(onPaid, onFailed Hook) {
	e.onPaid = onPaid
	e.onFailed = onFailed
}

// WithStore returns a copy of the engine bound to st, typically a
// transaction-bound store. Hooks, adapters and caches are shared.
func (e *Engine) WithStore(st *db.Store) *Engine {
	clone := *e
	clone.store = st
	return &clone
}

// CreateParams describes a new settlement to open.
type CreateParams struct {
	Type     models.TransactionType
	EntityID string
	Amount   int64
	Gateway  models.Gateway
	UserID   string
	Coupon   *models.CouponMetadata
}

// Create persists a PENDING transaction. Inline gateways settle immediately:
// the transaction moves to RESOLVED and the paid hook fires before Create
// returns, all on the engine's current store.
func (e *Engine) Create(ctx context.Context, params CreateParams) (*models.Transaction, error) {
	if params.Amount < 0 {
		return nil, fmt.Errorf("invalid transaction amount %d", params.Amount)
	}
	tx := &models.Transaction{
		ID:             uuid.NewString(),
		Type:           params.Type,
		EntityID:       params.EntityID,
		Amount:         params.Amount,
		Status:         models.TransactionPending,
		Gateway:        params.Gateway,
		LocalID:        utils.GenerateLocalID(),
		UserID:         params.UserID,
		CouponMetadata: params.Coupon,
		CreatedAt:      time.Now(),
	}
	if err := e.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	e.log.LogTransaction("CREATE", tx.LocalID, fmt.Sprintf("%s for %s, amount %d via %s", tx.Type, tx.EntityID, tx.Amount, tx.Gateway))

	if tx.Gateway.Inline() {
		if err := tx.Transition(models.TransactionResolved); err != nil {
			return nil, err
		}
		if err := e.store.UpdateTransaction(ctx, tx); err != nil {
			return nil, fmt.Errorf("resolve inline transaction: %w", err)
		}
		if e.onPaid != nil {
			if err := e.onPaid(ctx, e.store, tx); err != nil {
				return nil, fmt.Errorf("paid hook for %s: %w", tx.LocalID, err)
			}
		}
		e.log.LogTransaction("RESOLVE", tx.LocalID, "settled inline")
	}
	return tx, nil
}

// ProcessPayment hands a PENDING transaction to its gateway and moves it to
// IN_PROGRESS with the gateway reference and payment URL attached. The
// gateway call is bounded by the configured timeout. A gateway failure
// leaves the row PENDING so the call can be retried; the local ID doubles as
// the gateway idempotency key, so a retry after a deadline never opens a
// second intent. Retrying a transaction already in progress returns it
// unchanged.
func (e *Engine) ProcessPayment(ctx context.Context, localID string) (*models.Transaction, error) {
	tx, err := e.store.GetTransactionByLocalID(ctx, localID)
	if err != nil {
		return nil, utils.Coded(CodeTransactionNotFound, fmt.Sprintf("transaction %s not found", localID))
	}
	if tx.Status == models.TransactionInProgress && tx.PaymentURL != "" {
		return tx, nil
	}
	if tx.Status != models.TransactionPending {
		return nil, utils.Coded(CodeAlreadySettled, fmt.Sprintf("transaction %s is %s", localID, tx.Status))
	}
	adapter, ok := e.adapters[tx.Gateway]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for gateway %s", tx.Gateway)
	}

	gctx, cancel := context.WithTimeout(ctx, e.gatewayTimeout)
	defer cancel()
	intent, err := adapter.CreateIntent(gctx, tx)
	if err != nil {
		e.log.Error("PAYMENT", fmt.Sprintf("Gateway rejected transaction %s, leaving it pending: %v", localID, err))
		return nil, utils.Coded(CodePaymentFailed, fmt.Sprintf("gateway rejected transaction %s: %v", localID, err))
	}

	tx.GatewayID = intent.GatewayID
	tx.PaymentURL = intent.PaymentURL
	if err := tx.Transition(models.TransactionInProgress); err != nil {
		return nil, err
	}
	if err := e.store.UpdateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("update transaction %s: %w", localID, err)
	}
	e.EmitStatus(ctx, tx)
	return tx, nil
}

// WebhookError carries the HTTP mapping for a webhook processing failure.
type WebhookError struct {
	Category      string // "configuration", "validation", "processing"
	StatusCode    int
	PublicError   string // safe to expose to the gateway
	InternalError string // detailed, logs only
	OriginalErr   error
}

func (e *WebhookError) Error() string {
	return e.InternalError
}

// ApplyWebhook verifies and applies one gateway notification. Redeliveries
// are absorbed twice over: the redis event claim short-circuits repeats, and
// the terminal-status check inside the row lock makes the settlement hooks
// fire at most once even if the claim is lost.
func (e *Engine) ApplyWebhook(ctx context.Context, gateway models.Gateway, payload []byte, signature string) error {
	adapter, ok := e.adapters[gateway]
	if !ok {
		return &WebhookError{
			Category:      "configuration",
			StatusCode:    http.StatusNotFound,
			PublicError:   "Unknown gateway",
			InternalError: fmt.Sprintf("no adapter registered for gateway %s", gateway),
		}
	}

	event, err := adapter.ParseWebhook(payload, signature)
	if err != nil {
		e.log.Error("WEBHOOK", fmt.Sprintf("Webhook verification failed: %v", err))
		return &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid webhook payload",
			InternalError: fmt.Sprintf("webhook verification failed: %v", err),
			OriginalErr:   err,
		}
	}
	if event == nil {
		return nil
	}

	claimed := false
	if e.cache != nil {
		fresh, cerr := e.cache.AcquireWebhookEvent(ctx, event.EventID)
		if cerr == nil && !fresh {
			e.log.Info("WEBHOOK", fmt.Sprintf("Skipping already-claimed event %s", event.EventID))
			return nil
		}
		claimed = cerr == nil
	}

	pre, err := e.store.GetTransactionByGatewayID(ctx, event.GatewayID)
	if err != nil {
		e.releaseClaim(ctx, claimed, event.EventID)
		return &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Unknown transaction",
			InternalError: fmt.Sprintf("no transaction for gateway id %s: %v", event.GatewayID, err),
			OriginalErr:   err,
		}
	}

	var settled *models.Transaction
	err = e.store.RunInTx(ctx, func(ctx context.Context, st *db.Store) error {
		tx, err := st.GetTransactionForUpdate(ctx, pre.ID)
		if err != nil {
			return err
		}
		if tx.Status.Terminal() {
			e.log.LogTransaction("WEBHOOK", tx.LocalID, fmt.Sprintf("already %s, ignoring %s", tx.Status, event.EventID))
			return nil
		}
		if err := tx.Transition(event.Status); err != nil {
			return err
		}
		tx.LastWebhookData = event.Raw
		if err := st.UpdateTransaction(ctx, tx); err != nil {
			return err
		}
		switch {
		case event.Status.Paid():
			if e.onPaid != nil {
				if err := e.onPaid(ctx, st, tx); err != nil {
					return fmt.Errorf("paid hook for %s: %w", tx.LocalID, err)
				}
			}
		case event.Status == models.TransactionFailed, event.Status == models.TransactionCanceled:
			if e.onFailed != nil {
				if err := e.onFailed(ctx, st, tx); err != nil {
					return fmt.Errorf("failed hook for %s: %w", tx.LocalID, err)
				}
			}
		}
		settled = tx
		return nil
	})
	if err != nil {
		// The settlement rolled back; give the claim back so the gateway's
		// redelivery gets another attempt instead of a silent 204.
		e.releaseClaim(ctx, claimed, event.EventID)
		return &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusInternalServerError,
			PublicError:   "Failed to process payment notification",
			InternalError: fmt.Sprintf("settle transaction for event %s: %v", event.EventID, err),
			OriginalErr:   err,
		}
	}
	if settled != nil {
		e.log.LogTransaction("WEBHOOK", settled.LocalID, fmt.Sprintf("settled as %s", settled.Status))
		e.EmitStatus(ctx, settled)
	}
	return nil
}

func (e *Engine) releaseClaim(ctx context.Context, claimed bool, eventID string) {
	if claimed && e.cache != nil {
		e.cache.ReleaseWebhookEvent(ctx, eventID)
	}
}

// EmitStatus mirrors a committed status to the cache and the SSE notifier.
func (e *Engine) EmitStatus(ctx context.Context, tx *models.Transaction) {
	if e.cache != nil {
		e.cache.SetStatus(ctx, tx.LocalID, tx.Status)
	}
	if e.notify != nil {
		e.notify.EmitStatus(tx.LocalID, tx.Status)
	}
}
