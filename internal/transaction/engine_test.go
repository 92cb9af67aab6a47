package transaction_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-orders/internal/db"
	"ms-orders/internal/logger"
	"ms-orders/internal/models"
	"ms-orders/internal/transaction"
	"ms-orders/internal/utils"
)

// fakeAdapter scripts gateway behavior for the engine tests.
type fakeAdapter struct {
	intentErr error
	parsed    *transaction.WebhookEvent
	parseErr  error
	calls     int
}

func (f *fakeAdapter) CreateIntent(_ context.Context, tx *models.Transaction) (*transaction.Intent, error) {
	f.calls++
	if f.intentErr != nil {
		return nil, f.intentErr
	}
	return &transaction.Intent{
		GatewayID:  "gw_" + tx.LocalID,
		PaymentURL: "https://pay.example.com/" + tx.LocalID,
	}, nil
}

func (f *fakeAdapter) ParseWebhook(_ []byte, _ string) (*transaction.WebhookEvent, error) {
	if f.parseErr != nil {
		return nil, f.parseErr
	}
	return f.parsed, nil
}

func newTestEngine(t *testing.T) (*transaction.Engine, *db.Store, *fakeAdapter) {
	t.Helper()
	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	require.NoError(t, db.Migrate(context.Background(), bunDB))
	t.Cleanup(func() { _ = bunDB.Close() })

	store := db.New(bunDB, logger.NewLogger())
	engine := transaction.NewEngine(store, logger.NewLogger(), 5*time.Second)
	adapter := &fakeAdapter{}
	engine.RegisterAdapter(models.GatewayStripe, adapter)
	return engine, store, adapter
}

func TestCreatePendingTransaction(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	tx, err := engine.Create(ctx, transaction.CreateParams{
		Type:     models.TransactionOrder,
		EntityID: uuid.NewString(),
		Amount:   2500,
		Gateway:  models.GatewayStripe,
		UserID:   "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionPending, tx.Status)
	assert.Len(t, tx.LocalID, 15)

	got, err := store.GetTransactionByLocalID(ctx, tx.LocalID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)
}

func TestCreateInlineSettlesAndFiresPaidHook(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	var hookCalls int
	engine.SetHooks(func(_ context.Context, _ *db.Store, tx *models.Transaction) error {
		hookCalls++
		assert.Equal(t, models.TransactionResolved, tx.Status)
		return nil
	}, nil)

	tx, err := engine.Create(ctx, transaction.CreateParams{
		Type:     models.TransactionOrder,
		EntityID: uuid.NewString(),
		Amount:   0,
		Gateway:  models.GatewayFreeShipping,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionResolved, tx.Status)
	assert.Equal(t, 1, hookCalls)
}

func TestProcessPaymentAttachesIntent(t *testing.T) {
	engine, store, adapter := newTestEngine(t)
	ctx := context.Background()

	tx, err := engine.Create(ctx, transaction.CreateParams{
		Type: models.TransactionOrder, EntityID: uuid.NewString(), Amount: 2500, Gateway: models.GatewayStripe,
	})
	require.NoError(t, err)

	processed, err := engine.ProcessPayment(ctx, tx.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionInProgress, processed.Status)
	assert.Equal(t, "gw_"+tx.LocalID, processed.GatewayID)
	assert.NotEmpty(t, processed.PaymentURL)

	// A retry returns the same transaction without a second gateway call.
	again, err := engine.ProcessPayment(ctx, tx.LocalID)
	require.NoError(t, err)
	assert.Equal(t, processed.GatewayID, again.GatewayID)
	assert.Equal(t, 1, adapter.calls)

	got, err := store.GetTransactionByLocalID(ctx, tx.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionInProgress, got.Status)
}

func TestProcessPaymentGatewayFailureLeavesPending(t *testing.T) {
	engine, store, adapter := newTestEngine(t)
	ctx := context.Background()
	adapter.intentErr = errors.New("gateway down")

	tx, err := engine.Create(ctx, transaction.CreateParams{
		Type: models.TransactionOrder, EntityID: uuid.NewString(), Amount: 2500, Gateway: models.GatewayStripe,
	})
	require.NoError(t, err)

	_, err = engine.ProcessPayment(ctx, tx.LocalID)
	require.Error(t, err)
	assert.Equal(t, transaction.CodePaymentFailed, utils.CodeOf(err, ""))

	// A transient gateway failure must not consume the transaction.
	got, err := store.GetTransactionByLocalID(ctx, tx.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionPending, got.Status)

	// Once the gateway recovers, the retry goes through.
	adapter.intentErr = nil
	retried, err := engine.ProcessPayment(ctx, tx.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionInProgress, retried.Status)
	assert.Equal(t, "gw_"+tx.LocalID, retried.GatewayID)
}

func TestProcessPaymentUnknownTransaction(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, err := engine.ProcessPayment(context.Background(), "missing-local-id")
	require.Error(t, err)
	assert.Equal(t, transaction.CodeTransactionNotFound, utils.CodeOf(err, ""))
}

func TestApplyWebhookSettlesOnce(t *testing.T) {
	engine, store, adapter := newTestEngine(t)
	ctx := context.Background()

	var paidCalls int
	engine.SetHooks(func(_ context.Context, _ *db.Store, _ *models.Transaction) error {
		paidCalls++
		return nil
	}, nil)

	tx, err := engine.Create(ctx, transaction.CreateParams{
		Type: models.TransactionOrder, EntityID: uuid.NewString(), Amount: 2500, Gateway: models.GatewayStripe,
	})
	require.NoError(t, err)
	_, err = engine.ProcessPayment(ctx, tx.LocalID)
	require.NoError(t, err)

	adapter.parsed = &transaction.WebhookEvent{
		EventID:   "evt_1",
		GatewayID: "gw_" + tx.LocalID,
		Status:    models.TransactionPaid,
		Raw:       []byte(`{"paid":true}`),
	}
	require.NoError(t, engine.ApplyWebhook(ctx, models.GatewayStripe, nil, ""))
	assert.Equal(t, 1, paidCalls)

	got, err := store.GetTransactionByLocalID(ctx, tx.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionPaid, got.Status)
	assert.NotEmpty(t, got.LastWebhookData)

	// Redelivery: the transaction is terminal, the hook must not re-fire.
	adapter.parsed.EventID = "evt_2"
	require.NoError(t, engine.ApplyWebhook(ctx, models.GatewayStripe, nil, ""))
	assert.Equal(t, 1, paidCalls)
}

func TestApplyWebhookFailedSettlementRetriesOnRedelivery(t *testing.T) {
	engine, store, adapter := newTestEngine(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	engine.SetCache(transaction.NewCache(client, logger.NewLogger()))

	hookErr := errors.New("stock contention")
	var paidCalls int
	engine.SetHooks(func(_ context.Context, _ *db.Store, _ *models.Transaction) error {
		paidCalls++
		if paidCalls == 1 {
			return hookErr
		}
		return nil
	}, nil)

	tx, err := engine.Create(ctx, transaction.CreateParams{
		Type: models.TransactionOrder, EntityID: uuid.NewString(), Amount: 2500, Gateway: models.GatewayStripe,
	})
	require.NoError(t, err)
	_, err = engine.ProcessPayment(ctx, tx.LocalID)
	require.NoError(t, err)

	adapter.parsed = &transaction.WebhookEvent{
		EventID:   "evt_flaky",
		GatewayID: "gw_" + tx.LocalID,
		Status:    models.TransactionPaid,
	}

	// First delivery fails inside the settlement transaction and rolls back.
	err = engine.ApplyWebhook(ctx, models.GatewayStripe, nil, "")
	require.Error(t, err)
	var whErr *transaction.WebhookError
	require.ErrorAs(t, err, &whErr)
	assert.Equal(t, "processing", whErr.Category)

	got, err := store.GetTransactionByLocalID(ctx, tx.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionInProgress, got.Status)

	// The claim was released, so the same event ID settles on redelivery.
	require.NoError(t, engine.ApplyWebhook(ctx, models.GatewayStripe, nil, ""))
	assert.Equal(t, 2, paidCalls)

	got, err = store.GetTransactionByLocalID(ctx, tx.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionPaid, got.Status)

	// A third delivery of the settled event is absorbed by the claim.
	require.NoError(t, engine.ApplyWebhook(ctx, models.GatewayStripe, nil, ""))
	assert.Equal(t, 2, paidCalls)
}

func TestApplyWebhookFailureFlipsTransaction(t *testing.T) {
	engine, store, adapter := newTestEngine(t)
	ctx := context.Background()

	var failedCalls int
	engine.SetHooks(nil, func(_ context.Context, _ *db.Store, tx *models.Transaction) error {
		failedCalls++
		assert.Equal(t, models.TransactionCanceled, tx.Status)
		return nil
	})

	tx, err := engine.Create(ctx, transaction.CreateParams{
		Type: models.TransactionOrder, EntityID: uuid.NewString(), Amount: 2500, Gateway: models.GatewayStripe,
	})
	require.NoError(t, err)
	_, err = engine.ProcessPayment(ctx, tx.LocalID)
	require.NoError(t, err)

	adapter.parsed = &transaction.WebhookEvent{
		EventID:   "evt_9",
		GatewayID: "gw_" + tx.LocalID,
		Status:    models.TransactionCanceled,
	}
	require.NoError(t, engine.ApplyWebhook(ctx, models.GatewayStripe, nil, ""))
	assert.Equal(t, 1, failedCalls)

	got, err := store.GetTransactionByLocalID(ctx, tx.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionCanceled, got.Status)
}

func TestApplyWebhookBadSignature(t *testing.T) {
	engine, _, adapter := newTestEngine(t)
	adapter.parseErr = errors.New("signature mismatch")

	err := engine.ApplyWebhook(context.Background(), models.GatewayStripe, nil, "bad")
	require.Error(t, err)
	var whErr *transaction.WebhookError
	require.ErrorAs(t, err, &whErr)
	assert.Equal(t, "validation", whErr.Category)
	assert.Equal(t, 400, whErr.StatusCode)
}

func TestApplyWebhookIgnoredEventType(t *testing.T) {
	engine, _, adapter := newTestEngine(t)
	adapter.parsed = nil

	// Unrecognized event types are acknowledged without side effects.
	assert.NoError(t, engine.ApplyWebhook(context.Background(), models.GatewayStripe, nil, ""))
}

func TestApplyWebhookUnknownGateway(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	err := engine.ApplyWebhook(context.Background(), models.Gateway("PAYPAL"), nil, "")
	require.Error(t, err)
	var whErr *transaction.WebhookError
	require.ErrorAs(t, err, &whErr)
	assert.Equal(t, "configuration", whErr.Category)
}
