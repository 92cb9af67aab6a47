package inventory_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-orders/internal/db"
	"ms-orders/internal/inventory"
	"ms-orders/internal/logger"
	"ms-orders/internal/models"
	"ms-orders/internal/utils"
)

func newTestLedger(t *testing.T, thresholds []int64) (*inventory.Ledger, *db.Store) {
	t.Helper()
	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	require.NoError(t, db.Migrate(context.Background(), bunDB))
	t.Cleanup(func() { _ = bunDB.Close() })

	store := db.New(bunDB, logger.NewLogger())
	return inventory.NewLedger(store, logger.NewLogger(), thresholds), store
}

func seedInventory(t *testing.T, store *db.Store, available, initial int64, private bool, limit int64) (*models.Event, *models.Ticket) {
	t.Helper()
	ctx := context.Background()
	event := &models.Event{
		ID:               uuid.NewString(),
		Name:             "Warehouse Rave",
		OrganizationID:   uuid.NewString(),
		StartsAt:         time.Now(),
		ExpiresAt:        time.Now().Add(24 * time.Hour),
		Private:          private,
		ParticipantLimit: limit,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, store.CreateEvent(ctx, event))

	ticket := &models.Ticket{
		ID:                uuid.NewString(),
		EventID:           event.ID,
		Name:              "GA",
		Price:             3000,
		AvailableQuantity: available,
		InitialQuantity:   initial,
		ExpiryDate:        time.Now().Add(24 * time.Hour),
		CreatedAt:         time.Now(),
	}
	require.NoError(t, store.CreateTicket(ctx, ticket))
	return event, ticket
}

func TestConsumeDecrementsStockAndParticipants(t *testing.T) {
	ledger, store := newTestLedger(t, nil)
	ctx := context.Background()
	_, ticket := seedInventory(t, store, 10, 10, false, 0)

	res, err := ledger.Consume(ctx, ticket.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Ticket.AvailableQuantity)
	assert.Equal(t, int64(3), res.Event.ParticipantCount)
	assert.Empty(t, res.Thresholds)
}

func TestConsumeRejectsInsufficientStock(t *testing.T) {
	ledger, store := newTestLedger(t, nil)
	ctx := context.Background()
	_, ticket := seedInventory(t, store, 2, 10, false, 0)

	_, err := ledger.Consume(ctx, ticket.ID, 3)
	require.Error(t, err)
	assert.Equal(t, inventory.CodeInsufficientStock, utils.CodeOf(err, ""))

	// Nothing was decremented.
	got, err := store.GetTicketByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.AvailableQuantity)
}

func TestConsumeUnlimitedSkipsInventory(t *testing.T) {
	ledger, store := newTestLedger(t, []int64{20, 10})
	ctx := context.Background()
	_, ticket := seedInventory(t, store, models.UnlimitedQuantity, 0, false, 0)

	res, err := ledger.Consume(ctx, ticket.ID, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(models.UnlimitedQuantity), res.Ticket.AvailableQuantity)
	assert.Equal(t, int64(500), res.Event.ParticipantCount)
	assert.Empty(t, res.Thresholds)
}

func TestConsumeEnforcesParticipantLimitOnPrivateEvents(t *testing.T) {
	ledger, store := newTestLedger(t, nil)
	ctx := context.Background()
	_, ticket := seedInventory(t, store, 100, 100, true, 5)

	_, err := ledger.Consume(ctx, ticket.ID, 4)
	require.NoError(t, err)

	_, err = ledger.Consume(ctx, ticket.ID, 2)
	require.Error(t, err)
	assert.Equal(t, inventory.CodeParticipantLimit, utils.CodeOf(err, ""))
}

func TestConsumeReportsThresholdCrossings(t *testing.T) {
	ledger, store := newTestLedger(t, []int64{20, 10})
	ctx := context.Background()
	// 100 initial, 25 left: the next decrement of 10 crosses the 20% mark.
	_, ticket := seedInventory(t, store, 25, 100, false, 0)

	res, err := ledger.Consume(ctx, ticket.ID, 10)
	require.NoError(t, err)
	require.Len(t, res.Thresholds, 1)
	assert.Equal(t, int64(20), res.Thresholds[0].Percentage)
	assert.Equal(t, int64(15), res.Thresholds[0].Remaining)
	require.NotNil(t, res.Thresholds[0].Event)

	// Staying between marks reports nothing.
	res, err = ledger.Consume(ctx, ticket.ID, 2)
	require.NoError(t, err)
	assert.Empty(t, res.Thresholds)

	// 13 -> 3 crosses the 10% mark.
	res, err = ledger.Consume(ctx, ticket.ID, 10)
	require.NoError(t, err)
	require.Len(t, res.Thresholds, 1)
	assert.Equal(t, int64(10), res.Thresholds[0].Percentage)
}

func TestConsumeCrossingBothThresholdsAtOnce(t *testing.T) {
	ledger, store := newTestLedger(t, []int64{20, 10})
	ctx := context.Background()
	_, ticket := seedInventory(t, store, 30, 100, false, 0)

	res, err := ledger.Consume(ctx, ticket.ID, 25)
	require.NoError(t, err)
	require.Len(t, res.Thresholds, 2)
	percentages := []int64{res.Thresholds[0].Percentage, res.Thresholds[1].Percentage}
	assert.ElementsMatch(t, []int64{20, 10}, percentages)
}

func TestConsumeRejectsNonPositiveQuantity(t *testing.T) {
	ledger, store := newTestLedger(t, nil)
	_, ticket := seedInventory(t, store, 10, 10, false, 0)

	_, err := ledger.Consume(context.Background(), ticket.ID, 0)
	assert.Error(t, err)
}
