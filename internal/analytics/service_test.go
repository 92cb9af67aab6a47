package analytics_test

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

	"ms-orders/internal/analytics"
	"ms-orders/internal/db"
	"ms-orders/internal/logger"
	"ms-orders/internal/models"
	"ms-orders/internal/utils"
)

func newTestService(t *testing.T) (*analytics.Service, *db.Store) {
	t.Helper()
	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	require.NoError(t, db.Migrate(context.Background(), bunDB))
	t.Cleanup(func() { _ = bunDB.Close() })

	store := db.New(bunDB, logger.NewLogger())
	return analytics.NewService(bunDB, logger.NewLogger()), store
}

type soldOrder struct {
	quantity   int64
	lineTotal  int64
	collected  int64
	discounted bool
	status     models.OrderStatus
}

func seedSales(t *testing.T, store *db.Store) (*models.Event, *models.Ticket, string) {
	t.Helper()
	ctx := context.Background()

	org := &models.Organization{ID: uuid.NewString(), Name: "Venue Co"}
	require.NoError(t, store.CreateOrganization(ctx, org))

	event := &models.Event{
		ID:             uuid.NewString(),
		Name:           "Opera Night",
		OrganizationID: org.ID,
		StartsAt:       time.Now(),
		ExpiresAt:      time.Now().Add(48 * time.Hour),
		CreatedAt:      time.Now(),
	}
	require.NoError(t, store.CreateEvent(ctx, event))

	ticket := &models.Ticket{
		ID:                uuid.NewString(),
		EventID:           event.ID,
		Name:              "Balcony",
		Price:             2000,
		AvailableQuantity: 100,
		InitialQuantity:   100,
		ExpiryDate:        time.Now().Add(48 * time.Hour),
		CreatedAt:         time.Now(),
	}
	require.NoError(t, store.CreateTicket(ctx, ticket))
	return event, ticket, org.ID
}

func insertSoldOrder(t *testing.T, store *db.Store, ticketID string, so soldOrder) {
	t.Helper()
	ctx := context.Background()

	ord := &models.Order{
		ID:                uuid.NewString(),
		OrderID:           utils.GenerateOrderID(),
		Email:             "buyer@example.com",
		Status:            so.status,
		HasBeenDiscounted: so.discounted,
		CreatedAt:         time.Now(),
	}
	item := &models.OrderItem{
		ID:        uuid.NewString(),
		OrderID:   ord.ID,
		TicketID:  ticketID,
		Quantity:  so.quantity,
		LineTotal: so.lineTotal,
	}
	require.NoError(t, store.CreateOrder(ctx, ord, item))

	status := models.TransactionPaid
	if so.status != models.OrderFinished {
		status = models.TransactionCanceled
	}
	require.NoError(t, store.CreateTransaction(ctx, &models.Transaction{
		ID:        uuid.NewString(),
		Type:      models.TransactionOrder,
		EntityID:  ord.ID,
		Amount:    so.collected,
		Status:    status,
		Gateway:   models.GatewayStripe,
		LocalID:   utils.GenerateLocalID(),
		CreatedAt: time.Now(),
	}))
}

func TestEventSalesAggregatesFinishedOrders(t *testing.T) {
	svc, store := newTestService(t)
	event, ticket, _ := seedSales(t, store)

	insertSoldOrder(t, store, ticket.ID, soldOrder{quantity: 2, lineTotal: 4000, collected: 4000, status: models.OrderFinished})
	insertSoldOrder(t, store, ticket.ID, soldOrder{quantity: 3, lineTotal: 6000, collected: 5400, discounted: true, status: models.OrderFinished})
	// Canceled orders never count.
	insertSoldOrder(t, store, ticket.ID, soldOrder{quantity: 5, lineTotal: 10000, collected: 0, status: models.OrderCanceled})

	sales, err := svc.EventSales(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), sales.TicketsSold)
	assert.Equal(t, int64(10000), sales.Gross)
	assert.Equal(t, int64(9400), sales.Collected)
	assert.Equal(t, int64(1), sales.DiscountedOrders)

	require.Len(t, sales.DailySales, 1)
	assert.Equal(t, int64(5), sales.DailySales[0].TicketsSold)
}

func TestEventSalesEmptyEvent(t *testing.T) {
	svc, store := newTestService(t)
	event, _, _ := seedSales(t, store)

	sales, err := svc.EventSales(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sales.TicketsSold)
	assert.Equal(t, int64(0), sales.Collected)
	assert.Empty(t, sales.DailySales)
}

func TestOrganizationSalesRollsUpEvents(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	event, ticket, orgID := seedSales(t, store)

	second := &models.Ticket{
		ID:                uuid.NewString(),
		EventID:           event.ID,
		Name:              "Floor",
		Price:             3000,
		AvailableQuantity: 100,
		InitialQuantity:   100,
		ExpiryDate:        time.Now().Add(48 * time.Hour),
		CreatedAt:         time.Now(),
	}
	require.NoError(t, store.CreateTicket(ctx, second))

	insertSoldOrder(t, store, ticket.ID, soldOrder{quantity: 2, lineTotal: 4000, collected: 4000, status: models.OrderFinished})
	insertSoldOrder(t, store, second.ID, soldOrder{quantity: 1, lineTotal: 3000, collected: 3000, status: models.OrderFinished})

	sales, err := svc.OrganizationSales(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sales.TicketsSold)
	assert.Equal(t, int64(7000), sales.Collected)

	// An unrelated organization sees nothing.
	other, err := svc.OrganizationSales(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, int64(0), other.TicketsSold)
}
