package order_test

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
	"ms-orders/internal/logger"
	"ms-orders/internal/models"
	"ms-orders/internal/notify"
	"ms-orders/internal/order"
	"ms-orders/internal/transaction"
	"ms-orders/internal/utils"
)

// stubAdapter stands in for the payment gateway: intents always succeed and
// ParseWebhook replays whatever event the test scripted.
type stubAdapter struct {
	parsed *transaction.WebhookEvent
}

func (s *stubAdapter) CreateIntent(_ context.Context, tx *models.Transaction) (*transaction.Intent, error) {
	return &transaction.Intent{
		GatewayID:  "gw_" + tx.LocalID,
		PaymentURL: "https://pay.example.com/" + tx.LocalID,
	}, nil
}

func (s *stubAdapter) ParseWebhook(_ []byte, _ string) (*transaction.WebhookEvent, error) {
	return s.parsed, nil
}

// recordingPublisher captures dispatched notification kinds in order.
type recordingPublisher struct {
	kinds []notify.Kind
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, payload interface{}) error {
	if n, ok := payload.(*notify.Notification); ok {
		p.kinds = append(p.kinds, n.Kind)
	}
	return nil
}

func (p *recordingPublisher) count(kind notify.Kind) int {
	var n int
	for _, k := range p.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	service   *order.Service
	engine    *transaction.Engine
	store     *db.Store
	adapter   *stubAdapter
	published *recordingPublisher

	org    *models.Organization
	event  *models.Event
	ticket *models.Ticket
	user   *models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	require.NoError(t, db.Migrate(context.Background(), bunDB))
	t.Cleanup(func() { _ = bunDB.Close() })

	log := logger.NewLogger()
	store := db.New(bunDB, log)
	engine := transaction.NewEngine(store, log, 5*time.Second)
	adapter := &stubAdapter{}
	engine.RegisterAdapter(models.GatewayStripe, adapter)

	published := &recordingPublisher{}
	service := order.NewService(store, log, engine, notify.NewDispatcher(published, log), []int64{20, 10}, 500)

	f := &fixture{service: service, engine: engine, store: store, adapter: adapter, published: published}
	f.seedCatalog(t, 3000, 50)
	return f
}

func (f *fixture) seedCatalog(t *testing.T, price, available int64) {
	t.Helper()
	ctx := context.Background()

	f.org = &models.Organization{ID: uuid.NewString(), Name: "Concerts Inc"}
	require.NoError(t, f.store.CreateOrganization(ctx, f.org))
	require.NoError(t, f.store.CreateFinancialAccount(ctx, &models.FinancialAccount{
		ID:             uuid.NewString(),
		OrganizationID: f.org.ID,
		UpdatedAt:      time.Now(),
	}))

	f.event = &models.Event{
		ID:                         uuid.NewString(),
		Name:                       "Summer Fest",
		OrganizationID:             f.org.ID,
		StartsAt:                   time.Now(),
		ExpiresAt:                  time.Now().Add(72 * time.Hour),
		IsTicketsManagementEnabled: true,
		CreatedAt:                  time.Now(),
	}
	require.NoError(t, f.store.CreateEvent(ctx, f.event))

	f.ticket = &models.Ticket{
		ID:                uuid.NewString(),
		EventID:           f.event.ID,
		Name:              "GA",
		Price:             price,
		AvailableQuantity: available,
		InitialQuantity:   available,
		ExpiryDate:        time.Now().Add(72 * time.Hour),
		CreatedAt:         time.Now(),
	}
	require.NoError(t, f.store.CreateTicket(ctx, f.ticket))

	f.user = &models.User{ID: uuid.NewString(), Email: "buyer@example.com", CreatedAt: time.Now()}
	require.NoError(t, f.store.CreateUser(ctx, f.user))
}

func (f *fixture) seedFullCoupon(t *testing.T, code string) *models.Discount {
	t.Helper()
	d := &models.Discount{
		ID:         uuid.NewString(),
		Name:       "Comp tickets",
		TargetType: models.TargetTicket,
		CreatedAt:  time.Now(),
	}
	d.ValidationRule = &models.ValidationRule{
		ID: uuid.NewString(), DiscountID: d.ID, Type: models.MethodPercentage, Value: 100,
	}
	d.Coupons = []models.Coupon{{ID: uuid.NewString(), DiscountID: d.ID, Code: code}}
	require.NoError(t, f.store.CreateDiscount(context.Background(), d))
	return d
}

func TestCreateOrderExternalGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.CreateOrder(ctx, order.CreateOrderInput{
		TicketID: f.ticket.ID,
		Quantity: 2,
		UserID:   f.user.ID,
	})
	require.NoError(t, err)

	assert.Equal(t, models.OrderSubmitted, res.Order.Status)
	assert.Equal(t, models.TransactionInProgress, res.Transaction.Status)
	assert.Equal(t, int64(6000), res.Transaction.Amount)
	assert.NotEmpty(t, res.Transaction.PaymentURL)

	// Stock is only consumed at issuance, not at submission, and the
	// receipt only goes out once the payment lands.
	ticket, err := f.store.GetTicketByID(ctx, f.ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), ticket.AvailableQuantity)
	assert.Empty(t, f.published.kinds)
}

func TestCreateOrderFullCouponSettlesInline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.seedFullCoupon(t, "COMP-100")

	res, err := f.service.CreateOrder(ctx, order.CreateOrderInput{
		TicketID:   f.ticket.ID,
		Quantity:   3,
		UserID:     f.user.ID,
		CouponCode: "COMP-100",
	})
	require.NoError(t, err)

	assert.Equal(t, models.OrderFinished, res.Order.Status)
	assert.True(t, res.Order.IsIncomeDistributed)
	assert.True(t, res.Order.HasBeenDiscounted)
	assert.Equal(t, models.TransactionResolved, res.Transaction.Status)
	assert.Equal(t, models.GatewayFreeShipping, res.Transaction.Gateway)
	assert.Equal(t, int64(0), res.Transaction.Amount)

	etickets, err := f.service.GetOrderETickets(ctx, res.Order.OrderID)
	require.NoError(t, err)
	assert.Len(t, etickets, 3)

	ticket, err := f.store.GetTicketByID(ctx, f.ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(47), ticket.AvailableQuantity)

	got, err := f.store.GetDiscountByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UsagesCount)

	assert.Equal(t, 1, f.published.count(notify.KindOrderReceipt))
	assert.Equal(t, 1, f.published.count(notify.KindTicketsReady))
}

func TestWebhookPaidIssuesTickets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.CreateOrder(ctx, order.CreateOrderInput{
		TicketID: f.ticket.ID,
		Quantity: 2,
		UserID:   f.user.ID,
	})
	require.NoError(t, err)

	f.adapter.parsed = &transaction.WebhookEvent{
		EventID:   "evt_paid",
		GatewayID: res.Transaction.GatewayID,
		Status:    models.TransactionPaid,
		Raw:       []byte(`{}`),
	}
	require.NoError(t, f.engine.ApplyWebhook(ctx, models.GatewayStripe, nil, ""))

	ord, err := f.service.GetOrder(ctx, res.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFinished, ord.Status)
	assert.True(t, ord.IsIncomeDistributed)

	etickets, err := f.service.GetOrderETickets(ctx, res.Order.OrderID)
	require.NoError(t, err)
	assert.Len(t, etickets, 2)

	ticket, err := f.store.GetTicketByID(ctx, f.ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(48), ticket.AvailableQuantity)

	// 6000 at the 5% default retribution leaves 5700 for the organizer.
	account, err := f.store.GetAccountForUpdate(ctx, f.org.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5700), account.Balance)

	// The receipt rides the paid transition, alongside the tickets.
	assert.Equal(t, 1, f.published.count(notify.KindOrderReceipt))
	assert.Equal(t, 1, f.published.count(notify.KindTicketsReady))

	// Redelivery is absorbed: no extra tickets, stock, income or mail.
	f.adapter.parsed.EventID = "evt_paid_retry"
	require.NoError(t, f.engine.ApplyWebhook(ctx, models.GatewayStripe, nil, ""))

	etickets, err = f.service.GetOrderETickets(ctx, res.Order.OrderID)
	require.NoError(t, err)
	assert.Len(t, etickets, 2)
	account, err = f.store.GetAccountForUpdate(ctx, f.org.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5700), account.Balance)
	assert.Equal(t, 1, f.published.count(notify.KindOrderReceipt))
}

func TestWebhookCanceledFlipsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.CreateOrder(ctx, order.CreateOrderInput{
		TicketID: f.ticket.ID,
		Quantity: 1,
		UserID:   f.user.ID,
	})
	require.NoError(t, err)

	f.adapter.parsed = &transaction.WebhookEvent{
		EventID:   "evt_expired",
		GatewayID: res.Transaction.GatewayID,
		Status:    models.TransactionCanceled,
	}
	require.NoError(t, f.engine.ApplyWebhook(ctx, models.GatewayStripe, nil, ""))

	ord, err := f.service.GetOrder(ctx, res.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCanceled, ord.Status)

	etickets, err := f.service.GetOrderETickets(ctx, res.Order.OrderID)
	require.NoError(t, err)
	assert.Empty(t, etickets)
}

func TestCreateOrderProvisionsPseudoAnonymousBuyer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.CreateOrder(ctx, order.CreateOrderInput{
		TicketID: f.ticket.ID,
		Quantity: 1,
		Email:    "walkin@example.com",
		FullName: "Jane",
	})
	require.NoError(t, err)
	assert.True(t, first.Order.IsPseudoAnonymous)
	assert.Equal(t, "walkin@example.com", first.Order.Email)

	provisioned, err := f.store.GetUserByID(ctx, first.Order.UserID)
	require.NoError(t, err)
	assert.Equal(t, "Jane", provisioned.FullName)
	assert.True(t, provisioned.IsPseudoAnonymous)

	// The same email reuses the provisioned user.
	second, err := f.service.CreateOrder(ctx, order.CreateOrderInput{
		TicketID: f.ticket.ID,
		Quantity: 1,
		Email:    "walkin@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, first.Order.UserID, second.Order.UserID)
}

func TestCreateOrderRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateOrder(ctx, order.CreateOrderInput{TicketID: f.ticket.ID, Quantity: 0, UserID: f.user.ID})
	assert.Equal(t, order.CodeInvalidOrder, utils.CodeOf(err, ""))

	// No authenticated user and no email to provision one from.
	_, err = f.service.CreateOrder(ctx, order.CreateOrderInput{TicketID: f.ticket.ID, Quantity: 1})
	assert.Equal(t, order.CodeMissingConsumer, utils.CodeOf(err, ""))

	_, err = f.service.CreateOrder(ctx, order.CreateOrderInput{TicketID: uuid.NewString(), Quantity: 1, UserID: f.user.ID})
	assert.Equal(t, order.CodeTicketUnavailable, utils.CodeOf(err, ""))

	_, err = f.service.CreateOrder(ctx, order.CreateOrderInput{TicketID: f.ticket.ID, Quantity: 51, UserID: f.user.ID})
	assert.Equal(t, order.CodeTicketUnavailable, utils.CodeOf(err, ""))
}

func TestCreateOrderRejectsExpiredTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expired := &models.Ticket{
		ID:                uuid.NewString(),
		EventID:           f.event.ID,
		Name:              "Early Bird",
		Price:             2000,
		AvailableQuantity: 10,
		InitialQuantity:   10,
		ExpiryDate:        time.Now().Add(-time.Hour),
		CreatedAt:         time.Now(),
	}
	require.NoError(t, f.store.CreateTicket(ctx, expired))

	_, err := f.service.CreateOrder(ctx, order.CreateOrderInput{TicketID: expired.ID, Quantity: 1, UserID: f.user.ID})
	assert.Equal(t, order.CodeTicketExpired, utils.CodeOf(err, ""))
}

func TestCreateOrderRejectsDisabledEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	closed := &models.Event{
		ID:             uuid.NewString(),
		Name:           "Private Gala",
		OrganizationID: f.org.ID,
		StartsAt:       time.Now(),
		ExpiresAt:      time.Now().Add(24 * time.Hour),
		CreatedAt:      time.Now(),
	}
	require.NoError(t, f.store.CreateEvent(ctx, closed))
	ticket := &models.Ticket{
		ID:                uuid.NewString(),
		EventID:           closed.ID,
		Name:              "Seat",
		Price:             1000,
		AvailableQuantity: 5,
		InitialQuantity:   5,
		ExpiryDate:        time.Now().Add(24 * time.Hour),
		CreatedAt:         time.Now(),
	}
	require.NoError(t, f.store.CreateTicket(ctx, ticket))

	_, err := f.service.CreateOrder(ctx, order.CreateOrderInput{TicketID: ticket.ID, Quantity: 1, UserID: f.user.ID})
	assert.Equal(t, order.CodeTicketUnavailable, utils.CodeOf(err, ""))
}
