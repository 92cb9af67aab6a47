package analytics

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"ms-orders/internal/logger"
	"ms-orders/internal/models"
)

// Service computes sales aggregates for organizers. All figures are derived
// from finished orders and their settled transactions; open or failed orders
// never count.
type Service struct {
	db  bun.IDB
	log *logger.Logger
}

func NewService(db bun.IDB, log *logger.Logger) *Service {
	return &Service{db: db, log: log}
}

// EventSales is the per-event sales summary. Amounts are minor currency
// units: Gross is the undiscounted line total, Collected what the settled
// transactions actually charged.
type EventSales struct {
	EventID          string       `json:"event_id"`
	TicketsSold      int64        `json:"tickets_sold"`
	Gross            int64        `json:"gross"`
	Collected        int64        `json:"collected"`
	DiscountedOrders int64        `json:"discounted_orders"`
	DailySales       []DailySales `json:"daily_sales"`
}

// DailySales buckets finished orders by submission date.
type DailySales struct {
	Day         string `bun:"day" json:"day"`
	TicketsSold int64  `bun:"tickets_sold" json:"tickets_sold"`
	Gross       int64  `bun:"gross" json:"gross"`
}

// OrganizationSales rolls EventSales totals up across every event of an
// organization.
type OrganizationSales struct {
	OrganizationID   string `json:"organization_id"`
	TicketsSold      int64  `json:"tickets_sold"`
	Collected        int64  `json:"collected"`
	DiscountedOrders int64  `json:"discounted_orders"`
}

// EventSales aggregates finished-order sales for one event.
func (s *Service) EventSales(ctx context.Context, eventID string) (*EventSales, error) {
	out := &EventSales{EventID: eventID}

	var totals struct {
		TicketsSold      int64 `bun:"tickets_sold"`
		Gross            int64 `bun:"gross"`
		DiscountedOrders int64 `bun:"discounted_orders"`
	}
	err := s.db.NewSelect().
		Model((*models.OrderItem)(nil)).
		ColumnExpr("COALESCE(SUM(oi.quantity), 0) AS tickets_sold").
		ColumnExpr("COALESCE(SUM(oi.line_total), 0) AS gross").
		ColumnExpr("COALESCE(SUM(CASE WHEN o.has_been_discounted THEN 1 ELSE 0 END), 0) AS discounted_orders").
		Join("JOIN orders AS o ON o.id = oi.order_id").
		Join("JOIN tickets AS t ON t.id = oi.ticket_id").
		Where("t.event_id = ?", eventID).
		Where("o.status = ?", models.OrderFinished).
		Scan(ctx, &totals)
	if err != nil {
		return nil, fmt.Errorf("event sales totals for %s: %w", eventID, err)
	}
	out.TicketsSold = totals.TicketsSold
	out.Gross = totals.Gross
	out.DiscountedOrders = totals.DiscountedOrders

	collected, err := s.collectedForEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	out.Collected = collected

	err = s.db.NewSelect().
		Model((*models.OrderItem)(nil)).
		ColumnExpr("DATE(o.created_at) AS day").
		ColumnExpr("COALESCE(SUM(oi.quantity), 0) AS tickets_sold").
		ColumnExpr("COALESCE(SUM(oi.line_total), 0) AS gross").
		Join("JOIN orders AS o ON o.id = oi.order_id").
		Join("JOIN tickets AS t ON t.id = oi.ticket_id").
		Where("t.event_id = ?", eventID).
		Where("o.status = ?", models.OrderFinished).
		GroupExpr("DATE(o.created_at)").
		OrderExpr("day ASC").
		Scan(ctx, &out.DailySales)
	if err != nil {
		return nil, fmt.Errorf("daily sales for %s: %w", eventID, err)
	}
	return out, nil
}

// collectedForEvent sums what the settled order transactions charged, which
// is the gross minus any applied discounts.
func (s *Service) collectedForEvent(ctx context.Context, eventID string) (int64, error) {
	var collected int64
	err := s.db.NewSelect().
		Model((*models.Transaction)(nil)).
		ColumnExpr("COALESCE(SUM(tx.amount), 0)").
		Join("JOIN orders AS o ON o.id = tx.entity_id").
		Join("JOIN order_items AS oi ON oi.order_id = o.id").
		Join("JOIN tickets AS t ON t.id = oi.ticket_id").
		Where("tx.type = ?", models.TransactionOrder).
		Where("tx.status IN (?)", bun.In([]models.TransactionStatus{models.TransactionPaid, models.TransactionResolved})).
		Where("t.event_id = ?", eventID).
		Where("o.status = ?", models.OrderFinished).
		Scan(ctx, &collected)
	if err != nil {
		return 0, fmt.Errorf("collected amount for %s: %w", eventID, err)
	}
	return collected, nil
}

// OrganizationSales aggregates across all the organization's events.
func (s *Service) OrganizationSales(ctx context.Context, organizationID string) (*OrganizationSales, error) {
	out := &OrganizationSales{OrganizationID: organizationID}

	var totals struct {
		TicketsSold      int64 `bun:"tickets_sold"`
		DiscountedOrders int64 `bun:"discounted_orders"`
	}
	err := s.db.NewSelect().
		Model((*models.OrderItem)(nil)).
		ColumnExpr("COALESCE(SUM(oi.quantity), 0) AS tickets_sold").
		ColumnExpr("COALESCE(SUM(CASE WHEN o.has_been_discounted THEN 1 ELSE 0 END), 0) AS discounted_orders").
		Join("JOIN orders AS o ON o.id = oi.order_id").
		Join("JOIN tickets AS t ON t.id = oi.ticket_id").
		Join("JOIN events AS e ON e.id = t.event_id").
		Where("e.organization_id = ?", organizationID).
		Where("o.status = ?", models.OrderFinished).
		Scan(ctx, &totals)
	if err != nil {
		return nil, fmt.Errorf("organization sales totals for %s: %w", organizationID, err)
	}
	out.TicketsSold = totals.TicketsSold
	out.DiscountedOrders = totals.DiscountedOrders

	err = s.db.NewSelect().
		Model((*models.Transaction)(nil)).
		ColumnExpr("COALESCE(SUM(tx.amount), 0)").
		Join("JOIN orders AS o ON o.id = tx.entity_id").
		Join("JOIN order_items AS oi ON oi.order_id = o.id").
		Join("JOIN tickets AS t ON t.id = oi.ticket_id").
		Join("JOIN events AS e ON e.id = t.event_id").
		Where("tx.type = ?", models.TransactionOrder).
		Where("tx.status IN (?)", bun.In([]models.TransactionStatus{models.TransactionPaid, models.TransactionResolved})).
		Where("e.organization_id = ?", organizationID).
		Where("o.status = ?", models.OrderFinished).
		Scan(ctx, &out.Collected)
	if err != nil {
		return nil, fmt.Errorf("organization collected amount for %s: %w", organizationID, err)
	}
	return out, nil
}
