package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"ms-orders/internal/logger"
	"ms-orders/internal/models"
)

// Store is the single persistence layer for the order core. It runs against
// *bun.DB in normal operation and against bun.Tx inside issuance and webhook
// transactions (see WithTx).
type Store struct {
	db  bun.IDB
	bun *bun.DB
	log *logger.Logger
}

func New(b *bun.DB, log *logger.Logger) *Store {
	return &Store{db: b, bun: b, log: log}
}

// WithTx returns a copy of the store bound to the given transaction.
func (s *Store) WithTx(tx bun.Tx) *Store {
	clone := *s
	clone.db = tx
	return &clone
}

// RunInTx executes fn inside a database transaction, serializable on
// Postgres. SQLite (tests) is serializable by construction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, st *Store) error) error {
	opts := &sql.TxOptions{}
	if s.bun.Dialect().Name() == dialect.PG {
		opts.Isolation = sql.LevelSerializable
	}
	return s.bun.RunInTx(ctx, opts, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, s.WithTx(tx))
	})
}

// forUpdate appends a row lock on dialects that support it. SQLite locks the
// whole database per write transaction, which subsumes the row lock.
func (s *Store) forUpdate(q *bun.SelectQuery) *bun.SelectQuery {
	if s.bun.Dialect().Name() == dialect.PG {
		return q.For("UPDATE")
	}
	return q
}

// ---------------- CATALOG SYNC ----------------
//
// Organizations, events, tickets and discounts are owned by upstream
// services; these write paths keep the local read models in step.

func (s *Store) CreateOrganization(ctx context.Context, org *models.Organization) error {
	_, err := s.db.NewInsert().Model(org).Exec(ctx)
	return err
}

func (s *Store) CreateEvent(ctx context.Context, event *models.Event) error {
	_, err := s.db.NewInsert().Model(event).Exec(ctx)
	return err
}

func (s *Store) CreateTicket(ctx context.Context, ticket *models.Ticket) error {
	_, err := s.db.NewInsert().Model(ticket).Exec(ctx)
	return err
}

func (s *Store) CreateFinancialAccount(ctx context.Context, account *models.FinancialAccount) error {
	_, err := s.db.NewInsert().Model(account).Exec(ctx)
	return err
}

// CreateDiscount inserts the discount with any attached rule, condition and
// coupon rows.
func (s *Store) CreateDiscount(ctx context.Context, d *models.Discount) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(d).Exec(ctx); err != nil {
			return fmt.Errorf("insert discount: %w", err)
		}
		if d.ValidationRule != nil {
			if _, err := tx.NewInsert().Model(d.ValidationRule).Exec(ctx); err != nil {
				return fmt.Errorf("insert validation rule: %w", err)
			}
		}
		if d.UsageRule != nil {
			if _, err := tx.NewInsert().Model(d.UsageRule).Exec(ctx); err != nil {
				return fmt.Errorf("insert usage rule: %w", err)
			}
		}
		for i := range d.Conditions {
			if _, err := tx.NewInsert().Model(&d.Conditions[i]).Exec(ctx); err != nil {
				return fmt.Errorf("insert condition: %w", err)
			}
		}
		for i := range d.Coupons {
			if _, err := tx.NewInsert().Model(&d.Coupons[i]).Exec(ctx); err != nil {
				return fmt.Errorf("insert coupon: %w", err)
			}
		}
		return nil
	})
}

// ---------------- ORDERS ----------------

// CreateOrder inserts the order together with its single item.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, item *models.OrderItem) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(order).Exec(ctx); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if _, err := tx.NewInsert().Model(item).Exec(ctx); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
		return nil
	})
}

func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.NewSelect().
		Model(&order).
		Relation("Item").
		Relation("Item.Ticket").
		Relation("Item.Ticket.Event").
		Where("o.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) GetOrderByOrderID(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.NewSelect().
		Model(&order).
		Relation("Item").
		Relation("Item.Ticket").
		Relation("Item.Ticket.Event").
		Where("o.order_id = ?", orderID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderForUpdate locks the order row for the paid-signal handler.
func (s *Store) GetOrderForUpdate(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.forUpdate(s.db.NewSelect().
		Model(&order).
		Where("o.id = ?", id).
		Limit(1)).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) UpdateOrder(ctx context.Context, order *models.Order) error {
	_, err := s.db.NewUpdate().
		Model(order).
		Column("status", "applied_percentage_bps", "has_been_discounted", "is_income_distributed", "updated_at").
		Where("id = ?", order.ID).
		Exec(ctx)
	return err
}

func (s *Store) GetOrderItem(ctx context.Context, orderID string) (*models.OrderItem, error) {
	var item models.OrderItem
	err := s.db.NewSelect().
		Model(&item).
		Relation("Ticket").
		Relation("Ticket.Event").
		Where("oi.order_id = ?", orderID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ---------------- TRANSACTIONS ----------------

func (s *Store) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	_, err := s.db.NewInsert().Model(tx).Exec(ctx)
	return err
}

func (s *Store) GetTransactionByLocalID(ctx context.Context, localID string) (*models.Transaction, error) {
	var tx models.Transaction
	err := s.db.NewSelect().
		Model(&tx).
		Where("local_id = ?", localID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *Store) GetTransactionByGatewayID(ctx context.Context, gatewayID string) (*models.Transaction, error) {
	var tx models.Transaction
	err := s.db.NewSelect().
		Model(&tx).
		Where("gateway_id = ?", gatewayID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetTransactionForUpdate locks the transaction row so concurrent webhooks
// for the same transaction serialize.
func (s *Store) GetTransactionForUpdate(ctx context.Context, id string) (*models.Transaction, error) {
	var tx models.Transaction
	err := s.forUpdate(s.db.NewSelect().
		Model(&tx).
		Where("id = ?", id).
		Limit(1)).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, tx *models.Transaction) error {
	_, err := s.db.NewUpdate().
		Model(tx).
		Column("status", "gateway_id", "payment_url", "last_webhook_data", "status_updated_at").
		Where("id = ?", tx.ID).
		Exec(ctx)
	return err
}

// ---------------- TICKETS & EVENTS ----------------

func (s *Store) GetTicketByID(ctx context.Context, id string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := s.db.NewSelect().
		Model(&ticket).
		Relation("Event").
		Where("t.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// GetTicketForUpdate locks the ticket row; inventory decrements serialize
// per ticket.
func (s *Store) GetTicketForUpdate(ctx context.Context, id string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := s.forUpdate(s.db.NewSelect().
		Model(&ticket).
		Where("t.id = ?", id).
		Limit(1)).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (s *Store) UpdateTicketQuantity(ctx context.Context, ticket *models.Ticket) error {
	_, err := s.db.NewUpdate().
		Model(ticket).
		Column("available_quantity").
		Where("id = ?", ticket.ID).
		Exec(ctx)
	return err
}

func (s *Store) GetEventByID(ctx context.Context, id string) (*models.Event, error) {
	var event models.Event
	err := s.db.NewSelect().
		Model(&event).
		Where("e.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *Store) GetEventForUpdate(ctx context.Context, id string) (*models.Event, error) {
	var event models.Event
	err := s.forUpdate(s.db.NewSelect().
		Model(&event).
		Where("e.id = ?", id).
		Limit(1)).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *Store) UpdateEventParticipants(ctx context.Context, event *models.Event) error {
	_, err := s.db.NewUpdate().
		Model(event).
		Column("participant_count").
		Where("id = ?", event.ID).
		Exec(ctx)
	return err
}

// ---------------- ETICKETS ----------------

func (s *Store) CountETicketsByEvent(ctx context.Context, eventID string) (int, error) {
	return s.db.NewSelect().
		Model((*models.ETicket)(nil)).
		Where("event_id = ?", eventID).
		Count(ctx)
}

func (s *Store) CreateETicket(ctx context.Context, et *models.ETicket) error {
	_, err := s.db.NewInsert().Model(et).Exec(ctx)
	return err
}

func (s *Store) UpdateETicketQRCode(ctx context.Context, et *models.ETicket) error {
	_, err := s.db.NewUpdate().
		Model(et).
		Column("qr_code_data").
		Where("id = ?", et.ID).
		Exec(ctx)
	return err
}

// GetETicketByID fetches an e-ticket, scoped to an organization when orgID is
// non-empty.
func (s *Store) GetETicketByID(ctx context.Context, id, orgID string) (*models.ETicket, error) {
	var et models.ETicket
	q := s.db.NewSelect().
		Model(&et).
		Where("et.id = ?", id)
	if orgID != "" {
		q = q.Where("EXISTS (SELECT 1 FROM events ev WHERE ev.id = et.event_id AND ev.organization_id = ?)", orgID)
	}
	if err := q.Limit(1).Scan(ctx); err != nil {
		return nil, err
	}
	return &et, nil
}

func (s *Store) GetETicketsByOrder(ctx context.Context, orderID string) ([]models.ETicket, error) {
	var etickets []models.ETicket
	err := s.db.NewSelect().
		Model(&etickets).
		Where("related_order_id = ?", orderID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return etickets, nil
}

// ---------------- DISCOUNTS ----------------

func (s *Store) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	var coupon models.Coupon
	err := s.db.NewSelect().
		Model(&coupon).
		Relation("Discount").
		Relation("Discount.ValidationRule").
		Relation("Discount.UsageRule").
		Relation("Discount.Conditions").
		Where("c.code = ?", code).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &coupon, nil
}

func (s *Store) GetDiscountByID(ctx context.Context, id string) (*models.Discount, error) {
	var discount models.Discount
	err := s.db.NewSelect().
		Model(&discount).
		Relation("ValidationRule").
		Relation("UsageRule").
		Relation("Conditions").
		Where("d.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &discount, nil
}

// GetAutomaticDiscounts returns is_automatic discounts for the target type
// whose validity window contains now.
func (s *Store) GetAutomaticDiscounts(ctx context.Context, target models.DiscountTargetType, now time.Time) ([]models.Discount, error) {
	var discounts []models.Discount
	err := s.db.NewSelect().
		Model(&discounts).
		Relation("ValidationRule").
		Relation("UsageRule").
		Relation("Conditions").
		Where("d.is_automatic = ?", true).
		Where("d.target_type = ?", target).
		Where("d.starts_at IS NULL OR d.starts_at <= ?", now).
		Where("d.ends_at IS NULL OR d.ends_at >= ?", now).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return discounts, nil
}

// GetDiscountUsage returns the per-consumer usage row, locked when the store
// is transaction-bound.
func (s *Store) GetDiscountUsage(ctx context.Context, discountID, consumerID string) (*models.DiscountUsage, error) {
	var usage models.DiscountUsage
	err := s.db.NewSelect().
		Model(&usage).
		Where("discount_id = ?", discountID).
		Where("consumer_id = ?", consumerID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &usage, nil
}

// InsertUsageRecord inserts the per-transaction dedupe row. Returns false
// when the transaction was already recorded.
func (s *Store) InsertUsageRecord(ctx context.Context, rec *models.DiscountUsageRecord) (bool, error) {
	res, err := s.db.NewInsert().
		Model(rec).
		On("CONFLICT (transaction_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteUsageRecord removes a dedupe row; used to back out when the global
// cap rejects the increment.
func (s *Store) DeleteUsageRecord(ctx context.Context, transactionID string) error {
	_, err := s.db.NewDelete().
		Model((*models.DiscountUsageRecord)(nil)).
		Where("transaction_id = ?", transactionID).
		Exec(ctx)
	return err
}

// IncrementDiscountUsage bumps the global counter, guarded by the usage
// limit, and the per-consumer row, creating the latter on first use.
// Returns false when the limit is already consumed.
func (s *Store) IncrementDiscountUsage(ctx context.Context, discountID, consumerID, usageID string) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*models.Discount)(nil)).
		Set("usages_count = usages_count + 1").
		Where("id = ?", discountID).
		Where("usage_limit IS NULL OR usages_count < usage_limit").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if consumerID == "" {
		return true, nil
	}
	usage, err := s.GetDiscountUsage(ctx, discountID, consumerID)
	if err != nil {
		return false, err
	}
	if usage == nil {
		_, err = s.db.NewInsert().
			Model(&models.DiscountUsage{ID: usageID, DiscountID: discountID, ConsumerID: consumerID, Usages: 1}).
			Exec(ctx)
		return err == nil, err
	}
	_, err = s.db.NewUpdate().
		Model((*models.DiscountUsage)(nil)).
		Set("usages = usages + 1").
		Where("discount_id = ?", discountID).
		Where("consumer_id = ?", consumerID).
		Exec(ctx)
	return err == nil, err
}

// ---------------- FINANCE ----------------

func (s *Store) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	var org models.Organization
	err := s.db.NewSelect().
		Model(&org).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// GetAccountForUpdate locks the organization's financial account row; it is
// a hot row serialized per organization.
func (s *Store) GetAccountForUpdate(ctx context.Context, orgID string) (*models.FinancialAccount, error) {
	var account models.FinancialAccount
	err := s.forUpdate(s.db.NewSelect().
		Model(&account).
		Where("fa.organization_id = ?", orgID).
		Limit(1)).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Store) UpdateAccount(ctx context.Context, account *models.FinancialAccount) error {
	account.UpdatedAt = time.Now()
	_, err := s.db.NewUpdate().
		Model(account).
		Column("balance", "pending", "updated_at").
		Where("id = ?", account.ID).
		Exec(ctx)
	return err
}

// ---------------- USERS ----------------

// FindPseudoAnonymousUser looks up the auto-provisioned record scoped by
// email or phone.
func (s *Store) FindPseudoAnonymousUser(ctx context.Context, email, phone string) (*models.User, error) {
	q := s.db.NewSelect().
		Model((*models.User)(nil)).
		Where("is_pseudo_anonymous = ?", true)
	if email != "" {
		q = q.Where("email = ?", email)
	} else {
		q = q.Where("phone = ?", phone)
	}
	var user models.User
	err := q.Limit(1).Scan(ctx, &user)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.db.NewInsert().Model(user).Exec(ctx)
	return err
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.db.NewSelect().
		Model(&user).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &user, nil
}
