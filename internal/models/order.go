package models

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

type OrderStatus string

const (
	OrderSubmitted OrderStatus = "SUBMITTED"
	OrderStarted   OrderStatus = "STARTED"
	OrderFinished  OrderStatus = "FINISHED"
	OrderCanceled  OrderStatus = "CANCELED"
	OrderFailed    OrderStatus = "FAILED"
)

// Terminal reports whether no further order transitions are allowed.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFinished, OrderCanceled, OrderFailed:
		return true
	}
	return false
}

type Order struct {
	bun.BaseModel `bun:"table:orders,alias:o"`

	ID string `bun:"id,pk"`

	// OrderID is the human-facing identifier, "CMD-" + 8 uppercase
	// alphanumerics, globally unique.
	OrderID string `bun:"order_id,unique,notnull"`

	// UserID is empty only for pseudo-anonymous orders, which always carry
	// an email.
	UserID            string `bun:"user_id"`
	Email             string `bun:"email"`
	IsPseudoAnonymous bool   `bun:"is_pseudo_anonymous"`

	Status OrderStatus `bun:"status,notnull"`

	// AppliedPercentageBps records the organizer share applied at income
	// distribution, in basis points.
	AppliedPercentageBps int64 `bun:"applied_percentage_bps"`
	HasBeenDiscounted    bool  `bun:"has_been_discounted"`
	IsIncomeDistributed  bool  `bun:"is_income_distributed"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero"`

	Item *OrderItem `bun:"rel:has-one,join:id=order_id"`
	User *User      `bun:"rel:belongs-to,join:user_id=id"`
}

// Transition validates a state change against the order machine:
//
//	SUBMITTED -> STARTED -> FINISHED
//	SUBMITTED -> CANCELED | FAILED
func (o *Order) Transition(to OrderStatus) error {
	allowed := map[OrderStatus][]OrderStatus{
		OrderSubmitted: {OrderStarted, OrderCanceled, OrderFailed},
		OrderStarted:   {OrderFinished, OrderFailed},
	}
	for _, next := range allowed[o.Status] {
		if next == to {
			o.Status = to
			o.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("invalid order transition %s -> %s", o.Status, to)
}

type OrderItem struct {
	bun.BaseModel `bun:"table:order_items,alias:oi"`

	ID       string `bun:"id,pk"`
	OrderID  string `bun:"order_id,notnull"`
	TicketID string `bun:"ticket_id,notnull"`
	Quantity int64  `bun:"quantity,notnull"`

	// LineTotal = quantity * ticket price at creation, minor units.
	LineTotal int64 `bun:"line_total,notnull"`

	// PotentialDiscountData holds the discount quote attached at order
	// submission, if a coupon was accepted.
	PotentialDiscountData *DiscountQuote `bun:"potential_discount_data,type:jsonb,nullzero"`

	Ticket *Ticket `bun:"rel:belongs-to,join:ticket_id=id"`
}

// DiscountQuote is the immutable record produced by the discount engine and
// stored on the order item and the transaction at creation time.
type DiscountQuote struct {
	Method        string `json:"method"`
	Value         int64  `json:"value"`
	InitialAmount int64  `json:"initial_amount"`
	ReducedAmount int64  `json:"reduced_amount"`
	DiscountID    string `json:"discount_id"`
	CouponID      string `json:"coupon_id,omitempty"`
	CouponCode    string `json:"coupon_code,omitempty"`
}
