package models

import (
	"time"

	"github.com/uptrace/bun"
)

// UnlimitedQuantity marks a ticket without inventory tracking.
const UnlimitedQuantity = -1

type Ticket struct {
	bun.BaseModel `bun:"table:tickets,alias:t"`

	ID         string `bun:"id,pk"`
	EventID    string `bun:"event_id,notnull"`
	CategoryID string `bun:"category_id"`
	Name       string `bun:"name,notnull"`

	// Price in minor currency units.
	Price int64 `bun:"price,notnull"`

	// AvailableQuantity is -1 for unlimited tickets. Otherwise
	// 0 <= available_quantity <= initial_quantity.
	AvailableQuantity int64 `bun:"available_quantity,notnull"`

	// InitialQuantity is immutable after first create.
	InitialQuantity int64 `bun:"initial_quantity,notnull"`

	ExpiryDate time.Time `bun:"expiry_date,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull,default:current_timestamp"`

	Event *Event `bun:"rel:belongs-to,join:event_id=id"`
}

// Expired reports whether the ticket can no longer be sold.
func (t *Ticket) Expired(now time.Time) bool {
	return now.After(t.ExpiryDate)
}

// Unlimited reports whether inventory checks are skipped for this ticket.
func (t *Ticket) Unlimited() bool {
	return t.AvailableQuantity == UnlimitedQuantity
}
