package models

import (
	"time"

	"github.com/uptrace/bun"
)

type ETicket struct {
	bun.BaseModel `bun:"table:etickets,alias:et"`

	ID       string `bun:"id,pk"`
	EventID  string `bun:"event_id,notnull"`
	TicketID string `bun:"ticket_id,notnull"`

	// RelatedOrderID ties the e-ticket to the order that bought it.
	RelatedOrderID string `bun:"related_order_id,notnull"`

	// Name is "E-Ticket N°{k} | {event name}" where k is a per-event
	// counter that tolerates holes.
	Name string `bun:"name,notnull"`

	// SecretKey is a per-ticket 32-byte symmetric key, never reused.
	SecretKey []byte `bun:"secret_key,notnull"`

	// SecretPhrase is "<name> @ <unix expiration>".
	SecretPhrase string `bun:"secret_phrase,notnull"`

	// QRCodeData is the stable JSON wire payload embedded in the QR code.
	QRCodeData string `bun:"qr_code_data"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`

	Event  *Event  `bun:"rel:belongs-to,join:event_id=id"`
	Ticket *Ticket `bun:"rel:belongs-to,join:ticket_id=id"`
}
