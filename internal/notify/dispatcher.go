package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ms-orders/internal/logger"
	"ms-orders/internal/models"
)

type Kind string

const (
	KindOrderReceipt           Kind = "ORDER_RECEIPT"
	KindTicketsReady           Kind = "ORDER_TICKETS_READY"
	KindTicketsReadyPseudoAnon Kind = "ORDER_TICKETS_READY_PSEUDO_ANON"
	KindNearlySoldOut          Kind = "TICKET_NEARLY_SOLD_OUT"
	KindTransactionResult      Kind = "TRANSACTION_RESULT"
)

// Attachment content is base64-encoded on the wire by encoding/json.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

// Notification is the message published to the notifications topic. The
// notification service owns templating and delivery channels downstream.
type Notification struct {
	ID             string                 `json:"id"`
	Kind           Kind                   `json:"kind"`
	UserID         string                 `json:"user_id,omitempty"`
	Email          string                 `json:"email,omitempty"`
	OrganizationID string                 `json:"organization_id,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Attachments    []Attachment           `json:"attachments,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

type Publisher interface {
	Publish(ctx context.Context, key string, payload interface{}) error
}

// Dispatcher publishes notifications best-effort: a broker failure is logged
// and swallowed so it never fails the business operation that produced it.
type Dispatcher struct {
	producer Publisher
	log      *logger.Logger
}

func NewDispatcher(producer Publisher, log *logger.Logger) *Dispatcher {
	return &Dispatcher{producer: producer, log: log}
}

// OrderReceipt confirms an order once its payment went through.
func (d *Dispatcher) OrderReceipt(ctx context.Context, order *models.Order, tx *models.Transaction) {
	d.publish(ctx, order.OrderID, &Notification{
		Kind:   KindOrderReceipt,
		UserID: order.UserID,
		Email:  order.Email,
		Data: map[string]interface{}{
			"order_id":    order.OrderID,
			"amount":      tx.Amount,
			"gateway":     tx.Gateway,
			"local_id":    tx.LocalID,
			"payment_url": tx.PaymentURL,
		},
	})
}

// TicketsReady delivers the issued e-tickets as PDF attachments. Pseudo-
// anonymous recipients get the dedicated kind so the notification service
// renders claim instructions instead of an account link.
func (d *Dispatcher) TicketsReady(ctx context.Context, order *models.Order, etickets []models.ETicket, pdfs [][]byte) {
	kind := KindTicketsReady
	if order.IsPseudoAnonymous {
		kind = KindTicketsReadyPseudoAnon
	}
	attachments := make([]Attachment, 0, len(pdfs))
	for i, pdf := range pdfs {
		name := fmt.Sprintf("eticket-%d.pdf", i+1)
		if i < len(etickets) {
			name = etickets[i].Name + ".pdf"
		}
		attachments = append(attachments, Attachment{
			Filename:    name,
			ContentType: "application/pdf",
			Content:     pdf,
		})
	}
	d.publish(ctx, order.OrderID, &Notification{
		Kind:   kind,
		UserID: order.UserID,
		Email:  order.Email,
		Data: map[string]interface{}{
			"order_id":     order.OrderID,
			"ticket_count": len(etickets),
		},
		Attachments: attachments,
	})
}

// NearlySoldOut warns the organization that a ticket crossed a remaining-
// inventory threshold downward.
func (d *Dispatcher) NearlySoldOut(ctx context.Context, event *models.Event, ticket *models.Ticket, percentage, remaining int64) {
	d.publish(ctx, ticket.ID, &Notification{
		Kind:           KindNearlySoldOut,
		OrganizationID: event.OrganizationID,
		Data: map[string]interface{}{
			"event_id":   event.ID,
			"event_name": event.Name,
			"ticket_id":  ticket.ID,
			"percentage": percentage,
			"remaining":  remaining,
		},
	})
}

// TransactionResult reports a terminal settlement outcome.
func (d *Dispatcher) TransactionResult(ctx context.Context, tx *models.Transaction) {
	d.publish(ctx, tx.LocalID, &Notification{
		Kind:   KindTransactionResult,
		UserID: tx.UserID,
		Data: map[string]interface{}{
			"local_id": tx.LocalID,
			"type":     tx.Type,
			"status":   tx.Status,
			"amount":   tx.Amount,
		},
	})
}

func (d *Dispatcher) publish(ctx context.Context, key string, n *Notification) {
	if d.producer == nil {
		return
	}
	n.ID = uuid.NewString()
	n.CreatedAt = time.Now()
	if err := d.producer.Publish(ctx, key, n); err != nil {
		d.log.Error("KAFKA", fmt.Sprintf("Failed to publish %s notification for %s: %v", n.Kind, key, err))
		return
	}
	d.log.LogKafka("PUBLISH", "notifications", fmt.Sprintf("%s for %s", n.Kind, key))
}
