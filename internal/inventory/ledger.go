package inventory

import (
	"context"
	"fmt"

	"ms-orders/internal/logger"
	"ms-orders/internal/models"
	"ms-orders/internal/utils"
)

const (
	CodeInsufficientStock = "INSUFFICIENT_STOCK"
	CodeParticipantLimit  = "PARTICIPANT_LIMIT_REACHED"
)

type Store interface {
	GetTicketForUpdate(ctx context.Context, id string) (*models.Ticket, error)
	UpdateTicketQuantity(ctx context.Context, ticket *models.Ticket) error
	GetEventForUpdate(ctx context.Context, id string) (*models.Event, error)
	UpdateEventParticipants(ctx context.Context, event *models.Event) error
}

// NearlySoldOut is emitted when a decrement crosses a configured remaining
// percentage downward. Crossing detection on the straddling decrement makes
// each (ticket, percentage) pair fire at most once.
type NearlySoldOut struct {
	Event      *models.Event
	Ticket     *models.Ticket
	Percentage int64
	Remaining  int64
}

// ConsumeResult reports the post-decrement state and any threshold events.
type ConsumeResult struct {
	Ticket     *models.Ticket
	Event      *models.Event
	Thresholds []NearlySoldOut
}

// Ledger decrements ticket inventory and event participant counts. It must
// run on a transaction-bound store; the caller owns the enclosing
// transaction.
type Ledger struct {
	store      Store
	log        *logger.Logger
	thresholds []int64
}

func NewLedger(store Store, log *logger.Logger, thresholds []int64) *Ledger {
	return &Ledger{store: store, log: log, thresholds: thresholds}
}

// Consume takes quantity units from the ticket and adds them to the event's
// participant count. No partial consumption: insufficient stock fails the
// whole operation.
func (l *Ledger) Consume(ctx context.Context, ticketID string, quantity int64) (*ConsumeResult, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("invalid consume quantity %d", quantity)
	}

	ticket, err := l.store.GetTicketForUpdate(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("lock ticket %s: %w", ticketID, err)
	}

	result := &ConsumeResult{Ticket: ticket}

	if !ticket.Unlimited() {
		if ticket.AvailableQuantity < quantity {
			return nil, utils.Coded(CodeInsufficientStock,
				fmt.Sprintf("ticket %s has %d left, requested %d", ticketID, ticket.AvailableQuantity, quantity))
		}
		before := ticket.AvailableQuantity
		ticket.AvailableQuantity -= quantity
		if err := l.store.UpdateTicketQuantity(ctx, ticket); err != nil {
			return nil, fmt.Errorf("decrement ticket %s: %w", ticketID, err)
		}
		result.Thresholds = l.crossed(ticket, before)
	}

	event, err := l.store.GetEventForUpdate(ctx, ticket.EventID)
	if err != nil {
		return nil, fmt.Errorf("lock event %s: %w", ticket.EventID, err)
	}
	if event.Private && event.ParticipantCount+quantity > event.ParticipantLimit {
		return nil, utils.Coded(CodeParticipantLimit,
			fmt.Sprintf("event %s participant limit %d reached", event.ID, event.ParticipantLimit))
	}
	event.ParticipantCount += quantity
	if err := l.store.UpdateEventParticipants(ctx, event); err != nil {
		return nil, fmt.Errorf("increment participants for event %s: %w", event.ID, err)
	}
	result.Event = event
	for i := range result.Thresholds {
		result.Thresholds[i].Event = event
	}
	return result, nil
}

// crossed reports every configured percentage p with
// available_after <= p%*initial < available_before.
func (l *Ledger) crossed(ticket *models.Ticket, before int64) []NearlySoldOut {
	var events []NearlySoldOut
	for _, p := range l.thresholds {
		mark := ticket.InitialQuantity * p / 100
		if ticket.AvailableQuantity <= mark && mark < before {
			events = append(events, NearlySoldOut{
				Ticket:     ticket,
				Percentage: p,
				Remaining:  ticket.AvailableQuantity,
			})
		}
	}
	return events
}
