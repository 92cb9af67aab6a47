package order

import (
	"context"
	"fmt"

	"ms-orders/internal/db"
	"ms-orders/internal/discount"
	"ms-orders/internal/eticket"
	"ms-orders/internal/finance"
	"ms-orders/internal/inventory"
	"ms-orders/internal/models"
)

// handlePaid is the settlement effect for a paid order transaction. It runs
// inside the settlement transaction: income distribution, inventory
// consumption, discount usage and e-ticket issuance commit atomically with
// the PAID status or not at all. The order row lock plus the
// is_income_distributed flag make a redelivered paid signal a no-op.
func (s *Service) handlePaid(ctx context.Context, st *db.Store, tx *models.Transaction) error {
	if tx.Type != models.TransactionOrder {
		return nil
	}

	ord, err := st.GetOrderForUpdate(ctx, tx.EntityID)
	if err != nil {
		return fmt.Errorf("lock order %s: %w", tx.EntityID, err)
	}
	if ord.Status == models.OrderFinished {
		s.log.LogIssuance(ord.OrderID, "already finished, skipping redelivered paid signal")
		return nil
	}
	if ord.Status.Terminal() {
		return fmt.Errorf("order %s is %s, cannot apply paid transaction %s", ord.OrderID, ord.Status, tx.LocalID)
	}
	if ord.Status == models.OrderSubmitted {
		if err := ord.Transition(models.OrderStarted); err != nil {
			return err
		}
	}

	item, err := st.GetOrderItem(ctx, ord.ID)
	if err != nil {
		return fmt.Errorf("load item for order %s: %w", ord.OrderID, err)
	}
	ticket := item.Ticket
	if ticket == nil || ticket.Event == nil {
		return fmt.Errorf("order %s item references missing ticket %s", ord.OrderID, item.TicketID)
	}

	if !ord.IsIncomeDistributed {
		fin := finance.NewLedger(st, s.log, s.defaultRetributionBps)
		dist, err := fin.Credit(ctx, ticket.Event.OrganizationID, tx.Amount, ord.HasBeenDiscounted)
		if err != nil {
			return fmt.Errorf("distribute income for order %s: %w", ord.OrderID, err)
		}
		ord.AppliedPercentageBps = dist.Bps
		ord.IsIncomeDistributed = true
	}

	inv := inventory.NewLedger(st, s.log, s.soldOutThresholds)
	consumed, err := inv.Consume(ctx, item.TicketID, item.Quantity)
	if err != nil {
		return fmt.Errorf("consume inventory for order %s: %w", ord.OrderID, err)
	}

	if quote := item.PotentialDiscountData; quote != nil && quote.DiscountID != "" {
		eng := discount.NewEngine(st, s.log)
		consumer := discount.Consumer{UserID: ord.UserID}
		if err := eng.RecordUsage(ctx, quote.DiscountID, consumer, tx.ID); err != nil {
			return fmt.Errorf("record discount usage for order %s: %w", ord.OrderID, err)
		}
	}

	codec := eticket.NewCodec(st, s.log)
	event := consumed.Event
	etickets := make([]models.ETicket, 0, item.Quantity)
	pdfs := make([][]byte, 0, item.Quantity)
	for i := int64(0); i < item.Quantity; i++ {
		et, err := codec.Generate(ctx, event, ticket, ord.ID, event.ExpiresAt)
		if err != nil {
			return fmt.Errorf("issue eticket %d/%d for order %s: %w", i+1, item.Quantity, ord.OrderID, err)
		}
		etickets = append(etickets, *et)

		png, err := codec.RenderPNG(et)
		if err != nil {
			return fmt.Errorf("render qr for %s: %w", et.ID, err)
		}
		doc, err := s.pdf.Render(et, event, png)
		if err != nil {
			return fmt.Errorf("render pdf for %s: %w", et.ID, err)
		}
		pdfs = append(pdfs, doc)
	}

	if err := ord.Transition(models.OrderFinished); err != nil {
		return err
	}
	if err := st.UpdateOrder(ctx, ord); err != nil {
		return fmt.Errorf("finish order %s: %w", ord.OrderID, err)
	}
	s.log.LogIssuance(ord.OrderID, fmt.Sprintf("issued %d e-tickets", len(etickets)))

	s.dispatch.OrderReceipt(ctx, ord, tx)
	s.dispatch.TicketsReady(ctx, ord, etickets, pdfs)
	s.dispatch.TransactionResult(ctx, tx)
	for _, crossed := range consumed.Thresholds {
		s.dispatch.NearlySoldOut(ctx, crossed.Event, crossed.Ticket, crossed.Percentage, crossed.Remaining)
	}
	return nil
}

// handleFailed flips the order when its transaction fails or is canceled.
// Stock is only consumed at issuance, so there is nothing to release.
func (s *Service) handleFailed(ctx context.Context, st *db.Store, tx *models.Transaction) error {
	if tx.Type != models.TransactionOrder {
		return nil
	}

	ord, err := st.GetOrderForUpdate(ctx, tx.EntityID)
	if err != nil {
		return fmt.Errorf("lock order %s: %w", tx.EntityID, err)
	}
	if ord.Status.Terminal() {
		return nil
	}

	to := models.OrderFailed
	if tx.Status == models.TransactionCanceled {
		to = models.OrderCanceled
	}
	if err := ord.Transition(to); err != nil {
		return err
	}
	if err := st.UpdateOrder(ctx, ord); err != nil {
		return fmt.Errorf("update order %s: %w", ord.OrderID, err)
	}
	s.log.LogOrder("SETTLE", ord.OrderID, fmt.Sprintf("marked %s after transaction %s", to, tx.Status))

	s.dispatch.TransactionResult(ctx, tx)
	return nil
}
