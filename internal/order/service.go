package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ms-orders/internal/db"
	"ms-orders/internal/discount"
	"ms-orders/internal/logger"
	"ms-orders/internal/models"
	"ms-orders/internal/notify"
	"ms-orders/internal/transaction"
	"ms-orders/internal/utils"
)

const (
	CodeTicketUnavailable = "TICKET_UNAVAILABLE"
	CodeTicketExpired     = "TICKET_EXPIRED"
	CodeInvalidOrder      = "INVALID_ORDER"
	CodeMissingConsumer   = "MISSING_CONSUMER"
	CodeOrderNotFound     = "ORDER_NOT_FOUND"
)

// Service owns the order workflow: submission, settlement effects and
// e-ticket issuance. Settlement effects are registered as hooks on the
// transaction engine so they run inside the settlement transaction.
type Service struct {
	store    *db.Store
	log      *logger.Logger
	tx       *transaction.Engine
	dispatch *notify.Dispatcher
	pdf      *notify.TicketPDF

	soldOutThresholds     []int64
	defaultRetributionBps int64
}

func NewService(store *db.Store, log *logger.Logger, tx *transaction.Engine, dispatch *notify.Dispatcher, thresholds []int64, defaultRetributionBps int64) *Service {
	s := &Service{
		store:                 store,
		log:                   log,
		tx:                    tx,
		dispatch:              dispatch,
		pdf:                   notify.NewTicketPDF(),
		soldOutThresholds:     thresholds,
		defaultRetributionBps: defaultRetributionBps,
	}
	tx.SetHooks(s.handlePaid, s.handleFailed)
	return s
}

// CreateOrderInput is the submission payload. UserID identifies an
// authenticated buyer; without it an email is required and a
// pseudo-anonymous user is provisioned.
type CreateOrderInput struct {
	TicketID   string
	Quantity   int64
	UserID     string
	Email      string
	Phone      string
	FullName   string
	CouponCode string
	Gateway    models.Gateway
}

// CreateOrderResult pairs the submitted order with its open transaction.
type CreateOrderResult struct {
	Order       *models.Order
	Item        *models.OrderItem
	Transaction *models.Transaction
}

// CreateOrder validates the purchase, provisions the buyer, prices the line
// with any coupon or automatic discount, and opens the settlement
// transaction. Free orders settle inline, so tickets may already be issued
// when this returns.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (*CreateOrderResult, error) {
	if input.Quantity < 1 {
		return nil, utils.Coded(CodeInvalidOrder, "quantity must be at least 1")
	}
	if input.UserID == "" && input.Email == "" {
		return nil, utils.Coded(CodeMissingConsumer, "an authenticated user or an email is required")
	}
	if input.Gateway == "" {
		input.Gateway = models.GatewayStripe
	}

	var result *CreateOrderResult
	err := s.store.RunInTx(ctx, func(ctx context.Context, st *db.Store) error {
		ticket, err := st.GetTicketByID(ctx, input.TicketID)
		if err != nil {
			return utils.Coded(CodeTicketUnavailable, fmt.Sprintf("ticket %s not found", input.TicketID))
		}
		event := ticket.Event
		if event == nil || !event.IsTicketsManagementEnabled {
			return utils.Coded(CodeTicketUnavailable, "ticket sales are not open for this event")
		}
		now := time.Now()
		if ticket.Expired(now) || now.After(event.ExpiresAt) {
			return utils.Coded(CodeTicketExpired, fmt.Sprintf("ticket %s is no longer on sale", ticket.ID))
		}
		if !ticket.Unlimited() && ticket.AvailableQuantity < input.Quantity {
			return utils.Coded(CodeTicketUnavailable,
				fmt.Sprintf("ticket %s has %d left, requested %d", ticket.ID, ticket.AvailableQuantity, input.Quantity))
		}

		user, err := s.resolveBuyer(ctx, st, input)
		if err != nil {
			return err
		}

		lineTotal := ticket.Price * input.Quantity
		amount := lineTotal

		target := discount.PurchaseTarget{
			Type:       models.TargetTicket,
			ID:         ticket.ID,
			EventID:    ticket.EventID,
			CategoryID: ticket.CategoryID,
			UnitPrice:  ticket.Price,
		}
		consumer := discount.Consumer{UserID: user.ID}
		eng := discount.NewEngine(st, s.log)

		var quote *models.DiscountQuote
		if input.CouponCode != "" {
			quote, err = eng.Evaluate(ctx, input.CouponCode, target, input.Quantity, consumer)
			if err != nil {
				return err
			}
			amount = quote.ReducedAmount
		} else {
			best, reduced, err := eng.BestAutomatic(ctx, target, input.Quantity, lineTotal, consumer)
			if err != nil {
				return err
			}
			if best != nil {
				quote = &models.DiscountQuote{
					Method:        string(best.ValidationRule.Type),
					Value:         best.ValidationRule.Value,
					InitialAmount: lineTotal,
					ReducedAmount: reduced,
					DiscountID:    best.ID,
				}
				amount = reduced
			}
		}

		gateway := input.Gateway
		if amount == 0 {
			// Nothing to collect; settle inline regardless of the requested
			// gateway.
			gateway = models.GatewayFreeShipping
		}

		ord := &models.Order{
			ID:                uuid.NewString(),
			OrderID:           utils.GenerateOrderID(),
			UserID:            user.ID,
			Email:             user.Email,
			IsPseudoAnonymous: user.IsPseudoAnonymous,
			Status:            models.OrderSubmitted,
			HasBeenDiscounted: quote != nil,
			CreatedAt:         time.Now(),
		}
		item := &models.OrderItem{
			ID:                    uuid.NewString(),
			OrderID:               ord.ID,
			TicketID:              ticket.ID,
			Quantity:              input.Quantity,
			LineTotal:             lineTotal,
			PotentialDiscountData: quote,
		}
		if err := st.CreateOrder(ctx, ord, item); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		s.log.LogOrder("CREATE", ord.OrderID, fmt.Sprintf("%d x ticket %s, amount %d", input.Quantity, ticket.ID, amount))

		txRecord, err := s.tx.WithStore(st).Create(ctx, transaction.CreateParams{
			Type:     models.TransactionOrder,
			EntityID: ord.ID,
			Amount:   amount,
			Gateway:  gateway,
			UserID:   user.ID,
			Coupon:   couponMetadata(quote),
		})
		if err != nil {
			return err
		}

		result = &CreateOrderResult{Order: ord, Item: item, Transaction: txRecord}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Inline settlements committed with the order; refresh so callers see the
	// FINISHED state, then push the terminal status to stream clients.
	if result.Transaction.Gateway.Inline() {
		if fresh, err := s.store.GetOrderByID(ctx, result.Order.ID); err == nil {
			result.Order = fresh
		}
		s.tx.EmitStatus(ctx, result.Transaction)
	} else {
		txRecord, err := s.tx.ProcessPayment(ctx, result.Transaction.LocalID)
		if err != nil {
			return nil, err
		}
		result.Transaction = txRecord
	}
	return result, nil
}

// resolveBuyer loads the authenticated user or provisions (or reuses) a
// pseudo-anonymous record keyed by email or phone.
func (s *Service) resolveBuyer(ctx context.Context, st *db.Store, input CreateOrderInput) (*models.User, error) {
	if input.UserID != "" {
		user, err := st.GetUserByID(ctx, input.UserID)
		if err != nil {
			return nil, utils.Coded(CodeInvalidOrder, fmt.Sprintf("user %s not found", input.UserID))
		}
		return user, nil
	}

	user, err := st.FindPseudoAnonymousUser(ctx, input.Email, input.Phone)
	if err != nil {
		return nil, fmt.Errorf("lookup pseudo-anonymous user: %w", err)
	}
	if user != nil {
		return user, nil
	}
	user = &models.User{
		ID:                uuid.NewString(),
		Email:             input.Email,
		Phone:             input.Phone,
		FullName:          input.FullName,
		IsPseudoAnonymous: true,
		CreatedAt:         time.Now(),
	}
	if err := st.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("provision pseudo-anonymous user: %w", err)
	}
	s.log.Info("ORDER", fmt.Sprintf("Provisioned pseudo-anonymous user %s", user.ID))
	return user, nil
}

// GetOrder loads an order by its public identifier, with item and ticket.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	ord, err := s.store.GetOrderByOrderID(ctx, orderID)
	if err != nil {
		return nil, utils.Coded(CodeOrderNotFound, fmt.Sprintf("order %s not found", orderID))
	}
	return ord, nil
}

// GetOrderETickets returns the e-tickets issued for a finished order.
func (s *Service) GetOrderETickets(ctx context.Context, orderID string) ([]models.ETicket, error) {
	ord, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.store.GetETicketsByOrder(ctx, ord.ID)
}

func couponMetadata(quote *models.DiscountQuote) *models.CouponMetadata {
	if quote == nil {
		return nil
	}
	return &models.CouponMetadata{
		UseCoupon:         quote.CouponID != "",
		CouponID:          quote.CouponID,
		CouponCode:        quote.CouponCode,
		DiscountID:        quote.DiscountID,
		CalculationMethod: quote.Method,
		InitialAmount:     quote.InitialAmount,
		ReducedAmount:     quote.ReducedAmount,
	}
}
