package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-orders/internal/analytics"
	"ms-orders/internal/auth"
	"ms-orders/internal/db"
	"ms-orders/internal/discount"
	"ms-orders/internal/eticket"
	"ms-orders/internal/inventory"
	"ms-orders/internal/logger"
	"ms-orders/internal/models"
	"ms-orders/internal/order"
	"ms-orders/internal/sse"
	"ms-orders/internal/transaction"
	"ms-orders/internal/utils"
)

type Handler struct {
	Service   *order.Service
	Tx        *transaction.Engine
	Codec     *eticket.Codec
	Emitter   *sse.StatusEmitter
	Cache     *transaction.Cache
	Store     *db.Store
	Analytics *analytics.Service
	Logger    *logger.Logger
}

func NewHandler(service *order.Service, tx *transaction.Engine, codec *eticket.Codec, emitter *sse.StatusEmitter, cache *transaction.Cache, store *db.Store, stats *analytics.Service, log *logger.Logger) *Handler {
	return &Handler{
		Service:   service,
		Tx:        tx,
		Codec:     codec,
		Emitter:   emitter,
		Cache:     cache,
		Store:     store,
		Analytics: stats,
		Logger:    log,
	}
}

type createOrderRequest struct {
	TicketID   string `json:"ticket_id"`
	Quantity   int64  `json:"quantity"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	FullName   string `json:"full_name,omitempty"`
	CouponCode string `json:"coupon_code,omitempty"`
	Gateway    string `json:"gateway,omitempty"`
}

type transactionResponse struct {
	LocalID    string `json:"local_id"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	Amount     int64  `json:"amount"`
	PaymentURL string `json:"payment_url,omitempty"`
}

type orderItemResponse struct {
	TicketID  string                `json:"ticket_id"`
	Quantity  int64                 `json:"quantity"`
	LineTotal int64                 `json:"line_total"`
	Discount  *models.DiscountQuote `json:"discount,omitempty"`
}

type orderResponse struct {
	OrderID     string               `json:"order_id"`
	Status      string               `json:"status"`
	Email       string               `json:"email,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	Item        *orderItemResponse   `json:"item,omitempty"`
	Transaction *transactionResponse `json:"transaction,omitempty"`
}

func orderToResponse(ord *models.Order, tx *models.Transaction) *orderResponse {
	resp := &orderResponse{
		OrderID:   ord.OrderID,
		Status:    string(ord.Status),
		Email:     ord.Email,
		CreatedAt: ord.CreatedAt,
	}
	if ord.Item != nil {
		resp.Item = &orderItemResponse{
			TicketID:  ord.Item.TicketID,
			Quantity:  ord.Item.Quantity,
			LineTotal: ord.Item.LineTotal,
			Discount:  ord.Item.PotentialDiscountData,
		}
	}
	if tx != nil {
		resp.Transaction = &transactionResponse{
			LocalID:    tx.LocalID,
			Status:     string(tx.Status),
			Gateway:    string(tx.Gateway),
			Amount:     tx.Amount,
			PaymentURL: tx.PaymentURL,
		}
	}
	return resp
}

// CreateOrder handles POST /orders for both authenticated and anonymous
// buyers.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("API", fmt.Sprintf("CreateOrder: failed to decode request body: %v", err))
		utils.WriteError(w, http.StatusBadRequest, order.CodeInvalidOrder, "invalid request body")
		return
	}

	input := order.CreateOrderInput{
		TicketID:   req.TicketID,
		Quantity:   req.Quantity,
		Email:      req.Email,
		Phone:      req.Phone,
		FullName:   req.FullName,
		CouponCode: req.CouponCode,
		Gateway:    models.Gateway(req.Gateway),
	}
	if claims := auth.FromContext(r.Context()); claims != nil {
		input.UserID = claims.UserID
	}

	result, err := h.Service.CreateOrder(r.Context(), input)
	if err != nil {
		code := utils.CodeOf(err, "INTERNAL_ERROR")
		h.Logger.Error("API", fmt.Sprintf("CreateOrder failed: %v", err))
		utils.WriteError(w, statusForCode(code), code, err.Error())
		return
	}

	ord := result.Order
	ord.Item = result.Item
	utils.WriteJSON(w, http.StatusCreated, orderToResponse(ord, result.Transaction))
}

// GetOrder handles GET /orders/{orderID}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	ord, err := h.Service.GetOrder(r.Context(), orderID)
	if err != nil {
		utils.WriteError(w, http.StatusNotFound, order.CodeOrderNotFound, "order not found")
		return
	}
	utils.WriteJSON(w, http.StatusOK, orderToResponse(ord, nil))
}

type eticketResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	EventID   string    `json:"event_id"`
	TicketID  string    `json:"ticket_id"`
	QRCode    string    `json:"qr_code"`
	CreatedAt time.Time `json:"created_at"`
}

// GetOrderETickets handles GET /orders/{orderID}/etickets.
func (h *Handler) GetOrderETickets(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	etickets, err := h.Service.GetOrderETickets(r.Context(), orderID)
	if err != nil {
		code := utils.CodeOf(err, "INTERNAL_ERROR")
		utils.WriteError(w, statusForCode(code), code, err.Error())
		return
	}
	resp := make([]eticketResponse, 0, len(etickets))
	for _, et := range etickets {
		resp = append(resp, eticketResponse{
			ID:        et.ID,
			Name:      et.Name,
			EventID:   et.EventID,
			TicketID:  et.TicketID,
			QRCode:    et.QRCodeData,
			CreatedAt: et.CreatedAt,
		})
	}
	utils.WriteJSON(w, http.StatusOK, resp)
}

type verifyRequest struct {
	Payload string `json:"payload"`
}

type verifyResponse struct {
	Valid   bool             `json:"valid"`
	ETicket *eticketResponse `json:"eticket,omitempty"`
}

// VerifyETicket handles POST /etickets/verify for organization credentials.
// The response never distinguishes failure modes.
func (h *Handler) VerifyETicket(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	if claims == nil || claims.OrganizationID == "" {
		utils.WriteError(w, http.StatusForbidden, "FORBIDDEN", "organization credential required")
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request body")
		return
	}

	valid, et := h.Codec.VerifyRaw(r.Context(), req.Payload, claims.OrganizationID)
	resp := verifyResponse{Valid: valid}
	if valid {
		resp.ETicket = &eticketResponse{
			ID:        et.ID,
			Name:      et.Name,
			EventID:   et.EventID,
			TicketID:  et.TicketID,
			CreatedAt: et.CreatedAt,
		}
	}
	utils.WriteJSON(w, http.StatusOK, resp)
}

// GetEventSales handles GET /events/{eventID}/analytics. The event must
// belong to the caller's organization.
func (h *Handler) GetEventSales(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	eventID := chi.URLParam(r, "eventID")

	event, err := h.Store.GetEventByID(r.Context(), eventID)
	if err != nil {
		utils.WriteError(w, http.StatusNotFound, "EVENT_NOT_FOUND", "event not found")
		return
	}
	if claims == nil || claims.OrganizationID != event.OrganizationID {
		utils.WriteError(w, http.StatusForbidden, "FORBIDDEN", "event belongs to another organization")
		return
	}

	sales, err := h.Analytics.EventSales(r.Context(), eventID)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("GetEventSales failed: %v", err))
		utils.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to compute sales")
		return
	}
	utils.WriteJSON(w, http.StatusOK, sales)
}

// GetOrganizationSales handles GET /organizations/sales, scoped to the
// caller's own organization.
func (h *Handler) GetOrganizationSales(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	if claims == nil || claims.OrganizationID == "" {
		utils.WriteError(w, http.StatusForbidden, "FORBIDDEN", "organization credential required")
		return
	}

	sales, err := h.Analytics.OrganizationSales(r.Context(), claims.OrganizationID)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("GetOrganizationSales failed: %v", err))
		utils.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to compute sales")
		return
	}
	utils.WriteJSON(w, http.StatusOK, sales)
}

// HandleWebhook handles POST /transactions/webhook/{gateway}. Success and
// absorbed redeliveries both answer 204 so the gateway stops retrying.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	gateway := models.Gateway(chi.URLParam(r, "gateway"))

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "failed to read payload")
		return
	}

	err = h.Tx.ApplyWebhook(r.Context(), gateway, payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if whErr, ok := err.(*transaction.WebhookError); ok {
			h.Logger.Error("WEBHOOK", whErr.InternalError)
			utils.WriteError(w, whErr.StatusCode, "WEBHOOK_ERROR", whErr.PublicError)
			return
		}
		h.Logger.Error("WEBHOOK", fmt.Sprintf("Webhook processing failed: %v", err))
		utils.WriteError(w, http.StatusInternalServerError, "WEBHOOK_ERROR", "processing failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusForCode maps business rejection codes onto HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case order.CodeTicketUnavailable, order.CodeTicketExpired, inventory.CodeInsufficientStock:
		return http.StatusConflict
	case order.CodeOrderNotFound, transaction.CodeTransactionNotFound:
		return http.StatusNotFound
	case order.CodeInvalidOrder,
		order.CodeMissingConsumer,
		discount.CodeCouponNotFound,
		discount.CodeConsumerNotProvided,
		discount.CodeDateValidity,
		discount.CodeMinimalAmountNotReached,
		discount.CodeUsageLimit,
		discount.CodeUsagePerConsumer,
		discount.CodeConditions:
		return http.StatusBadRequest
	case transaction.CodePaymentFailed:
		return http.StatusBadGateway
	case transaction.CodeAlreadySettled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
