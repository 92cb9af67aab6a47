package discount

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ms-orders/internal/logger"
	"ms-orders/internal/models"
	"ms-orders/internal/utils"
)

// Rejection codes, surfaced verbatim in the API error envelope.
const (
	CodeCouponNotFound          = "COUPON_NOT_FOUND"
	CodeConsumerNotProvided     = "CONSUMER_ENTITY_NOT_PROVIDED"
	CodeDateValidity            = "DATE_VALIDITY_ERROR"
	CodeMinimalAmountNotReached = "MINIMAL_AMOUNT_NOT_REACHED"
	CodeUsageLimit              = "USAGE_LIMIT_VALIDATION_ERROR"
	CodeUsagePerConsumer        = "USAGE_PER_CONSUMER_ERROR"
	CodeConditions              = "CONDITIONS_VALIDATION_ERROR"
)

// Consumer identifies who is buying. TICKET discounts are consumed by users,
// SUBSCRIPTION and EVENT_HIGHLIGHTING discounts by organizations. An empty
// UserID on a ticket purchase marks an anonymous buyer.
type Consumer struct {
	UserID         string
	OrganizationID string
}

// PurchaseTarget is the entity a discount is evaluated against.
type PurchaseTarget struct {
	Type       models.DiscountTargetType
	ID         string
	EventID    string
	CategoryID string

	// UnitPrice in minor currency units.
	UnitPrice int64
}

type Store interface {
	GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	GetDiscountByID(ctx context.Context, id string) (*models.Discount, error)
	GetAutomaticDiscounts(ctx context.Context, target models.DiscountTargetType, now time.Time) ([]models.Discount, error)
	GetDiscountUsage(ctx context.Context, discountID, consumerID string) (*models.DiscountUsage, error)
	InsertUsageRecord(ctx context.Context, rec *models.DiscountUsageRecord) (bool, error)
	DeleteUsageRecord(ctx context.Context, transactionID string) error
	IncrementDiscountUsage(ctx context.Context, discountID, consumerID, usageID string) (bool, error)
}

// Engine validates discount availability and computes reduced prices.
type Engine struct {
	store Store
	log   *logger.Logger
}

func NewEngine(store Store, log *logger.Logger) *Engine {
	return &Engine{store: store, log: log}
}

// Evaluate resolves a coupon code and checks the discount against the
// (consumer, target, quantity) triple. On success it returns the quote to
// attach to the order and transaction.
func (e *Engine) Evaluate(ctx context.Context, couponCode string, target PurchaseTarget, quantity int64, consumer Consumer) (*models.DiscountQuote, error) {
	coupon, err := e.store.GetCouponByCode(ctx, couponCode)
	if err != nil || coupon.Discount == nil {
		return nil, utils.Coded(CodeCouponNotFound, fmt.Sprintf("coupon %q not found", couponCode))
	}
	d := coupon.Discount

	if err := e.available(ctx, d, target, quantity, consumer); err != nil {
		return nil, err
	}

	initial := target.UnitPrice * quantity
	quote := e.quote(d, initial)
	quote.CouponID = coupon.ID
	quote.CouponCode = coupon.Code
	return quote, nil
}

// ApplicableAutomatic returns the is_automatic discounts currently in their
// validity window that pass every availability check for the triple.
func (e *Engine) ApplicableAutomatic(ctx context.Context, target PurchaseTarget, quantity int64, consumer Consumer) ([]models.Discount, error) {
	candidates, err := e.store.GetAutomaticDiscounts(ctx, target.Type, time.Now())
	if err != nil {
		return nil, fmt.Errorf("fetch automatic discounts: %w", err)
	}
	var applicable []models.Discount
	for i := range candidates {
		if err := e.available(ctx, &candidates[i], target, quantity, consumer); err == nil {
			applicable = append(applicable, candidates[i])
		}
	}
	return applicable, nil
}

// BestAutomatic picks the automatic discount yielding the lowest final price.
// With no applicable discount it returns (nil, price).
func (e *Engine) BestAutomatic(ctx context.Context, target PurchaseTarget, quantity int64, price int64, consumer Consumer) (*models.Discount, int64, error) {
	applicable, err := e.ApplicableAutomatic(ctx, target, quantity, consumer)
	if err != nil {
		return nil, price, err
	}
	var best *models.Discount
	bestPrice := price
	for i := range applicable {
		d := &applicable[i]
		if d.ValidationRule == nil {
			continue
		}
		reduced := Apply(d.ValidationRule.Type, d.ValidationRule.Value, price)
		if reduced < bestPrice {
			best = d
			bestPrice = reduced
		}
	}
	return best, bestPrice, nil
}

// RecordUsage marks one consumption of the discount. Idempotent per
// (discount, consumer, transaction): the transaction-paid handler may be
// redelivered by the webhook.
func (e *Engine) RecordUsage(ctx context.Context, discountID string, consumer Consumer, transactionID string) error {
	d, err := e.store.GetDiscountByID(ctx, discountID)
	if err != nil {
		return fmt.Errorf("fetch discount %s: %w", discountID, err)
	}
	consumerID := e.consumerID(d, consumer)

	inserted, err := e.store.InsertUsageRecord(ctx, &models.DiscountUsageRecord{
		ID:            uuid.NewString(),
		DiscountID:    discountID,
		ConsumerID:    consumerID,
		TransactionID: transactionID,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	if !inserted {
		// Redelivery: this transaction already consumed the discount.
		return nil
	}

	ok, err := e.store.IncrementDiscountUsage(ctx, discountID, consumerID, uuid.NewString())
	if err != nil {
		return fmt.Errorf("increment discount usage: %w", err)
	}
	if !ok {
		_ = e.store.DeleteUsageRecord(ctx, transactionID)
		return utils.Coded(CodeUsageLimit, "discount usage limit reached")
	}
	return nil
}

// available runs the availability checks in their fixed order; the first
// failure short-circuits with its rejection code.
func (e *Engine) available(ctx context.Context, d *models.Discount, target PurchaseTarget, quantity int64, consumer Consumer) error {
	consumerID := e.consumerID(d, consumer)
	anonymous := consumerID == ""

	// 1. Consumer-type match. Anonymous buyers are allowed on user-typed
	// ticket discounts only.
	if anonymous && e.usageEntityType(d) == models.UsageByOrganization {
		return utils.Coded(CodeConsumerNotProvided, "discount requires an organization consumer")
	}

	// 2. Date validity.
	now := time.Now()
	if d.StartsAt != nil && now.Before(*d.StartsAt) {
		return utils.Coded(CodeDateValidity, "discount is not active yet")
	}
	if d.EndsAt != nil && now.After(*d.EndsAt) {
		return utils.Coded(CodeDateValidity, "discount has expired")
	}

	// 3. Minimal amount.
	purchaseCost := target.UnitPrice * quantity
	if d.MinimalAmount != nil && purchaseCost < *d.MinimalAmount {
		return utils.Coded(CodeMinimalAmountNotReached, fmt.Sprintf("purchase cost %d below minimal amount %d", purchaseCost, *d.MinimalAmount))
	}

	// 4. Global usage cap. Settlement already caps increments at the limit,
	// so evaluation only rejects a count beyond it, which can happen when a
	// limit is lowered after redemptions.
	if d.UsageLimit != nil && d.UsagesCount > *d.UsageLimit {
		return utils.Coded(CodeUsageLimit, "discount usage limit reached")
	}

	// 5. Per-consumer cap, skipped for anonymous buyers.
	if !anonymous && d.UsageRule != nil {
		usage, err := e.store.GetDiscountUsage(ctx, d.ID, consumerID)
		if err != nil {
			return fmt.Errorf("fetch discount usage: %w", err)
		}
		if usage != nil && usage.Usages >= d.UsageRule.MaxUses {
			return utils.Coded(CodeUsagePerConsumer, "per-consumer usage limit reached")
		}
	}

	// 6. Conditions; all must match.
	for i := range d.Conditions {
		if !matches(&d.Conditions[i], target, consumer) {
			return utils.Coded(CodeConditions, "discount conditions not met")
		}
	}
	return nil
}

func (e *Engine) quote(d *models.Discount, initial int64) *models.DiscountQuote {
	rule := d.ValidationRule
	return &models.DiscountQuote{
		Method:        string(rule.Type),
		Value:         rule.Value,
		InitialAmount: initial,
		ReducedAmount: Apply(rule.Type, rule.Value, initial),
		DiscountID:    d.ID,
	}
}

// usageEntityType falls back to the target type when a discount carries no
// usage rule.
func (e *Engine) usageEntityType(d *models.Discount) models.UsageEntityType {
	if d.UsageRule != nil {
		return d.UsageRule.EntityType
	}
	if d.TargetType == models.TargetTicket {
		return models.UsageByUser
	}
	return models.UsageByOrganization
}

func (e *Engine) consumerID(d *models.Discount, consumer Consumer) string {
	if e.usageEntityType(d) == models.UsageByOrganization {
		return consumer.OrganizationID
	}
	return consumer.UserID
}

// matches evaluates one condition. The entity type selects the subject:
// ORGANIZATIONS and USERS test the consumer, the rest test the purchased
// entity.
func matches(cond *models.DiscountCondition, target PurchaseTarget, consumer Consumer) bool {
	var subject string
	switch cond.EntityType {
	case models.ConditionOrganizations:
		subject = consumer.OrganizationID
	case models.ConditionUsers:
		subject = consumer.UserID
	case models.ConditionEvents:
		subject = target.EventID
	case models.ConditionTicketCategories:
		subject = target.CategoryID
	case models.ConditionTickets, models.ConditionSubscriptionTypes, models.ConditionEventHighlightingTypes:
		subject = target.ID
	default:
		return false
	}

	found := false
	for _, id := range cond.TargetIDs {
		if id == subject {
			found = true
			break
		}
	}
	if cond.Operator == models.OperatorNotIn {
		return !found
	}
	return found
}

// Apply computes the reduced price for a method and value. PERCENTAGE takes
// value percent off the amount with half-up rounding at integer precision,
// FIXED subtracts value with a floor of zero, FREE_SHIPPING zeroes the
// amount.
func Apply(method models.CalculationMethod, value, initial int64) int64 {
	switch method {
	case models.MethodPercentage:
		return initial - roundHalfUp(initial*value, 100)
	case models.MethodFixed:
		if value >= initial {
			return 0
		}
		return initial - value
	case models.MethodFreeShipping:
		return 0
	}
	return initial
}

// roundHalfUp divides num by den rounding .5 away from zero. Both operands
// are non-negative in practice.
func roundHalfUp(num, den int64) int64 {
	q := num / den
	if (num%den)*2 >= den {
		q++
	}
	return q
}
