package models

import (
	"time"

	"github.com/uptrace/bun"
)

type DiscountTargetType string

const (
	TargetTicket            DiscountTargetType = "TICKET"
	TargetSubscription      DiscountTargetType = "SUBSCRIPTION"
	TargetEventHighlighting DiscountTargetType = "EVENT_HIGHLIGHTING"
)

type CalculationMethod string

const (
	MethodPercentage   CalculationMethod = "PERCENTAGE"
	MethodFixed        CalculationMethod = "FIXED"
	MethodFreeShipping CalculationMethod = "FREE_SHIPPING"
)

type ConditionEntityType string

const (
	ConditionOrganizations          ConditionEntityType = "ORGANIZATIONS"
	ConditionUsers                  ConditionEntityType = "USERS"
	ConditionEvents                 ConditionEntityType = "EVENTS"
	ConditionTickets                ConditionEntityType = "TICKETS"
	ConditionTicketCategories       ConditionEntityType = "TICKET_CATEGORIES"
	ConditionSubscriptionTypes      ConditionEntityType = "SUBSCRIPTION_TYPES"
	ConditionEventHighlightingTypes ConditionEntityType = "EVENT_HIGHLIGHTING_TYPES"
)

type ConditionOperator string

const (
	OperatorIn    ConditionOperator = "IN"
	OperatorNotIn ConditionOperator = "NOT_IN"
)

type UsageEntityType string

const (
	UsageByUser         UsageEntityType = "USER"
	UsageByOrganization UsageEntityType = "ORGANIZATION"
)

type Discount struct {
	bun.BaseModel `bun:"table:discounts,alias:d"`

	ID         string             `bun:"id,pk"`
	Name       string             `bun:"name,notnull"`
	TargetType DiscountTargetType `bun:"target_type,notnull"`

	IsAutomatic bool `bun:"is_automatic"`

	// Optional validity window; nil bound means unbounded on that side.
	StartsAt *time.Time `bun:"starts_at,nullzero"`
	EndsAt   *time.Time `bun:"ends_at,nullzero"`

	// MinimalAmount is the minimum purchase cost in minor units.
	MinimalAmount *int64 `bun:"minimal_amount,nullzero"`

	// Global cap across all consumers; nil means unlimited.
	UsageLimit  *int64 `bun:"usage_limit,nullzero"`
	UsagesCount int64  `bun:"usages_count"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`

	ValidationRule *ValidationRule     `bun:"rel:has-one,join:id=discount_id"`
	UsageRule      *UsageRule          `bun:"rel:has-one,join:id=discount_id"`
	Conditions     []DiscountCondition `bun:"rel:has-many,join:id=discount_id"`
	Coupons        []Coupon            `bun:"rel:has-many,join:id=discount_id"`
}

type ValidationRule struct {
	bun.BaseModel `bun:"table:discount_validation_rules,alias:vr"`

	ID         string            `bun:"id,pk"`
	DiscountID string            `bun:"discount_id,notnull"`
	Type       CalculationMethod `bun:"type,notnull"`

	// Value is a percentage for PERCENTAGE, minor units for FIXED, unused
	// for FREE_SHIPPING.
	Value int64 `bun:"value,notnull"`
}

type UsageRule struct {
	bun.BaseModel `bun:"table:discount_usage_rules,alias:ur"`

	ID         string          `bun:"id,pk"`
	DiscountID string          `bun:"discount_id,notnull"`
	EntityType UsageEntityType `bun:"entity_type,notnull"`
	MaxUses    int64           `bun:"max_uses,notnull"`
}

// DiscountCondition is a tagged variant: EntityType selects whether the
// consumer or the purchased entity is the subject, Operator tests membership
// of the subject's id in TargetIDs.
type DiscountCondition struct {
	bun.BaseModel `bun:"table:discount_conditions,alias:dc"`

	ID         string              `bun:"id,pk"`
	DiscountID string              `bun:"discount_id,notnull"`
	EntityType ConditionEntityType `bun:"entity_type,notnull"`
	Operator   ConditionOperator   `bun:"operator,notnull"`
	TargetIDs  []string            `bun:"target_ids,type:jsonb"`
}

type Coupon struct {
	bun.BaseModel `bun:"table:coupons,alias:c"`

	ID         string `bun:"id,pk"`
	DiscountID string `bun:"discount_id,notnull"`
	Code       string `bun:"code,unique,notnull"`

	Discount *Discount `bun:"rel:belongs-to,join:discount_id=id"`
}

// DiscountUsage tracks per-consumer consumption of a discount.
type DiscountUsage struct {
	bun.BaseModel `bun:"table:discount_usages,alias:du"`

	ID         string `bun:"id,pk"`
	DiscountID string `bun:"discount_id,notnull"`
	ConsumerID string `bun:"consumer_id,notnull"`
	Usages     int64  `bun:"usages,notnull"`
}

// DiscountUsageRecord deduplicates usage recording per transaction, so that
// webhook redeliveries never double-count.
type DiscountUsageRecord struct {
	bun.BaseModel `bun:"table:discount_usage_records,alias:dur"`

	ID            string    `bun:"id,pk"`
	DiscountID    string    `bun:"discount_id,notnull"`
	ConsumerID    string    `bun:"consumer_id,notnull"`
	TransactionID string    `bun:"transaction_id,notnull,unique:uq_usage_tx"`
	CreatedAt     time.Time `bun:"created_at,notnull,default:current_timestamp"`
}
