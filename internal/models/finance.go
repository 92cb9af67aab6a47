package models

import (
	"time"

	"github.com/uptrace/bun"
)

// FinancialAccount holds an organization's balance in minor units. The only
// mutators are the issuance worker (credit) and the withdrawal engine
// (reserve/confirm/release).
type FinancialAccount struct {
	bun.BaseModel `bun:"table:financial_accounts,alias:fa"`

	ID             string `bun:"id,pk"`
	OrganizationID string `bun:"organization_id,unique,notnull"`

	// Invariant: balance >= 0 and pending >= 0 at all times.
	Balance int64 `bun:"balance,notnull"`
	Pending int64 `bun:"pending,notnull"`

	UpdatedAt time.Time `bun:"updated_at,nullzero"`

	Organization *Organization `bun:"rel:belongs-to,join:organization_id=id"`
}
