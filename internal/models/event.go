package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Event struct {
	bun.BaseModel `bun:"table:events,alias:e"`

	ID                         string    `bun:"id,pk"`
	Name                       string    `bun:"name,notnull"`
	Type                       string    `bun:"type"`
	OrganizationID             string    `bun:"organization_id,notnull"`
	StartsAt                   time.Time `bun:"starts_at,notnull"`
	ExpiresAt                  time.Time `bun:"expires_at,notnull"`
	IsTicketsManagementEnabled bool      `bun:"is_tickets_management_enabled"`
	ParticipantCount           int64     `bun:"participant_count"`
	ParticipantLimit           int64     `bun:"participant_limit"`
	Private                    bool      `bun:"private"`
	CreatedAt                  time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

type Organization struct {
	bun.BaseModel `bun:"table:organizations,alias:org"`

	ID   string `bun:"id,pk"`
	Name string `bun:"name,notnull"`

	// Platform share overrides in basis points. Nil means the configured
	// default applies.
	RetributionBps           *int64 `bun:"retribution_bps"`
	RetributionDiscountedBps *int64 `bun:"retribution_discounted_bps"`
}
