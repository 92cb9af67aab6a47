package models

import (
	"time"

	"github.com/uptrace/bun"
)

type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID       string `bun:"id,pk"`
	Email    string `bun:"email"`
	Phone    string `bun:"phone"`
	FullName string `bun:"full_name"`

	// Pseudo-anonymous users are auto-provisioned from an email/phone at
	// order submission; they never authenticate.
	IsPseudoAnonymous bool `bun:"is_pseudo_anonymous"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}
