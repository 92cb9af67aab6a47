package db

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"ms-orders/internal/models"
)

// Migrate creates the core tables in dependency order. Safe to run on every
// startup.
func Migrate(ctx context.Context, db *bun.DB) error {
	tables := []interface{}{
		(*models.Organization)(nil),
		(*models.User)(nil),
		(*models.Event)(nil),
		(*models.Ticket)(nil),
		(*models.Order)(nil),
		(*models.OrderItem)(nil),
		(*models.Transaction)(nil),
		(*models.ETicket)(nil),
		(*models.Discount)(nil),
		(*models.ValidationRule)(nil),
		(*models.UsageRule)(nil),
		(*models.DiscountCondition)(nil),
		(*models.Coupon)(nil),
		(*models.DiscountUsage)(nil),
		(*models.DiscountUsageRecord)(nil),
		(*models.FinancialAccount)(nil),
	}
	for _, m := range tables {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", m, err)
		}
	}
	return nil
}
