package finance

import (
	"context"
	"fmt"

	"ms-orders/internal/logger"
	"ms-orders/internal/models"
	"ms-orders/internal/utils"
)

const (
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeInsufficientPending = "INSUFFICIENT_PENDING"
)

type Store interface {
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	GetAccountForUpdate(ctx context.Context, orgID string) (*models.FinancialAccount, error)
	UpdateAccount(ctx context.Context, account *models.FinancialAccount) error
}

// Ledger applies income distribution and withdrawal movements to an
// organization's financial account. All mutators lock the account row, so
// the caller must hold an open transaction on the store.
type Ledger struct {
	store Store
	log   *logger.Logger

	// defaultRetributionBps is the platform share applied when the
	// organization carries no override, in basis points.
	defaultRetributionBps int64
}

func NewLedger(store Store, log *logger.Logger, defaultRetributionBps int64) *Ledger {
	return &Ledger{store: store, log: log, defaultRetributionBps: defaultRetributionBps}
}

// RetributionBps resolves the platform share for an organization. A sale that
// went through a discount may use the dedicated discounted override; the
// resolution order is discounted override, regular override, configured
// default.
func (l *Ledger) RetributionBps(org *models.Organization, discounted bool) int64 {
	if discounted && org.RetributionDiscountedBps != nil {
		return *org.RetributionDiscountedBps
	}
	if org.RetributionBps != nil {
		return *org.RetributionBps
	}
	return l.defaultRetributionBps
}

// Distribution is the split of a gross sale amount.
type Distribution struct {
	Gross    int64
	Platform int64
	Net      int64
	Bps      int64
}

// Split computes the platform cut with half-up rounding; net is the
// remainder, so gross == platform + net always holds.
func (l *Ledger) Split(gross int64, bps int64) Distribution {
	platform := roundHalfUp(gross*bps, 10_000)
	return Distribution{Gross: gross, Platform: platform, Net: gross - platform, Bps: bps}
}

// Credit distributes a paid order's amount to the organization: the net share
// lands on the account balance. It returns the split for the caller to record
// on the order.
func (l *Ledger) Credit(ctx context.Context, orgID string, gross int64, discounted bool) (Distribution, error) {
	org, err := l.store.GetOrganization(ctx, orgID)
	if err != nil {
		return Distribution{}, fmt.Errorf("fetch organization %s: %w", orgID, err)
	}
	dist := l.Split(gross, l.RetributionBps(org, discounted))

	account, err := l.store.GetAccountForUpdate(ctx, orgID)
	if err != nil {
		return Distribution{}, fmt.Errorf("lock account for %s: %w", orgID, err)
	}
	account.Balance += dist.Net
	if err := l.store.UpdateAccount(ctx, account); err != nil {
		return Distribution{}, fmt.Errorf("credit account for %s: %w", orgID, err)
	}
	l.log.Info("FINANCE", fmt.Sprintf("credited %d (gross %d, retribution %dbps) to organization %s", dist.Net, gross, dist.Bps, orgID))
	return dist, nil
}

// Reserve moves amount from balance to pending while a withdrawal is in
// flight at the gateway.
func (l *Ledger) Reserve(ctx context.Context, orgID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("invalid reserve amount %d", amount)
	}
	account, err := l.store.GetAccountForUpdate(ctx, orgID)
	if err != nil {
		return fmt.Errorf("lock account for %s: %w", orgID, err)
	}
	if account.Balance < amount {
		return utils.Coded(CodeInsufficientBalance,
			fmt.Sprintf("balance %d below requested %d", account.Balance, amount))
	}
	account.Balance -= amount
	account.Pending += amount
	return l.store.UpdateAccount(ctx, account)
}

// ConfirmWithdrawal settles a reserved amount once the gateway reports the
// payout succeeded.
func (l *Ledger) ConfirmWithdrawal(ctx context.Context, orgID string, amount int64) error {
	account, err := l.store.GetAccountForUpdate(ctx, orgID)
	if err != nil {
		return fmt.Errorf("lock account for %s: %w", orgID, err)
	}
	if account.Pending < amount {
		return utils.Coded(CodeInsufficientPending,
			fmt.Sprintf("pending %d below requested %d", account.Pending, amount))
	}
	account.Pending -= amount
	if err := l.store.UpdateAccount(ctx, account); err != nil {
		return err
	}
	l.log.Info("FINANCE", fmt.Sprintf("confirmed withdrawal of %d for organization %s", amount, orgID))
	return nil
}

// ReleasePending returns a reserved amount to the balance after a failed or
// canceled withdrawal.
func (l *Ledger) ReleasePending(ctx context.Context, orgID string, amount int64) error {
	account, err := l.store.GetAccountForUpdate(ctx, orgID)
	if err != nil {
		return fmt.Errorf("lock account for %s: %w", orgID, err)
	}
	if account.Pending < amount {
		return utils.Coded(CodeInsufficientPending,
			fmt.Sprintf("pending %d below requested %d", account.Pending, amount))
	}
	account.Pending -= amount
	account.Balance += amount
	return l.store.UpdateAccount(ctx, account)
}

func roundHalfUp(num, den int64) int64 {
	q := num / den
	if (num%den)*2 >= den {
		q++
	}
	return q
}
