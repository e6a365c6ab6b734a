package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/storyreel/billing-api/internal/models"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// casMaxRetries bounds the optimistic retry loop. Contention on a single
// account is rare; three attempts is enough to absorb a racing webhook and
// reservation.
const casMaxRetries = 3

// errDuplicateTransaction signals that a ledger row with the same
// idempotency key already exists. Callers treat it as a replay, never as a
// failure.
var errDuplicateTransaction = errors.New("duplicate ledger transaction")

// mutateFn computes the column updates and transaction rows for one account
// state transition. It runs against a freshly loaded account on every retry
// so decisions are always made on current counters.
type mutateFn func(tx *gorm.DB, account *models.CreditAccount) (map[string]any, []*models.CreditTransaction, error)

// mutateAccount performs a single-account read-modify-write with optimistic
// concurrency control: the update is conditioned on the version column read,
// and a lost race reloads and retries up to casMaxRetries. The account
// update and ledger rows commit atomically or not at all.
func (s *Service) mutateAccount(ctx context.Context, userID string, fn mutateFn) error {
	var lastErr error

	for attempt := 0; attempt < casMaxRetries; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var account models.CreditAccount
			if err := tx.Where("user_id = ?", userID).First(&account).Error; err != nil {
				return fmt.Errorf("failed to load credit account: %w", err)
			}

			updates, transactions, err := fn(tx, &account)
			if err != nil {
				return err
			}

			if updates != nil {
				if err := checkInvariants(&account, updates); err != nil {
					return err
				}

				updates["version"] = account.Version + 1
				res := tx.Model(&models.CreditAccount{}).
					Where("user_id = ? AND version = ?", userID, account.Version).
					Updates(updates)
				if res.Error != nil {
					return fmt.Errorf("failed to update credit account: %w", res.Error)
				}
				if res.RowsAffected == 0 {
					return ErrVersionConflict
				}
			}

			for _, transaction := range transactions {
				res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(transaction)
				if res.Error != nil {
					return fmt.Errorf("failed to create credit transaction: %w", res.Error)
				}
				if res.RowsAffected == 0 {
					return errDuplicateTransaction
				}
			}

			return nil
		})

		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		lastErr = err
	}

	return lastErr
}

// checkInvariants simulates the counter updates and rejects any write that
// would leave a pool negative or oversubscribed. A violation here means a
// bug upstream, so it is logged loudly for audit and never auto-corrected.
func checkInvariants(account *models.CreditAccount, updates map[string]any) error {
	next := *account
	for column, value := range updates {
		amount, ok := value.(int64)
		if !ok {
			continue
		}
		switch column {
		case "monthly_credits_per_cycle":
			next.MonthlyCreditsPerCycle = amount
		case "monthly_credits_used":
			next.MonthlyCreditsUsed = amount
		case "reserved_monthly":
			next.ReservedMonthly = amount
		case "bonus_credits_total":
			next.BonusCreditsTotal = amount
		case "bonus_credits_used":
			next.BonusCreditsUsed = amount
		case "reserved_bonus":
			next.ReservedBonus = amount
		}
	}

	counters := []int64{
		next.MonthlyCreditsPerCycle, next.MonthlyCreditsUsed, next.ReservedMonthly,
		next.BonusCreditsTotal, next.BonusCreditsUsed, next.ReservedBonus,
	}
	for _, counter := range counters {
		if counter < 0 {
			fiberlog.Errorf("ledger invariant violation for user %s: negative counter after update %+v", account.UserID, updates)
			return ErrInvariantViolation
		}
	}

	if !next.Tier.IsUnlimited() {
		if next.MonthlyCreditsUsed+next.ReservedMonthly > next.MonthlyCreditsPerCycle {
			fiberlog.Errorf("ledger invariant violation for user %s: monthly pool oversubscribed (%d used + %d reserved > %d)",
				account.UserID, next.MonthlyCreditsUsed, next.ReservedMonthly, next.MonthlyCreditsPerCycle)
			return ErrInvariantViolation
		}
	}
	if next.BonusCreditsUsed+next.ReservedBonus > next.BonusCreditsTotal {
		fiberlog.Errorf("ledger invariant violation for user %s: bonus pool oversubscribed (%d used + %d reserved > %d)",
			account.UserID, next.BonusCreditsUsed, next.ReservedBonus, next.BonusCreditsTotal)
		return ErrInvariantViolation
	}

	return nil
}
