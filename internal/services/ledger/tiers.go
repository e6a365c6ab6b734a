package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/storyreel/billing-api/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	monthlyCycleDays = 30
	annualCycleDays  = 365
)

// LocalCycle computes a billing window starting now, used when only
// tier/interval metadata is available and the authoritative subscription
// period is not yet known.
func LocalCycle(now time.Time, annual bool) (time.Time, time.Time) {
	days := monthlyCycleDays
	if annual {
		days = annualCycleDays
	}
	return now, now.AddDate(0, 0, days)
}

// ApplySubscriptionGrant writes the resolved tier, cycle window, and Stripe
// identifiers into the account, resetting monthly usage for the new window.
// Idempotent per Stripe event id (and checkout session id when present):
// replays mutate nothing. On the first-ever starter/creator subscription a
// one-time signup bonus is granted, guarded by bonusGranted.
func (s *Service) ApplySubscriptionGrant(ctx context.Context, params models.SubscriptionGrantParams) error {
	spec := params.Tier.Spec()

	if _, err := s.EnsureAccount(ctx, params.UserID); err != nil {
		return err
	}

	err := s.mutateAccount(ctx, params.UserID, func(tx *gorm.DB, account *models.CreditAccount) (map[string]any, []*models.CreditTransaction, error) {
		updates := map[string]any{
			"tier":                      params.Tier,
			"monthly_credits_per_cycle": spec.MonthlyCredits,
			"monthly_credits_used":      int64(0),
			"reserved_monthly":          int64(0),
			"cycle_start_at":            params.CycleStart,
			"cycle_end_at":              params.CycleEnd,
			"cycle_source":              params.CycleSource,
			"subscription_status":       models.SubscriptionActive,
		}
		if params.StripeCustomerID != "" {
			updates["stripe_customer_id"] = params.StripeCustomerID
		}
		if params.StripeSubscriptionID != "" {
			updates["stripe_subscription_id"] = params.StripeSubscriptionID
		}
		if params.StripePriceID != "" {
			updates["stripe_price_id"] = params.StripePriceID
		}

		grant := &models.CreditTransaction{
			ID:            uuid.New().String(),
			UserID:        params.UserID,
			Type:          models.TransactionSubscriptionGrant,
			Pool:          models.PoolMonthly,
			Amount:        spec.MonthlyCredits,
			MonthlyAmount: spec.MonthlyCredits,
			Description:   "subscription grant: " + string(params.Tier),
		}
		setGrantKeys(grant, params.StripeEventID, params.StripeInvoiceID, params.StripeSubscriptionID, params.StripeCheckoutSessionID, "")

		transactions := []*models.CreditTransaction{grant}

		if !account.BonusGranted && spec.SignupBonus > 0 {
			updates["bonus_granted"] = true
			updates["bonus_credits_total"] = account.BonusCreditsTotal + spec.SignupBonus

			bonus := &models.CreditTransaction{
				ID:          uuid.New().String(),
				UserID:      params.UserID,
				Type:        models.TransactionBonus,
				Pool:        models.PoolBonus,
				Amount:      spec.SignupBonus,
				BonusAmount: spec.SignupBonus,
				Description: "one-time subscription bonus",
			}
			setGrantKeys(bonus, params.StripeEventID, params.StripeInvoiceID, params.StripeSubscriptionID, params.StripeCheckoutSessionID, "")
			transactions = append(transactions, bonus)
		}

		return updates, transactions, nil
	})
	if errors.Is(err, errDuplicateTransaction) {
		// Event already applied (retried delivery or a racing manual
		// reconciliation); nothing further to do.
		return nil
	}
	if err != nil {
		return err
	}

	s.profile.SyncAsync(params.UserID)
	return nil
}

// ApplyCancellation marks the subscription as canceled and drops the
// account back to the free tier. Historical transactions are kept.
func (s *Service) ApplyCancellation(ctx context.Context, userID, stripeEventID string) error {
	freeSpec := models.TierFree.Spec()

	err := s.mutateAccount(ctx, userID, func(tx *gorm.DB, account *models.CreditAccount) (map[string]any, []*models.CreditTransaction, error) {
		metadata, _ := json.Marshal(map[string]any{
			"previous_tier": account.Tier,
		})

		transaction := &models.CreditTransaction{
			ID:          uuid.New().String(),
			UserID:      userID,
			Type:        models.TransactionSubscriptionGrant,
			Pool:        models.PoolMonthly,
			Amount:      0,
			Description: "subscription canceled",
			Metadata:    string(metadata),
		}
		setGrantKeys(transaction, stripeEventID, "", "", "", "")

		return map[string]any{
			"tier":                      models.TierFree,
			"monthly_credits_per_cycle": freeSpec.MonthlyCredits,
			"monthly_credits_used":      int64(0),
			"reserved_monthly":          int64(0),
			"subscription_status":       models.SubscriptionCanceled,
		}, []*models.CreditTransaction{transaction}, nil
	})
	if errors.Is(err, errDuplicateTransaction) {
		return nil
	}
	if err != nil {
		return err
	}

	s.profile.SyncAsync(userID)
	return nil
}

// GrantCreditPack applies a one-time credit pack purchase to the bonus
// pool. The checkout session id is the idempotency key, so the webhook and
// a manual reconciliation for the same purchase can race without
// double-granting.
func (s *Service) GrantCreditPack(ctx context.Context, params models.PackGrantParams) error {
	if params.Credits <= 0 {
		return ErrInvalidAmount
	}

	if _, err := s.EnsureAccount(ctx, params.UserID); err != nil {
		return err
	}

	err := s.mutateAccount(ctx, params.UserID, func(tx *gorm.DB, account *models.CreditAccount) (map[string]any, []*models.CreditTransaction, error) {
		transaction := &models.CreditTransaction{
			ID:          uuid.New().String(),
			UserID:      params.UserID,
			Type:        models.TransactionCreditPack,
			Pool:        models.PoolBonus,
			Amount:      params.Credits,
			BonusAmount: params.Credits,
			Description: "credit pack: " + params.PackSize,
		}
		setGrantKeys(transaction, params.StripeEventID, "", "", params.StripeCheckoutSessionID, params.StripePaymentIntentID)

		return map[string]any{
			"bonus_credits_total": account.BonusCreditsTotal + params.Credits,
		}, []*models.CreditTransaction{transaction}, nil
	})
	if errors.Is(err, errDuplicateTransaction) {
		return nil
	}
	if err != nil {
		return err
	}

	s.profile.SyncAsync(params.UserID)
	return nil
}

func setGrantKeys(transaction *models.CreditTransaction, eventID, invoiceID, subscriptionID, sessionID, paymentIntentID string) {
	if eventID != "" {
		transaction.StripeEventID = &eventID
	}
	if invoiceID != "" {
		transaction.StripeInvoiceID = &invoiceID
	}
	if subscriptionID != "" {
		transaction.StripeSubscriptionID = &subscriptionID
	}
	if sessionID != "" {
		transaction.StripeCheckoutSessionID = &sessionID
	}
	if paymentIntentID != "" {
		transaction.StripePaymentIntentID = &paymentIntentID
	}
}
