package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/storyreel/billing-api/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// reserveSnapshot is stored in the reserve/consume transaction metadata so
// an idempotent replay can return the original result unchanged.
type reserveSnapshot struct {
	RemainingMonthly int64          `json:"remaining_monthly"`
	RemainingBonus   int64          `json:"remaining_bonus"`
	Unlimited        bool           `json:"unlimited,omitempty"`
	Feature          string         `json:"feature,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// Reserve holds credits for a metered operation before the costly work
// begins. Draws from the monthly pool first, then bonus; fails atomically
// when the combined remainder is short. Replaying the same request id
// returns the original result without touching counters.
func (s *Service) Reserve(ctx context.Context, params models.ReserveParams) (*models.ReserveResult, error) {
	if params.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if params.RequestID == "" {
		return nil, ErrMissingRequestID
	}

	account, err := s.EnsureAccount(ctx, params.UserID)
	if err != nil {
		return nil, err
	}

	if prior, err := s.findTransaction(ctx, params.RequestID, models.TransactionReserve); err != nil {
		return nil, err
	} else if prior != nil {
		return replayReserveResult(account.Tier, prior), nil
	}

	if account.Tier.IsUnlimited() {
		return s.reserveUnlimited(ctx, params, account.Tier)
	}

	var result *models.ReserveResult
	err = s.mutateAccount(ctx, params.UserID, func(tx *gorm.DB, account *models.CreditAccount) (map[string]any, []*models.CreditTransaction, error) {
		fromMonthly, fromBonus, ok := splitDraw(account, params.Amount)
		if !ok {
			return nil, nil, ErrInsufficientCredits
		}

		remainingMonthly := account.RemainingMonthly() - fromMonthly
		remainingBonus := account.RemainingBonus() - fromBonus

		transaction := newSpendTransaction(params.UserID, models.TransactionReserve, params.RequestID, fromMonthly, fromBonus)
		transaction.Amount = -params.Amount
		transaction.Feature = params.Feature
		transaction.Metadata = marshalSnapshot(reserveSnapshot{
			RemainingMonthly: remainingMonthly,
			RemainingBonus:   remainingBonus,
			Feature:          params.Feature,
			Extra:            params.Metadata,
		})

		result = &models.ReserveResult{
			OK:               true,
			Tier:             account.Tier,
			RemainingMonthly: remainingMonthly,
			RemainingBonus:   remainingBonus,
		}

		return map[string]any{
			"reserved_monthly": account.ReservedMonthly + fromMonthly,
			"reserved_bonus":   account.ReservedBonus + fromBonus,
		}, []*models.CreditTransaction{transaction}, nil
	})
	if errors.Is(err, errDuplicateTransaction) {
		// Lost an idempotency race with a concurrent retry of the same
		// request; the winner's reservation is ours too.
		prior, findErr := s.findTransaction(ctx, params.RequestID, models.TransactionReserve)
		if findErr != nil || prior == nil {
			return nil, fmt.Errorf("failed to replay reservation %s: %w", params.RequestID, findErr)
		}
		return replayReserveResult(account.Tier, prior), nil
	}
	if err != nil {
		return nil, err
	}

	return result, nil
}

// reserveUnlimited tags the reservation so commit/release stay idempotent,
// without touching pool counters.
func (s *Service) reserveUnlimited(ctx context.Context, params models.ReserveParams, tier models.Tier) (*models.ReserveResult, error) {
	transaction := newSpendTransaction(params.UserID, models.TransactionReserve, params.RequestID, 0, 0)
	transaction.Amount = -params.Amount
	transaction.Feature = params.Feature
	transaction.Metadata = marshalSnapshot(reserveSnapshot{
		Unlimited: true,
		Feature:   params.Feature,
		Extra:     params.Metadata,
	})

	err := s.mutateAccount(ctx, params.UserID, func(tx *gorm.DB, account *models.CreditAccount) (map[string]any, []*models.CreditTransaction, error) {
		return nil, []*models.CreditTransaction{transaction}, nil
	})
	if err != nil && !errors.Is(err, errDuplicateTransaction) {
		return nil, err
	}

	return &models.ReserveResult{OK: true, Tier: tier, Unlimited: true}, nil
}

// Commit finalizes a reservation: the held amount becomes spent. Idempotent
// per request id; committing twice mutates counters once.
func (s *Service) Commit(ctx context.Context, userID, requestID string) error {
	if requestID == "" {
		return ErrMissingRequestID
	}

	reservation, err := s.findTransaction(ctx, requestID, models.TransactionReserve)
	if err != nil {
		return err
	}
	if reservation == nil {
		return ErrReservationNotFound
	}

	snapshot := parseSnapshot(reservation.Metadata)

	err = s.mutateAccount(ctx, userID, func(tx *gorm.DB, account *models.CreditAccount) (map[string]any, []*models.CreditTransaction, error) {
		// Checked inside the transaction so a settle that lands between
		// attempts is seen on retry instead of producing a stale update.
		terminal, err := findTerminal(tx, requestID)
		if err != nil {
			return nil, nil, err
		}
		if terminal != nil {
			if terminal.Type == models.TransactionCommit {
				return nil, nil, errDuplicateTransaction
			}
			return nil, nil, fmt.Errorf("%w: reservation %s settled as %s", ErrAlreadySettled, requestID, terminal.Type)
		}

		transaction := newSpendTransaction(userID, models.TransactionCommit, requestID, reservation.MonthlyAmount, reservation.BonusAmount)
		transaction.Feature = reservation.Feature

		if snapshot.Unlimited {
			updates := map[string]any{}
			if account.Tier.Spec().Tracked {
				// Usage stays visible on dashboards even though the tier is
				// never blocked by it.
				updates["monthly_credits_used"] = account.MonthlyCreditsUsed + (-reservation.Amount)
			}
			return updates, []*models.CreditTransaction{transaction}, nil
		}

		return map[string]any{
			"reserved_monthly":     account.ReservedMonthly - reservation.MonthlyAmount,
			"reserved_bonus":       account.ReservedBonus - reservation.BonusAmount,
			"monthly_credits_used": account.MonthlyCreditsUsed + reservation.MonthlyAmount,
			"bonus_credits_used":   account.BonusCreditsUsed + reservation.BonusAmount,
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

// Release returns a held reservation to the available pool without spending.
func (s *Service) Release(ctx context.Context, userID, requestID string) error {
	return s.settleBack(ctx, userID, requestID, models.TransactionRelease, "")
}

// Refund reverses a reservation or an already-committed spend, returning
// the amount to the pool(s) it was drawn from.
func (s *Service) Refund(ctx context.Context, userID, requestID, reason string) error {
	return s.settleBack(ctx, userID, requestID, models.TransactionRefund, reason)
}

func (s *Service) settleBack(ctx context.Context, userID, requestID string, settleType models.TransactionType, reason string) error {
	if requestID == "" {
		return ErrMissingRequestID
	}

	reservation, err := s.findTransaction(ctx, requestID, models.TransactionReserve)
	if err != nil {
		return err
	}
	if reservation == nil {
		return ErrReservationNotFound
	}

	snapshot := parseSnapshot(reservation.Metadata)

	err = s.mutateAccount(ctx, userID, func(tx *gorm.DB, account *models.CreditAccount) (map[string]any, []*models.CreditTransaction, error) {
		terminal, err := findTerminal(tx, requestID)
		if err != nil {
			return nil, nil, err
		}

		committed := false
		if terminal != nil {
			switch terminal.Type {
			case models.TransactionRelease, models.TransactionRefund:
				return nil, nil, errDuplicateTransaction
			case models.TransactionCommit:
				if settleType == models.TransactionRelease {
					return nil, nil, ErrAlreadyCommitted
				}
				committed = true
			}
		}

		transaction := newSpendTransaction(userID, settleType, requestID, reservation.MonthlyAmount, reservation.BonusAmount)
		transaction.Amount = -reservation.Amount
		transaction.Feature = reservation.Feature
		transaction.Description = reason

		if snapshot.Unlimited {
			updates := map[string]any{}
			if committed && account.Tier.Spec().Tracked {
				updates["monthly_credits_used"] = maxInt64(account.MonthlyCreditsUsed-(-reservation.Amount), 0)
			}
			return updates, []*models.CreditTransaction{transaction}, nil
		}

		if committed {
			return map[string]any{
				"monthly_credits_used": account.MonthlyCreditsUsed - reservation.MonthlyAmount,
				"bonus_credits_used":   account.BonusCreditsUsed - reservation.BonusAmount,
			}, []*models.CreditTransaction{transaction}, nil
		}

		return map[string]any{
			"reserved_monthly": account.ReservedMonthly - reservation.MonthlyAmount,
			"reserved_bonus":   account.ReservedBonus - reservation.BonusAmount,
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

// Consume is a single-step reserve+commit for operations that don't need a
// two-phase window. Same idempotency guarantee on the request id.
func (s *Service) Consume(ctx context.Context, params models.ConsumeParams) (*models.ReserveResult, error) {
	if params.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if params.RequestID == "" {
		return nil, ErrMissingRequestID
	}

	account, err := s.EnsureAccount(ctx, params.UserID)
	if err != nil {
		return nil, err
	}

	if prior, err := s.findTransaction(ctx, params.RequestID, models.TransactionConsume); err != nil {
		return nil, err
	} else if prior != nil {
		return replayReserveResult(account.Tier, prior), nil
	}

	var result *models.ReserveResult
	err = s.mutateAccount(ctx, params.UserID, func(tx *gorm.DB, account *models.CreditAccount) (map[string]any, []*models.CreditTransaction, error) {
		if account.Tier.IsUnlimited() {
			transaction := newSpendTransaction(params.UserID, models.TransactionConsume, params.RequestID, 0, 0)
			transaction.Amount = -params.Amount
			transaction.Description = params.Description
			transaction.Metadata = marshalSnapshot(reserveSnapshot{Unlimited: true, Extra: params.Metadata})

			result = &models.ReserveResult{OK: true, Tier: account.Tier, Unlimited: true}

			updates := map[string]any{}
			if account.Tier.Spec().Tracked {
				updates["monthly_credits_used"] = account.MonthlyCreditsUsed + params.Amount
			}
			return updates, []*models.CreditTransaction{transaction}, nil
		}

		fromMonthly, fromBonus, ok := splitDraw(account, params.Amount)
		if !ok {
			return nil, nil, ErrInsufficientCredits
		}

		remainingMonthly := account.RemainingMonthly() - fromMonthly
		remainingBonus := account.RemainingBonus() - fromBonus

		transaction := newSpendTransaction(params.UserID, models.TransactionConsume, params.RequestID, fromMonthly, fromBonus)
		transaction.Amount = -params.Amount
		transaction.Description = params.Description
		transaction.Metadata = marshalSnapshot(reserveSnapshot{
			RemainingMonthly: remainingMonthly,
			RemainingBonus:   remainingBonus,
			Extra:            params.Metadata,
		})

		result = &models.ReserveResult{
			OK:               true,
			Tier:             account.Tier,
			RemainingMonthly: remainingMonthly,
			RemainingBonus:   remainingBonus,
		}

		return map[string]any{
			"monthly_credits_used": account.MonthlyCreditsUsed + fromMonthly,
			"bonus_credits_used":   account.BonusCreditsUsed + fromBonus,
		}, []*models.CreditTransaction{transaction}, nil
	})
	if errors.Is(err, errDuplicateTransaction) {
		prior, findErr := s.findTransaction(ctx, params.RequestID, models.TransactionConsume)
		if findErr != nil || prior == nil {
			return nil, fmt.Errorf("failed to replay consume %s: %w", params.RequestID, findErr)
		}
		return replayReserveResult(account.Tier, prior), nil
	}
	if err != nil {
		return nil, err
	}

	s.profile.SyncAsync(params.UserID)
	return result, nil
}

// splitDraw computes the monthly/bonus split for a spend, monthly first.
// Returns ok=false when the combined remainder can't cover the amount.
func splitDraw(account *models.CreditAccount, amount int64) (fromMonthly, fromBonus int64, ok bool) {
	fromMonthly = minInt64(amount, account.RemainingMonthly())
	fromBonus = amount - fromMonthly
	if fromBonus > account.RemainingBonus() {
		return 0, 0, false
	}
	return fromMonthly, fromBonus, true
}

func (s *Service) findTransaction(ctx context.Context, requestID string, txType models.TransactionType) (*models.CreditTransaction, error) {
	var transaction models.CreditTransaction
	err := s.db.WithContext(ctx).
		Where("request_id = ? AND type = ?", requestID, txType).
		First(&transaction).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up transaction: %w", err)
	}
	return &transaction, nil
}

// findTerminal returns the commit/release/refund row for a request id, if
// the reservation has already been settled. It takes the handle explicitly
// so settle paths can re-check from inside their own transaction, where the
// answer cannot go stale under a concurrent settle.
func findTerminal(db *gorm.DB, requestID string) (*models.CreditTransaction, error) {
	var transaction models.CreditTransaction
	err := db.
		Where("request_id = ? AND type IN ?", requestID, []models.TransactionType{
			models.TransactionCommit, models.TransactionRelease, models.TransactionRefund,
		}).
		First(&transaction).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up settlement: %w", err)
	}
	return &transaction, nil
}

func newSpendTransaction(userID string, txType models.TransactionType, requestID string, fromMonthly, fromBonus int64) *models.CreditTransaction {
	pool := models.PoolMonthly
	if fromMonthly == 0 && fromBonus > 0 {
		pool = models.PoolBonus
	}
	rid := requestID
	return &models.CreditTransaction{
		ID:            uuid.New().String(),
		UserID:        userID,
		Type:          txType,
		Pool:          pool,
		MonthlyAmount: fromMonthly,
		BonusAmount:   fromBonus,
		RequestID:     &rid,
	}
}

func replayReserveResult(tier models.Tier, prior *models.CreditTransaction) *models.ReserveResult {
	snapshot := parseSnapshot(prior.Metadata)
	return &models.ReserveResult{
		OK:               true,
		Tier:             tier,
		Unlimited:        snapshot.Unlimited,
		RemainingMonthly: snapshot.RemainingMonthly,
		RemainingBonus:   snapshot.RemainingBonus,
		Replayed:         true,
	}
}

func marshalSnapshot(snapshot reserveSnapshot) string {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return ""
	}
	return string(data)
}

func parseSnapshot(metadata string) reserveSnapshot {
	var snapshot reserveSnapshot
	if metadata != "" {
		_ = json.Unmarshal([]byte(metadata), &snapshot)
	}
	return snapshot
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
