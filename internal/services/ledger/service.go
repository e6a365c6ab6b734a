package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/storyreel/billing-api/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Sentinel errors for ledger state transitions. Handlers translate these
// into the HTTP error taxonomy; everything else coming out of the service
// is a storage fault and therefore retryable.
var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("amount must be a positive integer")
	ErrMissingRequestID    = errors.New("request id is required")
	ErrReservationNotFound = errors.New("no reservation found for request id")
	ErrAlreadyCommitted    = errors.New("reservation already committed")
	ErrAlreadySettled      = errors.New("reservation already settled")
	ErrVersionConflict     = errors.New("account version conflict")
	ErrInvariantViolation  = errors.New("ledger invariant violation")
)

type Service struct {
	db      *gorm.DB
	profile *profileSyncer
}

func NewService(db *gorm.DB) *Service {
	return &Service{
		db:      db,
		profile: newProfileSyncer(db),
	}
}

// AutoMigrate runs database migrations for ledger tables
func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(
		&models.CreditAccount{},
		&models.CreditTransaction{},
		&models.CreditPack{},
		&models.ProfileSummary{},
	)
}

// EnsureAccount retrieves the credit account for a user, creating it lazily
// on first access. Safe under concurrent callers: the create uses an
// on-conflict no-op insert and re-reads, so both racers see the same row.
func (s *Service) EnsureAccount(ctx context.Context, userID string) (*models.CreditAccount, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	var account models.CreditAccount
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&account).Error
	if err == nil {
		return &account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get credit account: %w", err)
	}

	freeSpec := models.TierFree.Spec()
	account = models.CreditAccount{
		UserID:                 userID,
		Tier:                   models.TierFree,
		MonthlyCreditsPerCycle: freeSpec.MonthlyCredits,
		SubscriptionStatus:     models.SubscriptionNone,
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&account)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to create credit account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost the creation race; the other writer's row is authoritative.
		if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error; err != nil {
			return nil, fmt.Errorf("failed to get credit account after create race: %w", err)
		}
	}

	return &account, nil
}

// GetAccount retrieves an existing account without creating one.
func (s *Service) GetAccount(ctx context.Context, userID string) (*models.CreditAccount, error) {
	var account models.CreditAccount
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// FindUserBySubscriptionID looks up the account owner by Stripe
// subscription id. Returns empty when no account is linked.
func (s *Service) FindUserBySubscriptionID(ctx context.Context, subscriptionID string) (string, error) {
	if subscriptionID == "" {
		return "", nil
	}
	var account models.CreditAccount
	err := s.db.WithContext(ctx).
		Where("stripe_subscription_id = ?", subscriptionID).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up account by subscription: %w", err)
	}
	return account.UserID, nil
}

// FindUserByCustomerID looks up the account owner by Stripe customer id.
func (s *Service) FindUserByCustomerID(ctx context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", nil
	}
	var account models.CreditAccount
	err := s.db.WithContext(ctx).
		Where("stripe_customer_id = ?", customerID).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up account by customer: %w", err)
	}
	return account.UserID, nil
}

// StatusResult is the ledger view returned to metered operations and the UI.
type StatusResult struct {
	UserID             string                     `json:"user_id"`
	Tier               models.Tier                `json:"tier"`
	Unlimited          bool                       `json:"unlimited"`
	RemainingMonthly   int64                      `json:"remaining_monthly"`
	RemainingBonus     int64                      `json:"remaining_bonus"`
	MonthlyCreditsUsed int64                      `json:"monthly_credits_used"`
	SubscriptionStatus models.SubscriptionStatus  `json:"subscription_status"`
	CycleEndAt         *time.Time                 `json:"cycle_end_at,omitempty"`
	RecentTransactions []models.CreditTransaction `json:"recent_transactions"`
}

// Status returns tier, remaining credits per pool, and recent transactions.
func (s *Service) Status(ctx context.Context, userID string) (*StatusResult, error) {
	account, err := s.EnsureAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	transactions, err := s.GetTransactionHistory(ctx, userID, 10, 0)
	if err != nil {
		return nil, err
	}

	return &StatusResult{
		UserID:             account.UserID,
		Tier:               account.Tier,
		Unlimited:          account.Tier.IsUnlimited(),
		RemainingMonthly:   account.RemainingMonthly(),
		RemainingBonus:     account.RemainingBonus(),
		MonthlyCreditsUsed: account.MonthlyCreditsUsed,
		SubscriptionStatus: account.SubscriptionStatus,
		CycleEndAt:         account.CycleEndAt,
		RecentTransactions: transactions,
	}, nil
}

// GetTransactionHistory retrieves transaction history for a user
func (s *Service) GetTransactionHistory(ctx context.Context, userID string, limit, offset int) ([]models.CreditTransaction, error) {
	var transactions []models.CreditTransaction

	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&transactions).Error; err != nil {
		return nil, fmt.Errorf("failed to get transaction history: %w", err)
	}

	return transactions, nil
}

// AdminAdjust applies a manual credit adjustment to the chosen pool. Always
// logged as an admin_adjust transaction with the operator and reason.
func (s *Service) AdminAdjust(ctx context.Context, params models.AdminAdjustParams) (*models.CreditTransaction, error) {
	if params.Amount == 0 {
		return nil, ErrInvalidAmount
	}
	if params.Reason == "" {
		return nil, fmt.Errorf("adjustment reason is required")
	}

	if _, err := s.EnsureAccount(ctx, params.UserID); err != nil {
		return nil, err
	}

	var transaction *models.CreditTransaction
	err := s.mutateAccount(ctx, params.UserID, func(tx *gorm.DB, account *models.CreditAccount) (map[string]any, []*models.CreditTransaction, error) {
		updates := map[string]any{}
		switch params.Pool {
		case models.PoolMonthly:
			updates["monthly_credits_per_cycle"] = account.MonthlyCreditsPerCycle + params.Amount
		default:
			updates["bonus_credits_total"] = account.BonusCreditsTotal + params.Amount
		}

		metadata, _ := json.Marshal(map[string]any{
			"admin_id": params.AdminID,
			"reason":   params.Reason,
		})

		transaction = &models.CreditTransaction{
			ID:          uuid.New().String(),
			UserID:      params.UserID,
			Type:        models.TransactionAdminAdjust,
			Pool:        params.Pool,
			Amount:      params.Amount,
			Description: params.Reason,
			Metadata:    string(metadata),
		}
		return updates, []*models.CreditTransaction{transaction}, nil
	})
	if err != nil {
		return nil, err
	}

	s.profile.SyncAsync(params.UserID)
	return transaction, nil
}

// ResetExpiredCycles starts a fresh local cycle for every account whose
// window has lapsed without a subscription event. Returns the number of
// accounts reset.
func (s *Service) ResetExpiredCycles(ctx context.Context) (int, error) {
	var userIDs []string
	now := time.Now().UTC()

	err := s.db.WithContext(ctx).
		Model(&models.CreditAccount{}).
		Where("cycle_end_at IS NOT NULL AND cycle_end_at < ?", now).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list expired cycles: %w", err)
	}

	reset := 0
	for _, userID := range userIDs {
		if err := s.ResetCycle(ctx, userID, models.CycleSourceManualReset); err != nil {
			return reset, fmt.Errorf("failed to reset cycle for %s: %w", userID, err)
		}
		reset++
	}
	return reset, nil
}

// ResetCycle zeroes monthly usage and opens a new locally-computed window.
func (s *Service) ResetCycle(ctx context.Context, userID string, source models.CycleSource) error {
	err := s.mutateAccount(ctx, userID, func(tx *gorm.DB, account *models.CreditAccount) (map[string]any, []*models.CreditTransaction, error) {
		start, end := LocalCycle(time.Now().UTC(), false)
		return map[string]any{
			"monthly_credits_used": int64(0),
			"reserved_monthly":     int64(0),
			"cycle_start_at":       start,
			"cycle_end_at":         end,
			"cycle_source":         source,
		}, nil, nil
	})
	if err != nil {
		return err
	}

	s.profile.SyncAsync(userID)
	return nil
}
