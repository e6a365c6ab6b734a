package ledger

import (
	"context"
	"time"

	"github.com/storyreel/billing-api/internal/models"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// profileSyncer keeps the denormalized ProfileSummary row in step with the
// account. Sync is best-effort: a failure only means the display lags until
// the next mutation, so errors are logged and never propagated. Concurrent
// syncs for the same user coalesce through singleflight.
type profileSyncer struct {
	db    *gorm.DB
	group singleflight.Group
}

func newProfileSyncer(db *gorm.DB) *profileSyncer {
	return &profileSyncer{db: db}
}

func (p *profileSyncer) SyncAsync(userID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Sync(ctx, userID); err != nil {
			fiberlog.Warnf("profile summary sync failed for user %s: %v", userID, err)
		}
	}()
}

func (p *profileSyncer) Sync(ctx context.Context, userID string) error {
	_, err, _ := p.group.Do(userID, func() (any, error) {
		var account models.CreditAccount
		if err := p.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error; err != nil {
			return nil, err
		}

		summary := models.ProfileSummary{
			UserID:             userID,
			CreditsBalance:     account.RemainingTotal(),
			SubscriptionTier:   account.Tier,
			SubscriptionStatus: account.SubscriptionStatus,
			NextBillingDate:    account.CycleEndAt,
		}

		return nil, p.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "user_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"credits_balance", "subscription_tier", "subscription_status", "next_billing_date", "updated_at",
				}),
			}).
			Create(&summary).Error
	})
	return err
}
