package models

import "time"

// ProfileSummary is a denormalized read cache of the fields the web app
// shows on every page load. It is never authoritative: it can always be
// recomputed from CreditAccount and the transaction log, and a failed sync
// only means the display lags until the next mutation.
type ProfileSummary struct {
	ID                 uint               `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID             string             `gorm:"uniqueIndex;not null" json:"user_id"`
	CreditsBalance     int64              `gorm:"not null;default:0" json:"credits_balance"`
	SubscriptionTier   Tier               `gorm:"not null;default:free" json:"subscription_tier"`
	SubscriptionStatus SubscriptionStatus `gorm:"not null;default:none" json:"subscription_status"`
	NextBillingDate    *time.Time         `json:"next_billing_date,omitempty"`
	UpdatedAt          time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}
