package models

import "time"

type Tier string

const (
	TierFree         Tier = "free"
	TierStarter      Tier = "starter"
	TierCreator      Tier = "creator"
	TierProfessional Tier = "professional"
	TierUnknown      Tier = "unknown"
)

// TierSpec describes the credit entitlements of a subscription tier.
// Unlimited tiers are never blocked on balance; a Tracked unlimited tier
// still records usage so dashboards stay accurate.
type TierSpec struct {
	MonthlyCredits int64
	SignupBonus    int64
	Unlimited      bool
	Tracked        bool
}

var DefaultTierSpecs = map[Tier]TierSpec{
	TierFree:         {MonthlyCredits: 10},
	TierStarter:      {MonthlyCredits: 100, SignupBonus: 20},
	TierCreator:      {MonthlyCredits: 400, SignupBonus: 20},
	TierProfessional: {Unlimited: true, Tracked: true},
}

func (t Tier) Spec() TierSpec {
	return DefaultTierSpecs[t]
}

func (t Tier) IsUnlimited() bool {
	return DefaultTierSpecs[t].Unlimited
}

type CycleSource string

const (
	CycleSourceSubscription CycleSource = "subscription_invoice"
	CycleSourceManualReset  CycleSource = "manual_reset"
	CycleSourceLocal        CycleSource = "local_estimate"
)

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionNone     SubscriptionStatus = "none"
)

// CreditAccount is the per-user ledger aggregate. All mutations go through
// version-checked updates; Version is bumped on every write so concurrent
// writers cannot silently overwrite each other.
type CreditAccount struct {
	ID     uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID string `gorm:"uniqueIndex;not null" json:"user_id"`
	Tier   Tier   `gorm:"not null;default:free" json:"tier"`

	MonthlyCreditsPerCycle int64 `gorm:"not null;default:0" json:"monthly_credits_per_cycle"`
	MonthlyCreditsUsed     int64 `gorm:"not null;default:0" json:"monthly_credits_used"`
	ReservedMonthly        int64 `gorm:"not null;default:0" json:"reserved_monthly"`

	BonusCreditsTotal int64 `gorm:"not null;default:0" json:"bonus_credits_total"`
	BonusCreditsUsed  int64 `gorm:"not null;default:0" json:"bonus_credits_used"`
	ReservedBonus     int64 `gorm:"not null;default:0" json:"reserved_bonus"`

	// BonusGranted flips to true when the one-time subscription bonus is
	// applied and is never reset, even across tier changes.
	BonusGranted bool `gorm:"not null;default:false" json:"bonus_granted"`

	CycleStartAt *time.Time  `json:"cycle_start_at,omitempty"`
	CycleEndAt   *time.Time  `json:"cycle_end_at,omitempty"`
	CycleSource  CycleSource `json:"cycle_source,omitempty"`

	SubscriptionStatus SubscriptionStatus `gorm:"not null;default:none" json:"subscription_status"`

	StripeCustomerID     *string `gorm:"index" json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string `gorm:"index" json:"stripe_subscription_id,omitempty"`
	StripePriceID        *string `json:"stripe_price_id,omitempty"`

	Version   uint      `gorm:"not null;default:0" json:"-"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

// RemainingMonthly returns the monthly credits still available for new
// reservations. Meaningless for unlimited tiers.
func (a *CreditAccount) RemainingMonthly() int64 {
	remaining := a.MonthlyCreditsPerCycle - a.MonthlyCreditsUsed - a.ReservedMonthly
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (a *CreditAccount) RemainingBonus() int64 {
	remaining := a.BonusCreditsTotal - a.BonusCreditsUsed - a.ReservedBonus
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (a *CreditAccount) RemainingTotal() int64 {
	return a.RemainingMonthly() + a.RemainingBonus()
}

type TransactionType string

const (
	TransactionReserve           TransactionType = "reserve"
	TransactionCommit            TransactionType = "commit"
	TransactionRelease           TransactionType = "release"
	TransactionRefund            TransactionType = "refund"
	TransactionConsume           TransactionType = "consume"
	TransactionSubscriptionGrant TransactionType = "subscription_grant"
	TransactionBonus             TransactionType = "bonus"
	TransactionCreditPack        TransactionType = "credit_pack"
	TransactionAdminAdjust       TransactionType = "admin_adjust"
)

type CreditPool string

const (
	PoolMonthly CreditPool = "monthly"
	PoolBonus   CreditPool = "bonus"
)

// CreditTransaction is the append-only ledger log. Amount is signed:
// positive for grants, negative for spend. A reserve that draws from both
// pools stays a single row; MonthlyAmount/BonusAmount record the split and
// Pool records the primary pool drawn.
//
// The unique indexes are the idempotency backstop: at most one transaction
// of a given type per request id, and at most one grant per Stripe event or
// checkout session. Correlation ids are nullable so rows without them never
// collide.
type CreditTransaction struct {
	ID     string          `gorm:"primaryKey;size:36" json:"id"`
	UserID string          `gorm:"index;not null" json:"user_id"`
	Type   TransactionType `gorm:"not null;index;uniqueIndex:ux_credit_tx_request_type,priority:2;uniqueIndex:ux_credit_tx_event_type,priority:2;uniqueIndex:ux_credit_tx_session_type,priority:2" json:"type"`
	Pool   CreditPool      `json:"pool"`

	Amount        int64 `gorm:"not null" json:"amount"`
	MonthlyAmount int64 `gorm:"not null;default:0" json:"monthly_amount"`
	BonusAmount   int64 `gorm:"not null;default:0" json:"bonus_amount"`

	Feature     string `json:"feature,omitempty"`
	Description string `json:"description,omitempty"`
	Metadata    string `json:"metadata,omitempty"`

	RequestID               *string `gorm:"uniqueIndex:ux_credit_tx_request_type,priority:1" json:"request_id,omitempty"`
	StripeEventID           *string `gorm:"uniqueIndex:ux_credit_tx_event_type,priority:1" json:"stripe_event_id,omitempty"`
	StripeInvoiceID         *string `gorm:"index" json:"stripe_invoice_id,omitempty"`
	StripeSubscriptionID    *string `gorm:"index" json:"stripe_subscription_id,omitempty"`
	StripeCheckoutSessionID *string `gorm:"uniqueIndex:ux_credit_tx_session_type,priority:1" json:"stripe_checkout_session_id,omitempty"`
	StripePaymentIntentID   *string `gorm:"index" json:"stripe_payment_intent_id,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// CreditPack is a purchasable one-time credit bundle (payment-mode checkout).
type CreditPack struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Size          string    `gorm:"uniqueIndex;not null" json:"size"`
	Credits       int64     `gorm:"not null" json:"credits"`
	StripePriceID string    `gorm:"uniqueIndex" json:"stripe_price_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// DefaultPackCredits maps pack sizes to their fixed credit grants.
var DefaultPackCredits = map[string]int64{
	"small":  100,
	"medium": 200,
	"large":  500,
}

type ReserveParams struct {
	UserID    string
	Amount    int64
	RequestID string
	Feature   string
	Metadata  map[string]any
}

type ReserveResult struct {
	OK               bool  `json:"ok"`
	Tier             Tier  `json:"tier"`
	Unlimited        bool  `json:"unlimited,omitempty"`
	RemainingMonthly int64 `json:"remaining_monthly"`
	RemainingBonus   int64 `json:"remaining_bonus"`
	Replayed         bool  `json:"-"`
}

type ConsumeParams struct {
	UserID      string
	Amount      int64
	RequestID   string
	Description string
	Metadata    map[string]any
}

type AdminAdjustParams struct {
	UserID  string
	Amount  int64
	Pool    CreditPool
	Reason  string
	AdminID string
}

type PackGrantParams struct {
	UserID                  string
	PackSize                string
	Credits                 int64
	StripeEventID           string
	StripeCheckoutSessionID string
	StripePaymentIntentID   string
}

type SubscriptionGrantParams struct {
	UserID                  string
	Tier                    Tier
	CycleStart              time.Time
	CycleEnd                time.Time
	CycleSource             CycleSource
	StripeEventID           string
	StripeInvoiceID         string
	StripeCustomerID        string
	StripeSubscriptionID    string
	StripePriceID           string
	StripeCheckoutSessionID string
}
