package models

// BillingConfig wires the Stripe integration. Prices maps Stripe price ids
// (monthly and annual ids may map to the same tier) to tier names;
// PackPrices maps payment-mode price ids to pack sizes.
type BillingConfig struct {
	SecretKey     string `json:"secret_key" yaml:"secret_key"`
	WebhookSecret string `json:"webhook_secret" yaml:"webhook_secret"`

	SuccessURL string `json:"success_url" yaml:"success_url"`
	CancelURL  string `json:"cancel_url" yaml:"cancel_url"`

	// AlertWebhookURL receives best-effort notifications for error-status
	// payment events. Empty disables alerting.
	AlertWebhookURL string `json:"alert_webhook_url,omitempty" yaml:"alert_webhook_url"`

	Prices     map[string]string `json:"prices" yaml:"prices"`
	PackPrices map[string]string `json:"pack_prices" yaml:"pack_prices"`
}

// TierForPrice resolves a Stripe price id to a tier. Unresolvable ids yield
// TierUnknown; callers must treat that as ignorable, not fatal.
func (c *BillingConfig) TierForPrice(priceID string) Tier {
	if c == nil || priceID == "" {
		return TierUnknown
	}
	name, ok := c.Prices[priceID]
	if !ok {
		return TierUnknown
	}
	switch Tier(name) {
	case TierStarter, TierCreator, TierProfessional, TierFree:
		return Tier(name)
	default:
		return TierUnknown
	}
}

// PackForPrice resolves a payment-mode price id to a pack size.
func (c *BillingConfig) PackForPrice(priceID string) (string, bool) {
	if c == nil || priceID == "" {
		return "", false
	}
	size, ok := c.PackPrices[priceID]
	return size, ok
}
