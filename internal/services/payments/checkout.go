package payments

import (
	"context"
	"errors"

	"github.com/storyreel/billing-api/internal/models"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
)

// ErrUnknownPrice means the requested price id is not configured for any
// tier or credit pack.
var ErrUnknownPrice = errors.New("price id is not configured")

// CheckoutResult carries what the client needs to send the user to the
// hosted payment page.
type CheckoutResult struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// CreateSubscriptionCheckout opens a subscription-mode checkout session for
// a configured tier price. The user id rides in metadata so the completed
// session can be attributed without a customer lookup.
func (s *Service) CreateSubscriptionCheckout(ctx context.Context, userID, priceID string) (*CheckoutResult, error) {
	tier := s.config.TierForPrice(priceID)
	if tier == models.TierUnknown {
		return nil, ErrUnknownPrice
	}

	callCtx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		Params:     stripe.Params{Context: callCtx},
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(s.config.SuccessURL),
		CancelURL:  stripe.String(s.config.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
		Metadata: map[string]string{
			"user_id": userID,
			"tier":    string(tier),
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": userID},
		},
		ClientReferenceID: stripe.String(userID),
	}

	sess, err := session.New(params)
	if err != nil {
		return nil, models.NewUpstreamError("failed to create checkout session", err)
	}

	return &CheckoutResult{SessionID: sess.ID, URL: sess.URL}, nil
}

// CreatePackCheckout opens a one-time payment checkout session for a credit
// pack. The pack size lands in metadata so the grant amount is resolved
// from configuration at apply time, never trusted from the client.
func (s *Service) CreatePackCheckout(ctx context.Context, userID, priceID string) (*CheckoutResult, error) {
	packSize, ok := s.config.PackForPrice(priceID)
	if !ok {
		return nil, ErrUnknownPrice
	}
	if _, ok := models.DefaultPackCredits[packSize]; !ok {
		return nil, ErrUnknownPrice
	}

	callCtx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		Params:     stripe.Params{Context: callCtx},
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(s.config.SuccessURL),
		CancelURL:  stripe.String(s.config.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
		Metadata: map[string]string{
			"user_id":   userID,
			"pack_size": packSize,
		},
		ClientReferenceID: stripe.String(userID),
	}

	sess, err := session.New(params)
	if err != nil {
		return nil, models.NewUpstreamError("failed to create checkout session", err)
	}

	return &CheckoutResult{SessionID: sess.ID, URL: sess.URL}, nil
}
