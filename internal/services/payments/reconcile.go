package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/storyreel/billing-api/internal/models"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/subscription"
)

var (
	// ErrSessionOwnership means the checkout session exists but belongs to a
	// different user than the caller.
	ErrSessionOwnership = errors.New("checkout session belongs to another user")

	// ErrSessionUnpaid means the checkout session has not completed payment
	// and cannot be reconciled yet.
	ErrSessionUnpaid = errors.New("checkout session is not paid")
)

// ReconcileResult reports what a manual reconciliation ended up doing.
type ReconcileResult struct {
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
	Tier      models.Tier `json:"tier,omitempty"`
	PackSize  string      `json:"pack_size,omitempty"`
	Credits   int64       `json:"credits,omitempty"`
}

// ReconcileSession is the recovery path for the user who paid but whose
// webhook never landed. It fetches the authoritative session state from
// the provider and applies the same grant the webhook would have, keyed
// by the session id so a late-arriving webhook cannot double-grant.
func (s *Service) ReconcileSession(ctx context.Context, userID, sessionID string) (*ReconcileResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{Context: callCtx},
	}
	params.AddExpand("subscription")

	sess, err := session.Get(sessionID, params)
	if err != nil {
		return nil, models.NewUpstreamError("failed to fetch checkout session", err)
	}

	if sess.Metadata["user_id"] != userID {
		return nil, ErrSessionOwnership
	}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil, ErrSessionUnpaid
	}

	// Derived event id keeps manual reconciliation in the same dedup space
	// as webhook deliveries without colliding with real provider event ids.
	eventID := "reconcile_" + sess.ID

	switch sess.Mode {
	case stripe.CheckoutSessionModePayment:
		return s.reconcilePack(ctx, eventID, userID, sess)
	case stripe.CheckoutSessionModeSubscription:
		return s.reconcileSubscription(ctx, eventID, userID, sess)
	default:
		return nil, fmt.Errorf("unsupported checkout mode %q", sess.Mode)
	}
}

func (s *Service) reconcilePack(ctx context.Context, eventID, userID string, sess *stripe.CheckoutSession) (*ReconcileResult, error) {
	packSize := sess.Metadata["pack_size"]
	credits, ok := models.DefaultPackCredits[packSize]
	if !ok {
		return nil, fmt.Errorf("unknown credit pack %q on session %s", packSize, sess.ID)
	}

	grant := models.PackGrantParams{
		UserID:                  userID,
		PackSize:                packSize,
		Credits:                 credits,
		StripeEventID:           eventID,
		StripeCheckoutSessionID: sess.ID,
	}
	if sess.PaymentIntent != nil {
		grant.StripePaymentIntentID = sess.PaymentIntent.ID
	}

	if err := s.ledger.GrantCreditPack(ctx, grant); err != nil {
		return nil, err
	}

	fiberlog.Infof("reconciled credit pack %s for user %s via session %s", packSize, userID, sess.ID)
	return &ReconcileResult{
		SessionID: sess.ID,
		Status:    "applied",
		PackSize:  packSize,
		Credits:   credits,
	}, nil
}

func (s *Service) reconcileSubscription(ctx context.Context, eventID, userID string, sess *stripe.CheckoutSession) (*ReconcileResult, error) {
	if sess.Subscription == nil || sess.Subscription.ID == "" {
		return nil, fmt.Errorf("session %s has no subscription attached", sess.ID)
	}

	// The expanded object from the session fetch can be partial; re-fetch
	// so cycle resolution always sees the full subscription.
	sub := sess.Subscription
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		var err error
		sub, err = s.fetchSubscription(ctx, sess.Subscription.ID)
		if err != nil {
			return nil, err
		}
	}

	result := s.grantFromSubscription(ctx, eventID, userID, sub, "", sess.ID)
	switch result.status {
	case models.EventStatusOK:
	case models.EventStatusIgnored:
		return nil, fmt.Errorf("session %s could not be reconciled: %s", sess.ID, result.reason)
	default:
		return nil, result.err
	}

	priceID := subscriptionPriceID(sub)
	fiberlog.Infof("reconciled subscription %s for user %s via session %s", sub.ID, userID, sess.ID)
	return &ReconcileResult{
		SessionID: sess.ID,
		Status:    "applied",
		Tier:      s.config.TierForPrice(priceID),
	}, nil
}

func (s *Service) fetchSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	callCtx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()

	params := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: callCtx},
	}
	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return nil, models.NewUpstreamError("failed to fetch subscription", err)
	}
	return sub, nil
}
