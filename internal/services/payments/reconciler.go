package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/storyreel/billing-api/internal/models"
	"github.com/storyreel/billing-api/internal/services/ledger"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v81"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidSignature wraps any verification failure so handlers can map it
// to a 400 without inspecting verifier internals.
var ErrInvalidSignature = errors.New("webhook signature verification failed")

// upstreamTimeout bounds synchronous calls to the payment provider.
const upstreamTimeout = 10 * time.Second

type Service struct {
	db        *gorm.DB
	ledger    *ledger.Service
	config    *models.BillingConfig
	alerts    *AlertNotifier
	tolerance time.Duration
}

func NewService(db *gorm.DB, ledgerSvc *ledger.Service, config *models.BillingConfig, alerts *AlertNotifier) *Service {
	stripe.Key = config.SecretKey

	return &Service{
		db:        db,
		ledger:    ledgerSvc,
		config:    config,
		alerts:    alerts,
		tolerance: DefaultSignatureTolerance,
	}
}

// AutoMigrate runs database migrations for the payment event dedup ledger
func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(&models.ProcessedPaymentEvent{})
}

// HandleWebhook verifies and applies one raw webhook delivery. The payload
// is the byte-exact request body; it is only parsed after the signature
// checks out.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	if err := VerifySignature(payload, signatureHeader, s.config.WebhookSecret, s.tolerance); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	event, err := ParseEvent(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	return s.ProcessEvent(ctx, event)
}

// outcome is the terminal result of applying one event.
type outcome struct {
	status  models.EventStatus
	reason  string
	userID  string
	details map[string]any
	err     error
}

func ignored(reason string, details map[string]any) outcome {
	return outcome{status: models.EventStatusIgnored, reason: reason, details: details}
}

func applied(userID string, details map[string]any) outcome {
	return outcome{status: models.EventStatusOK, reason: models.ReasonApplied, userID: userID, details: details}
}

func failed(userID string, err error) outcome {
	return outcome{status: models.EventStatusError, reason: models.ReasonApplyFailed, userID: userID, err: err}
}

// ProcessEvent idempotently applies a verified event. The dedup row is
// inserted before any processing; a conflict means the event was already
// handled and the sender can be acknowledged immediately. Rows left in
// error state are retried on redelivery so transient apply failures heal.
func (s *Service) ProcessEvent(ctx context.Context, event *Event) error {
	record := models.ProcessedPaymentEvent{
		EventID:   event.ID,
		EventType: event.Type,
		Status:    models.EventStatusProcessing,
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if res.Error != nil {
		return models.NewTransientError("failed to record payment event", res.Error)
	}
	if res.RowsAffected == 0 {
		var existing models.ProcessedPaymentEvent
		if err := s.db.WithContext(ctx).Where("event_id = ?", event.ID).First(&existing).Error; err != nil {
			return models.NewTransientError("failed to load payment event record", err)
		}
		if existing.Status != models.EventStatusError {
			// Already seen; this path must stay cheap and side-effect-free
			// because senders retry on any non-2xx.
			return nil
		}
		// Previous attempt failed while applying; reprocess in place.
		record = existing
		fiberlog.Infof("reprocessing payment event %s after earlier failure", event.ID)
	}

	result := s.apply(ctx, event)
	s.finish(ctx, &record, result)

	if result.status == models.EventStatusError {
		s.alerts.Notify(AlertPayload{
			EventID:   event.ID,
			EventType: event.Type,
			UserID:    result.userID,
			Reason:    result.reason,
			Detail:    fmt.Sprint(result.err),
		})
		return models.NewTransientError(fmt.Sprintf("failed to apply payment event %s", event.ID), result.err)
	}

	return nil
}

// finish writes the terminal outcome. Every event gets one, even ignored
// ones, so reconciliation stays auditable without replaying provider logs.
func (s *Service) finish(ctx context.Context, record *models.ProcessedPaymentEvent, result outcome) {
	now := time.Now().UTC()
	details := ""
	if result.details != nil {
		if data, err := json.Marshal(result.details); err == nil {
			details = string(data)
		}
	}
	if result.err != nil {
		payload, _ := json.Marshal(map[string]any{"error": result.err.Error()})
		details = string(payload)
	}

	err := s.db.WithContext(ctx).
		Model(&models.ProcessedPaymentEvent{}).
		Where("event_id = ?", record.EventID).
		Updates(map[string]any{
			"status":       result.status,
			"reason":       result.reason,
			"user_id":      result.userID,
			"details":      details,
			"processed_at": now,
		}).Error
	if err != nil {
		fiberlog.Errorf("failed to finalize payment event %s: %v", record.EventID, err)
	}
}

// ListEvents pages through the processed-event audit trail, newest first.
// An empty status returns all outcomes.
func (s *Service) ListEvents(ctx context.Context, status models.EventStatus, limit, offset int) ([]models.ProcessedPaymentEvent, error) {
	query := s.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var events []models.ProcessedPaymentEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list payment events: %w", err)
	}
	return events, nil
}

func (s *Service) apply(ctx context.Context, event *Event) outcome {
	switch event.Type {
	case "checkout.session.completed":
		return s.applyCheckoutCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		return s.applySubscriptionChanged(ctx, event)
	case "customer.subscription.deleted":
		return s.applySubscriptionDeleted(ctx, event)
	case "invoice.paid":
		return s.applyInvoicePaid(ctx, event)
	default:
		// Unknown types are deliberate forward-compatibility, not errors.
		return ignored(models.ReasonUnknownEventType, nil)
	}
}

func (s *Service) applyCheckoutCompleted(ctx context.Context, event *Event) outcome {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return ignored(models.ReasonMalformedPayload, map[string]any{"error": err.Error()})
	}

	userID := session.Metadata["user_id"]
	if userID == "" {
		// The session may belong to a product outside this system.
		return ignored(models.ReasonUnknownUser, map[string]any{"session_id": session.ID})
	}

	switch session.Mode {
	case stripe.CheckoutSessionModePayment:
		return s.applyPackPurchase(ctx, event.ID, userID, &session)
	case stripe.CheckoutSessionModeSubscription:
		return s.applySubscriptionCheckout(ctx, event.ID, userID, &session)
	default:
		return ignored(models.ReasonUnknownEventType, map[string]any{"mode": string(session.Mode)})
	}
}

func (s *Service) applyPackPurchase(ctx context.Context, eventID, userID string, session *stripe.CheckoutSession) outcome {
	packSize := session.Metadata["pack_size"]
	credits, ok := models.DefaultPackCredits[packSize]
	if !ok {
		return ignored(models.ReasonUnknownPack, map[string]any{"pack_size": packSize, "session_id": session.ID})
	}

	params := models.PackGrantParams{
		UserID:                  userID,
		PackSize:                packSize,
		Credits:                 credits,
		StripeEventID:           eventID,
		StripeCheckoutSessionID: session.ID,
	}
	if session.PaymentIntent != nil {
		params.StripePaymentIntentID = session.PaymentIntent.ID
	}

	if err := s.ledger.GrantCreditPack(ctx, params); err != nil {
		return failed(userID, err)
	}

	return applied(userID, map[string]any{
		"pack_size":  packSize,
		"credits":    credits,
		"session_id": session.ID,
	})
}

func (s *Service) applySubscriptionCheckout(ctx context.Context, eventID, userID string, session *stripe.CheckoutSession) outcome {
	if session.Subscription == nil || session.Subscription.ID == "" {
		return ignored(models.ReasonMissingMetadata, map[string]any{"session_id": session.ID})
	}

	subscription, err := s.fetchSubscription(ctx, session.Subscription.ID)
	if err != nil {
		return failed(userID, err)
	}

	return s.grantFromSubscription(ctx, eventID, userID, subscription, "", session.ID)
}

func (s *Service) applySubscriptionChanged(ctx context.Context, event *Event) outcome {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return ignored(models.ReasonMalformedPayload, map[string]any{"error": err.Error()})
	}

	userID, err := s.resolveUser(ctx, subscription.Metadata, subscription.ID, customerID(subscription.Customer))
	if err != nil {
		return failed("", err)
	}
	if userID == "" {
		return ignored(models.ReasonUnknownUser, map[string]any{"subscription_id": subscription.ID})
	}

	switch subscription.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return s.grantFromSubscription(ctx, event.ID, userID, &subscription, "", "")
	case stripe.SubscriptionStatusCanceled:
		if err := s.ledger.ApplyCancellation(ctx, userID, event.ID); err != nil {
			return failed(userID, err)
		}
		return applied(userID, map[string]any{"subscription_id": subscription.ID, "canceled": true})
	default:
		return ignored(models.ReasonUnknownEventType, map[string]any{"status": string(subscription.Status)})
	}
}

func (s *Service) applySubscriptionDeleted(ctx context.Context, event *Event) outcome {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return ignored(models.ReasonMalformedPayload, map[string]any{"error": err.Error()})
	}

	userID, err := s.resolveUser(ctx, subscription.Metadata, subscription.ID, customerID(subscription.Customer))
	if err != nil {
		return failed("", err)
	}
	if userID == "" {
		return ignored(models.ReasonUnknownUser, map[string]any{"subscription_id": subscription.ID})
	}

	if err := s.ledger.ApplyCancellation(ctx, userID, event.ID); err != nil {
		return failed(userID, err)
	}
	return applied(userID, map[string]any{"subscription_id": subscription.ID, "canceled": true})
}

func (s *Service) applyInvoicePaid(ctx context.Context, event *Event) outcome {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return ignored(models.ReasonMalformedPayload, map[string]any{"error": err.Error()})
	}

	if invoice.Subscription == nil || invoice.Subscription.ID == "" {
		// One-off invoices don't drive the credit cycle.
		return ignored(models.ReasonMissingMetadata, map[string]any{"invoice_id": invoice.ID})
	}

	userID, err := s.resolveUser(ctx, invoice.Metadata, invoice.Subscription.ID, customerID(invoice.Customer))
	if err != nil {
		return failed("", err)
	}
	if userID == "" {
		return ignored(models.ReasonUnknownUser, map[string]any{"invoice_id": invoice.ID})
	}

	subscription, err := s.fetchSubscription(ctx, invoice.Subscription.ID)
	if err != nil {
		return failed(userID, err)
	}

	return s.grantFromSubscription(ctx, event.ID, userID, subscription, invoice.ID, "")
}

// grantFromSubscription resolves tier and cycle from the authoritative
// subscription object and writes the grant.
func (s *Service) grantFromSubscription(ctx context.Context, eventID, userID string, subscription *stripe.Subscription, invoiceID, sessionID string) outcome {
	priceID := subscriptionPriceID(subscription)
	tier := s.config.TierForPrice(priceID)
	if tier == models.TierUnknown {
		return ignored(models.ReasonUnknownPrice, map[string]any{"price_id": priceID})
	}

	cycleStart, cycleEnd, cycleSource := subscriptionCycle(subscription)

	params := models.SubscriptionGrantParams{
		UserID:                  userID,
		Tier:                    tier,
		CycleStart:              cycleStart,
		CycleEnd:                cycleEnd,
		CycleSource:             cycleSource,
		StripeEventID:           eventID,
		StripeInvoiceID:         invoiceID,
		StripeCustomerID:        customerID(subscription.Customer),
		StripeSubscriptionID:    subscription.ID,
		StripePriceID:           priceID,
		StripeCheckoutSessionID: sessionID,
	}

	if err := s.ledger.ApplySubscriptionGrant(ctx, params); err != nil {
		return failed(userID, err)
	}

	return applied(userID, map[string]any{
		"tier":            string(tier),
		"subscription_id": subscription.ID,
		"cycle_end":       cycleEnd.UTC().Format(time.RFC3339),
	})
}

// resolveUser prefers the embedded metadata identity, then falls back to
// the subscription and customer linkage on existing accounts. A miss is a
// business condition, not a fault.
func (s *Service) resolveUser(ctx context.Context, metadata map[string]string, subscriptionID, custID string) (string, error) {
	if userID := metadata["user_id"]; userID != "" {
		return userID, nil
	}

	userID, err := s.ledger.FindUserBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return "", err
	}
	if userID != "" {
		return userID, nil
	}

	return s.ledger.FindUserByCustomerID(ctx, custID)
}

// subscriptionCycle prefers the authoritative period reported by the
// subscription; a locally-computed window is the fallback when the period
// is not yet known.
func subscriptionCycle(subscription *stripe.Subscription) (time.Time, time.Time, models.CycleSource) {
	if subscription.CurrentPeriodStart > 0 && subscription.CurrentPeriodEnd > 0 {
		return time.Unix(subscription.CurrentPeriodStart, 0).UTC(),
			time.Unix(subscription.CurrentPeriodEnd, 0).UTC(),
			models.CycleSourceSubscription
	}

	annual := false
	if items := subscription.Items; items != nil && len(items.Data) > 0 {
		if price := items.Data[0].Price; price != nil && price.Recurring != nil {
			annual = price.Recurring.Interval == stripe.PriceRecurringIntervalYear
		}
	}
	start, end := ledger.LocalCycle(time.Now().UTC(), annual)
	return start, end, models.CycleSourceLocal
}

func subscriptionPriceID(subscription *stripe.Subscription) string {
	if subscription.Items == nil || len(subscription.Items.Data) == 0 {
		return ""
	}
	if price := subscription.Items.Data[0].Price; price != nil {
		return price.ID
	}
	return ""
}

func customerID(customer *stripe.Customer) string {
	if customer == nil {
		return ""
	}
	return customer.ID
}
