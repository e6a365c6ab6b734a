package payments

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/storyreel/billing-api/internal/models"
	"github.com/storyreel/billing-api/internal/services/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestReconciler(t *testing.T) (*Service, *ledger.Service) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	ledgerSvc := ledger.NewService(db)
	require.NoError(t, ledgerSvc.AutoMigrate())

	cfg := &models.BillingConfig{
		SecretKey:     "sk_test_x",
		WebhookSecret: "whsec_test",
		Prices: map[string]string{
			"price_starter": "starter",
			"price_creator": "creator",
			"price_pro":     "professional",
		},
		PackPrices: map[string]string{
			"price_pack_medium": "medium",
		},
	}

	svc := NewService(db, ledgerSvc, cfg, nil)
	require.NoError(t, svc.AutoMigrate())
	return svc, ledgerSvc
}

func packSessionEvent(eventID, sessionID, userID, packSize string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": %q,
			"mode": "payment",
			"payment_status": "paid",
			"payment_intent": "pi_1",
			"metadata": {"user_id": %q, "pack_size": %q}
		}}
	}`, eventID, sessionID, userID, packSize))
}

func subscriptionEvent(eventID, eventType, subID, userID, priceID, status string) []byte {
	start := time.Now().UTC().Unix()
	end := time.Now().UTC().AddDate(0, 0, 30).Unix()
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": %q,
		"data": {"object": {
			"id": %q,
			"status": %q,
			"customer": "cus_1",
			"current_period_start": %d,
			"current_period_end": %d,
			"metadata": {"user_id": %q},
			"items": {"data": [{"price": {"id": %q, "recurring": {"interval": "month"}}}]}
		}}
	}`, eventID, eventType, subID, status, start, end, userID, priceID))
}

func processRaw(t *testing.T, svc *Service, payload []byte) error {
	t.Helper()
	event, err := ParseEvent(payload)
	require.NoError(t, err)
	return svc.ProcessEvent(context.Background(), event)
}

func eventRecord(t *testing.T, svc *Service, eventID string) models.ProcessedPaymentEvent {
	t.Helper()
	var record models.ProcessedPaymentEvent
	require.NoError(t, svc.db.Where("event_id = ?", eventID).First(&record).Error)
	return record
}

func TestPackPurchaseAppliedOnce(t *testing.T) {
	svc, ledgerSvc := newTestReconciler(t)
	payload := packSessionEvent("evt_1", "cs_1", "user-1", "medium")

	require.NoError(t, processRaw(t, svc, payload))

	// Redelivery acknowledges without touching the ledger again.
	require.NoError(t, processRaw(t, svc, payload))

	account, err := ledgerSvc.GetAccount(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), account.BonusCreditsTotal)

	record := eventRecord(t, svc, "evt_1")
	assert.Equal(t, models.EventStatusOK, record.Status)
	assert.Equal(t, models.ReasonApplied, record.Reason)
	assert.Equal(t, "user-1", record.UserID)
	require.NotNil(t, record.ProcessedAt)
}

func TestWebhookSignatureGatesProcessing(t *testing.T) {
	svc, ledgerSvc := newTestReconciler(t)
	payload := packSessionEvent("evt_1", "cs_1", "user-1", "medium")

	header := SignPayload(time.Now(), payload, "whsec_wrong")
	err := svc.HandleWebhook(context.Background(), payload, header)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// Nothing was recorded or granted.
	var count int64
	require.NoError(t, svc.db.Model(&models.ProcessedPaymentEvent{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)

	_, err = ledgerSvc.GetAccount(context.Background(), "user-1")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestWebhookEndToEnd(t *testing.T) {
	svc, ledgerSvc := newTestReconciler(t)
	payload := packSessionEvent("evt_1", "cs_1", "user-1", "medium")
	header := SignPayload(time.Now(), payload, "whsec_test")

	require.NoError(t, svc.HandleWebhook(context.Background(), payload, header))

	account, err := ledgerSvc.GetAccount(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), account.BonusCreditsTotal)
}

func TestSubscriptionLifecycle(t *testing.T) {
	svc, ledgerSvc := newTestReconciler(t)
	ctx := context.Background()

	created := subscriptionEvent("evt_1", "customer.subscription.created", "sub_1", "user-1", "price_starter", "active")
	require.NoError(t, processRaw(t, svc, created))

	account, err := ledgerSvc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.TierStarter, account.Tier)
	assert.Equal(t, int64(100), account.MonthlyCreditsPerCycle)
	assert.Equal(t, int64(20), account.BonusCreditsTotal)
	assert.Equal(t, models.SubscriptionActive, account.SubscriptionStatus)
	assert.Equal(t, models.CycleSourceSubscription, account.CycleSource)
	require.NotNil(t, account.StripeSubscriptionID)
	assert.Equal(t, "sub_1", *account.StripeSubscriptionID)

	deleted := subscriptionEvent("evt_2", "customer.subscription.deleted", "sub_1", "user-1", "price_starter", "canceled")
	require.NoError(t, processRaw(t, svc, deleted))

	account, err = ledgerSvc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, account.Tier)
	assert.Equal(t, models.SubscriptionCanceled, account.SubscriptionStatus)
}

func TestSubscriptionResolvedByLinkageWhenMetadataMissing(t *testing.T) {
	svc, ledgerSvc := newTestReconciler(t)
	ctx := context.Background()

	created := subscriptionEvent("evt_1", "customer.subscription.created", "sub_1", "user-1", "price_starter", "active")
	require.NoError(t, processRaw(t, svc, created))

	// Later events may omit metadata; the stored subscription id links them.
	updated := subscriptionEvent("evt_2", "customer.subscription.updated", "sub_1", "", "price_creator", "active")
	require.NoError(t, processRaw(t, svc, updated))

	account, err := ledgerSvc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.TierCreator, account.Tier)
	assert.Equal(t, int64(400), account.MonthlyCreditsPerCycle)
}

func TestUnknownEventTypeIgnored(t *testing.T) {
	svc, _ := newTestReconciler(t)
	payload := []byte(`{"id":"evt_1","type":"payout.paid","data":{"object":{"id":"po_1"}}}`)

	require.NoError(t, processRaw(t, svc, payload))

	record := eventRecord(t, svc, "evt_1")
	assert.Equal(t, models.EventStatusIgnored, record.Status)
	assert.Equal(t, models.ReasonUnknownEventType, record.Reason)
}

func TestUnknownUserIgnored(t *testing.T) {
	svc, _ := newTestReconciler(t)
	payload := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_1", "mode": "payment", "payment_status": "paid", "metadata": {}}}
	}`)

	require.NoError(t, processRaw(t, svc, payload))

	record := eventRecord(t, svc, "evt_1")
	assert.Equal(t, models.EventStatusIgnored, record.Status)
	assert.Equal(t, models.ReasonUnknownUser, record.Reason)
}

func TestUnknownPackIgnored(t *testing.T) {
	svc, ledgerSvc := newTestReconciler(t)
	payload := packSessionEvent("evt_1", "cs_1", "user-1", "gigantic")

	require.NoError(t, processRaw(t, svc, payload))

	record := eventRecord(t, svc, "evt_1")
	assert.Equal(t, models.EventStatusIgnored, record.Status)
	assert.Equal(t, models.ReasonUnknownPack, record.Reason)

	account, err := ledgerSvc.GetAccount(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.BonusCreditsTotal)
}

func TestUnknownPriceIgnored(t *testing.T) {
	svc, ledgerSvc := newTestReconciler(t)
	payload := subscriptionEvent("evt_1", "customer.subscription.created", "sub_1", "user-1", "price_mystery", "active")

	require.NoError(t, processRaw(t, svc, payload))

	record := eventRecord(t, svc, "evt_1")
	assert.Equal(t, models.EventStatusIgnored, record.Status)
	assert.Equal(t, models.ReasonUnknownPrice, record.Reason)

	account, err := ledgerSvc.GetAccount(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, account.Tier)
}

func TestMalformedPayloadIgnored(t *testing.T) {
	svc, _ := newTestReconciler(t)
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":42}}`)

	require.NoError(t, processRaw(t, svc, payload))

	record := eventRecord(t, svc, "evt_1")
	assert.Equal(t, models.EventStatusIgnored, record.Status)
	assert.Equal(t, models.ReasonMalformedPayload, record.Reason)
}

func TestErrorRowReprocessedOnRedelivery(t *testing.T) {
	svc, ledgerSvc := newTestReconciler(t)

	// A prior delivery that died mid-apply leaves an error row behind.
	require.NoError(t, svc.db.Create(&models.ProcessedPaymentEvent{
		EventID:   "evt_1",
		EventType: "checkout.session.completed",
		Status:    models.EventStatusError,
		Reason:    models.ReasonApplyFailed,
	}).Error)

	payload := packSessionEvent("evt_1", "cs_1", "user-1", "medium")
	require.NoError(t, processRaw(t, svc, payload))

	account, err := ledgerSvc.GetAccount(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), account.BonusCreditsTotal)

	record := eventRecord(t, svc, "evt_1")
	assert.Equal(t, models.EventStatusOK, record.Status)
}

func TestTerminalRowNotReprocessed(t *testing.T) {
	svc, ledgerSvc := newTestReconciler(t)

	require.NoError(t, svc.db.Create(&models.ProcessedPaymentEvent{
		EventID:   "evt_1",
		EventType: "checkout.session.completed",
		Status:    models.EventStatusOK,
		Reason:    models.ReasonApplied,
	}).Error)

	payload := packSessionEvent("evt_1", "cs_1", "user-1", "medium")
	require.NoError(t, processRaw(t, svc, payload))

	// The ledger was never touched.
	_, err := ledgerSvc.GetAccount(context.Background(), "user-1")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func reconcileTestSession(sessionID, userID, packSize string) *stripe.CheckoutSession {
	return &stripe.CheckoutSession{
		ID:            sessionID,
		Metadata:      map[string]string{"user_id": userID, "pack_size": packSize},
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_1"},
	}
}

func TestManualReconcileAfterWebhookDoesNotDoubleGrant(t *testing.T) {
	svc, ledgerSvc := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, processRaw(t, svc, packSessionEvent("evt_1", "cs_1", "user-1", "medium")))

	// Manual recovery for the same session lands on the session-keyed grant.
	res, err := svc.reconcilePack(ctx, "reconcile_cs_1", "user-1", reconcileTestSession("cs_1", "user-1", "medium"))
	require.NoError(t, err)
	assert.Equal(t, "applied", res.Status)
	assert.Equal(t, int64(200), res.Credits)

	account, err := ledgerSvc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), account.BonusCreditsTotal)
}

func TestWebhookAfterManualReconcileDoesNotDoubleGrant(t *testing.T) {
	svc, ledgerSvc := newTestReconciler(t)
	ctx := context.Background()

	res, err := svc.reconcilePack(ctx, "reconcile_cs_1", "user-1", reconcileTestSession("cs_1", "user-1", "medium"))
	require.NoError(t, err)
	assert.Equal(t, "applied", res.Status)

	// The late-arriving webhook is recorded but the grant stays single.
	require.NoError(t, processRaw(t, svc, packSessionEvent("evt_1", "cs_1", "user-1", "medium")))

	record := eventRecord(t, svc, "evt_1")
	assert.Equal(t, models.EventStatusOK, record.Status)

	account, err := ledgerSvc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), account.BonusCreditsTotal)
}

func TestManualReconcileSubscriptionAfterWebhook(t *testing.T) {
	svc, ledgerSvc := newTestReconciler(t)
	ctx := context.Background()

	created := subscriptionEvent("evt_1", "customer.subscription.created", "sub_1", "user-1", "price_starter", "active")
	require.NoError(t, processRaw(t, svc, created))

	now := time.Now().UTC()
	sess := &stripe.CheckoutSession{
		ID:       "cs_1",
		Metadata: map[string]string{"user_id": "user-1"},
		Subscription: &stripe.Subscription{
			ID:                 "sub_1",
			Status:             stripe.SubscriptionStatusActive,
			CurrentPeriodStart: now.Unix(),
			CurrentPeriodEnd:   now.AddDate(0, 0, 30).Unix(),
			Items: &stripe.SubscriptionItemList{
				Data: []*stripe.SubscriptionItem{{
					Price: &stripe.Price{
						ID:        "price_starter",
						Recurring: &stripe.PriceRecurring{Interval: stripe.PriceRecurringIntervalMonth},
					},
				}},
			},
		},
	}
	res, err := svc.reconcileSubscription(ctx, "reconcile_cs_1", "user-1", sess)
	require.NoError(t, err)
	assert.Equal(t, "applied", res.Status)
	assert.Equal(t, models.TierStarter, res.Tier)

	account, err := ledgerSvc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.TierStarter, account.Tier)
	assert.Equal(t, int64(100), account.MonthlyCreditsPerCycle)
	// The one-time signup bonus is not granted again.
	assert.Equal(t, int64(20), account.BonusCreditsTotal)
}

func TestListEventsByStatus(t *testing.T) {
	svc, _ := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, processRaw(t, svc, packSessionEvent("evt_1", "cs_1", "user-1", "medium")))
	require.NoError(t, processRaw(t, svc, []byte(`{"id":"evt_2","type":"payout.paid","data":{"object":{}}}`)))

	all, err := svc.ListEvents(ctx, "", 50, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ignoredOnly, err := svc.ListEvents(ctx, models.EventStatusIgnored, 50, 0)
	require.NoError(t, err)
	require.Len(t, ignoredOnly, 1)
	assert.Equal(t, "evt_2", ignoredOnly[0].EventID)
}
