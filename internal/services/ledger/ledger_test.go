package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/storyreel/billing-api/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// A single connection keeps every session on the same in-memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	svc := NewService(db)
	require.NoError(t, svc.AutoMigrate())
	return svc
}

func grantStarter(t *testing.T, svc *Service, userID, eventID string) {
	t.Helper()

	now := time.Now().UTC()
	require.NoError(t, svc.ApplySubscriptionGrant(context.Background(), models.SubscriptionGrantParams{
		UserID:        userID,
		Tier:          models.TierStarter,
		CycleStart:    now,
		CycleEnd:      now.AddDate(0, 0, 30),
		CycleSource:   models.CycleSourceSubscription,
		StripeEventID: eventID,
	}))
}

func TestReserveSplitsAcrossPools(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	grantStarter(t, svc, "user-1", "evt_1")

	result, err := svc.Reserve(ctx, models.ReserveParams{
		UserID:    "user-1",
		Amount:    110,
		RequestID: "req-1",
		Feature:   "render",
	})
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, int64(0), result.RemainingMonthly)
	assert.Equal(t, int64(10), result.RemainingBonus)

	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), account.ReservedMonthly)
	assert.Equal(t, int64(10), account.ReservedBonus)
	assert.Equal(t, int64(0), account.MonthlyCreditsUsed)
}

func TestReserveInsufficientIsAtomic(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Free tier account gets 10 monthly credits on first touch.
	_, err := svc.EnsureAccount(ctx, "user-1")
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, models.ReserveParams{
		UserID:    "user-1",
		Amount:    15,
		RequestID: "req-1",
	})
	require.ErrorIs(t, err, ErrInsufficientCredits)

	// A shortfall must not leave a partial draw behind.
	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.ReservedMonthly)
	assert.Equal(t, int64(0), account.ReservedBonus)

	var count int64
	require.NoError(t, svc.db.Model(&models.CreditTransaction{}).
		Where("user_id = ?", "user-1").Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestReserveValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, models.ReserveParams{UserID: "user-1", Amount: 0, RequestID: "req-1"})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Reserve(ctx, models.ReserveParams{UserID: "user-1", Amount: -5, RequestID: "req-1"})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Reserve(ctx, models.ReserveParams{UserID: "user-1", Amount: 5})
	assert.ErrorIs(t, err, ErrMissingRequestID)
}

func TestReserveReplaySameRequestID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	grantStarter(t, svc, "user-1", "evt_1")

	first, err := svc.Reserve(ctx, models.ReserveParams{
		UserID:    "user-1",
		Amount:    30,
		RequestID: "req-1",
	})
	require.NoError(t, err)

	second, err := svc.Reserve(ctx, models.ReserveParams{
		UserID:    "user-1",
		Amount:    30,
		RequestID: "req-1",
	})
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.RemainingMonthly, second.RemainingMonthly)
	assert.Equal(t, first.RemainingBonus, second.RemainingBonus)

	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), account.ReservedMonthly)

	var count int64
	require.NoError(t, svc.db.Model(&models.CreditTransaction{}).
		Where("request_id = ? AND type = ?", "req-1", models.TransactionReserve).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCommitMovesReservedToUsed(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	grantStarter(t, svc, "user-1", "evt_1")

	_, err := svc.Reserve(ctx, models.ReserveParams{UserID: "user-1", Amount: 30, RequestID: "req-1"})
	require.NoError(t, err)

	require.NoError(t, svc.Commit(ctx, "user-1", "req-1"))

	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.ReservedMonthly)
	assert.Equal(t, int64(30), account.MonthlyCreditsUsed)

	// Committing twice mutates counters once.
	require.NoError(t, svc.Commit(ctx, "user-1", "req-1"))
	account, err = svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), account.MonthlyCreditsUsed)
}

func TestCommitWithoutReservation(t *testing.T) {
	svc := newTestService(t)
	err := svc.Commit(context.Background(), "user-1", "req-missing")
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestReleaseRestoresAvailability(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	grantStarter(t, svc, "user-1", "evt_1")

	_, err := svc.Reserve(ctx, models.ReserveParams{UserID: "user-1", Amount: 100, RequestID: "req-1"})
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, "user-1", "req-1"))

	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.ReservedMonthly)
	assert.Equal(t, int64(0), account.MonthlyCreditsUsed)

	// The full pool is available again.
	result, err := svc.Reserve(ctx, models.ReserveParams{UserID: "user-1", Amount: 100, RequestID: "req-2"})
	require.NoError(t, err)
	assert.True(t, result.OK)

	// Releasing an already-released reservation is a no-op.
	require.NoError(t, svc.Release(ctx, "user-1", "req-1"))
}

func TestReleaseAfterCommitRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	grantStarter(t, svc, "user-1", "evt_1")

	_, err := svc.Reserve(ctx, models.ReserveParams{UserID: "user-1", Amount: 20, RequestID: "req-1"})
	require.NoError(t, err)
	require.NoError(t, svc.Commit(ctx, "user-1", "req-1"))

	err = svc.Release(ctx, "user-1", "req-1")
	assert.ErrorIs(t, err, ErrAlreadyCommitted)
}

func TestCommitAfterReleaseRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	grantStarter(t, svc, "user-1", "evt_1")

	_, err := svc.Reserve(ctx, models.ReserveParams{UserID: "user-1", Amount: 20, RequestID: "req-1"})
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, "user-1", "req-1"))

	err = svc.Commit(ctx, "user-1", "req-1")
	assert.ErrorIs(t, err, ErrAlreadySettled)
}

func TestRefundReversesCommittedSpend(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	grantStarter(t, svc, "user-1", "evt_1")

	_, err := svc.Reserve(ctx, models.ReserveParams{UserID: "user-1", Amount: 30, RequestID: "req-1"})
	require.NoError(t, err)
	require.NoError(t, svc.Commit(ctx, "user-1", "req-1"))

	require.NoError(t, svc.Refund(ctx, "user-1", "req-1", "render failed downstream"))

	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.MonthlyCreditsUsed)
	assert.Equal(t, int64(0), account.ReservedMonthly)

	// Refund replay mutates nothing further.
	require.NoError(t, svc.Refund(ctx, "user-1", "req-1", "render failed downstream"))
	account, err = svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.MonthlyCreditsUsed)
}

func TestConsumeSingleStep(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	grantStarter(t, svc, "user-1", "evt_1")

	result, err := svc.Consume(ctx, models.ConsumeParams{
		UserID:    "user-1",
		Amount:    110,
		RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.RemainingMonthly)
	assert.Equal(t, int64(10), result.RemainingBonus)

	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), account.MonthlyCreditsUsed)
	assert.Equal(t, int64(10), account.BonusCreditsUsed)
	assert.Equal(t, int64(0), account.ReservedMonthly)

	replay, err := svc.Consume(ctx, models.ConsumeParams{
		UserID:    "user-1",
		Amount:    110,
		RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)

	account, err = svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), account.MonthlyCreditsUsed)
}

func TestUnlimitedTierTracksUsage(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, svc.ApplySubscriptionGrant(ctx, models.SubscriptionGrantParams{
		UserID:        "user-1",
		Tier:          models.TierProfessional,
		CycleStart:    now,
		CycleEnd:      now.AddDate(0, 0, 30),
		CycleSource:   models.CycleSourceSubscription,
		StripeEventID: "evt_pro",
	}))

	result, err := svc.Reserve(ctx, models.ReserveParams{UserID: "user-1", Amount: 50, RequestID: "req-1"})
	require.NoError(t, err)
	assert.True(t, result.Unlimited)

	require.NoError(t, svc.Commit(ctx, "user-1", "req-1"))

	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), account.MonthlyCreditsUsed)
	assert.Equal(t, int64(0), account.ReservedMonthly)

	// Usage keeps accruing but never blocks.
	_, err = svc.Consume(ctx, models.ConsumeParams{UserID: "user-1", Amount: 10000, RequestID: "req-2"})
	require.NoError(t, err)

	account, err = svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10050), account.MonthlyCreditsUsed)

	status, err := svc.Status(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, status.Unlimited)
}

func TestSignupBonusGrantedOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	grantStarter(t, svc, "user-1", "evt_1")

	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), account.BonusCreditsTotal)
	assert.True(t, account.BonusGranted)

	// Renewal resets the monthly window but never re-grants the bonus.
	_, err = svc.Consume(ctx, models.ConsumeParams{UserID: "user-1", Amount: 40, RequestID: "req-1"})
	require.NoError(t, err)

	grantStarter(t, svc, "user-1", "evt_2")

	account, err = svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.MonthlyCreditsUsed)
	assert.Equal(t, int64(20), account.BonusCreditsTotal)
}

func TestSubscriptionGrantDeduplicatesByEventID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	grantStarter(t, svc, "user-1", "evt_1")
	_, err := svc.Consume(ctx, models.ConsumeParams{UserID: "user-1", Amount: 40, RequestID: "req-1"})
	require.NoError(t, err)

	// Redelivery of the same event must not reset the window again.
	grantStarter(t, svc, "user-1", "evt_1")

	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), account.MonthlyCreditsUsed)
}

func TestGrantCreditPackDeduplicatesBySession(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	params := models.PackGrantParams{
		UserID:                  "user-1",
		PackSize:                "medium",
		Credits:                 200,
		StripeEventID:           "evt_1",
		StripeCheckoutSessionID: "cs_1",
	}
	require.NoError(t, svc.GrantCreditPack(ctx, params))

	// A manual reconciliation for the same session carries a derived event
	// id but the same session id; it must not double-grant.
	params.StripeEventID = "reconcile_cs_1"
	require.NoError(t, svc.GrantCreditPack(ctx, params))

	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), account.BonusCreditsTotal)
}

func TestCancellationDropsToFree(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	grantStarter(t, svc, "user-1", "evt_1")
	require.NoError(t, svc.ApplyCancellation(ctx, "user-1", "evt_2"))

	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, account.Tier)
	assert.Equal(t, int64(10), account.MonthlyCreditsPerCycle)
	assert.Equal(t, models.SubscriptionCanceled, account.SubscriptionStatus)

	// History survives the downgrade.
	var count int64
	require.NoError(t, svc.db.Model(&models.CreditTransaction{}).
		Where("user_id = ?", "user-1").Count(&count).Error)
	assert.Greater(t, count, int64(0))
}

func TestAdminAdjust(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	txn, err := svc.AdminAdjust(ctx, models.AdminAdjustParams{
		UserID:  "user-1",
		Amount:  50,
		Pool:    models.PoolBonus,
		Reason:  "support goodwill",
		AdminID: "admin-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionAdminAdjust, txn.Type)

	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), account.BonusCreditsTotal)

	_, err = svc.AdminAdjust(ctx, models.AdminAdjustParams{
		UserID: "user-1", Amount: 0, Pool: models.PoolBonus, Reason: "noop",
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestResetExpiredCycles(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, svc.ApplySubscriptionGrant(ctx, models.SubscriptionGrantParams{
		UserID:        "user-1",
		Tier:          models.TierStarter,
		CycleStart:    now.AddDate(0, 0, -31),
		CycleEnd:      now.AddDate(0, 0, -1),
		CycleSource:   models.CycleSourceSubscription,
		StripeEventID: "evt_1",
	}))
	_, err := svc.Consume(ctx, models.ConsumeParams{UserID: "user-1", Amount: 60, RequestID: "req-1"})
	require.NoError(t, err)

	reset, err := svc.ResetExpiredCycles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.MonthlyCreditsUsed)
	assert.Equal(t, models.CycleSourceManualReset, account.CycleSource)
	require.NotNil(t, account.CycleEndAt)
	assert.True(t, account.CycleEndAt.After(now))

	// No lapsed windows remain.
	reset, err = svc.ResetExpiredCycles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reset)
}

func TestSequentialRequestsExhaustPoolExactly(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	grantStarter(t, svc, "user-1", "evt_1")

	// 120 total credits (100 monthly + 20 bonus); 12 reservations of 10
	// should succeed and the 13th must fail.
	for i := 0; i < 12; i++ {
		_, err := svc.Reserve(ctx, models.ReserveParams{
			UserID:    "user-1",
			Amount:    10,
			RequestID: fmt.Sprintf("req-%d", i),
		})
		require.NoError(t, err)
	}

	_, err := svc.Reserve(ctx, models.ReserveParams{
		UserID:    "user-1",
		Amount:    10,
		RequestID: "req-overflow",
	})
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), account.ReservedMonthly)
	assert.Equal(t, int64(20), account.ReservedBonus)
}

func TestConcurrentReservesAdmitSingleWinner(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	grantStarter(t, svc, "user-1", "evt_1")

	// 120 total credits; four racing reservations of 80 can admit only one.
	const racers = 4
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Reserve(ctx, models.ReserveParams{
				UserID:    "user-1",
				Amount:    80,
				RequestID: fmt.Sprintf("race-%d", i),
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientCredits)
		}
	}
	assert.Equal(t, 1, wins)

	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(80), account.ReservedMonthly)
	assert.Equal(t, int64(0), account.ReservedBonus)
}

func TestRacingCommitAndReleaseSettleOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	grantStarter(t, svc, "user-1", "evt_1")

	_, err := svc.Reserve(ctx, models.ReserveParams{
		UserID:    "user-1",
		Amount:    30,
		RequestID: "req-1",
	})
	require.NoError(t, err)

	var commitErr, releaseErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		commitErr = svc.Commit(ctx, "user-1", "req-1")
	}()
	go func() {
		defer wg.Done()
		releaseErr = svc.Release(ctx, "user-1", "req-1")
	}()
	wg.Wait()

	// The loser gets the business error for the state the winner reached,
	// never an integrity fault.
	if commitErr == nil {
		assert.ErrorIs(t, releaseErr, ErrAlreadyCommitted)
	} else {
		assert.ErrorIs(t, commitErr, ErrAlreadySettled)
		require.NoError(t, releaseErr)
	}
	assert.NotErrorIs(t, commitErr, ErrInvariantViolation)
	assert.NotErrorIs(t, releaseErr, ErrInvariantViolation)

	// Exactly one terminal row settles the reservation.
	var terminals int64
	require.NoError(t, svc.db.Model(&models.CreditTransaction{}).
		Where("request_id = ? AND type IN ?", "req-1", []models.TransactionType{
			models.TransactionCommit, models.TransactionRelease, models.TransactionRefund,
		}).Count(&terminals).Error)
	assert.Equal(t, int64(1), terminals)

	account, err := svc.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.ReservedMonthly)
	if commitErr == nil {
		assert.Equal(t, int64(30), account.MonthlyCreditsUsed)
	} else {
		assert.Equal(t, int64(0), account.MonthlyCreditsUsed)
	}
}
