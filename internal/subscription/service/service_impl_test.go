package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tablierhq/tablier/internal/clock"
	"github.com/tablierhq/tablier/internal/config"
	plandomain "github.com/tablierhq/tablier/internal/plan/domain"
	planservice "github.com/tablierhq/tablier/internal/plan/service"
	subscriptiondomain "github.com/tablierhq/tablier/internal/subscription/domain"
	subscriptionrepository "github.com/tablierhq/tablier/internal/subscription/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type subFixture struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	repo  subscriptiondomain.Repository
	svc   subscriptiondomain.Service

	starter plandomain.Plan
	growth  plandomain.Plan
}

func setupSubscriptions(t *testing.T) *subFixture {
	t.Helper()

	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(
		&plandomain.Plan{},
		&plandomain.PlanFeatureQuota{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.UsageCounter{},
		&subscriptiondomain.PendingAdjustment{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	starter := plandomain.Plan{
		ID: node.Generate(), Code: "starter", Version: 1, Name: "Starter",
		BasePrice: 4900, Currency: "usd", TrialDays: 14, Active: true,
	}
	growth := plandomain.Plan{
		ID: node.Generate(), Code: "growth", Version: 1, Name: "Growth",
		BasePrice: 9900, Currency: "usd", Active: true,
	}
	require.NoError(t, gormDB.Create(&starter).Error)
	require.NoError(t, gormDB.Create(&growth).Error)

	plans := planservice.NewService(planservice.ServiceParam{DB: gormDB, Log: zap.NewNop()})
	loader, ok := plans.(interface{ LoadCatalog(context.Context) error })
	require.True(t, ok)
	require.NoError(t, loader.LoadCatalog(context.Background()))

	repo := subscriptionrepository.Provide()
	svc := NewService(ServiceParam{
		DB:      gormDB,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fakeClock,
		Repo:    repo,
		PlanSvc: plans,
		Cfg:     config.Config{DunningMaxRetries: 3, ConcurrencyMaxRetries: 5},
	})

	return &subFixture{
		db:      gormDB,
		node:    node,
		clock:   fakeClock,
		repo:    repo,
		svc:     svc,
		starter: starter,
		growth:  growth,
	}
}

func (f *subFixture) create(t *testing.T, planCode string) subscriptiondomain.Subscription {
	t.Helper()
	sub, err := f.svc.Create(context.Background(), subscriptiondomain.CreateSubscriptionRequest{
		RestaurantID: f.node.Generate().String(),
		PlanCode:     planCode,
	})
	require.NoError(t, err)
	return sub
}

func (f *subFixture) activate(t *testing.T, restaurantID snowflake.ID) subscriptiondomain.Subscription {
	t.Helper()
	sub, err := f.svc.ApplyPaymentResult(context.Background(), subscriptiondomain.PaymentResult{
		RestaurantID: restaurantID,
		Success:      true,
		OccurredAt:   f.clock.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	return sub
}

func TestCreate_StartsTrial(t *testing.T) {
	f := setupSubscriptions(t)

	sub := f.create(t, "starter")
	assert.Equal(t, subscriptiondomain.StatusTrialing, sub.Status)
	assert.Equal(t, f.clock.Now(), sub.CurrentPeriodStart)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, 14), sub.CurrentPeriodEnd)
	assert.Equal(t, int64(1), sub.Version)
}

func TestCreate_NoTrialUsesMonthlyPeriod(t *testing.T) {
	f := setupSubscriptions(t)

	sub := f.create(t, "growth")
	assert.Equal(t, f.clock.Now().AddDate(0, 1, 0), sub.CurrentPeriodEnd)
}

func TestCreate_Duplicate(t *testing.T) {
	f := setupSubscriptions(t)

	sub := f.create(t, "starter")
	_, err := f.svc.Create(context.Background(), subscriptiondomain.CreateSubscriptionRequest{
		RestaurantID: sub.RestaurantID.String(),
		PlanCode:     "growth",
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionExists)
}

func TestCreate_Validation(t *testing.T) {
	f := setupSubscriptions(t)

	_, err := f.svc.Create(context.Background(), subscriptiondomain.CreateSubscriptionRequest{
		RestaurantID: "bogus",
		PlanCode:     "starter",
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidRestaurant)

	_, err = f.svc.Create(context.Background(), subscriptiondomain.CreateSubscriptionRequest{
		RestaurantID: f.node.Generate().String(),
		PlanCode:     "enterprise",
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidPlan)
}

func TestChangePlan_WritesProrationAdjustments(t *testing.T) {
	f := setupSubscriptions(t)

	sub := f.create(t, "starter")
	f.activate(t, sub.RestaurantID)

	// At period start the full base prices prorate 1:1.
	changed, err := f.svc.ChangePlan(context.Background(), subscriptiondomain.ChangePlanRequest{
		RestaurantID: sub.RestaurantID.String(),
		NewPlanCode:  "growth",
	})
	require.NoError(t, err)
	assert.Equal(t, f.growth.ID, changed.PlanID)

	adjustments, err := f.svc.PendingAdjustmentsFor(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Len(t, adjustments, 2)
	amounts := []int64{adjustments[0].Amount, adjustments[1].Amount}
	assert.ElementsMatch(t, []int64{-4900, 9900}, amounts)
}

func TestChangePlan_SamePlanIsNoop(t *testing.T) {
	f := setupSubscriptions(t)

	sub := f.create(t, "starter")
	f.activate(t, sub.RestaurantID)

	changed, err := f.svc.ChangePlan(context.Background(), subscriptiondomain.ChangePlanRequest{
		RestaurantID: sub.RestaurantID.String(),
		NewPlanCode:  "starter",
	})
	require.NoError(t, err)
	assert.Equal(t, f.starter.ID, changed.PlanID)

	adjustments, err := f.svc.PendingAdjustmentsFor(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Empty(t, adjustments)
}

func TestChangePlan_RequiresActive(t *testing.T) {
	f := setupSubscriptions(t)

	sub := f.create(t, "starter")
	_, err := f.svc.ChangePlan(context.Background(), subscriptiondomain.ChangePlanRequest{
		RestaurantID: sub.RestaurantID.String(),
		NewPlanCode:  "growth",
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidStatus)
}

func TestApplyPaymentResult_DunningEscalation(t *testing.T) {
	f := setupSubscriptions(t)

	sub := f.create(t, "starter")
	f.activate(t, sub.RestaurantID)

	fail := func() subscriptiondomain.Subscription {
		f.clock.Advance(time.Hour)
		out, err := f.svc.ApplyPaymentResult(context.Background(), subscriptiondomain.PaymentResult{
			RestaurantID: sub.RestaurantID,
			Success:      false,
			OccurredAt:   f.clock.Now(),
		})
		require.NoError(t, err)
		return out
	}

	first := fail()
	assert.Equal(t, subscriptiondomain.StatusPastDue, first.Status)
	assert.Equal(t, 1, first.FailedPaymentCount)

	second := fail()
	assert.Equal(t, subscriptiondomain.StatusPastDue, second.Status)

	third := fail()
	assert.Equal(t, subscriptiondomain.StatusCanceled, third.Status)
	require.NotNil(t, third.CanceledAt)
}

func TestApplyPaymentResult_SuccessClearsDunning(t *testing.T) {
	f := setupSubscriptions(t)

	sub := f.create(t, "starter")
	f.activate(t, sub.RestaurantID)

	f.clock.Advance(time.Hour)
	_, err := f.svc.ApplyPaymentResult(context.Background(), subscriptiondomain.PaymentResult{
		RestaurantID: sub.RestaurantID, Success: false, OccurredAt: f.clock.Now(),
	})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	recovered, err := f.svc.ApplyPaymentResult(context.Background(), subscriptiondomain.PaymentResult{
		RestaurantID: sub.RestaurantID, Success: true, OccurredAt: f.clock.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, recovered.Status)
	assert.Equal(t, 0, recovered.FailedPaymentCount)
}

func TestApplyPaymentResult_StaleEventRejected(t *testing.T) {
	f := setupSubscriptions(t)

	sub := f.create(t, "starter")
	f.activate(t, sub.RestaurantID)

	// An event older than the last applied one must not regress state.
	_, err := f.svc.ApplyPaymentResult(context.Background(), subscriptiondomain.PaymentResult{
		RestaurantID: sub.RestaurantID,
		Success:      false,
		OccurredAt:   f.clock.Now().Add(-time.Hour),
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrStalePaymentEvent)

	current, err := f.svc.GetByRestaurantID(context.Background(), sub.RestaurantID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, current.Status)
}

func TestApplyPaymentResult_CanceledIsTerminal(t *testing.T) {
	f := setupSubscriptions(t)

	sub := f.create(t, "starter")
	_, err := f.svc.Cancel(context.Background(), sub.RestaurantID)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.svc.ApplyPaymentResult(context.Background(), subscriptiondomain.PaymentResult{
		RestaurantID: sub.RestaurantID, Success: true, OccurredAt: f.clock.Now(),
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
}

func TestCancel_ActiveDefersToPeriodEnd(t *testing.T) {
	f := setupSubscriptions(t)

	sub := f.create(t, "starter")
	f.activate(t, sub.RestaurantID)

	canceled, err := f.svc.Cancel(context.Background(), sub.RestaurantID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, canceled.Status)
	assert.True(t, canceled.CancelAtPeriodEnd)
}

func TestCancel_TrialEndsImmediately(t *testing.T) {
	f := setupSubscriptions(t)

	sub := f.create(t, "starter")
	canceled, err := f.svc.Cancel(context.Background(), sub.RestaurantID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, canceled.Status)

	_, err = f.svc.Cancel(context.Background(), sub.RestaurantID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionCanceled)
}

func TestRollPeriod_AdvancesAndResetsCounters(t *testing.T) {
	f := setupSubscriptions(t)

	sub := f.create(t, "growth")
	f.activate(t, sub.RestaurantID)

	counter := subscriptiondomain.UsageCounter{
		ID:             f.node.Generate(),
		SubscriptionID: sub.ID,
		Feature:        plandomain.FeatureContentGeneration,
		Used:           42,
		PendingOverage: 7,
		UpdatedAt:      f.clock.Now(),
	}
	require.NoError(t, f.db.Create(&counter).Error)

	_, err := f.svc.RollPeriod(context.Background(), sub.ID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrPeriodNotElapsed)

	f.clock.Advance(32 * 24 * time.Hour)
	rolled, err := f.svc.RollPeriod(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.CurrentPeriodEnd, rolled.CurrentPeriodStart)
	assert.Equal(t, sub.CurrentPeriodEnd.AddDate(0, 1, 0), rolled.CurrentPeriodEnd)

	fresh, err := f.repo.FindCounter(context.Background(), f.db, sub.ID, plandomain.FeatureContentGeneration)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Equal(t, int64(0), fresh.Used)
	assert.Equal(t, int64(0), fresh.PendingOverage)
}

func TestRollPeriod_FinalizesPendingCancellation(t *testing.T) {
	f := setupSubscriptions(t)

	sub := f.create(t, "growth")
	f.activate(t, sub.RestaurantID)
	_, err := f.svc.Cancel(context.Background(), sub.RestaurantID)
	require.NoError(t, err)

	f.clock.Advance(32 * 24 * time.Hour)
	rolled, err := f.svc.RollPeriod(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, rolled.Status)
	assert.False(t, rolled.CancelAtPeriodEnd)
}

func TestListDueForRollover_SkipsCanceled(t *testing.T) {
	f := setupSubscriptions(t)

	active := f.create(t, "growth")
	f.activate(t, active.RestaurantID)
	dead := f.create(t, "growth")
	_, err := f.svc.Cancel(context.Background(), dead.RestaurantID)
	require.NoError(t, err)

	due, err := f.svc.ListDueForRollover(context.Background(), f.clock.Now().AddDate(0, 2, 0), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, active.ID, due[0].ID)
}

func TestCanTransition_CanceledIsTerminal(t *testing.T) {
	assert.True(t, subscriptiondomain.CanTransition(subscriptiondomain.StatusTrialing, subscriptiondomain.StatusActive))
	assert.True(t, subscriptiondomain.CanTransition(subscriptiondomain.StatusPastDue, subscriptiondomain.StatusActive))
	assert.False(t, subscriptiondomain.CanTransition(subscriptiondomain.StatusActive, subscriptiondomain.StatusActive))
	assert.False(t, subscriptiondomain.CanTransition(subscriptiondomain.StatusCanceled, subscriptiondomain.StatusActive))
	assert.False(t, subscriptiondomain.CanTransition(subscriptiondomain.StatusCanceled, subscriptiondomain.StatusTrialing))
	assert.False(t, subscriptiondomain.CanTransition(subscriptiondomain.StatusActive, subscriptiondomain.StatusTrialing))
}

func TestProrate_HalfPeriod(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)
	at := start.AddDate(0, 0, 15)

	credit, charge := prorate(4900, 9900, start, end, at)
	assert.Equal(t, int64(2450), credit)
	assert.Equal(t, int64(4950), charge)
}

func TestProrate_AnnualPeriodStaysExact(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 365)
	at := start.AddDate(0, 0, 73) // 1/5 of a 365-day period elapsed

	credit, charge := prorate(19900, 49900, start, end, at)
	assert.Equal(t, int64(19900*292/365), credit)
	assert.Equal(t, int64(49900*292/365), charge)
	assert.GreaterOrEqual(t, credit, int64(0))
	assert.GreaterOrEqual(t, charge, int64(0))
}

func TestProrate_ElapsedPeriodIsZero(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	credit, charge := prorate(4900, 9900, start, end, end.Add(time.Hour))
	assert.Zero(t, credit)
	assert.Zero(t, charge)
}
