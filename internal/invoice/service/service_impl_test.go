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
	invoicedomain "github.com/tablierhq/tablier/internal/invoice/domain"
	plandomain "github.com/tablierhq/tablier/internal/plan/domain"
	planservice "github.com/tablierhq/tablier/internal/plan/service"
	"github.com/tablierhq/tablier/internal/providers/payment"
	subscriptiondomain "github.com/tablierhq/tablier/internal/subscription/domain"
	subscriptionrepository "github.com/tablierhq/tablier/internal/subscription/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	node    *snowflake.Node
	clock   *clock.FakeClock
	subs    subscriptiondomain.Repository
	gateway *payment.FakeGateway
	svc     invoicedomain.Service

	plan         plandomain.Plan
	restaurantID snowflake.ID
	subscription subscriptiondomain.Subscription
}

func setup(t *testing.T) *fixture {
	t.Helper()

	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(
		&plandomain.Plan{},
		&plandomain.PlanFeatureQuota{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.UsageCounter{},
		&subscriptiondomain.PendingAdjustment{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	plan := plandomain.Plan{
		ID:        node.Generate(),
		Code:      "growth",
		Version:   1,
		Name:      "Growth",
		BasePrice: 9900,
		Currency:  "usd",
		Active:    true,
	}
	plan.Quotas = []plandomain.PlanFeatureQuota{{
		ID:               node.Generate(),
		PlanID:           plan.ID,
		Feature:          plandomain.FeatureSocialPosts,
		IncludedQuantity: 10,
		OverageAllowed:   true,
		OverageUnitPrice: 25,
	}}
	require.NoError(t, gormDB.Create(&plan).Error)

	plans := planservice.NewService(planservice.ServiceParam{DB: gormDB, Log: zap.NewNop()})
	loader, ok := plans.(interface{ LoadCatalog(context.Context) error })
	require.True(t, ok)
	require.NoError(t, loader.LoadCatalog(context.Background()))

	subs := subscriptionrepository.Provide()
	restaurantID := node.Generate()
	subscription := subscriptiondomain.Subscription{
		ID:                 node.Generate(),
		RestaurantID:       restaurantID,
		PlanID:             plan.ID,
		Status:             subscriptiondomain.StatusActive,
		CurrentPeriodStart: fakeClock.Now(),
		CurrentPeriodEnd:   fakeClock.Now().AddDate(0, 1, 0),
		Version:            1,
		CreatedAt:          fakeClock.Now(),
		UpdatedAt:          fakeClock.Now(),
	}
	require.NoError(t, gormDB.Create(&subscription).Error)

	gateway := payment.NewFakeGateway()
	svc := NewService(ServiceParam{
		DB:            gormDB,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         fakeClock,
		Plans:         plans,
		Subscriptions: subs,
		Gateway:       gateway,
	})

	return &fixture{
		db:           gormDB,
		node:         node,
		clock:        fakeClock,
		subs:         subs,
		gateway:      gateway,
		svc:          svc,
		plan:         plan,
		restaurantID: restaurantID,
		subscription: subscription,
	}
}

func lineSum(invoice invoicedomain.Invoice) int64 {
	var sum int64
	for _, line := range invoice.Lines {
		sum += line.Amount
	}
	return sum
}

func TestGenerateForPeriod_BaseOnly(t *testing.T) {
	f := setup(t)

	invoice, err := f.svc.GenerateForPeriod(context.Background(), f.subscription.ID)
	require.NoError(t, err)

	assert.Equal(t, invoicedomain.StatusDraft, invoice.Status)
	assert.Equal(t, int64(9900), invoice.AmountDue)
	require.Len(t, invoice.Lines, 1)
	assert.Equal(t, invoicedomain.LineBase, invoice.Lines[0].Type)
	assert.Equal(t, invoice.AmountDue, lineSum(invoice))
}

func TestGenerateForPeriod_OverageAndAdjustments(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.db.Create(&subscriptiondomain.UsageCounter{
		ID:             f.node.Generate(),
		SubscriptionID: f.subscription.ID,
		Feature:        plandomain.FeatureSocialPosts,
		Used:           14,
		PendingOverage: 4,
	}).Error)
	require.NoError(t, f.db.Create(&subscriptiondomain.PendingAdjustment{
		ID:             f.node.Generate(),
		SubscriptionID: f.subscription.ID,
		Description:    "Unused time on Starter",
		Amount:         -1200,
	}).Error)
	require.NoError(t, f.db.Create(&subscriptiondomain.PendingAdjustment{
		ID:             f.node.Generate(),
		SubscriptionID: f.subscription.ID,
		Description:    "Remaining time on Growth",
		Amount:         2400,
	}).Error)

	invoice, err := f.svc.GenerateForPeriod(ctx, f.subscription.ID)
	require.NoError(t, err)

	// 9900 base + 4*25 overage - 1200 credit + 2400 charge
	assert.Equal(t, int64(9900+100-1200+2400), invoice.AmountDue)
	assert.Equal(t, invoice.AmountDue, lineSum(invoice))
	assert.Len(t, invoice.Lines, 4)

	// Adjustments feed exactly one invoice.
	open, err := f.subs.ListOpenAdjustments(ctx, f.db, f.subscription.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestGenerateForPeriod_Idempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.svc.GenerateForPeriod(ctx, f.subscription.ID)
	require.NoError(t, err)
	second, err := f.svc.GenerateForPeriod(ctx, f.subscription.ID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestFinalize_SubmitsChargeOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	invoice, err := f.svc.GenerateForPeriod(ctx, f.subscription.ID)
	require.NoError(t, err)

	finalized, err := f.svc.Finalize(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusOpen, finalized.Status)
	assert.NotEmpty(t, finalized.ProviderRef)
	require.Len(t, f.gateway.Charges(), 1)
	assert.Equal(t, invoice.AmountDue, f.gateway.Charges()[0].Amount)

	_, err = f.svc.Finalize(ctx, invoice.ID)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidInvoiceStatus)
	assert.Len(t, f.gateway.Charges(), 1)
}

func TestFinalize_ProviderFailureKeepsDraft(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	invoice, err := f.svc.GenerateForPeriod(ctx, f.subscription.ID)
	require.NoError(t, err)

	f.gateway.FailNext = 1
	_, err = f.svc.Finalize(ctx, invoice.ID)
	assert.ErrorIs(t, err, payment.ErrProviderUnavailable)

	stored, err := f.svc.GetByID(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusDraft, stored.Status)
}

func TestMarkPaidAndVoid(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	invoice, err := f.svc.GenerateForPeriod(ctx, f.subscription.ID)
	require.NoError(t, err)

	// Paid requires OPEN.
	_, err = f.svc.MarkPaid(ctx, invoice.ID)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidInvoiceStatus)

	_, err = f.svc.Finalize(ctx, invoice.ID)
	require.NoError(t, err)

	paid, err := f.svc.MarkPaid(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)

	// Re-marking paid is a no-op.
	again, err := f.svc.MarkPaid(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusPaid, again.Status)

	_, err = f.svc.MarkVoid(ctx, invoice.ID)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidInvoiceStatus)
}

func TestMarkVoid_RefundsOpenInvoice(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	invoice, err := f.svc.GenerateForPeriod(ctx, f.subscription.ID)
	require.NoError(t, err)
	finalized, err := f.svc.Finalize(ctx, invoice.ID)
	require.NoError(t, err)

	voided, err := f.svc.MarkVoid(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusVoid, voided.Status)

	refunds := f.gateway.Refunds()
	require.Len(t, refunds, 1)
	assert.Equal(t, finalized.ProviderRef, refunds[0].ProviderRef)
	assert.Equal(t, invoice.AmountDue, refunds[0].Amount)
}

func TestMarkVoid_DraftSkipsRefund(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	invoice, err := f.svc.GenerateForPeriod(ctx, f.subscription.ID)
	require.NoError(t, err)

	voided, err := f.svc.MarkVoid(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusVoid, voided.Status)
	assert.Empty(t, f.gateway.Refunds())
}
