package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	analyticsdomain "github.com/tablierhq/tablier/internal/analytics/domain"
	billingeventdomain "github.com/tablierhq/tablier/internal/billingevent/domain"
	"github.com/tablierhq/tablier/internal/clock"
	invoicedomain "github.com/tablierhq/tablier/internal/invoice/domain"
	subscriptiondomain "github.com/tablierhq/tablier/internal/subscription/domain"
	walletdomain "github.com/tablierhq/tablier/internal/wallet/domain"
	"go.uber.org/zap"
)

type fakeSubscriptions struct {
	subscriptiondomain.Service

	due    []subscriptiondomain.Subscription
	rolled []snowflake.ID
}

func (f *fakeSubscriptions) ListDueForRollover(ctx context.Context, asOf time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	due := f.due
	f.due = nil
	return due, nil
}

func (f *fakeSubscriptions) RollPeriod(ctx context.Context, subscriptionID snowflake.ID) (subscriptiondomain.Subscription, error) {
	f.rolled = append(f.rolled, subscriptionID)
	return subscriptiondomain.Subscription{ID: subscriptionID}, nil
}

type fakeInvoices struct {
	invoicedomain.Service

	generated []snowflake.ID
	finalized []snowflake.ID
	failFor   map[snowflake.ID]error
}

func (f *fakeInvoices) GenerateForPeriod(ctx context.Context, subscriptionID snowflake.ID) (invoicedomain.Invoice, error) {
	if err := f.failFor[subscriptionID]; err != nil {
		return invoicedomain.Invoice{}, err
	}
	f.generated = append(f.generated, subscriptionID)
	return invoicedomain.Invoice{ID: subscriptionID, Status: invoicedomain.StatusDraft}, nil
}

func (f *fakeInvoices) Finalize(ctx context.Context, invoiceID snowflake.ID) (invoicedomain.Invoice, error) {
	f.finalized = append(f.finalized, invoiceID)
	return invoicedomain.Invoice{ID: invoiceID, Status: invoicedomain.StatusOpen}, nil
}

type fakeBillingEvents struct {
	billingeventdomain.Service

	dispatches int
}

func (f *fakeBillingEvents) DispatchPending(ctx context.Context, limit int) (billingeventdomain.DispatchStats, error) {
	f.dispatches++
	return billingeventdomain.DispatchStats{}, nil
}

type fakeWallets struct {
	walletdomain.Service

	reconciles int
}

func (f *fakeWallets) ReconcileAll(ctx context.Context) ([]walletdomain.ReconcileResult, error) {
	f.reconciles++
	return nil, nil
}

type fakeAnalytics struct {
	analyticsdomain.Service

	computes int
}

func (f *fakeAnalytics) ComputeSnapshots(ctx context.Context, asOf time.Time) (int, error) {
	f.computes++
	return 1, nil
}

type fixture struct {
	sched     *Scheduler
	clock     *clock.FakeClock
	subs      *fakeSubscriptions
	invoices  *fakeInvoices
	events    *fakeBillingEvents
	wallets   *fakeWallets
	analytics *fakeAnalytics
}

func setup(t *testing.T, cfg Config) *fixture {
	t.Helper()

	f := &fixture{
		clock:     clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		subs:      &fakeSubscriptions{},
		invoices:  &fakeInvoices{failFor: map[snowflake.ID]error{}},
		events:    &fakeBillingEvents{},
		wallets:   &fakeWallets{},
		analytics: &fakeAnalytics{},
	}
	sched, err := New(Params{
		Log:             zap.NewNop(),
		Clock:           f.clock,
		SubscriptionSvc: f.subs,
		InvoiceSvc:      f.invoices,
		BillingEventSvc: f.events,
		WalletSvc:       f.wallets,
		AnalyticsSvc:    f.analytics,
		Config:          cfg,
	})
	require.NoError(t, err)
	f.sched = sched
	return f
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBillingRolloverJob_InvoicesThenRolls(t *testing.T) {
	f := setup(t, Config{FinalizeInvoices: true})
	subID := snowflake.ID(101)
	f.subs.due = []subscriptiondomain.Subscription{{ID: subID}}

	require.NoError(t, f.sched.BillingRolloverJob(context.Background()))

	assert.Equal(t, []snowflake.ID{subID}, f.invoices.generated)
	assert.Equal(t, []snowflake.ID{subID}, f.invoices.finalized)
	assert.Equal(t, []snowflake.ID{subID}, f.subs.rolled)
}

func TestBillingRolloverJob_SkipsFinalizeWhenDisabled(t *testing.T) {
	f := setup(t, Config{FinalizeInvoices: false})
	f.subs.due = []subscriptiondomain.Subscription{{ID: 101}}

	require.NoError(t, f.sched.BillingRolloverJob(context.Background()))
	assert.Empty(t, f.invoices.finalized)
	assert.Len(t, f.subs.rolled, 1)
}

func TestBillingRolloverJob_OneFailureDoesNotBlockOthers(t *testing.T) {
	f := setup(t, Config{})
	f.subs.due = []subscriptiondomain.Subscription{{ID: 101}, {ID: 102}}
	f.invoices.failFor[101] = errors.New("provider down")

	err := f.sched.BillingRolloverJob(context.Background())
	assert.Error(t, err)
	assert.Equal(t, []snowflake.ID{102}, f.subs.rolled)
}

func TestRevenueSnapshotsJob_DailyGate(t *testing.T) {
	f := setup(t, Config{SnapshotHour: 2})
	ctx := context.Background()

	// Before the configured hour nothing runs.
	f.clock = clock.NewFakeClock(time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC))
	f.sched.clock = f.clock
	require.NoError(t, f.sched.RevenueSnapshotsJob(ctx))
	assert.Equal(t, 0, f.analytics.computes)

	// After the hour it runs exactly once per day.
	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.sched.RevenueSnapshotsJob(ctx))
	require.NoError(t, f.sched.RevenueSnapshotsJob(ctx))
	assert.Equal(t, 1, f.analytics.computes)

	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.sched.RevenueSnapshotsJob(ctx))
	assert.Equal(t, 2, f.analytics.computes)
}

func TestRunOnce_RunsAllJobs(t *testing.T) {
	f := setup(t, Config{SnapshotHour: 0})

	require.NoError(t, f.sched.RunOnce(context.Background()))
	assert.Equal(t, 1, f.events.dispatches)
	assert.Equal(t, 1, f.wallets.reconciles)
	assert.Equal(t, 1, f.analytics.computes)
}

func TestRunOnce_RespectsEnabledJobs(t *testing.T) {
	f := setup(t, Config{EnabledJobs: []string{"dispatch_events"}})

	require.NoError(t, f.sched.RunOnce(context.Background()))
	assert.Equal(t, 1, f.events.dispatches)
	assert.Equal(t, 0, f.wallets.reconciles)
	assert.Equal(t, 0, f.analytics.computes)
}
