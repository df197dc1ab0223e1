package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	billingeventdomain "github.com/tablierhq/tablier/internal/billingevent/domain"
	"github.com/tablierhq/tablier/internal/clock"
	"github.com/tablierhq/tablier/internal/config"
	plandomain "github.com/tablierhq/tablier/internal/plan/domain"
	planservice "github.com/tablierhq/tablier/internal/plan/service"
	subscriptiondomain "github.com/tablierhq/tablier/internal/subscription/domain"
	subscriptionrepository "github.com/tablierhq/tablier/internal/subscription/repository"
	subscriptionservice "github.com/tablierhq/tablier/internal/subscription/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

type fixture struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	svc   billingeventdomain.Service

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
		&billingeventdomain.ProviderEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	plan := plandomain.Plan{
		ID:        node.Generate(),
		Code:      "starter",
		Version:   1,
		Name:      "Starter",
		BasePrice: 4900,
		Currency:  "usd",
		Active:    true,
	}
	require.NoError(t, gormDB.Create(&plan).Error)

	plans := planservice.NewService(planservice.ServiceParam{DB: gormDB, Log: zap.NewNop()})
	loader, ok := plans.(interface{ LoadCatalog(context.Context) error })
	require.True(t, ok)
	require.NoError(t, loader.LoadCatalog(context.Background()))

	cfg := config.Config{
		WebhookSigningSecret:  testSecret,
		DunningMaxRetries:     3,
		ConcurrencyMaxRetries: 3,
	}
	subs := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:      gormDB,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fakeClock,
		Repo:    subscriptionrepository.Provide(),
		PlanSvc: plans,
		Cfg:     cfg,
	})

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

	svc := NewService(ServiceParam{
		DB:            gormDB,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         fakeClock,
		Config:        cfg,
		Subscriptions: subs,
	})

	return &fixture{
		db:           gormDB,
		node:         node,
		clock:        fakeClock,
		svc:          svc,
		restaurantID: restaurantID,
		subscription: subscription,
	}
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (f *fixture) eventBody(t *testing.T, id, eventType string, occurredAt time.Time) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":            id,
		"type":          eventType,
		"restaurant_id": f.restaurantID.String(),
		"occurred_at":   occurredAt.Format(time.RFC3339),
		"data":          map[string]interface{}{"invoice_ref": "inv_123"},
	})
	require.NoError(t, err)
	return body
}

func (f *fixture) ingest(t *testing.T, id, eventType string, occurredAt time.Time) billingeventdomain.ProviderEvent {
	t.Helper()
	body := f.eventBody(t, id, eventType, occurredAt)
	event, err := f.svc.Ingest(context.Background(), body, sign(body))
	require.NoError(t, err)
	return event
}

func (f *fixture) subStatus(t *testing.T) subscriptiondomain.Status {
	t.Helper()
	var sub subscriptiondomain.Subscription
	require.NoError(t, f.db.Where("id = ?", f.subscription.ID).First(&sub).Error)
	return sub.Status
}

func TestIngest_PersistsAndDeduplicates(t *testing.T) {
	f := setup(t)

	event := f.ingest(t, "evt_1", billingeventdomain.TypePaymentSucceeded, f.clock.Now())
	assert.Equal(t, billingeventdomain.StatusReceived, event.Status)

	// Redelivery returns the stored row, no second insert.
	replay := f.ingest(t, "evt_1", billingeventdomain.TypePaymentSucceeded, f.clock.Now())
	assert.Equal(t, event.ID, replay.ID)

	var count int64
	require.NoError(t, f.db.Model(&billingeventdomain.ProviderEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestIngest_RejectsBadSignature(t *testing.T) {
	f := setup(t)
	body := f.eventBody(t, "evt_1", billingeventdomain.TypePaymentSucceeded, f.clock.Now())

	_, err := f.svc.Ingest(context.Background(), body, "sha256=deadbeef")
	assert.ErrorIs(t, err, billingeventdomain.ErrInvalidSignature)

	tampered := append([]byte{}, body...)
	tampered[len(tampered)-2] = 'x'
	_, err = f.svc.Ingest(context.Background(), tampered, sign(body))
	assert.ErrorIs(t, err, billingeventdomain.ErrInvalidSignature)
}

func TestIngest_RejectsUnknownType(t *testing.T) {
	f := setup(t)
	body := f.eventBody(t, "evt_1", "account_deleted", f.clock.Now())

	_, err := f.svc.Ingest(context.Background(), body, sign(body))
	assert.ErrorIs(t, err, billingeventdomain.ErrUnknownEventType)
}

func TestDispatch_AppliesPaymentFailureDunning(t *testing.T) {
	f := setup(t)
	base := f.clock.Now()

	f.ingest(t, "evt_1", billingeventdomain.TypePaymentFailed, base.Add(1*time.Minute))
	f.ingest(t, "evt_2", billingeventdomain.TypePaymentFailed, base.Add(2*time.Minute))
	f.ingest(t, "evt_3", billingeventdomain.TypePaymentFailed, base.Add(3*time.Minute))

	stats, err := f.svc.DispatchPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Processed)

	// Three consecutive failures exhaust the dunning budget.
	assert.Equal(t, subscriptiondomain.StatusCanceled, f.subStatus(t))
}

func TestDispatch_DiscardsStaleEvent(t *testing.T) {
	f := setup(t)
	base := f.clock.Now()

	// The newer success is dispatched first; the older failure arrives late.
	f.ingest(t, "evt_new", billingeventdomain.TypePaymentSucceeded, base.Add(10*time.Minute))
	stats, err := f.svc.DispatchPending(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Processed)

	f.ingest(t, "evt_old", billingeventdomain.TypePaymentFailed, base.Add(5*time.Minute))
	stats, err = f.svc.DispatchPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Discarded)

	assert.Equal(t, subscriptiondomain.StatusActive, f.subStatus(t))

	var event billingeventdomain.ProviderEvent
	require.NoError(t, f.db.Where("provider_event_id = ?", "evt_old").First(&event).Error)
	assert.Equal(t, billingeventdomain.StatusDiscarded, event.Status)
}

func TestDispatch_NeverResurrectsCanceled(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.db.Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", f.subscription.ID).
		Update("status", subscriptiondomain.StatusCanceled).Error)

	f.ingest(t, "evt_1", billingeventdomain.TypePaymentSucceeded, f.clock.Now().Add(time.Minute))
	stats, err := f.svc.DispatchPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Discarded)

	assert.Equal(t, subscriptiondomain.StatusCanceled, f.subStatus(t))
}

func TestDispatch_ReprocessingIsIdempotent(t *testing.T) {
	f := setup(t)

	f.ingest(t, "evt_1", billingeventdomain.TypePaymentSucceeded, f.clock.Now().Add(time.Minute))

	stats, err := f.svc.DispatchPending(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Processed)

	// A second pass finds nothing pending.
	stats, err = f.svc.DispatchPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, billingeventdomain.DispatchStats{}, stats)
}
