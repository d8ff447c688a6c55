package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/models"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/tier"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

// storeFixture 每个用例拿到独立的 ID 前缀，数据库实现可以在同一个库里反复运行
type storeFixture struct {
	s      Store
	prefix string
}

func (f storeFixture) id(name string) string { return f.prefix + name }

func (f storeFixture) user(t *testing.T, name string) string {
	t.Helper()
	id := f.id(name)
	_, err := f.s.CreateUser(context.Background(), models.User{
		ID:     id,
		Email:  id + "@example.com",
		Status: models.UserStatusActive,
	})
	require.NoError(t, err)
	return id
}

// runStoreContract 对任意 Store 实现执行同一组行为用例
func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	cases := []struct {
		name string
		run  func(t *testing.T, f storeFixture)
	}{
		{"GetDefaultsToBronze", testGetDefaultsToBronze},
		{"UpsertPartial", testUpsertPartial},
		{"UpsertRejectsInvalidValues", testUpsertRejectsInvalidValues},
		{"BillingCustomerIndex", testBillingCustomerIndex},
		{"ConcurrentUpserts", testConcurrentUpserts},
		{"Users", testUsers},
		{"WebhookEventDedup", testWebhookEventDedup},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.run(t, storeFixture{s: open(t), prefix: uuid.NewString()[:8] + "-"})
		})
	}
}

func testGetDefaultsToBronze(t *testing.T, f storeFixture) {
	ctx := context.Background()
	id := f.id("nobody")

	e, err := f.s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, e.UserID)
	assert.Equal(t, tier.Bronze, e.Tier)
	assert.Equal(t, models.StatusActive, e.Status)
	assert.Nil(t, e.BillingCustomerID)

	_, err = f.s.Get(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testUpsertPartial(t *testing.T, f storeFixture) {
	ctx := context.Background()
	uid := f.user(t, "u1")
	customer := f.id("cus_1")
	end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)

	_, err := f.s.Upsert(ctx, uid, models.EntitlementUpdate{
		Tier:              ptr(tier.Gold),
		Status:            ptr(models.StatusActive),
		BillingCustomerID: &customer,
		CurrentPeriodEnd:  &end,
	})
	require.NoError(t, err)

	// 只更新状态时保留原等级
	e, err := f.s.Upsert(ctx, uid, models.EntitlementUpdate{Status: ptr(models.StatusPastDue)})
	require.NoError(t, err)
	assert.Equal(t, tier.Gold, e.Tier)
	assert.Equal(t, models.StatusPastDue, e.Status)
	require.NotNil(t, e.BillingCustomerID)
	assert.Equal(t, customer, *e.BillingCustomerID)
	require.NotNil(t, e.CurrentPeriodEnd)
	assert.True(t, end.Equal(*e.CurrentPeriodEnd))
	assert.False(t, e.CancelAtPeriodEnd)

	e, err = f.s.Upsert(ctx, uid, models.EntitlementUpdate{Status: ptr(models.StatusCanceled), CancelAtPeriodEnd: ptr(true)})
	require.NoError(t, err)
	assert.Equal(t, tier.Gold, e.Tier)

	got, err := f.s.Get(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, tier.Gold, got.Tier)
	assert.Equal(t, models.StatusCanceled, got.Status)
	assert.True(t, got.CancelAtPeriodEnd)
}

func testUpsertRejectsInvalidValues(t *testing.T, f storeFixture) {
	ctx := context.Background()
	uid := f.user(t, "u1")

	_, err := f.s.Upsert(ctx, uid, models.EntitlementUpdate{Tier: ptr(tier.Tier(9))})
	assert.ErrorIs(t, err, tier.ErrUnknownTier)
	_, err = f.s.Upsert(ctx, uid, models.EntitlementUpdate{Status: ptr(models.Status("paused"))})
	assert.ErrorIs(t, err, models.ErrUnknownStatus)
}

func testBillingCustomerIndex(t *testing.T, f storeFixture) {
	ctx := context.Background()
	u1, u2 := f.user(t, "u1"), f.user(t, "u2")
	cus1, cus2 := f.id("cus_1"), f.id("cus_2")

	_, err := f.s.GetByBillingCustomerID(ctx, f.id("cus_missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.s.Upsert(ctx, u1, models.EntitlementUpdate{BillingCustomerID: &cus1})
	require.NoError(t, err)
	e, err := f.s.GetByBillingCustomerID(ctx, cus1)
	require.NoError(t, err)
	assert.Equal(t, u1, e.UserID)

	_, err = f.s.Upsert(ctx, u2, models.EntitlementUpdate{BillingCustomerID: &cus1})
	assert.ErrorIs(t, err, ErrConflict)

	// 同一用户换绑新客户后旧索引失效
	_, err = f.s.Upsert(ctx, u1, models.EntitlementUpdate{BillingCustomerID: &cus2})
	require.NoError(t, err)
	_, err = f.s.GetByBillingCustomerID(ctx, cus1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testConcurrentUpserts(t *testing.T, f storeFixture) {
	ctx := context.Background()
	uid := f.user(t, "u1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr := tier.Silver
			if i%2 == 0 {
				tr = tier.Gold
			}
			_, err := f.s.Upsert(ctx, uid, models.EntitlementUpdate{
				Tier:                  &tr,
				BillingSubscriptionID: ptr(fmt.Sprintf("sub_%d", i)),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	e, err := f.s.Get(ctx, uid)
	require.NoError(t, err)
	assert.True(t, e.Tier == tier.Silver || e.Tier == tier.Gold)
	require.NotNil(t, e.BillingSubscriptionID)
}

func testUsers(t *testing.T, f storeFixture) {
	ctx := context.Background()
	uid := f.id("u1")
	email := f.id("ana@example.com")

	u, err := f.s.CreateUser(ctx, models.User{ID: uid, Email: "ANA-" + email, Status: models.UserStatusActive})
	require.NoError(t, err)
	assert.Equal(t, "ana-"+email, u.Email)

	_, err = f.s.CreateUser(ctx, models.User{ID: f.id("u2"), Email: "ana-" + email, Status: models.UserStatusActive})
	assert.ErrorIs(t, err, ErrConflict)

	byEmail, err := f.s.GetUserByEmail(ctx, " ANA-"+email)
	require.NoError(t, err)
	assert.Equal(t, uid, byEmail.ID)

	googleID := f.id("g-1")
	require.NoError(t, f.s.LinkGoogleID(ctx, uid, googleID))
	byGoogle, err := f.s.GetUserByGoogleID(ctx, googleID)
	require.NoError(t, err)
	assert.Equal(t, uid, byGoogle.ID)

	assert.ErrorIs(t, f.s.LinkGoogleID(ctx, f.id("nope"), f.id("g-2")), ErrNotFound)
	_, err = f.s.GetUserByID(ctx, f.id("nope"))
	assert.ErrorIs(t, err, ErrNotFound)

	// 注册时创建 bronze/active 记录
	e, err := f.s.Get(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, tier.Bronze, e.Tier)
	assert.Equal(t, models.StatusActive, e.Status)
	assert.False(t, e.UpdatedAt.IsZero())
}

func testWebhookEventDedup(t *testing.T, f storeFixture) {
	ctx := context.Background()
	eventID := f.id("evt_1")
	ev := models.BillingWebhookEvent{
		Provider:        models.ProviderStripe,
		ProviderEventID: eventID,
		EventType:       "checkout.session.completed",
		PayloadJSON:     `{"id":"evt_1"}`,
	}

	created, stored, err := f.s.RecordWebhookEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, stored.ProcessedAt)

	require.NoError(t, f.s.MarkWebhookProcessed(ctx, models.ProviderStripe, eventID, "boom"))
	created, stored, err = f.s.RecordWebhookEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, stored.ProcessedAt)
	assert.Equal(t, "boom", stored.ProcessingError)

	require.NoError(t, f.s.MarkWebhookProcessed(ctx, models.ProviderStripe, eventID, ""))
	_, stored, err = f.s.RecordWebhookEvent(ctx, ev)
	require.NoError(t, err)
	assert.Empty(t, stored.ProcessingError)

	assert.ErrorIs(t, f.s.MarkWebhookProcessed(ctx, models.ProviderStripe, f.id("evt_missing"), ""), ErrNotFound)
}
