package entitlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/storage/memory"
)

func TestClaimFlow_ListPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Ingest(ctx, checkout("evt_1", "buyer@example.com"))
	require.NoError(t, err)

	views, err := f.claims.ListPending(ctx, "BUYER@example.com")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "VideoRemix Pro", views[0].DisplayName)
	assert.Equal(t, "pro", views[0].Tier)
	assert.Equal(t, float64(100), views[0].Features["max_videos"])

	_, err = f.claims.ListPending(ctx, "")
	assert.Error(t, err)
}

func TestClaimFlow_Claim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	granted, err := f.engine.Ingest(ctx, checkout("evt_1", "buyer@example.com"))
	require.NoError(t, err)
	pendingID := granted.Pending.ID

	ok, err := f.claims.Claim(ctx, pendingID, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ent, err := f.store.GetUserEntitlement(ctx, "user-1", "pro-lifetime")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, ent.Status)
	assert.Equal(t, "pi_evt_1", ent.SourceTxnID)
	assert.Equal(t, pendingID, ent.Metadata["claimed_from"])

	p, err := f.store.GetPendingEntitlement(ctx, pendingID)
	require.NoError(t, err)
	assert.Equal(t, entitlement.PendingClaimed, p.Status)
	assert.Equal(t, "user-1", p.ClaimedBy)

	views, _ := f.claims.ListPending(ctx, "buyer@example.com")
	assert.Empty(t, views)

	t.Run("same user retry succeeds", func(t *testing.T) {
		ok, err := f.claims.Claim(ctx, pendingID, "user-1")
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("other user is rejected", func(t *testing.T) {
		ok, err := f.claims.Claim(ctx, pendingID, "user-2")
		assert.False(t, ok)
		assert.ErrorIs(t, err, entitlement.ErrAlreadyClaimed)

		_, err = f.store.GetUserEntitlement(ctx, "user-2", "pro-lifetime")
		assert.ErrorIs(t, err, entitlement.ErrEntitlementNotFound)
	})

	t.Run("unknown id", func(t *testing.T) {
		ok, err := f.claims.Claim(ctx, "nope", "user-1")
		assert.False(t, ok)
		assert.ErrorIs(t, err, entitlement.ErrPendingNotFound)
	})
}

func TestClaimFlow_ClaimAsOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	granted, err := f.engine.Ingest(ctx, checkout("evt_1", "buyer@example.com"))
	require.NoError(t, err)
	pendingID := granted.Pending.ID

	ok, err := f.claims.ClaimAsOwner(ctx, pendingID, "attacker", "attacker@example.com")
	assert.False(t, ok)
	assert.ErrorIs(t, err, entitlement.ErrEmailMismatch)

	ok, err = f.claims.ClaimAsOwner(ctx, pendingID, "attacker", "")
	assert.False(t, ok)
	assert.ErrorIs(t, err, entitlement.ErrEmailMismatch)

	_, err = f.store.GetUserEntitlement(ctx, "attacker", "pro-lifetime")
	assert.ErrorIs(t, err, entitlement.ErrEntitlementNotFound)

	ok, err = f.claims.ClaimAsOwner(ctx, pendingID, "user-1", " Buyer@Example.com ")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaimFlow_KeepsPurchaseTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bought := f.now.Add(-72 * time.Hour)
	ev := checkout("evt_1", "buyer@example.com")
	ev.OccurredAt = bought
	granted, err := f.engine.Ingest(ctx, ev)
	require.NoError(t, err)

	f.now = f.now.Add(48 * time.Hour)
	ok, err := f.claims.Claim(ctx, granted.Pending.ID, "user-1")
	require.NoError(t, err)
	require.True(t, ok)

	ent, err := f.store.GetUserEntitlement(ctx, "user-1", "pro-lifetime")
	require.NoError(t, err)
	assert.True(t, ent.StartedAt.Equal(bought), "started_at %s", ent.StartedAt)
	assert.True(t, ent.UpdatedAt.Equal(f.now))
}

func TestClaimFlow_KeepsLaterExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	later := f.now.Add(60 * 24 * time.Hour)
	require.NoError(t, f.store.UpsertUserEntitlement(ctx, &entitlement.UserEntitlement{
		UserID: "user-1", ProductSKU: "monthly", Status: entitlement.StatusActive,
		StartedAt: f.now.Add(-time.Hour), ExpiresAt: &later,
	}))

	sooner := f.now.Add(30 * 24 * time.Hour)
	granted, err := f.engine.Ingest(ctx, entitlement.NormalizedPaymentEvent{
		Provider: entitlement.ProviderStripe, ProviderEventID: "evt_1", ProviderOrderID: "sub_2",
		PurchaserEmail: "other@example.com", ProductRef: "price_monthly",
		Status: entitlement.EventPaid, PeriodEnd: &sooner,
	})
	require.NoError(t, err)

	ok, err := f.claims.Claim(ctx, granted.Pending.ID, "user-1")
	require.NoError(t, err)
	require.True(t, ok)

	ent, _ := f.store.GetUserEntitlement(ctx, "user-1", "monthly")
	require.NotNil(t, ent.ExpiresAt)
	assert.True(t, ent.ExpiresAt.Equal(later))
}

func TestClaimFlow_ClaimAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Ingest(ctx, checkout("evt_1", "buyer@example.com"))
	require.NoError(t, err)
	sub := checkout("evt_2", "buyer@example.com")
	sub.ProductRef = "price_monthly"
	_, err = f.engine.Ingest(ctx, sub)
	require.NoError(t, err)

	outcomes, err := f.claims.ClaimAll(ctx, "user-1", "buyer@example.com")
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.True(t, o.Claimed, o.SKU)
	}

	ents, _ := f.store.ListUserEntitlements(ctx, "user-1")
	assert.Len(t, ents, 2)
}

// failingClaimStorage fails ClaimPendingEntitlement with a transient error.
type failingClaimStorage struct {
	*memory.Storage
}

func (s *failingClaimStorage) ClaimPendingEntitlement(ctx context.Context, pendingID, userID string, ent *entitlement.UserEntitlement, at time.Time) error {
	return errors.New("deadlock detected")
}

func TestClaimFlow_TransientFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	granted, err := f.engine.Ingest(ctx, checkout("evt_1", "buyer@example.com"))
	require.NoError(t, err)

	claims, err := entitlement.NewClaimFlow(&failingClaimStorage{Storage: f.store}, entitlement.Config{})
	require.NoError(t, err)

	ok, err := claims.Claim(ctx, granted.Pending.ID, "user-1")
	assert.False(t, ok)
	assert.ErrorIs(t, err, entitlement.ErrClaimFailed)
	assert.NotErrorIs(t, err, entitlement.ErrAlreadyClaimed)

	p, _ := f.store.GetPendingEntitlement(ctx, granted.Pending.ID)
	assert.Equal(t, entitlement.PendingOpen, p.Status)
}
