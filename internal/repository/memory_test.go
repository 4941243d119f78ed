package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uneseule/uneseule-backend/internal/models"
)

var _ DeviceRepository = (*MemoryDeviceRepository)(nil)
var _ TokenRepository = (*MemoryTokenRepository)(nil)
var _ ConversationRepository = (*MemoryConversationRepository)(nil)
var _ ChildRepository = (*MemoryChildRepository)(nil)
var _ EntitlementRepository = (*MemoryEntitlementRepository)(nil)
var _ AuditRepository = (*MemoryAuditRepository)(nil)

func appendTurns(texts ...string) UpdateFunc {
	return func(rec *models.ConversationRecord) (*models.ConversationUpdate, error) {
		update := &models.ConversationUpdate{Summary: rec.Summary, Topics: rec.Topics}
		for _, text := range texts {
			update.Turns = append(update.Turns, models.Turn{Role: models.RoleChild, Text: text})
		}
		return update, nil
	}
}

func TestApplyDeliveryOutcomes(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	rec := &models.ConversationRecord{ID: uuid.New(), ChildID: uuid.New(), SessionRef: "S-1", CreatedAt: now, LastUpdated: now}
	require.NoError(t, stores.Conversations.Create(ctx, rec))

	delivery := models.WebhookDelivery{Provider: "elevenlabs", DeliveryID: "D-1", ReceivedAt: now}

	outcome, updated, err := stores.Conversations.ApplyDelivery(ctx, delivery, "S-1", appendTurns("hi", "hello"))
	require.NoError(t, err)
	assert.Equal(t, models.IngestApplied, outcome)
	assert.Equal(t, 2, updated.TurnCount)

	outcome, _, err = stores.Conversations.ApplyDelivery(ctx, delivery, "S-1", appendTurns("again"))
	require.NoError(t, err)
	assert.Equal(t, models.IngestDuplicate, outcome)

	outcome, _, err = stores.Conversations.ApplyDelivery(ctx,
		models.WebhookDelivery{Provider: "elevenlabs", DeliveryID: "D-2", ReceivedAt: now}, "S-404", appendTurns("x"))
	require.NoError(t, err)
	assert.Equal(t, models.IngestUnknownSession, outcome)

	got, err := stores.Conversations.GetBySessionRef(ctx, "S-1")
	require.NoError(t, err)
	require.Len(t, got.Turns, 2)
	assert.Equal(t, 0, got.Turns[0].Seq)
	assert.Equal(t, 1, got.Turns[1].Seq)
}

func TestApplyDeliveryFailureLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	now := time.Now().UTC()

	require.NoError(t, stores.Conversations.Create(ctx, &models.ConversationRecord{ID: uuid.New(), SessionRef: "S-1", CreatedAt: now, LastUpdated: now}))
	delivery := models.WebhookDelivery{Provider: "elevenlabs", DeliveryID: "D-1", ReceivedAt: now}

	boom := errors.New("summarizer down")
	_, _, err := stores.Conversations.ApplyDelivery(ctx, delivery, "S-1", func(*models.ConversationRecord) (*models.ConversationUpdate, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	// redelivery is processed
	outcome, rec, err := stores.Conversations.ApplyDelivery(ctx, delivery, "S-1", appendTurns("hi"))
	require.NoError(t, err)
	assert.Equal(t, models.IngestApplied, outcome)
	assert.Equal(t, 1, rec.TurnCount)
}

func TestApplyDeliverySessionsRunInParallel(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	now := time.Now().UTC()
	childID := uuid.New()

	for _, ref := range []string{"S-1", "S-2"} {
		require.NoError(t, stores.Conversations.Create(ctx, &models.ConversationRecord{ID: uuid.New(), ChildID: childID, SessionRef: ref, CreatedAt: now, LastUpdated: now}))
	}

	started := make(chan struct{}, 2)
	slow := func(rec *models.ConversationRecord) (*models.ConversationUpdate, error) {
		started <- struct{}{}
		time.Sleep(300 * time.Millisecond)
		return appendTurns("hi")(rec)
	}

	begin := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, ref := range []string{"S-1", "S-2"} {
		wg.Add(1)
		go func(i int, ref string) {
			defer wg.Done()
			delivery := models.WebhookDelivery{Provider: "elevenlabs", DeliveryID: "D-" + ref, ReceivedAt: now}
			_, _, errs[i] = stores.Conversations.ApplyDelivery(ctx, delivery, ref, slow)
		}(i, ref)
	}

	<-started
	readStart := time.Now()
	_, err := stores.Conversations.Latest(ctx, childID)
	require.NoError(t, err)
	assert.Less(t, time.Since(readStart), 100*time.Millisecond, "reads wait for a running update")

	wg.Wait()
	assert.Less(t, time.Since(begin), 550*time.Millisecond, "updates of different sessions ran one after the other")
	for i := range errs {
		require.NoError(t, errs[i])
	}
	for _, ref := range []string{"S-1", "S-2"} {
		rec, err := stores.Conversations.GetBySessionRef(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.TurnCount)
	}
}

func TestApplyDeliverySameSessionIsSerialized(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	now := time.Now().UTC()

	require.NoError(t, stores.Conversations.Create(ctx, &models.ConversationRecord{ID: uuid.New(), SessionRef: "S-1", CreatedAt: now, LastUpdated: now}))

	var wg sync.WaitGroup
	outcomes := make([]models.IngestOutcome, 6)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// three distinct deliveries, each sent twice
			delivery := models.WebhookDelivery{Provider: "elevenlabs", DeliveryID: "D-" + string(rune('a'+i%3)), ReceivedAt: now}
			outcomes[i], _, _ = stores.Conversations.ApplyDelivery(ctx, delivery, "S-1", func(rec *models.ConversationRecord) (*models.ConversationUpdate, error) {
				time.Sleep(10 * time.Millisecond)
				return appendTurns("turn")(rec)
			})
		}(i)
	}
	wg.Wait()

	counts := map[models.IngestOutcome]int{}
	for _, o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, map[models.IngestOutcome]int{models.IngestApplied: 3, models.IngestDuplicate: 3}, counts)

	rec, err := stores.Conversations.GetBySessionRef(ctx, "S-1")
	require.NoError(t, err)
	require.Len(t, rec.Turns, 3)
	for i, turn := range rec.Turns {
		assert.Equal(t, i, turn.Seq)
	}
}

func TestLatestWithTurnsSkipsEmptyRecords(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	child := uuid.New()
	t0 := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

	require.NoError(t, stores.Conversations.Create(ctx, &models.ConversationRecord{ID: uuid.New(), ChildID: child, SessionRef: "old", CreatedAt: t0, LastUpdated: t0}))
	_, _, err := stores.Conversations.ApplyDelivery(ctx,
		models.WebhookDelivery{Provider: "p", DeliveryID: "1", ReceivedAt: t0.Add(time.Minute)}, "old",
		appendTurns("a", "b", "c", "d"))
	require.NoError(t, err)

	later := t0.Add(time.Hour)
	require.NoError(t, stores.Conversations.Create(ctx, &models.ConversationRecord{ID: uuid.New(), ChildID: child, SessionRef: "new", CreatedAt: later, LastUpdated: later}))

	latest, err := stores.Conversations.Latest(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, "new", latest.SessionRef)

	withTurns, err := stores.Conversations.LatestWithTurns(ctx, child, 2)
	require.NoError(t, err)
	assert.Equal(t, "old", withTurns.SessionRef)
	require.Len(t, withTurns.Turns, 2)
	assert.Equal(t, "c", withTurns.Turns[0].Text)
	assert.Equal(t, "d", withTurns.Turns[1].Text)

	_, err = stores.Conversations.LatestWithTurns(ctx, uuid.New(), 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokenActiveUniqueness(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	device, child := uuid.New(), uuid.New()
	now := time.Now().UTC()

	first := &models.SessionToken{ID: uuid.New(), Token: "a", DeviceID: device, ChildID: child, State: models.TokenActive, IssuedAt: now, ExpiresAt: now.Add(time.Minute)}
	second := &models.SessionToken{ID: uuid.New(), Token: "b", DeviceID: device, ChildID: child, State: models.TokenActive, IssuedAt: now, ExpiresAt: now.Add(time.Minute)}

	require.NoError(t, stores.Tokens.Create(ctx, first))
	assert.ErrorIs(t, stores.Tokens.Create(ctx, second), ErrConflict)

	revoked, err := stores.Tokens.RevokeForDevice(ctx, device, now)
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	assert.Equal(t, models.TokenRevoked, revoked[0].State)

	require.NoError(t, stores.Tokens.Create(ctx, second))
}

func TestTokenExtendNeverShortens(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	now := time.Now().UTC()
	tok := &models.SessionToken{ID: uuid.New(), Token: "a", DeviceID: uuid.New(), ChildID: uuid.New(), State: models.TokenActive, IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, stores.Tokens.Create(ctx, tok))

	require.NoError(t, stores.Tokens.Extend(ctx, tok.ID, now.Add(time.Minute), now))

	got, err := stores.Tokens.GetActive(ctx, tok.DeviceID, tok.ChildID)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), got.ExpiresAt)
	require.NotNil(t, got.RenewedAt)
}

func TestDevicePairConflicts(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	now := time.Now().UTC()
	child := uuid.New()

	a := &models.Device{ID: uuid.New(), SerialNumber: "A", IsActive: true}
	b := &models.Device{ID: uuid.New(), SerialNumber: "B", IsActive: true}
	require.NoError(t, stores.Devices.Create(ctx, a))
	require.NoError(t, stores.Devices.Create(ctx, b))
	assert.ErrorIs(t, stores.Devices.Create(ctx, &models.Device{ID: uuid.New(), SerialNumber: "A"}), ErrConflict)

	require.NoError(t, stores.Devices.Pair(ctx, a.ID, child, now))
	assert.ErrorIs(t, stores.Devices.Pair(ctx, a.ID, uuid.New(), now), ErrConflict)
	assert.ErrorIs(t, stores.Devices.Pair(ctx, b.ID, child, now), ErrConflict)

	got, err := stores.Devices.GetByChild(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, "A", got.SerialNumber)

	require.NoError(t, stores.Devices.Unpair(ctx, a.ID, now))
	require.NoError(t, stores.Devices.Pair(ctx, b.ID, child, now))
}

func TestPaymentEventDeduplicated(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	user := uuid.New()
	event := models.PaymentEvent{Provider: "stripe", EventID: "evt_1", UserID: user, Tier: models.TierBasic, Status: models.StatusActive}

	applied, err := stores.Entitlements.ApplyPaymentEvent(ctx, event, time.Now())
	require.NoError(t, err)
	assert.True(t, applied)

	event.Tier = models.TierPremium
	applied, err = stores.Entitlements.ApplyPaymentEvent(ctx, event, time.Now())
	require.NoError(t, err)
	assert.False(t, applied)

	ent, err := stores.Entitlements.GetForUser(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, models.TierBasic, ent.Tier)
	assert.Equal(t, models.StatusActive, ent.Status)
}

func TestDeleteDeliveriesBefore(t *testing.T) {
	ctx := context.Background()
	stores := NewMemoryStores()
	old := time.Now().Add(-48 * time.Hour)

	_, _, err := stores.Conversations.ApplyDelivery(ctx, models.WebhookDelivery{Provider: "p", DeliveryID: "1", ReceivedAt: old}, "missing", appendTurns())
	require.NoError(t, err)

	n, err := stores.Conversations.DeleteDeliveriesBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
