package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uneseule/uneseule-backend/internal/models"
)

// MemoryStores bundles in-process implementations of every repository.
// They back the test suites and single-node development runs.
type MemoryStores struct {
	Devices       *MemoryDeviceRepository
	Tokens        *MemoryTokenRepository
	Conversations *MemoryConversationRepository
	Children      *MemoryChildRepository
	Entitlements  *MemoryEntitlementRepository
	Audit         *MemoryAuditRepository
}

// NewMemoryStores creates empty in-memory repositories
func NewMemoryStores() *MemoryStores {
	deliveries := &deliveryLog{seen: make(map[deliveryKey]time.Time)}
	return &MemoryStores{
		Devices:       &MemoryDeviceRepository{byID: make(map[uuid.UUID]*models.Device)},
		Tokens:        &MemoryTokenRepository{byID: make(map[uuid.UUID]*models.SessionToken)},
		Conversations: &MemoryConversationRepository{bySession: make(map[string]*models.ConversationRecord), deliveries: deliveries, inflight: make(map[string]chan struct{})},
		Children:      &MemoryChildRepository{byID: make(map[uuid.UUID]*models.Child)},
		Entitlements:  &MemoryEntitlementRepository{byUser: make(map[uuid.UUID]*models.Entitlement), deliveries: deliveries},
		Audit:         &MemoryAuditRepository{},
	}
}

type deliveryKey struct {
	provider string
	id       string
}

// deliveryLog is shared by conversation and payment ingestion; its lock is
// always taken after the owning repository's lock
type deliveryLog struct {
	mu   sync.Mutex
	seen map[deliveryKey]time.Time
}

// MemoryDeviceRepository is an in-memory DeviceRepository
type MemoryDeviceRepository struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*models.Device
}

func (r *MemoryDeviceRepository) Create(ctx context.Context, device *models.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.byID {
		if d.SerialNumber == device.SerialNumber {
			return ErrConflict
		}
	}
	cp := *device
	r.byID[device.ID] = &cp
	return nil
}

func (r *MemoryDeviceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *MemoryDeviceRepository) GetBySerial(ctx context.Context, serial string) (*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.byID {
		if d.SerialNumber == serial {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryDeviceRepository) GetByChild(ctx context.Context, childID uuid.UUID) (*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d := r.activeForChild(childID, uuid.Nil); d != nil {
		cp := *d
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (r *MemoryDeviceRepository) activeForChild(childID, except uuid.UUID) *models.Device {
	for _, d := range r.byID {
		if d.ID != except && d.IsActive && d.IsPairedWith(childID) {
			return d
		}
	}
	return nil
}

func (r *MemoryDeviceRepository) Pair(ctx context.Context, deviceID, childID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[deviceID]
	if !ok {
		return ErrNotFound
	}
	if d.IsPaired() || r.activeForChild(childID, deviceID) != nil {
		return ErrConflict
	}
	child := childID
	paired := at
	d.ChildID = &child
	d.PairedAt = &paired
	d.UpdatedAt = at
	return nil
}

func (r *MemoryDeviceRepository) Unpair(ctx context.Context, deviceID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.ChildID = nil
	d.PairedAt = nil
	d.UpdatedAt = at
	return nil
}

func (r *MemoryDeviceRepository) SetActive(ctx context.Context, deviceID uuid.UUID, active bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[deviceID]
	if !ok {
		return ErrNotFound
	}
	if active && d.ChildID != nil && r.activeForChild(*d.ChildID, deviceID) != nil {
		return ErrConflict
	}
	d.IsActive = active
	d.UpdatedAt = at
	return nil
}

func (r *MemoryDeviceRepository) TouchLastSeen(ctx context.Context, deviceID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[deviceID]
	if !ok {
		return ErrNotFound
	}
	seen := at
	d.LastSeen = &seen
	return nil
}

func (r *MemoryDeviceRepository) UpdateStatus(ctx context.Context, deviceID uuid.UUID, status models.DeviceStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[deviceID]
	if !ok {
		return ErrNotFound
	}
	if status.BatteryLevel != nil {
		level := *status.BatteryLevel
		d.BatteryLevel = &level
	}
	if status.ConnectionState != "" {
		d.ConnectionState = status.ConnectionState
	}
	if status.FirmwareVersion != "" {
		d.FirmwareVersion = status.FirmwareVersion
	}
	seen := at
	d.LastSeen = &seen
	d.UpdatedAt = at
	return nil
}

// MemoryTokenRepository is an in-memory TokenRepository
type MemoryTokenRepository struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*models.SessionToken
}

func (r *MemoryTokenRepository) GetActive(ctx context.Context, deviceID, childID uuid.UUID) (*models.SessionToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t := r.active(deviceID, childID); t != nil {
		cp := *t
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (r *MemoryTokenRepository) active(deviceID, childID uuid.UUID) *models.SessionToken {
	for _, t := range r.byID {
		if t.State == models.TokenActive && t.DeviceID == deviceID && t.ChildID == childID {
			return t
		}
	}
	return nil
}

func (r *MemoryTokenRepository) Create(ctx context.Context, token *models.SessionToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if token.State == models.TokenActive && r.active(token.DeviceID, token.ChildID) != nil {
		return ErrConflict
	}
	for _, t := range r.byID {
		if t.Token == token.Token {
			return ErrConflict
		}
	}
	cp := *token
	r.byID[token.ID] = &cp
	return nil
}

func (r *MemoryTokenRepository) Extend(ctx context.Context, id uuid.UUID, expiresAt, renewedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[id]
	if !ok || t.State != models.TokenActive {
		return ErrNotFound
	}
	if expiresAt.After(t.ExpiresAt) {
		t.ExpiresAt = expiresAt
	}
	renewed := renewedAt
	t.RenewedAt = &renewed
	return nil
}

func (r *MemoryTokenRepository) MarkExpired(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	if t.State == models.TokenActive {
		t.State = models.TokenExpired
	}
	return nil
}

func (r *MemoryTokenRepository) RevokeForDevice(ctx context.Context, deviceID uuid.UUID, at time.Time) ([]*models.SessionToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var revoked []*models.SessionToken
	for _, t := range r.byID {
		if t.DeviceID == deviceID && t.State == models.TokenActive {
			ts := at
			t.State = models.TokenRevoked
			t.RevokedAt = &ts
			cp := *t
			revoked = append(revoked, &cp)
		}
	}
	return revoked, nil
}

func (r *MemoryTokenRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, t := range r.byID {
		if t.State == models.TokenActive && !now.Before(t.ExpiresAt) {
			t.State = models.TokenExpired
			n++
		}
	}
	return n, nil
}

// All returns every stored token; used by tests
func (r *MemoryTokenRepository) All() []models.SessionToken {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.SessionToken, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, *t)
	}
	return out
}

// MemoryConversationRepository is an in-memory ConversationRepository
type MemoryConversationRepository struct {
	mu         sync.Mutex
	bySession  map[string]*models.ConversationRecord
	deliveries *deliveryLog
	// applies in flight by session ref and by delivery; closed when settled
	inflight map[string]chan struct{}
}

func cloneRecord(rec *models.ConversationRecord) *models.ConversationRecord {
	cp := *rec
	cp.Topics = append([]string(nil), rec.Topics...)
	cp.Turns = append([]models.Turn(nil), rec.Turns...)
	return &cp
}

func (r *MemoryConversationRepository) Create(ctx context.Context, rec *models.ConversationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bySession[rec.SessionRef]; ok {
		return ErrConflict
	}
	r.bySession[rec.SessionRef] = cloneRecord(rec)
	return nil
}

func (r *MemoryConversationRepository) GetBySessionRef(ctx context.Context, sessionRef string) (*models.ConversationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.bySession[sessionRef]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// latest picks the most recently updated record matching keep; ties go to the
// newer record
func (r *MemoryConversationRepository) latest(childID uuid.UUID, keep func(*models.ConversationRecord) bool) *models.ConversationRecord {
	var best *models.ConversationRecord
	for _, rec := range r.bySession {
		if rec.ChildID != childID || !keep(rec) {
			continue
		}
		if best == nil ||
			rec.LastUpdated.After(best.LastUpdated) ||
			(rec.LastUpdated.Equal(best.LastUpdated) && rec.CreatedAt.After(best.CreatedAt)) {
			best = rec
		}
	}
	return best
}

func (r *MemoryConversationRepository) Latest(ctx context.Context, childID uuid.UUID) (*models.ConversationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.latest(childID, func(*models.ConversationRecord) bool { return true })
	if rec == nil {
		return nil, ErrNotFound
	}
	out := cloneRecord(rec)
	out.Turns = nil
	return out, nil
}

func (r *MemoryConversationRepository) LatestWithTurns(ctx context.Context, childID uuid.UUID, limit int) (*models.ConversationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.latest(childID, func(rec *models.ConversationRecord) bool { return rec.TurnCount > 0 })
	if rec == nil {
		return nil, ErrNotFound
	}
	out := cloneRecord(rec)
	if limit > 0 && len(out.Turns) > limit {
		out.Turns = out.Turns[len(out.Turns)-limit:]
	}
	return out, nil
}

// ApplyDelivery runs fn without holding the store lock. Applies to the same
// session or of the same delivery wait for each other.
func (r *MemoryConversationRepository) ApplyDelivery(ctx context.Context, delivery models.WebhookDelivery, sessionRef string, fn UpdateFunc) (models.IngestOutcome, *models.ConversationRecord, error) {
	key := deliveryKey{provider: delivery.Provider, id: delivery.DeliveryID}
	sessionSlot := "session:" + sessionRef
	deliverySlot := "delivery:" + delivery.Provider + ":" + delivery.DeliveryID

	r.mu.Lock()
	for {
		wait, ok := r.inflight[sessionSlot]
		if !ok {
			wait, ok = r.inflight[deliverySlot]
		}
		if !ok {
			break
		}
		r.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
		r.mu.Lock()
	}

	r.deliveries.mu.Lock()
	_, seen := r.deliveries.seen[key]
	rec, known := r.bySession[sessionRef]
	if !seen && !known {
		r.deliveries.seen[key] = delivery.ReceivedAt
	}
	r.deliveries.mu.Unlock()
	switch {
	case seen:
		r.mu.Unlock()
		return models.IngestDuplicate, nil, nil
	case !known:
		r.mu.Unlock()
		return models.IngestUnknownSession, nil, nil
	}

	done := make(chan struct{})
	r.inflight[sessionSlot] = done
	r.inflight[deliverySlot] = done
	work := cloneRecord(rec)
	r.mu.Unlock()

	update, err := fn(work)
	if err == nil {
		err = ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, sessionSlot)
	delete(r.inflight, deliverySlot)
	close(done)
	if err != nil {
		return "", nil, err
	}

	r.deliveries.mu.Lock()
	defer r.deliveries.mu.Unlock()

	for i, turn := range update.Turns {
		turn.Seq = rec.TurnCount + i
		rec.Turns = append(rec.Turns, turn)
	}
	rec.TurnCount += len(update.Turns)
	rec.Summary = update.Summary
	rec.Topics = append([]string(nil), update.Topics...)
	rec.MoodLabel = update.MoodLabel
	rec.MoodScore = update.MoodScore
	rec.LastUpdated = delivery.ReceivedAt

	r.deliveries.seen[key] = delivery.ReceivedAt
	return models.IngestApplied, cloneRecord(rec), nil
}

func (r *MemoryConversationRepository) DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.deliveries.mu.Lock()
	defer r.deliveries.mu.Unlock()

	var n int64
	for key, at := range r.deliveries.seen {
		if at.Before(cutoff) {
			delete(r.deliveries.seen, key)
			n++
		}
	}
	return n, nil
}

// MemoryChildRepository is an in-memory ChildRepository
type MemoryChildRepository struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*models.Child
}

// Put stores a child profile
func (r *MemoryChildRepository) Put(child *models.Child) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *child
	r.byID[child.ID] = &cp
}

func (r *MemoryChildRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Child, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	cp.PersonalityTraits = append([]string(nil), c.PersonalityTraits...)
	return &cp, nil
}

// MemoryEntitlementRepository is an in-memory EntitlementRepository
type MemoryEntitlementRepository struct {
	mu         sync.RWMutex
	byUser     map[uuid.UUID]*models.Entitlement
	deliveries *deliveryLog
}

// Put stores an entitlement
func (r *MemoryEntitlementRepository) Put(ent *models.Entitlement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ent
	r.byUser[ent.UserID] = &cp
}

func (r *MemoryEntitlementRepository) GetForUser(ctx context.Context, userID uuid.UUID) (*models.Entitlement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *MemoryEntitlementRepository) ApplyPaymentEvent(ctx context.Context, event models.PaymentEvent, receivedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries.mu.Lock()
	defer r.deliveries.mu.Unlock()

	key := deliveryKey{provider: event.Provider, id: event.EventID}
	if _, ok := r.deliveries.seen[key]; ok {
		return false, nil
	}

	ent, ok := r.byUser[event.UserID]
	if !ok {
		ent = &models.Entitlement{UserID: event.UserID, Tier: models.TierFree}
		r.byUser[event.UserID] = ent
	}
	if models.ValidTier(event.Tier) {
		ent.Tier = event.Tier
	}
	if event.Status != "" {
		ent.Status = event.Status
	}
	if event.ExpiresAt != nil {
		exp := *event.ExpiresAt
		ent.ExpiresAt = &exp
	}

	r.deliveries.seen[key] = receivedAt
	return true, nil
}

// MemoryAuditRepository is an in-memory AuditRepository
type MemoryAuditRepository struct {
	mu      sync.Mutex
	entries []*models.AuditLog
}

func (r *MemoryAuditRepository) Log(ctx context.Context, entry *models.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *entry
	r.entries = append(r.entries, &cp)
	return nil
}

func (r *MemoryAuditRepository) Recent(ctx context.Context, limit int) ([]*models.AuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.AuditLog, len(r.entries))
	copy(out, r.entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
