package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/uneseule/uneseule-backend/internal/apperr"
	"github.com/uneseule/uneseule-backend/internal/audit"
	"github.com/uneseule/uneseule-backend/internal/auth"
	"github.com/uneseule/uneseule-backend/internal/cache"
	"github.com/uneseule/uneseule-backend/internal/events"
	"github.com/uneseule/uneseule-backend/internal/models"
	"github.com/uneseule/uneseule-backend/internal/ratelimit"
	"github.com/uneseule/uneseule-backend/internal/repository"
	"github.com/uneseule/uneseule-backend/internal/voice"
)

// Token defaults
const (
	DefaultTokenTTL = 30 * time.Minute
	DefaultLockTTL  = 15 * time.Second
)

// IssuedToken is the result of IssueOrRenew
type IssuedToken struct {
	Token     *models.SessionToken
	Context   *models.SessionContext
	Renewed   bool
	RateLimit ratelimit.Decision
}

// TokenIssuer mints and renews upstream session tokens
type TokenIssuer struct {
	devices       repository.DeviceRepository
	tokens        repository.TokenRepository
	conversations repository.ConversationRepository
	children      repository.ChildRepository
	entitlements  repository.EntitlementRepository
	limiter       *ratelimit.Limiter
	locker        cache.Locker
	provider      voice.Provider
	contexts      *ContextBuilder
	audit         *audit.Service
	events        events.Publisher
	logger        *logrus.Logger
	ttl           time.Duration
	lockTTL       time.Duration
	now           func() time.Time
}

// tokenLockKey serializes issuance against unpair and deactivate for a pair
func tokenLockKey(deviceID, childID uuid.UUID) string {
	return "token:" + deviceID.String() + ":" + childID.String()
}

func lockPair(ctx context.Context, locker cache.Locker, deviceID, childID uuid.UUID, ttl time.Duration) (func(), error) {
	unlock, err := locker.Lock(ctx, tokenLockKey(deviceID, childID), ttl)
	if err != nil {
		if errors.Is(err, cache.ErrLockTimeout) {
			return nil, apperr.ErrTimeout.Wrap(err)
		}
		return nil, fmt.Errorf("acquire token lock: %w", err)
	}
	return unlock, nil
}

// IssueOrRenew returns a live token for the pair, extending an existing one
// or minting a new upstream session. Checks run in a fixed order and the
// first failure wins: pairing, activity, entitlement, quota.
func (s *TokenIssuer) IssueOrRenew(ctx context.Context, deviceID, childID uuid.UUID) (*IssuedToken, error) {
	device, err := s.devices.GetByID(ctx, deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.ErrUnknownDevice
	}
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	if !device.IsPairedWith(childID) {
		return nil, apperr.ErrNotPaired
	}
	if !device.IsActive {
		return nil, apperr.ErrDeviceDeactivated
	}

	ent, err := s.entitlement(ctx, childID)
	if err != nil {
		return nil, err
	}

	decision, err := s.limiter.Allow(ctx, deviceID.String(), ent.Tier)
	if err != nil {
		return nil, err
	}

	unlock, err := lockPair(ctx, s.locker, deviceID, childID, s.lockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// an unpair or deactivate may have finished while we waited
	device, err = s.devices.GetByID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("reload device: %w", err)
	}
	if !device.IsPairedWith(childID) {
		return nil, apperr.ErrNotPaired
	}
	if !device.IsActive {
		return nil, apperr.ErrDeviceDeactivated
	}

	now := s.now()
	existing, err := s.tokens.GetActive(ctx, deviceID, childID)
	switch {
	case err == nil && existing.IsLive(now):
		return s.renew(ctx, existing, decision, now)
	case err == nil:
		// lazily expire
		if err := s.tokens.MarkExpired(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("expire token: %w", err)
		}
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("load active token: %w", err)
	}

	return s.mint(ctx, device, childID, decision, now)
}

// entitlement resolves the subscription of the child's account
func (s *TokenIssuer) entitlement(ctx context.Context, childID uuid.UUID) (*models.Entitlement, error) {
	child, err := s.children.GetByID(ctx, childID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.ErrChildNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load child: %w", err)
	}

	ent, err := s.entitlements.GetForUser(ctx, child.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.ErrSubscriptionInactive
	}
	if err != nil {
		return nil, fmt.Errorf("load entitlement: %w", err)
	}
	if !ent.Allows(s.now()) {
		return nil, apperr.ErrSubscriptionInactive
	}
	return ent, nil
}

func (s *TokenIssuer) renew(ctx context.Context, token *models.SessionToken, decision ratelimit.Decision, now time.Time) (*IssuedToken, error) {
	expiresAt := token.ExtendedExpiry(now, s.ttl)
	if err := s.tokens.Extend(ctx, token.ID, expiresAt, now); err != nil {
		return nil, fmt.Errorf("extend token: %w", err)
	}
	token.ExpiresAt = expiresAt
	token.RenewedAt = &now

	sc, err := s.contexts.BuildContext(ctx, token.ChildID)
	if err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.NewEvent(audit.EventTokenRenew, &token.DeviceID, &token.ChildID).On("session", token.SessionRef))
	return &IssuedToken{Token: token, Context: sc, Renewed: true, RateLimit: decision}, nil
}

func (s *TokenIssuer) mint(ctx context.Context, device *models.Device, childID uuid.UUID, decision ratelimit.Decision, now time.Time) (*IssuedToken, error) {
	sc, err := s.contexts.BuildContext(ctx, childID)
	if err != nil {
		return nil, err
	}

	value, err := auth.GenerateSessionToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	session, err := s.provider.CreateUpstreamSession(ctx, voice.SessionRequest{
		DeviceID: device.ID,
		ChildID:  childID,
		Context:  sc,
		TTL:      s.ttl,
	})
	if err != nil {
		if _, ok := apperr.As(err); ok {
			return nil, err
		}
		return nil, apperr.ErrUpstreamUnavailable.Wrap(err)
	}

	// the previous record's derived state carries over so the next context
	// keeps the summary even before this session has turns
	rec := &models.ConversationRecord{
		ID:          uuid.New(),
		ChildID:     childID,
		DeviceID:    device.ID,
		SessionRef:  session.SessionRef,
		Summary:     sc.Summary,
		Topics:      sc.Topics,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if prev, err := s.conversations.Latest(ctx, childID); err == nil {
		rec.MoodLabel = prev.MoodLabel
		rec.MoodScore = prev.MoodScore
	}
	if err := s.conversations.Create(ctx, rec); err != nil {
		s.terminate(session.SessionRef)
		return nil, fmt.Errorf("create conversation record: %w", err)
	}

	token := &models.SessionToken{
		ID:         uuid.New(),
		Token:      value,
		DeviceID:   device.ID,
		ChildID:    childID,
		SessionRef: session.SessionRef,
		ConnectURL: session.ConnectURL,
		AccessKey:  session.AccessToken,
		State:      models.TokenActive,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.ttl),
	}
	err = s.tokens.Create(ctx, token)
	if errors.Is(err, repository.ErrConflict) {
		// another instance minted first; keep theirs
		s.terminate(session.SessionRef)
		existing, getErr := s.tokens.GetActive(ctx, device.ID, childID)
		if getErr != nil {
			return nil, fmt.Errorf("load concurrent token: %w", getErr)
		}
		return s.renew(ctx, existing, decision, now)
	}
	if err != nil {
		s.terminate(session.SessionRef)
		return nil, fmt.Errorf("create token: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"device_id":   device.ID,
		"child_id":    childID,
		"session_ref": session.SessionRef,
		"provider":    s.provider.Name(),
	}).Info("Issued voice session token")

	s.audit.Log(ctx, audit.NewEvent(audit.EventTokenIssue, &device.ID, &childID).On("session", session.SessionRef))
	s.publish(ctx, events.New(events.TypeTokenIssued, device.ID.String(), map[string]interface{}{
		"device_id":   device.ID,
		"child_id":    childID,
		"session_ref": session.SessionRef,
		"expires_at":  token.ExpiresAt,
	}))

	return &IssuedToken{Token: token, Context: sc, RateLimit: decision}, nil
}

// terminate ends an upstream session best-effort, detached from the request
func (s *TokenIssuer) terminate(sessionRef string) {
	terminateUpstream(s.provider, s.logger, sessionRef)
}

func (s *TokenIssuer) publish(ctx context.Context, ev events.Event) {
	publish(ctx, s.events, s.logger, ev)
}

func terminateUpstream(provider voice.Provider, logger *logrus.Logger, sessionRef string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := provider.TerminateUpstreamSession(ctx, sessionRef); err != nil {
		logger.WithError(err).WithField("session_ref", sessionRef).Warn("Failed to terminate upstream session")
	}
}

func publish(ctx context.Context, publisher events.Publisher, logger *logrus.Logger, ev events.Event) {
	if err := publisher.Publish(ctx, ev); err != nil {
		logger.WithError(err).WithField("event_type", ev.Type).Warn("Failed to publish event")
	}
}
