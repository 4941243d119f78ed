package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uneseule/uneseule-backend/internal/apperr"
	"github.com/uneseule/uneseule-backend/internal/audit"
	"github.com/uneseule/uneseule-backend/internal/auth"
	"github.com/uneseule/uneseule-backend/internal/cache"
	"github.com/uneseule/uneseule-backend/internal/config"
	"github.com/uneseule/uneseule-backend/internal/events"
	"github.com/uneseule/uneseule-backend/internal/models"
	"github.com/uneseule/uneseule-backend/internal/ratelimit"
	"github.com/uneseule/uneseule-backend/internal/repository"
	"github.com/uneseule/uneseule-backend/internal/summary"
	"github.com/uneseule/uneseule-backend/internal/voice"
)

// Repositories are the storage collaborators of the services
type Repositories struct {
	Devices       repository.DeviceRepository
	Tokens        repository.TokenRepository
	Conversations repository.ConversationRepository
	Children      repository.ChildRepository
	Entitlements  repository.EntitlementRepository
	Audit         repository.AuditRepository
}

// Deps is everything NewServices wires together
type Deps struct {
	Config     *config.Config
	Repos      Repositories
	Counters   cache.CounterStore
	Locker     cache.Locker
	Nonces     cache.NonceStore // nil disables replay detection
	Sealer     *auth.Sealer
	Provider   voice.Provider
	Summarizer summary.Summarizer
	Events     events.Publisher
	Logger     *logrus.Logger
	Now        func() time.Time
}

// Services holds all service instances
type Services struct {
	Devices  *DeviceService
	Tokens   *TokenIssuer
	Contexts *ContextBuilder
	Webhooks *WebhookIngestor
	Payments *PaymentIngestor
	Reaper   *Reaper
	Audit    *audit.Service
	Limiter  *ratelimit.Limiter

	conversations repository.ConversationRepository
}

// NewServices creates all service instances
func NewServices(d Deps) (*Services, error) {
	cfg := d.Config
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Events == nil {
		d.Events = events.Noop{}
	}
	if d.Summarizer == nil {
		d.Summarizer = summary.NewHeuristic(cfg.Summarizer.MaxChars)
	}

	ttl := cfg.Token.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	lockTTL := cfg.Token.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}

	voiceSource, err := NewVoiceSource(cfg.Webhooks.VoiceProvider, cfg.Webhooks.VoiceSecret, cfg.Webhooks.Tolerance)
	if err != nil {
		return nil, err
	}
	paymentSource, err := NewPaymentSource(cfg.Webhooks.PaymentProvider, cfg.Webhooks.PaymentSecret, cfg.Webhooks.Tolerance)
	if err != nil {
		return nil, err
	}

	auditService := audit.NewService(d.Repos.Audit, d.Logger)
	limiter := ratelimit.New(d.Counters, cfg.RateLimit, d.Now)
	contexts := NewContextBuilder(d.Repos.Children, d.Repos.Conversations, cfg.Context, d.Now)

	return &Services{
		Devices: &DeviceService{
			devices:  d.Repos.Devices,
			tokens:   d.Repos.Tokens,
			children: d.Repos.Children,
			verifier: auth.NewDeviceVerifier(cfg.Security.SignatureWindow, d.Nonces, d.Now),
			sealer:   d.Sealer,
			provider: d.Provider,
			locker:   d.Locker,
			lockTTL:  lockTTL,
			audit:    auditService,
			events:   d.Events,
			logger:   d.Logger,
			now:      d.Now,
		},
		Tokens: &TokenIssuer{
			devices:       d.Repos.Devices,
			tokens:        d.Repos.Tokens,
			conversations: d.Repos.Conversations,
			children:      d.Repos.Children,
			entitlements:  d.Repos.Entitlements,
			limiter:       limiter,
			locker:        d.Locker,
			provider:      d.Provider,
			contexts:      contexts,
			audit:         auditService,
			events:        d.Events,
			logger:        d.Logger,
			ttl:           ttl,
			lockTTL:       lockTTL,
			now:           d.Now,
		},
		Contexts: contexts,
		Webhooks: &WebhookIngestor{
			source:        voiceSource,
			conversations: d.Repos.Conversations,
			locker:        d.Locker,
			summarizer:    d.Summarizer,
			audit:         auditService,
			events:        d.Events,
			logger:        d.Logger,
			lockTTL:       lockTTL,
			topicLimit:    summary.DefaultTopicLimit,
			now:           d.Now,
		},
		Payments: &PaymentIngestor{
			source:       paymentSource,
			entitlements: d.Repos.Entitlements,
			audit:        auditService,
			logger:       d.Logger,
			now:          d.Now,
		},
		Reaper: &Reaper{
			tokens:        d.Repos.Tokens,
			conversations: d.Repos.Conversations,
			retention:     cfg.Webhooks.Retention,
			logger:        d.Logger,
			now:           d.Now,
		},
		Audit:         auditService,
		Limiter:       limiter,
		conversations: d.Repos.Conversations,
	}, nil
}

// Conversation returns a conversation record with its full transcript
func (s *Services) Conversation(ctx context.Context, sessionRef string) (*models.ConversationRecord, error) {
	rec, err := s.conversations.GetBySessionRef(ctx, sessionRef)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.ErrNotFound.WithMessage("conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return rec, nil
}
