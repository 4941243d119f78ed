package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uneseule/uneseule-backend/internal/auth"
	"github.com/uneseule/uneseule-backend/internal/cache"
	"github.com/uneseule/uneseule-backend/internal/config"
	"github.com/uneseule/uneseule-backend/internal/events"
	"github.com/uneseule/uneseule-backend/internal/logging"
	"github.com/uneseule/uneseule-backend/internal/models"
	"github.com/uneseule/uneseule-backend/internal/repository"
	"github.com/uneseule/uneseule-backend/internal/voice"
)

const (
	voiceSecret   = "wsec_voice"
	paymentSecret = "whsec_payment"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeProvider struct {
	mu         sync.Mutex
	created    int
	terminated []string
	err        error
	delay      time.Duration
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) CreateUpstreamSession(ctx context.Context, req voice.SessionRequest) (*voice.Session, error) {
	p.mu.Lock()
	err, delay := p.err, p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.created++
	return &voice.Session{
		SessionRef:  fmt.Sprintf("conv_%d", p.created),
		ConnectURL:  "wss://voice.test/convai",
		AccessToken: "upstream-" + strconv.Itoa(p.created),
	}, nil
}

func (p *fakeProvider) TerminateUpstreamSession(ctx context.Context, sessionRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = append(p.terminated, sessionRef)
	return nil
}

func (p *fakeProvider) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

func testConfig() *config.Config {
	return &config.Config{
		Security:  config.SecurityConfig{SignatureWindow: 5 * time.Minute, NonceCache: true},
		RateLimit: config.RateLimitConfig{FreeDaily: 50, BasicDaily: 200, PremiumDaily: -1, GlobalPerMinute: 1000},
		Token:     config.TokenConfig{TTL: 30 * time.Minute, LockTTL: 5 * time.Second},
		Voice:     config.VoiceConfig{Timeout: time.Second},
		Webhooks: config.WebhookConfig{
			VoiceProvider:   SourceElevenLabs,
			VoiceSecret:     voiceSecret,
			PaymentProvider: PaymentStripe,
			PaymentSecret:   paymentSecret,
			Tolerance:       30 * time.Minute,
			Retention:       7 * 24 * time.Hour,
		},
		Context:    config.ContextConfig{RecentTurns: 10, MaxBytes: 4096},
		Summarizer: config.SummarizerConfig{Type: "heuristic", MaxChars: 1200},
	}
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	clock    *clock
	stores   *repository.MemoryStores
	cache    *cache.Memory
	provider *fakeProvider
	hub      *events.Hub
	svc      *Services
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, testConfig(), &fakeProvider{})
}

func newFixtureWith(t *testing.T, cfg *config.Config, provider voice.Provider) *fixture {
	t.Helper()

	clk := &clock{now: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)}
	stores := repository.NewMemoryStores()
	mem := cache.NewMemoryWithClock(clk.Now)
	sealer, err := auth.NewRandomSealer()
	require.NoError(t, err)
	hub := events.NewHub(256)

	svc, err := NewServices(Deps{
		Config: cfg,
		Repos: Repositories{
			Devices:       stores.Devices,
			Tokens:        stores.Tokens,
			Conversations: stores.Conversations,
			Children:      stores.Children,
			Entitlements:  stores.Entitlements,
			Audit:         stores.Audit,
		},
		Counters: mem,
		Locker:   mem,
		Nonces:   mem,
		Sealer:   sealer,
		Provider: voice.NewGuarded(provider, voice.NewBreaker(voice.DefaultBreakerConfig, logging.Discard(), clk.Now), cfg.Voice.Timeout),
		Events:   hub,
		Logger:   logging.Discard(),
		Now:      clk.Now,
	})
	require.NoError(t, err)

	f := &fixture{t: t, ctx: context.Background(), clock: clk, stores: stores, cache: mem, hub: hub, svc: svc}
	if fp, ok := provider.(*fakeProvider); ok {
		f.provider = fp
	}
	return f
}

// addChild stores a child whose account has the given entitlement; a zero
// status leaves the account without a subscription
func (f *fixture) addChild(name string, tier models.Tier, status models.SubscriptionStatus) *models.Child {
	child := &models.Child{
		ID:                uuid.New(),
		UserID:            uuid.New(),
		Name:              name,
		BirthDate:         time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC),
		PersonalityTraits: []string{"curious", "shy"},
		IsActive:          true,
	}
	f.stores.Children.Put(child)
	if status != "" {
		f.stores.Entitlements.Put(&models.Entitlement{UserID: child.UserID, Tier: tier, Status: status})
	}
	return child
}

func (f *fixture) register(serial string) *Registration {
	reg, err := f.svc.Devices.Register(f.ctx, RegisterRequest{SerialNumber: serial, DeviceType: "bear"})
	require.NoError(f.t, err)
	return reg
}

func (f *fixture) pairedDevice(serial string, child *models.Child) *models.Device {
	reg := f.register(serial)
	device, err := f.svc.Devices.Pair(f.ctx, reg.Device, child.ID)
	require.NoError(f.t, err)
	return device
}

func (f *fixture) signed(reg *Registration, body []byte) auth.SignedRequest {
	ts := strconv.FormatInt(f.clock.Now().Unix(), 10)
	return auth.SignedRequest{
		Serial:    reg.Device.SerialNumber,
		Timestamp: ts,
		Signature: auth.SignDevice(reg.Secret, reg.Device.SerialNumber, ts, body),
		Body:      body,
	}
}

type transcriptTurn struct {
	Role    string `json:"role"`
	Message string `json:"message"`
	Secs    int    `json:"time_in_call_secs"`
}

// elevenLabsBody builds a post-call webhook; the event timestamp
// distinguishes deliveries of the same conversation
func elevenLabsBody(conversationID string, eventTS int64, turns ...transcriptTurn) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"type":            "post_call_transcription",
		"event_timestamp": eventTS,
		"data": map[string]interface{}{
			"conversation_id": conversationID,
			"transcript":      turns,
		},
	})
	return body
}

func (f *fixture) ingest(body []byte) (*IngestResult, error) {
	header := auth.SignTimestamped(voiceSecret, "v0", time.Now().Unix(), body)
	return f.svc.Webhooks.Ingest(f.ctx, header, body)
}
