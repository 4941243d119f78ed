package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uneseule/uneseule-backend/internal/api/middleware"
	"github.com/uneseule/uneseule-backend/internal/auth"
	"github.com/uneseule/uneseule-backend/internal/cache"
	"github.com/uneseule/uneseule-backend/internal/config"
	"github.com/uneseule/uneseule-backend/internal/events"
	"github.com/uneseule/uneseule-backend/internal/logging"
	"github.com/uneseule/uneseule-backend/internal/models"
	"github.com/uneseule/uneseule-backend/internal/repository"
	"github.com/uneseule/uneseule-backend/internal/services"
	"github.com/uneseule/uneseule-backend/internal/voice"
)

const voiceSecret = "wsec_voice"

type stubProvider struct {
	mu      sync.Mutex
	created int
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) CreateUpstreamSession(_ context.Context, _ voice.SessionRequest) (*voice.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created++
	return &voice.Session{SessionRef: fmt.Sprintf("conv_%d", p.created), ConnectURL: "wss://voice.test"}, nil
}

func (p *stubProvider) TerminateUpstreamSession(context.Context, string) error { return nil }

type testServer struct {
	t      *testing.T
	app    *fiber.App
	stores *repository.MemoryStores
	jwt    *auth.JWTService
}

func testConfig() *config.Config {
	return &config.Config{
		Security:  config.SecurityConfig{JWTSecret: "test-secret", JWTIssuer: "uneseule", SignatureWindow: 5 * time.Minute, NonceCache: true},
		RateLimit: config.RateLimitConfig{FreeDaily: 2, BasicDaily: 200, PremiumDaily: -1, GlobalPerMinute: 1000, RegisterPerHour: 100, WebhookPerMinute: 100},
		Token:     config.TokenConfig{TTL: 30 * time.Minute, LockTTL: 5 * time.Second},
		Voice:     config.VoiceConfig{Provider: "stub", Timeout: time.Second},
		Webhooks: config.WebhookConfig{
			VoiceProvider:   services.SourceElevenLabs,
			VoiceSecret:     voiceSecret,
			PaymentProvider: services.PaymentStripe,
			PaymentSecret:   "whsec_payment",
			Tolerance:       30 * time.Minute,
		},
		Context:    config.ContextConfig{RecentTurns: 10, MaxBytes: 4096},
		Summarizer: config.SummarizerConfig{Type: "heuristic", MaxChars: 1200},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()

	logger := logging.Discard()
	stores := repository.NewMemoryStores()
	mem := cache.NewMemory()
	t.Cleanup(mem.Close)
	sealer, err := auth.NewRandomSealer()
	require.NoError(t, err)
	hub := events.NewHub(16)

	svc, err := services.NewServices(services.Deps{
		Config: cfg,
		Repos: services.Repositories{
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
		Provider: voice.NewGuarded(&stubProvider{}, voice.NewBreaker(voice.DefaultBreakerConfig, logger, nil), cfg.Voice.Timeout),
		Events:   hub,
		Logger:   logger,
	})
	require.NoError(t, err)

	jwtService := auth.NewJWTService(cfg.Security.JWTSecret, cfg.Security.JWTIssuer)
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler(logger)})
	SetupRoutes(app, Deps{Config: cfg, Services: svc, JWT: jwtService, Hub: hub, Logger: logger})

	return &testServer{t: t, app: app, stores: stores, jwt: jwtService}
}

type response struct {
	status int
	header http.Header
	body   map[string]interface{}
}

func (s *testServer) do(method, path string, body []byte, headers map[string]string) response {
	s.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.app.Test(req, -1)
	require.NoError(s.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)
	out := response{status: resp.StatusCode, header: resp.Header, body: map[string]interface{}{}}
	if len(raw) > 0 {
		require.NoError(s.t, json.Unmarshal(raw, &out.body), string(raw))
	}
	return out
}

type device struct {
	serial string
	secret string
	id     string
}

func (s *testServer) register(serial string) device {
	s.t.Helper()
	body, _ := json.Marshal(map[string]string{"serial_number": serial, "device_type": "bear"})
	resp := s.do(http.MethodPost, "/api/v1/device/register", body, nil)
	require.Equal(s.t, http.StatusCreated, resp.status, resp.body)
	return device{serial: serial, secret: resp.body["device_secret"].(string), id: resp.body["device_id"].(string)}
}

// signed sends a device-signed request. Bodyless POSTs get a request id so
// repeated calls within one second are not taken for replays.
func (s *testServer) signed(method, path string, d device, body []byte) response {
	if body == nil && method == http.MethodPost {
		body = []byte(`{"request_id":"` + uuid.NewString() + `"}`)
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return s.do(method, path, body, map[string]string{
		auth.HeaderDeviceSerial:    d.serial,
		auth.HeaderDeviceTimestamp: ts,
		auth.HeaderDeviceSignature: auth.SignDevice(d.secret, d.serial, ts, body),
	})
}

func (s *testServer) addChild(tier models.Tier) *models.Child {
	child := &models.Child{ID: uuid.New(), UserID: uuid.New(), Name: "Mina", IsActive: true,
		BirthDate: time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)}
	s.stores.Children.Put(child)
	s.stores.Entitlements.Put(&models.Entitlement{UserID: child.UserID, Tier: tier, Status: models.StatusActive})
	return child
}

func (s *testServer) pair(d device, child *models.Child) {
	s.t.Helper()
	body, _ := json.Marshal(map[string]string{"child_id": child.ID.String()})
	resp := s.signed(http.MethodPost, "/api/v1/device/pair", d, body)
	require.Equal(s.t, http.StatusOK, resp.status, resp.body)
}

func (s *testServer) operatorToken(role string) string {
	token, err := s.jwt.GenerateOperatorToken(uuid.New(), "ops@uneseule.test", role)
	require.NoError(s.t, err)
	return "Bearer " + token
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, testConfig())
	resp := s.do(http.MethodGet, "/api/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "healthy", resp.body["status"])
}

func TestDeviceTokenFlow(t *testing.T) {
	s := newTestServer(t, testConfig())
	child := s.addChild(models.TierPremium)
	d := s.register("T-100")
	s.pair(d, child)

	first := s.signed(http.MethodPost, "/api/v1/device/token", d, nil)
	require.Equal(t, http.StatusOK, first.status, first.body)
	assert.Equal(t, true, first.body["success"])
	assert.Equal(t, false, first.body["renewed"])
	assert.Equal(t, "conv_1", first.body["session_ref"])
	assert.NotEmpty(t, first.body["token"])
	assert.Empty(t, first.header.Get("X-RateLimit-Limit"))

	second := s.signed(http.MethodPost, "/api/v1/device/token", d, nil)
	require.Equal(t, http.StatusOK, second.status)
	assert.Equal(t, true, second.body["renewed"])
	assert.Equal(t, first.body["token"], second.body["token"])

	health := s.signed(http.MethodGet, "/api/v1/device/health", d, nil)
	require.Equal(t, http.StatusOK, health.status)
	assert.Equal(t, child.ID.String(), health.body["child_id"])
}

func TestDeviceRequestErrors(t *testing.T) {
	s := newTestServer(t, testConfig())
	d := s.register("T-200")

	t.Run("missing headers", func(t *testing.T) {
		resp := s.do(http.MethodPost, "/api/v1/device/token", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.status)
		assert.Equal(t, "INVALID_SIGNATURE", resp.body["error_code"])
		assert.Equal(t, false, resp.body["success"])
	})

	t.Run("wrong secret", func(t *testing.T) {
		resp := s.signed(http.MethodPost, "/api/v1/device/token", device{serial: d.serial, secret: "nope"}, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.status)
		assert.Equal(t, "INVALID_SIGNATURE", resp.body["error_code"])
	})

	t.Run("stale timestamp", func(t *testing.T) {
		ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
		resp := s.do(http.MethodPost, "/api/v1/device/token", nil, map[string]string{
			auth.HeaderDeviceSerial:    d.serial,
			auth.HeaderDeviceTimestamp: ts,
			auth.HeaderDeviceSignature: auth.SignDevice(d.secret, d.serial, ts, nil),
		})
		assert.Equal(t, http.StatusUnauthorized, resp.status)
		assert.Equal(t, "STALE_REQUEST", resp.body["error_code"])
	})

	t.Run("unknown device", func(t *testing.T) {
		resp := s.signed(http.MethodPost, "/api/v1/device/token", device{serial: "T-999", secret: "x"}, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.status)
		assert.Equal(t, "UNKNOWN_DEVICE", resp.body["error_code"])
	})

	t.Run("not paired", func(t *testing.T) {
		resp := s.signed(http.MethodPost, "/api/v1/device/token", d, nil)
		assert.Equal(t, http.StatusConflict, resp.status)
		assert.Equal(t, "NOT_PAIRED", resp.body["error_code"])
	})

	t.Run("bad child id", func(t *testing.T) {
		resp := s.signed(http.MethodPost, "/api/v1/device/pair", d, []byte(`{"child_id":"nope"}`))
		assert.Equal(t, http.StatusBadRequest, resp.status)
		assert.Equal(t, "INVALID_REQUEST", resp.body["error_code"])
	})

	t.Run("duplicate serial", func(t *testing.T) {
		resp := s.do(http.MethodPost, "/api/v1/device/register", []byte(`{"serial_number":"T-200"}`), nil)
		assert.Equal(t, http.StatusConflict, resp.status)
		assert.Equal(t, "SERIAL_NUMBER_EXISTS", resp.body["error_code"])
	})
}

func TestRateLimitAdvertisesReset(t *testing.T) {
	s := newTestServer(t, testConfig())
	child := s.addChild(models.TierFree)
	d := s.register("T-300")
	s.pair(d, child)

	for i := 0; i < 2; i++ {
		resp := s.signed(http.MethodPost, "/api/v1/device/token", d, nil)
		require.Equal(t, http.StatusOK, resp.status, resp.body)
		assert.Equal(t, "2", resp.header.Get("X-RateLimit-Limit"))
	}

	denied := s.signed(http.MethodPost, "/api/v1/device/token", d, nil)
	assert.Equal(t, http.StatusTooManyRequests, denied.status)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", denied.body["error_code"])
	assert.NotEmpty(t, denied.header.Get(fiber.HeaderRetryAfter))

	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, float64(midnight.Unix()), denied.body["reset_at"])
}

func TestProvisioningKey(t *testing.T) {
	cfg := testConfig()
	hash, err := auth.HashProvisioningKey("factory-key")
	require.NoError(t, err)
	cfg.Security.ProvisioningKeyHash = hash
	s := newTestServer(t, cfg)

	body := []byte(`{"serial_number":"T-400"}`)
	resp := s.do(http.MethodPost, "/api/v1/device/register", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.status)

	resp = s.do(http.MethodPost, "/api/v1/device/register", body, map[string]string{middleware.HeaderProvisioningKey: "factory-key"})
	assert.Equal(t, http.StatusCreated, resp.status)
}

func TestVoiceWebhook(t *testing.T) {
	s := newTestServer(t, testConfig())
	child := s.addChild(models.TierPremium)
	d := s.register("T-500")
	s.pair(d, child)
	token := s.signed(http.MethodPost, "/api/v1/device/token", d, nil)
	require.Equal(t, http.StatusOK, token.status)

	webhook := func(conversationID string, eventTS int64) []byte {
		body, _ := json.Marshal(map[string]interface{}{
			"type":            "post_call_transcription",
			"event_timestamp": eventTS,
			"data": map[string]interface{}{
				"conversation_id": conversationID,
				"transcript": []map[string]interface{}{
					{"role": "user", "message": "I saw a big dog today.", "time_in_call_secs": 1},
					{"role": "agent", "message": "Wow, tell me more!", "time_in_call_secs": 3},
				},
			},
		})
		return body
	}
	send := func(body []byte, signature string) response {
		return s.do(http.MethodPost, "/api/v1/webhooks/voice", body, map[string]string{"ElevenLabs-Signature": signature})
	}
	sign := func(body []byte) string {
		return auth.SignTimestamped(voiceSecret, "v0", time.Now().Unix(), body)
	}

	body := webhook(token.body["session_ref"].(string), 1792065600)
	resp := send(body, sign(body))
	require.Equal(t, http.StatusOK, resp.status, resp.body)
	assert.Equal(t, string(models.IngestApplied), resp.body["outcome"])

	resp = send(body, sign(body))
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, string(models.IngestDuplicate), resp.body["outcome"])

	unknown := webhook("conv_missing", 1792065600)
	resp = send(unknown, sign(unknown))
	assert.Equal(t, http.StatusAccepted, resp.status)
	assert.Equal(t, string(models.IngestUnknownSession), resp.body["outcome"])

	resp = send(body, fmt.Sprintf("t=%d,v0=deadbeef", time.Now().Unix()))
	assert.Equal(t, http.StatusUnauthorized, resp.status)
	assert.Equal(t, "INVALID_SIGNATURE", resp.body["error_code"])

	garbage := []byte(`{"type":`)
	resp = send(garbage, sign(garbage))
	assert.Equal(t, http.StatusBadRequest, resp.status)
	assert.Equal(t, "MALFORMED_WEBHOOK", resp.body["error_code"])
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t, testConfig())
	child := s.addChild(models.TierPremium)
	d := s.register("T-600")
	s.pair(d, child)

	path := "/api/v1/admin/devices/" + d.id + "/deactivate"

	resp := s.do(http.MethodPost, path, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.status)

	resp = s.do(http.MethodPost, path, nil, map[string]string{fiber.HeaderAuthorization: s.operatorToken(models.RoleParent)})
	assert.Equal(t, http.StatusForbidden, resp.status)

	admin := map[string]string{fiber.HeaderAuthorization: s.operatorToken(models.RoleAdmin)}
	resp = s.do(http.MethodPost, path, nil, admin)
	require.Equal(t, http.StatusOK, resp.status, resp.body)

	token := s.signed(http.MethodPost, "/api/v1/device/token", d, nil)
	assert.Equal(t, http.StatusForbidden, token.status)
	assert.Equal(t, "DEVICE_DEACTIVATED", token.body["error_code"])

	resp = s.do(http.MethodPost, "/api/v1/admin/devices/"+d.id+"/reactivate", nil, admin)
	require.Equal(t, http.StatusOK, resp.status)

	resp = s.do(http.MethodGet, "/api/v1/admin/conversations/conv_404", nil, admin)
	assert.Equal(t, http.StatusNotFound, resp.status)
	assert.Equal(t, "NOT_FOUND", resp.body["error_code"])

	resp = s.do(http.MethodGet, "/api/v1/admin/audit?limit=10", nil, admin)
	require.Equal(t, http.StatusOK, resp.status)
	assert.GreaterOrEqual(t, resp.body["count"], float64(3))

	resp = s.do(http.MethodGet, "/api/v1/admin/devices/not-a-uuid/health", nil, admin)
	assert.Equal(t, http.StatusBadRequest, resp.status)
}

func TestEventStreamRequiresUpgrade(t *testing.T) {
	s := newTestServer(t, testConfig())
	resp := s.do(http.MethodGet, "/ws/events", nil, nil)
	assert.Equal(t, http.StatusUpgradeRequired, resp.status)
}
