// Package livekit issues LiveKit room access tokens locally. The room name is
// the session reference.
package livekit

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/uneseule/uneseule-backend/internal/config"
	"github.com/uneseule/uneseule-backend/internal/voice"
)

// Name is the provider name used in config
const Name = "livekit"

// ErrNotConfigured is returned when the API key or secret is missing
var ErrNotConfigured = errors.New("livekit api key and secret must be set")

// VideoGrant is the LiveKit permission claim
type VideoGrant struct {
	RoomJoin   bool   `json:"roomJoin,omitempty"`
	RoomCreate bool   `json:"roomCreate,omitempty"`
	RoomAdmin  bool   `json:"roomAdmin,omitempty"`
	Room       string `json:"room,omitempty"`
}

// AccessClaims are the claims of a LiveKit access token
type AccessClaims struct {
	Name     string      `json:"name,omitempty"`
	Metadata string      `json:"metadata,omitempty"`
	Video    *VideoGrant `json:"video,omitempty"`
	jwt.RegisteredClaims
}

// Client is a LiveKit voice provider
type Client struct {
	apiKey    string
	apiSecret string
	url       string
	tokenTTL  time.Duration
	http      *http.Client
	now       func() time.Time
}

// New creates a client; httpClient may be nil
func New(cfg config.LiveKitConfig, httpClient *http.Client) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, ErrNotConfigured
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Client{
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		url:       cfg.URL,
		tokenTTL:  ttl,
		http:      httpClient,
		now:       time.Now,
	}, nil
}

func (c *Client) Name() string { return Name }

// RoomName builds a unique room for a device/child session
func RoomName(deviceID, childID string) string {
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("voice-%s-%s-%s", prefix(deviceID, 8), prefix(childID, 8), hex.EncodeToString(suffix))
}

func prefix(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}

// Token signs an access token for identity with the given grant
func (c *Client) Token(identity, name, metadata string, grant VideoGrant, ttl time.Duration) (string, error) {
	now := c.now()
	claims := AccessClaims{
		Name:     name,
		Metadata: metadata,
		Video:    &grant,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.apiKey,
			Subject:   identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.apiSecret))
}

// CreateUpstreamSession mints a room join token carrying the session context as metadata
func (c *Client) CreateUpstreamSession(ctx context.Context, req voice.SessionRequest) (*voice.Session, error) {
	room := RoomName(req.DeviceID.String(), req.ChildID.String())

	var metadata string
	var name string
	if req.Context != nil {
		raw, err := json.Marshal(req.Context)
		if err != nil {
			return nil, err
		}
		metadata = string(raw)
		name = req.Context.ChildName
	}

	ttl := c.tokenTTL
	if req.TTL > 0 && req.TTL < ttl {
		ttl = req.TTL
	}
	token, err := c.Token(req.DeviceID.String(), name, metadata, VideoGrant{RoomJoin: true, Room: room}, ttl)
	if err != nil {
		return nil, fmt.Errorf("sign livekit token: %w", err)
	}

	return &voice.Session{SessionRef: room, ConnectURL: c.url, AccessToken: token}, nil
}

// httpURL turns the wss:// client URL into the API base URL
func (c *Client) httpURL() string {
	u := strings.TrimRight(c.url, "/")
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	}
	return u
}

// TerminateUpstreamSession deletes the room through the RoomService API
func (c *Client) TerminateUpstreamSession(ctx context.Context, sessionRef string) error {
	token, err := c.Token("", "", "", VideoGrant{RoomCreate: true}, time.Minute)
	if err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]string{"room": sessionRef})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.httpURL()+"/twirp/livekit.RoomService/DeleteRoom", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("livekit delete room: %d - %s", resp.StatusCode, msg)
}
