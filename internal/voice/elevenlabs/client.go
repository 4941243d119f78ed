// Package elevenlabs talks to the ElevenLabs Conversational AI API. A session
// is a signed WebSocket URL; its conversation id is the session reference
// echoed back in post-call webhooks.
package elevenlabs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/uneseule/uneseule-backend/internal/config"
	"github.com/uneseule/uneseule-backend/internal/voice"
)

// Name is the provider name used in config and webhook routes
const Name = "elevenlabs"

// APIError is a non-2xx answer from the API
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("elevenlabs api error: %d - %s", e.StatusCode, e.Body)
}

// Client is an ElevenLabs voice provider
type Client struct {
	apiKey  string
	baseURL string
	agentID string
	http    *http.Client
}

// New creates a client; httpClient may be nil
func New(cfg config.ElevenLabsConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		agentID: cfg.AgentID,
		http:    httpClient,
	}
}

func (c *Client) Name() string { return Name }

type signedURLResponse struct {
	SignedURL      string `json:"signed_url"`
	ConversationID string `json:"conversation_id"`
}

// CreateUpstreamSession fetches a signed conversation URL
func (c *Client) CreateUpstreamSession(ctx context.Context, req voice.SessionRequest) (*voice.Session, error) {
	q := url.Values{}
	q.Set("agent_id", c.agentID)
	q.Set("include_conversation_id", "true")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/convai/conversation/get-signed-url?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out signedURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode signed url response: %w", err)
	}
	if out.SignedURL == "" || out.ConversationID == "" {
		return nil, fmt.Errorf("signed url response is missing signed_url or conversation_id")
	}

	return &voice.Session{SessionRef: out.ConversationID, ConnectURL: out.SignedURL}, nil
}

// TerminateUpstreamSession deletes the conversation
func (c *Client) TerminateUpstreamSession(ctx context.Context, sessionRef string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/convai/conversations/"+url.PathEscape(sessionRef), nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode/100 == 2 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
}
