package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/uneseule/uneseule-backend/internal/audit"
	"github.com/uneseule/uneseule-backend/internal/auth"
	"github.com/uneseule/uneseule-backend/internal/models"
	"github.com/uneseule/uneseule-backend/internal/repository"
)

// Payment webhook source names
const (
	PaymentStripe = "stripe"
	PaymentToss   = "toss"
)

// PaymentSource verifies and parses one payment provider's events. Parse
// returns a nil event for event types that do not touch subscriptions.
type PaymentSource interface {
	Name() string
	Scheme() auth.SignatureScheme
	Parse(body []byte) (*models.PaymentEvent, error)
}

// NewPaymentSource returns the source for a provider name
func NewPaymentSource(name, secret string, tolerance time.Duration) (PaymentSource, error) {
	switch name {
	case PaymentStripe:
		return &stripeSource{scheme: auth.NewStripeScheme(secret, tolerance)}, nil
	case PaymentToss:
		return &tossSource{scheme: auth.NewTossScheme(secret)}, nil
	}
	return nil, fmt.Errorf("unknown payment webhook provider %q", name)
}

func parseUserAndTier(userID, tier string) (uuid.UUID, models.Tier, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return uuid.Nil, "", malformed("user id %q is not a uuid", userID)
	}
	t := models.Tier(strings.ToLower(tier))
	if !models.ValidTier(t) {
		return uuid.Nil, "", malformed("unknown tier %q", tier)
	}
	return uid, t, nil
}

type stripeSource struct {
	scheme auth.SignatureScheme
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			Status           string            `json:"status"`
			CurrentPeriodEnd int64             `json:"current_period_end"`
			Metadata         map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

func (s *stripeSource) Name() string                 { return PaymentStripe }
func (s *stripeSource) Scheme() auth.SignatureScheme { return s.scheme }

func (s *stripeSource) Parse(body []byte) (*models.PaymentEvent, error) {
	var ev stripeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, malformed("invalid JSON: %v", err)
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, malformed("id and type are required")
	}
	if !strings.HasPrefix(ev.Type, "customer.subscription.") {
		return nil, nil
	}

	obj := ev.Data.Object
	userID, tier, err := parseUserAndTier(obj.Metadata["user_id"], obj.Metadata["tier"])
	if err != nil {
		return nil, err
	}

	status := stripeStatus(obj.Status)
	if ev.Type == "customer.subscription.deleted" {
		status = models.StatusCancelled
	}

	out := &models.PaymentEvent{Provider: PaymentStripe, EventID: ev.ID, Type: ev.Type, UserID: userID, Tier: tier, Status: status}
	if obj.CurrentPeriodEnd > 0 {
		end := time.Unix(obj.CurrentPeriodEnd, 0).UTC()
		out.ExpiresAt = &end
	}
	return out, nil
}

func stripeStatus(status string) models.SubscriptionStatus {
	switch status {
	case "active":
		return models.StatusActive
	case "trialing":
		return models.StatusTrial
	case "canceled":
		return models.StatusCancelled
	default:
		return models.StatusExpired
	}
}

type tossSource struct {
	scheme auth.SignatureScheme
}

type tossEvent struct {
	EventType string `json:"eventType"`
	CreatedAt string `json:"createdAt"`
	Data      struct {
		PaymentKey  string `json:"paymentKey"`
		Status      string `json:"status"`
		CustomerKey string `json:"customerKey"`
		OrderName   string `json:"orderName"`
	} `json:"data"`
}

func (s *tossSource) Name() string                 { return PaymentToss }
func (s *tossSource) Scheme() auth.SignatureScheme { return s.scheme }

func (s *tossSource) Parse(body []byte) (*models.PaymentEvent, error) {
	var ev tossEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, malformed("invalid JSON: %v", err)
	}
	if ev.EventType == "" || ev.Data.PaymentKey == "" || ev.Data.Status == "" {
		return nil, malformed("eventType, data.paymentKey and data.status are required")
	}
	if ev.EventType != "PAYMENT_STATUS_CHANGED" {
		return nil, nil
	}

	userID, tier, err := parseUserAndTier(ev.Data.CustomerKey, ev.Data.OrderName)
	if err != nil {
		return nil, err
	}

	var status models.SubscriptionStatus
	switch ev.Data.Status {
	case "DONE":
		status = models.StatusActive
	case "CANCELED", "PARTIAL_CANCELED":
		status = models.StatusCancelled
	default:
		status = models.StatusExpired
	}

	return &models.PaymentEvent{
		Provider: PaymentToss,
		// toss has no event id; a payment changes to each status at most once
		EventID: ev.Data.PaymentKey + ":" + ev.Data.Status,
		Type:    ev.EventType,
		UserID:  userID,
		Tier:    tier,
		Status:  status,
	}, nil
}

// PaymentIngestor applies subscription changes from payment webhooks
type PaymentIngestor struct {
	source       PaymentSource
	entitlements repository.EntitlementRepository
	audit        *audit.Service
	logger       *logrus.Logger
	now          func() time.Time
}

// SignatureHeader names the header carrying the provider signature
func (s *PaymentIngestor) SignatureHeader() string { return s.source.Scheme().Header() }

// Ingest verifies and applies one payment event; it reports whether the
// entitlement changed
func (s *PaymentIngestor) Ingest(ctx context.Context, signature string, body []byte) (bool, error) {
	if err := s.source.Scheme().Verify(signature, body); err != nil {
		return false, err
	}

	event, err := s.source.Parse(body)
	if err != nil {
		return false, err
	}
	if event == nil {
		return false, nil
	}

	applied, err := s.entitlements.ApplyPaymentEvent(ctx, *event, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("apply payment event: %w", err)
	}
	if !applied {
		return false, nil
	}

	s.logger.WithFields(logrus.Fields{
		"provider": event.Provider,
		"event_id": event.EventID,
		"user_id":  event.UserID,
		"tier":     event.Tier,
		"status":   event.Status,
	}).Info("Applied payment event")
	s.audit.Log(ctx, audit.NewEvent(audit.EventPaymentApplied, nil, nil).
		On("subscription", event.UserID.String()).
		With("tier", string(event.Tier)).
		With("status", string(event.Status)))
	return true, nil
}
