package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uneseule/uneseule-backend/internal/apperr"
	"github.com/uneseule/uneseule-backend/internal/audit"
	"github.com/uneseule/uneseule-backend/internal/cache"
	"github.com/uneseule/uneseule-backend/internal/events"
	"github.com/uneseule/uneseule-backend/internal/models"
	"github.com/uneseule/uneseule-backend/internal/repository"
	"github.com/uneseule/uneseule-backend/internal/summary"
)

// IngestResult reports what one webhook delivery did
type IngestResult struct {
	Outcome    models.IngestOutcome
	DeliveryID string
	SessionRef string
	TurnCount  int
}

// WebhookIngestor appends provider webhook transcripts to conversation records
type WebhookIngestor struct {
	source        VoiceSource
	conversations repository.ConversationRepository
	locker        cache.Locker
	summarizer    summary.Summarizer
	audit         *audit.Service
	events        events.Publisher
	logger        *logrus.Logger
	lockTTL       time.Duration
	topicLimit    int
	now           func() time.Time
}

// Provider returns the configured source name
func (s *WebhookIngestor) Provider() string { return s.source.Name() }

// SignatureHeader names the header carrying the provider signature
func (s *WebhookIngestor) SignatureHeader() string { return s.source.Scheme().Header() }

// Ingest verifies, parses and applies one delivery. Redeliveries of a stored
// delivery id are acknowledged without reprocessing. Any storage failure is
// returned so the provider redelivers.
func (s *WebhookIngestor) Ingest(ctx context.Context, signature string, body []byte) (*IngestResult, error) {
	if err := s.source.Scheme().Verify(signature, body); err != nil {
		return nil, err
	}

	delivery, err := s.source.Parse(body)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, "ingest:"+delivery.SessionRef, s.lockTTL)
	if err != nil {
		if errors.Is(err, cache.ErrLockTimeout) {
			return nil, apperr.ErrTimeout.Wrap(err)
		}
		return nil, fmt.Errorf("acquire ingest lock: %w", err)
	}
	defer unlock()

	now := s.now().UTC()
	record := models.WebhookDelivery{Provider: s.source.Name(), DeliveryID: delivery.ID, ReceivedAt: now}

	outcome, rec, err := s.conversations.ApplyDelivery(ctx, record, delivery.SessionRef, func(rec *models.ConversationRecord) (*models.ConversationUpdate, error) {
		return s.update(ctx, rec, delivery, now)
	})
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"provider":    s.source.Name(),
			"delivery_id": delivery.ID,
		}).Error("Failed to apply webhook delivery")
		return nil, fmt.Errorf("apply delivery: %w", err)
	}

	result := &IngestResult{Outcome: outcome, DeliveryID: delivery.ID, SessionRef: delivery.SessionRef}
	log := s.logger.WithFields(logrus.Fields{
		"provider":    s.source.Name(),
		"delivery_id": delivery.ID,
		"session_ref": delivery.SessionRef,
		"outcome":     outcome,
	})

	switch outcome {
	case models.IngestApplied:
		result.TurnCount = rec.TurnCount
		log.WithField("turns", len(delivery.Turns)).Info("Applied webhook delivery")
		publish(ctx, s.events, s.logger, events.New(events.TypeConversationUpdated, rec.ChildID.String(), map[string]interface{}{
			"child_id":    rec.ChildID,
			"session_ref": rec.SessionRef,
			"turn_count":  rec.TurnCount,
			"mood":        rec.MoodLabel,
			"topics":      rec.Topics,
		}))
	case models.IngestDuplicate:
		log.Debug("Ignored duplicate webhook delivery")
	case models.IngestUnknownSession:
		log.Warn("Webhook names an unknown session")
		s.audit.Log(ctx, audit.NewEvent(audit.EventUnknownSession, nil, nil).
			On("session", delivery.SessionRef).
			With("provider", s.source.Name()).
			With("delivery_id", delivery.ID))
		publish(ctx, s.events, s.logger, events.New(events.TypeUnknownSession, delivery.SessionRef, map[string]interface{}{
			"provider":    s.source.Name(),
			"delivery_id": delivery.ID,
			"session_ref": delivery.SessionRef,
		}))
	}
	return result, nil
}

// update derives the new summary, mood and topics from the new turns only
func (s *WebhookIngestor) update(ctx context.Context, rec *models.ConversationRecord, delivery *Delivery, now time.Time) (*models.ConversationUpdate, error) {
	turns := make([]models.Turn, len(delivery.Turns))
	for i, t := range delivery.Turns {
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		turns[i] = t
	}

	text, err := s.summarizer.Summarize(ctx, rec.Summary, turns)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}

	analysis := summary.Analyze(turns)
	score := analysis.Score
	topics := analysis.Topics
	if a := delivery.Analysis; a != nil {
		if a.Sentiment != nil {
			score = *a.Sentiment
		}
		if len(a.Topics) > 0 {
			topics = a.Topics
		}
	}

	mood := summary.BlendMood(rec.MoodScore, rec.TurnCount, score, len(turns))
	label := summary.Label(mood)
	if delivery.Analysis != nil && delivery.Analysis.Mood != "" {
		label = delivery.Analysis.Mood
	}
	if len(turns) == 0 {
		label = rec.MoodLabel
	}

	return &models.ConversationUpdate{
		Turns:     turns,
		Summary:   text,
		Topics:    summary.MergeTopics(rec.Topics, topics, s.topicLimit),
		MoodLabel: label,
		MoodScore: mood,
	}, nil
}
