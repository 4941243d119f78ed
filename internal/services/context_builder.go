package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uneseule/uneseule-backend/internal/apperr"
	"github.com/uneseule/uneseule-backend/internal/config"
	"github.com/uneseule/uneseule-backend/internal/models"
	"github.com/uneseule/uneseule-backend/internal/repository"
	"github.com/uneseule/uneseule-backend/internal/summary"
)

// Context size defaults
const (
	DefaultRecentTurns     = 10
	DefaultContextMaxBytes = 4096
)

// ContextBuilder assembles the priming context of a new voice session. It
// never writes.
type ContextBuilder struct {
	children      repository.ChildRepository
	conversations repository.ConversationRepository
	recentTurns   int
	maxBytes      int
	now           func() time.Time
}

// NewContextBuilder creates a builder; now may be nil
func NewContextBuilder(children repository.ChildRepository, conversations repository.ConversationRepository, cfg config.ContextConfig, now func() time.Time) *ContextBuilder {
	if cfg.RecentTurns <= 0 {
		cfg.RecentTurns = DefaultRecentTurns
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultContextMaxBytes
	}
	if now == nil {
		now = time.Now
	}
	return &ContextBuilder{
		children:      children,
		conversations: conversations,
		recentTurns:   cfg.RecentTurns,
		maxBytes:      cfg.MaxBytes,
		now:           now,
	}
}

// BuildContext returns the child's profile facts, the newest turns of the
// latest conversation and the rolling summary, within the size budget
func (b *ContextBuilder) BuildContext(ctx context.Context, childID uuid.UUID) (*models.SessionContext, error) {
	child, err := b.children.GetByID(ctx, childID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.ErrChildNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load child: %w", err)
	}

	sc := &models.SessionContext{
		ChildID:           child.ID,
		ChildName:         child.Name,
		ChildAge:          child.AgeAt(b.now()),
		PersonalityTraits: child.PersonalityTraits,
		RecentTurns:       []models.Turn{},
	}

	rec, err := b.conversations.LatestWithTurns(ctx, childID, b.recentTurns)
	if errors.Is(err, repository.ErrNotFound) {
		// a record without turns may still carry a summary forward
		rec, err = b.conversations.Latest(ctx, childID)
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return sc, nil
	case err != nil:
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	sc.Summary = rec.Summary
	sc.Topics = rec.Topics
	if len(rec.Turns) > 0 {
		sc.RecentTurns = rec.Turns
	}

	return b.fit(sc)
}

// fit drops the turns when the context is over budget, then trims the summary
func (b *ContextBuilder) fit(sc *models.SessionContext) (*models.SessionContext, error) {
	size, err := encodedSize(sc)
	if err != nil {
		return nil, err
	}
	if size <= b.maxBytes {
		return sc, nil
	}

	sc.RecentTurns = []models.Turn{}
	sc.Truncated = true
	if size, err = encodedSize(sc); err != nil || size <= b.maxBytes {
		return sc, err
	}

	over := size - b.maxBytes
	sc.Summary = summary.Trim(sc.Summary, len(sc.Summary)-over)
	if size, err = encodedSize(sc); err != nil || size <= b.maxBytes {
		return sc, err
	}
	sc.Summary = ""
	return sc, nil
}

func encodedSize(sc *models.SessionContext) (int, error) {
	raw, err := json.Marshal(sc)
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}
