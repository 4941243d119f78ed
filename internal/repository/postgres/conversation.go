package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/uneseule/uneseule-backend/internal/models"
	"github.com/uneseule/uneseule-backend/internal/repository"
)

const conversationColumns = `id, child_id, device_id, session_ref, summary, topics,
	mood_label, mood_score, turn_count, created_at, updated_at`

type conversationRow struct {
	ID          uuid.UUID      `db:"id"`
	ChildID     uuid.UUID      `db:"child_id"`
	DeviceID    uuid.UUID      `db:"device_id"`
	SessionRef  string         `db:"session_ref"`
	Summary     string         `db:"summary"`
	Topics      pq.StringArray `db:"topics"`
	MoodLabel   string         `db:"mood_label"`
	MoodScore   float64        `db:"mood_score"`
	TurnCount   int            `db:"turn_count"`
	CreatedAt   time.Time      `db:"created_at"`
	LastUpdated time.Time      `db:"updated_at"`
}

func (row conversationRow) toModel() *models.ConversationRecord {
	return &models.ConversationRecord{
		ID:          row.ID,
		ChildID:     row.ChildID,
		DeviceID:    row.DeviceID,
		SessionRef:  row.SessionRef,
		Summary:     row.Summary,
		Topics:      []string(row.Topics),
		MoodLabel:   row.MoodLabel,
		MoodScore:   row.MoodScore,
		TurnCount:   row.TurnCount,
		CreatedAt:   row.CreatedAt,
		LastUpdated: row.LastUpdated,
	}
}

// ConversationRepository handles conversation records, turns and webhook deliveries
type ConversationRepository struct {
	db *sqlx.DB
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(db *sqlx.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// Create inserts an empty record for a new upstream session
func (r *ConversationRepository) Create(ctx context.Context, rec *models.ConversationRecord) error {
	query := `
		INSERT INTO conversations (
			id, child_id, device_id, session_ref, summary, topics,
			mood_label, mood_score, turn_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.ChildID, rec.DeviceID, rec.SessionRef, rec.Summary, pq.StringArray(rec.Topics),
		rec.MoodLabel, rec.MoodScore, rec.CreatedAt, rec.LastUpdated,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// GetBySessionRef retrieves a record and its full transcript
func (r *ConversationRepository) GetBySessionRef(ctx context.Context, sessionRef string) (*models.ConversationRecord, error) {
	var row conversationRow
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE session_ref = $1`
	if err := r.db.GetContext(ctx, &row, query, sessionRef); err != nil {
		return nil, mapNotFound(err)
	}

	rec := row.toModel()
	turns := []models.Turn{}
	err := r.db.SelectContext(ctx, &turns,
		`SELECT seq, role, text, spoken_at FROM conversation_turns WHERE conversation_id = $1 ORDER BY seq`,
		rec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	rec.Turns = turns
	return rec, nil
}

// Latest retrieves the most recently updated record for a child
func (r *ConversationRepository) Latest(ctx context.Context, childID uuid.UUID) (*models.ConversationRecord, error) {
	var row conversationRow
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE child_id = $1
		ORDER BY updated_at DESC, created_at DESC
		LIMIT 1`
	if err := r.db.GetContext(ctx, &row, query, childID); err != nil {
		return nil, mapNotFound(err)
	}
	return row.toModel(), nil
}

// LatestWithTurns retrieves the newest record with turns and its last limit turns
func (r *ConversationRepository) LatestWithTurns(ctx context.Context, childID uuid.UUID, limit int) (*models.ConversationRecord, error) {
	var row conversationRow
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE child_id = $1 AND turn_count > 0
		ORDER BY updated_at DESC, created_at DESC
		LIMIT 1`
	if err := r.db.GetContext(ctx, &row, query, childID); err != nil {
		return nil, mapNotFound(err)
	}

	rec := row.toModel()
	turns := []models.Turn{}
	err := r.db.SelectContext(ctx, &turns, `
		SELECT seq, role, text, spoken_at FROM (
			SELECT seq, role, text, spoken_at FROM conversation_turns
			WHERE conversation_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent ORDER BY seq`, rec.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent turns: %w", err)
	}
	rec.Turns = turns
	return rec, nil
}

// ApplyDelivery reserves the delivery id and appends the update in one transaction.
// A concurrent insert of the same id waits on the primary key and then sees the
// committed row, so a delivery is applied at most once.
func (r *ConversationRepository) ApplyDelivery(ctx context.Context, delivery models.WebhookDelivery, sessionRef string, fn repository.UpdateFunc) (models.IngestOutcome, *models.ConversationRecord, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (provider, delivery_id, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, delivery_id) DO NOTHING`,
		delivery.Provider, delivery.DeliveryID, delivery.ReceivedAt)
	if err != nil {
		return "", nil, fmt.Errorf("failed to record delivery: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", nil, err
	} else if n == 0 {
		return models.IngestDuplicate, nil, nil
	}

	var row conversationRow
	err = tx.GetContext(ctx, &row,
		`SELECT `+conversationColumns+` FROM conversations WHERE session_ref = $1 FOR UPDATE`,
		sessionRef)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return "", nil, fmt.Errorf("failed to commit delivery: %w", err)
		}
		return models.IngestUnknownSession, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to lock conversation: %w", err)
	}

	rec := row.toModel()
	update, err := fn(rec)
	if err != nil {
		return "", nil, err
	}

	for i, turn := range update.Turns {
		turn.Seq = rec.TurnCount + i
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_turns (conversation_id, seq, role, text, spoken_at)
			VALUES ($1, $2, $3, $4, $5)`,
			rec.ID, turn.Seq, turn.Role, turn.Text, turn.Timestamp)
		if err != nil {
			return "", nil, fmt.Errorf("failed to append turn: %w", err)
		}
	}

	err = tx.GetContext(ctx, &row, `
		UPDATE conversations SET
			summary = $2, topics = $3, mood_label = $4, mood_score = $5,
			turn_count = turn_count + $6, updated_at = $7
		WHERE id = $1
		RETURNING `+conversationColumns,
		rec.ID, update.Summary, pq.StringArray(update.Topics), update.MoodLabel, update.MoodScore,
		len(update.Turns), delivery.ReceivedAt)
	if err != nil {
		return "", nil, fmt.Errorf("failed to update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("failed to commit delivery: %w", err)
	}
	return models.IngestApplied, row.toModel(), nil
}

// DeleteDeliveriesBefore evicts old delivery ids
func (r *ConversationRepository) DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
