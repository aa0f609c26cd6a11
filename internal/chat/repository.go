package chat

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DiagnosisEntry is a past diagnosis found in the stored transcript.
type DiagnosisEntry struct {
	MessageID      string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Disease        string    `json:"disease"`
	Date           string    `json:"date"`
	CreatedAt      time.Time `json:"created_at"`
}

// Repository stores chat transcripts in Postgres.
type Repository interface {
	Recorder
	History(ctx context.Context, conversationID string, limit int) ([]Message, error)
	Diagnoses(ctx context.Context, limit int) ([]DiagnosisEntry, error)
}

type postgresRepo struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &postgresRepo{db: db}
}

func (r *postgresRepo) SaveMessage(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO chat_messages (id, conversation_id, sender, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query, msg.ID, msg.ConversationID, string(msg.Sender), msg.Text, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("chat: insert message: %w", err)
	}
	return nil
}

func (r *postgresRepo) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, conversation_id, sender, message, created_at FROM (
			SELECT id, conversation_id, sender, message, created_at
			FROM chat_messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent ORDER BY created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: query history: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var m Message
		var sender string
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("chat: scan history: %w", err)
		}
		m.Sender = Sender(sender)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *postgresRepo) Diagnoses(ctx context.Context, limit int) ([]DiagnosisEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, conversation_id, message, created_at
		FROM chat_messages
		WHERE sender = 'bot' AND message LIKE $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, DiagnosisMarker+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("chat: query diagnoses: %w", err)
	}
	defer rows.Close()

	out := []DiagnosisEntry{}
	for rows.Next() {
		var e DiagnosisEntry
		var text string
		if err := rows.Scan(&e.MessageID, &e.ConversationID, &text, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("chat: scan diagnosis: %w", err)
		}
		disease, ok := DiseaseFromMessage(text)
		if !ok {
			continue
		}
		e.Disease = disease
		e.Date = e.CreatedAt.Format("2006-01-02")
		out = append(out, e)
	}
	return out, rows.Err()
}
