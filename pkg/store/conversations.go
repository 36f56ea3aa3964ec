package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound marks missing conversations, messages, or analyses.
var ErrNotFound = errors.New("not found")

// Conversation is one user conversation thread.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is one turn in a conversation. Assistant messages carry the
// query id and confidence record they were produced under.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	QueryID        string    `json:"query_id,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	Bucket         string    `json:"bucket,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreateConversation starts a new thread.
func (s *Store) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	conv := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	conv.UpdatedAt = conv.CreatedAt

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO conversations (id, title, message_count, created_at, updated_at) VALUES (?, ?, 0, ?, ?)`),
		conv.ID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation fetches one thread by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv := &Conversation{}
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, title, message_count, created_at, updated_at FROM conversations WHERE id = ?`), id).
		Scan(&conv.ID, &conv.Title, &conv.MessageCount, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation '%s': %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}
	return conv, nil
}

// AppendMessage adds a message and bumps the conversation's updatedAt
// and messageCount in one transaction.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.ConversationID = conversationID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE conversations SET message_count = message_count + 1, updated_at = ? WHERE id = ?`),
		msg.CreatedAt, conversationID)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check conversation update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("conversation '%s': %w", conversationID, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO messages (id, conversation_id, role, content, query_id, confidence, bucket, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, conversationID, msg.Role, msg.Content, msg.QueryID, msg.Confidence, msg.Bucket, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	msg := &Message{}
	var queryID, bucket sql.NullString
	var confidence sql.NullFloat64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, conversation_id, role, content, query_id, confidence, bucket, created_at
		 FROM messages WHERE id = ?`), id).
		Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &queryID, &confidence, &bucket, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message '%s': %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	msg.QueryID = queryID.String
	msg.Confidence = confidence.Float64
	msg.Bucket = bucket.String
	return msg, nil
}

// ListMessages returns messages in a conversation ordered by creation
// time. since filters to messages created after it when non-zero; limit
// caps the result when positive.
func (s *Store) ListMessages(ctx context.Context, conversationID string, since time.Time, limit int) ([]Message, error) {
	query := `SELECT id, conversation_id, role, content, query_id, confidence, bucket, created_at
		FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if !since.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, since)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []Message
	for rows.Next() {
		var msg Message
		var queryID, bucket sql.NullString
		var confidence sql.NullFloat64
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&queryID, &confidence, &bucket, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.QueryID = queryID.String
		msg.Confidence = confidence.Float64
		msg.Bucket = bucket.String
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
