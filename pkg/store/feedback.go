package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Feedback is one user rating of an assistant message. Append-only.
type Feedback struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FeedbackSample pairs a message's recorded confidence with its rating;
// calibration replays these at startup.
type FeedbackSample struct {
	Confidence float64
	Rating     int
}

// RecordFeedback appends a rating for a message. Rating must be -1, 0,
// or 1.
func (s *Store) RecordFeedback(ctx context.Context, messageID string, rating int, comment string) error {
	if rating < -1 || rating > 1 {
		return fmt.Errorf("rating %d out of range [-1, 1]", rating)
	}

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO feedback (id, message_id, rating, comment, created_at) VALUES (?, ?, ?, ?, ?)`),
		uuid.NewString(), messageID, rating, comment, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}
	return nil
}

// GetFeedbackForMessage returns all feedback for a message, oldest first.
func (s *Store) GetFeedbackForMessage(ctx context.Context, messageID string) ([]Feedback, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, message_id, rating, comment, created_at FROM feedback
		 WHERE message_id = ? ORDER BY created_at ASC`), messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to read feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var feedback []Feedback
	for rows.Next() {
		var fb Feedback
		if err := rows.Scan(&fb.ID, &fb.MessageID, &fb.Rating, &fb.Comment, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		feedback = append(feedback, fb)
	}
	return feedback, rows.Err()
}

// FeedbackSamples joins feedback with message confidence for calibration
// replay. Messages without a recorded confidence are excluded.
func (s *Store) FeedbackSamples(ctx context.Context, limit int) ([]FeedbackSample, error) {
	query := `SELECT m.confidence, f.rating FROM feedback f
		JOIN messages m ON m.id = f.message_id
		WHERE m.confidence > 0 ORDER BY f.created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read feedback samples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var samples []FeedbackSample
	for rows.Next() {
		var sample FeedbackSample
		if err := rows.Scan(&sample.Confidence, &sample.Rating); err != nil {
			return nil, fmt.Errorf("failed to scan feedback sample: %w", err)
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}
