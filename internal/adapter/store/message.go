package store

import (
	"context"
	"encoding/json"
	"fmt"

	"agentdock/internal/domain"
)

func (s *Store) AppendMessage(ctx context.Context, m domain.Message) error {
	if m.ID == "" || m.ChannelID == "" {
		return domain.NewDomainError("Store.AppendMessage", domain.ErrInvalidInput, "message id and channel are required")
	}
	if m.Attachments == nil {
		m.Attachments = []string{}
	}
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("Store.AppendMessage: marshal attachments: %w", err)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO messages (id, channel_id, sender, content, attachments, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		m.ID, m.ChannelID, m.Sender, m.Content, string(attachments), formatTime(m.CreatedAt),
	)
	return domain.WrapOp("Store.AppendMessage", err)
}

func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, channel_id, sender, content, attachments, created_at FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if err != nil {
		return nil, lookupErr(err, "Store.GetMessage", domain.ErrNotFound, "message "+id)
	}
	return m, nil
}

// ListMessagesAfter returns messages of a channel with IDs greater than
// afterID, oldest first. An empty afterID lists from the beginning.
func (s *Store) ListMessagesAfter(ctx context.Context, channelID, afterID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, sender, content, attachments, created_at FROM messages
		WHERE channel_id = ? AND id > ? ORDER BY id LIMIT ?`,
		channelID, afterID, limit,
	)
	if err != nil {
		return nil, domain.WrapOp("Store.ListMessagesAfter", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, domain.WrapOp("Store.ListMessagesAfter", err)
		}
		out = append(out, *m)
	}
	return out, domain.WrapOp("Store.ListMessagesAfter", rows.Err())
}

func scanMessage(sc scanner) (*domain.Message, error) {
	var (
		m           domain.Message
		attachments string
		created     string
	)
	if err := sc.Scan(&m.ID, &m.ChannelID, &m.Sender, &m.Content, &attachments, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
		return nil, fmt.Errorf("unmarshal attachments: %w", err)
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	m.CreatedAt = parseTime(created)
	return &m, nil
}
