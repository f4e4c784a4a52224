package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/pushflow/internal/model"
)

// MessageStore is the append-only log of broadcast messages.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) Append(ctx context.Context, m *model.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, device_id, message, created_at) VALUES (?, ?, ?, ?)`,
		m.ID, m.DeviceID, m.Message, m.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListByDevice returns the messages sent by a device, newest first.
func (s *MessageStore) ListByDevice(ctx context.Context, deviceID string, limit int) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, message, created_at FROM messages
		 WHERE device_id = ? ORDER BY created_at DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages by device: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.DeviceID, &m.Message, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
