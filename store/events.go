package store

import (
	"context"
	"time"

	"github.com/c360/drivebus/errors"
)

// StoredEvent is a plain text event row. Unlike driving steps, events
// bypass the CAN codec entirely.
type StoredEvent struct {
	UUID      string    `json:"uuid"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendEvent inserts one plain text event.
func (s *Store) AppendEvent(ctx context.Context, id, message string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO events (uuid, message) VALUES (?, ?)`, id, message)
	if err != nil {
		return errors.WrapTransient(errors.Join(errors.ErrWriteFailed, err), "Store", "AppendEvent", "insert event")
	}
	s.metrics.RecordAppend(1)
	return nil
}

// Events lists plain text events, newest first.
func (s *Store) Events(ctx context.Context, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT uuid, message, created_at FROM events ORDER BY created_at DESC, uuid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.WrapTransient(errors.Join(errors.ErrReadFailed, err), "Store", "Events", "list events")
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var e StoredEvent
		if err := rows.Scan(&e.UUID, &e.Message, &e.CreatedAt); err != nil {
			return nil, errors.WrapTransient(errors.Join(errors.ErrReadFailed, err), "Store", "Events", "scan event row")
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(errors.Join(errors.ErrReadFailed, err), "Store", "Events", "iterate events")
	}
	s.metrics.RecordRead()
	return events, nil
}
