package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukerupert/chabapp/internal/model"
)

// TimerStore persists armed notification timers so they survive a restart.
type TimerStore struct {
	db *sql.DB
}

func NewTimerStore(db *sql.DB) *TimerStore {
	return &TimerStore{db: db}
}

func (s *TimerStore) Save(ctx context.Context, n model.ScheduledNotification) error {
	payload, err := json.Marshal(n.Request)
	if err != nil {
		return fmt.Errorf("marshal scheduled notification: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_notifications (id, tag, fire_at, payload) VALUES (?, ?, ?, ?)`,
		n.ID, n.Tag, n.FireAt.UTC(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("save scheduled notification: %w", err)
	}
	return nil
}

// Pending returns every persisted timer ordered by fire time.
func (s *TimerStore) Pending(ctx context.Context) ([]model.ScheduledNotification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tag, fire_at, payload, created_at FROM scheduled_notifications ORDER BY fire_at`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled notifications: %w", err)
	}
	defer rows.Close()

	var out []model.ScheduledNotification
	for rows.Next() {
		var n model.ScheduledNotification
		var payload string
		if err := rows.Scan(&n.ID, &n.Tag, &n.FireAt, &payload, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scheduled notification: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &n.Request); err != nil {
			return nil, fmt.Errorf("decode scheduled notification %s: %w", n.ID, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *TimerStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_notifications WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete scheduled notification: %w", err)
	}
	return nil
}

// DeleteTag drops every timer saved under tag.
func (s *TimerStore) DeleteTag(ctx context.Context, tag string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_notifications WHERE tag = ?`, tag); err != nil {
		return fmt.Errorf("delete scheduled notifications for %q: %w", tag, err)
	}
	return nil
}

// DeleteBefore drops timers whose fire time is older than cutoff.
func (s *TimerStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_notifications WHERE fire_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup scheduled notifications: %w", err)
	}
	return res.RowsAffected()
}
