package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// QueueItem is one record of an ordered queue.
type QueueItem struct {
	// ID is assigned by Append; ascending ids reflect insertion order.
	ID             int64
	Type           string
	Payload        json.RawMessage
	IdempotencyKey string
	EnqueuedAt     time.Time

	// Replay bookkeeping, updated by MarkAttempt.
	Attempts      int
	LastError     string
	LastAttemptAt time.Time
}

// Append adds one item to the end of queue and returns its assigned id.
// The ID, Attempts, LastError and LastAttemptAt fields of item are ignored.
// A zero EnqueuedAt is replaced with the store clock's current time.
func (s *Store) Append(ctx context.Context, queue string, item QueueItem) (int64, error) {
	if queue == "" {
		return 0, fmt.Errorf("append: queue name must not be empty")
	}
	if item.Type == "" {
		return 0, fmt.Errorf("append %s: item type must not be empty", queue)
	}
	body := item.Payload
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	enqueuedAt := item.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = s.now()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (queue, type, payload, idempotency_key, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
	`, queue, item.Type, string(body), item.IdempotencyKey, enqueuedAt.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", queue, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append %s: last insert id: %w", queue, err)
	}
	return id, nil
}

// Remove deletes exactly one item by id. Removing a missing id is a no-op.
func (s *Store) Remove(ctx context.Context, queue string, id int64) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox WHERE queue = ? AND id = ?
	`, queue, id); err != nil {
		return fmt.Errorf("remove %s/%d: %w", queue, id, err)
	}
	return nil
}

// List returns every item in queue ordered by ascending id.
// Returns an empty slice (not nil) if the queue is empty.
func (s *Store) List(ctx context.Context, queue string) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, payload, idempotency_key, enqueued_at, attempts, last_error, last_attempt_at
		FROM outbox
		WHERE queue = ?
		ORDER BY id ASC
	`, queue)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", queue, err)
	}
	defer rows.Close()

	items := []QueueItem{}
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", queue, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: iterate: %w", queue, err)
	}
	return items, nil
}

// Len returns the number of items in queue.
func (s *Store) Len(ctx context.Context, queue string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox WHERE queue = ?
	`, queue).Scan(&n); err != nil {
		return 0, fmt.Errorf("len %s: %w", queue, err)
	}
	return n, nil
}

// MarkAttempt records a failed delivery attempt on an item.
// Marking a missing id is a no-op.
func (s *Store) MarkAttempt(ctx context.Context, queue string, id int64, lastError string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1, last_error = ?, last_attempt_at = ?
		WHERE queue = ? AND id = ?
	`, lastError, s.now().UnixNano(), queue, id); err != nil {
		return fmt.Errorf("mark attempt %s/%d: %w", queue, id, err)
	}
	return nil
}

func scanQueueItem(rows *sql.Rows) (QueueItem, error) {
	var (
		item          QueueItem
		body          string
		enqueuedAt    int64
		lastAttemptAt sql.NullInt64
	)
	if err := rows.Scan(
		&item.ID, &item.Type, &body, &item.IdempotencyKey, &enqueuedAt,
		&item.Attempts, &item.LastError, &lastAttemptAt,
	); err != nil {
		return QueueItem{}, fmt.Errorf("scan: %w", err)
	}
	item.Payload = json.RawMessage(body)
	item.EnqueuedAt = time.Unix(0, enqueuedAt)
	if lastAttemptAt.Valid {
		item.LastAttemptAt = time.Unix(0, lastAttemptAt.Int64)
	}
	return item, nil
}
