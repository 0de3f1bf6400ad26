package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/offsync/internal/payload"
)

// SnapshotInfo describes the stored state of one collection.
type SnapshotInfo struct {
	Collection string
	Count      int
	Digest     string
	// SavedAt is zero when the collection was declared but never saved.
	SavedAt time.Time
}

// Saved reports whether the collection has ever been written by Save.
func (i SnapshotInfo) Saved() bool {
	return !i.SavedAt.IsZero()
}

// Save atomically replaces the entire contents of collection with items.
//
// Every item must be a JSON object carrying the store's identifier field,
// and identifiers must be unique within the snapshot. Items are stored
// byte for byte; GetAll returns exactly what was saved. If any item is
// invalid nothing is written and the previous snapshot stays visible.
//
// An empty items slice is a valid snapshot: it clears the collection.
func (s *Store) Save(ctx context.Context, collection string, items []json.RawMessage) error {
	if collection == "" {
		return fmt.Errorf("save: collection name must not be empty")
	}

	ids := make([]string, len(items))
	canonical := make([][]byte, len(items))
	seen := make(map[string]int, len(items))
	for i, item := range items {
		id, err := payload.EntityID(item, s.idField)
		if err != nil {
			return fmt.Errorf("save %s: item %d: %w", collection, i, err)
		}
		if prev, dup := seen[id]; dup {
			return fmt.Errorf("save %s: items %d and %d share id %q", collection, prev, i, id)
		}
		seen[id] = i
		ids[i] = id
		// The digest is computed over canonical forms; the body is stored
		// exactly as given.
		if canonical[i], err = payload.Normalize(item); err != nil {
			return fmt.Errorf("save %s: item %d: %w", collection, i, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save %s: begin tx: %w", collection, err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO collections (name, saved_at, digest, item_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			saved_at = excluded.saved_at,
			digest = excluded.digest,
			item_count = excluded.item_count
	`, collection, s.now().UnixNano(), payload.SnapshotDigest(canonical), len(items))
	if err != nil {
		return fmt.Errorf("save %s: upsert collection: %w", collection, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("save %s: clear: %w", collection, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entities (collection, position, entity_id, body)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("save %s: prepare: %w", collection, err)
	}
	defer stmt.Close()

	for i, item := range items {
		if _, err := stmt.ExecContext(ctx, collection, i, ids[i], string(item)); err != nil {
			return fmt.Errorf("save %s: insert item %d: %w", collection, i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save %s: commit: %w", collection, err)
	}
	return nil
}

// GetAll returns the last-saved snapshot of collection in saved order.
// Returns an empty slice (not nil) if the collection is unknown or empty.
func (s *Store) GetAll(ctx context.Context, collection string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM entities
		WHERE collection = ?
		ORDER BY position ASC
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", collection, err)
	}
	defer rows.Close()

	items := []json.RawMessage{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("get %s: scan: %w", collection, err)
		}
		items = append(items, json.RawMessage(body))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get %s: iterate: %w", collection, err)
	}
	return items, nil
}

// SnapshotInfo returns metadata for one collection.
// An unknown collection yields a zero-count, never-saved info.
func (s *Store) SnapshotInfo(ctx context.Context, collection string) (SnapshotInfo, error) {
	info := SnapshotInfo{Collection: collection}
	var savedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT saved_at, digest, item_count FROM collections WHERE name = ?
	`, collection).Scan(&savedAt, &info.Digest, &info.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return info, nil
	}
	if err != nil {
		return info, fmt.Errorf("snapshot info %s: %w", collection, err)
	}
	if savedAt.Valid {
		info.SavedAt = time.Unix(0, savedAt.Int64)
	}
	return info, nil
}

// Collections returns metadata for every known collection, ordered by name.
func (s *Store) Collections(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, saved_at, digest, item_count FROM collections
		ORDER BY name COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	infos := []SnapshotInfo{}
	for rows.Next() {
		var info SnapshotInfo
		var savedAt sql.NullInt64
		if err := rows.Scan(&info.Collection, &savedAt, &info.Digest, &info.Count); err != nil {
			return nil, fmt.Errorf("list collections: scan: %w", err)
		}
		if savedAt.Valid {
			info.SavedAt = time.Unix(0, savedAt.Int64)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list collections: iterate: %w", err)
	}
	return infos, nil
}
