package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease claims the named lease for owner until ttl from now.
//
// It returns true when owner now holds the lease: it was free, it had
// expired, or owner already held it (the expiry is then extended). It
// returns false while another owner holds an unexpired lease. Every
// process sharing the database file sees the same leases.
func (s *Store) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if name == "" || owner == "" {
		return false, fmt.Errorf("acquire lease: name and owner must not be empty")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("acquire lease %s: ttl must be positive", name)
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (name, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE leases.owner = excluded.owner OR leases.expires_at <= ?
	`, name, owner, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: rows affected: %w", name, err)
	}
	return n == 1, nil
}

// ReleaseLease gives up the named lease if owner holds it. Releasing a
// lease held by someone else, or not held at all, is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM leases WHERE name = ? AND owner = ?
	`, name, owner); err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}
