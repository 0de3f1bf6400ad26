package outbox

import (
	"github.com/google/uuid"
)

// KeyGenerator produces idempotency keys for queued mutations.
// UUIDv7Generator is the production implementation.
type KeyGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 idempotency keys.
//
// The server receives the key as the Idempotency-Key header on replay, so a
// mutation delivered twice (at-least-once) can be recognized.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
