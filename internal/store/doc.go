// Package store provides the SQLite-backed PersistentStore for offsync.
//
// The store holds two kinds of data:
//   - Collections: named snapshots of entities, replaced wholesale on Save
//   - Queues: ordered, auto-keyed records with append/remove semantics
//     (the mutation outbox is the only queue in practice)
//
// # Guarantees
//
// Atomic snapshots:
//   - Save deletes and re-inserts a collection inside one transaction
//   - Readers see either the previous snapshot or the new one, never a mix
//
// Ordered queues:
//   - Queue ids come from an AUTOINCREMENT column, so ids are never reused
//     even after the highest id is removed
//   - List always returns ORDER BY id ASC
//
// Absence is not an error:
//   - GetAll on an unknown or never-saved collection returns an empty slice
//   - Remove of a missing id is a no-op
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=FULL: a committed Append survives power loss, so an
//     optimistic UI update never outlives its durable record
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: entities reference their collection row
//
// Entities are stored in canonical JSON (see internal/payload) so snapshot
// digests are stable across restarts.
package store
