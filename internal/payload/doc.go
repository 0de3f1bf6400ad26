// Package payload handles the opaque JSON documents that flow through offsync:
// cached entities and queued mutation payloads.
//
// The store never interprets a document beyond its identifier field, but it
// does persist documents in one canonical form so that:
//   - snapshot digests are stable across restarts
//   - the same payload enqueued twice serializes byte-identically
//
// Canonical form follows RFC 8785 with two relaxations for application data:
// numbers keep their decimal literal (decoded as json.Number, so no float64
// rounding) and null is permitted.
//
// This package imports nothing internal. Every other package may import it.
package payload
