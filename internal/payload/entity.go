package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultIDField is the identifier field every cached entity must carry
// unless the store is configured otherwise.
const DefaultIDField = "id"

// Domain prefixes for content hashes.
const (
	DomainSnapshot = "offsync/snapshot/v1"
	DomainPayload  = "offsync/payload/v1"
)

// ErrMissingID is returned when an entity has no usable identifier.
var ErrMissingID = errors.New("entity has no identifier")

// EntityID extracts the identifier from a JSON object. String and integer
// identifiers are accepted; integers are returned in their decimal form.
func EntityID(raw []byte, field string) (string, error) {
	if field == "" {
		field = DefaultIDField
	}
	v, err := decode(raw)
	if err != nil {
		return "", err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "", fmt.Errorf("entity is %T, not an object: %w", v, ErrMissingID)
	}
	switch id := obj[field].(type) {
	case string:
		if id == "" {
			return "", fmt.Errorf("field %q is empty: %w", field, ErrMissingID)
		}
		return id, nil
	case json.Number:
		if _, err := id.Int64(); err != nil {
			return "", fmt.Errorf("field %q is not an integer: %w", field, ErrMissingID)
		}
		return id.String(), nil
	case nil:
		return "", fmt.Errorf("field %q: %w", field, ErrMissingID)
	default:
		return "", fmt.Errorf("field %q has type %T: %w", field, id, ErrMissingID)
	}
}

// Field returns a top-level string or integer field of a JSON object, for
// filling path placeholders. ok is false when the field is absent.
func Field(raw []byte, name string) (value string, ok bool) {
	id, err := EntityID(raw, name)
	if err != nil {
		return "", false
	}
	return id, true
}

// Hash computes a SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func Hash(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SnapshotDigest hashes an ordered list of canonical entity documents.
func SnapshotDigest(items [][]byte) string {
	h := sha256.New()
	h.Write([]byte(DomainSnapshot))
	h.Write([]byte{0x00})
	for _, item := range items {
		h.Write(item)
		h.Write([]byte{0x00})
	}
	return hex.EncodeToString(h.Sum(nil))
}
