package testutil

import (
	"fmt"
	"sync"
)

// SequenceKeys generates idempotency keys "<prefix>-0001", "<prefix>-0002",
// and so on, so that golden traces are byte-identical across runs.
type SequenceKeys struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceKeys creates a generator. An empty prefix means "key".
func NewSequenceKeys(prefix string) *SequenceKeys {
	if prefix == "" {
		prefix = "key"
	}
	return &SequenceKeys{prefix: prefix}
}

// Generate returns the next key.
func (g *SequenceKeys) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
