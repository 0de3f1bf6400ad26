// Package connectivity tracks whether the remote API is reachable.
//
// State is the injected value every component reads. Monitor owns the
// transitions: signals change State immediately and are then delivered to
// listeners, in order, from a single goroutine (Monitor.Run). The replay
// engine listens for Offline -> Online transitions; nothing in this package
// polls the network. Probe is an optional runtime adapter that turns a
// periodic health check into signals.
package connectivity

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Status is the reachability of the remote API.
type Status int32

const (
	// Offline means writes are queued and reads are served from cache.
	Offline Status = iota
	// Online means operations go to the network first.
	Online
)

// String returns "online" or "offline".
func (s Status) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// ParseStatus parses "online" or "offline" (case-insensitive).
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online":
		return Online, nil
	case "offline":
		return Offline, nil
	default:
		return Offline, fmt.Errorf("invalid connectivity status %q (want online or offline)", s)
	}
}

// State holds the current Status.
//
// Thread-safety: State is safe for concurrent use (atomic operations).
type State struct {
	v atomic.Int32
}

// NewState creates a State initialized to initial.
func NewState(initial Status) *State {
	s := &State{}
	s.v.Store(int32(initial))
	return s
}

// Status returns the current status.
func (s *State) Status() Status {
	return Status(s.v.Load())
}

// Online reports whether the current status is Online.
func (s *State) Online() bool {
	return s.Status() == Online
}

// swap sets the status and returns the previous value.
func (s *State) swap(to Status) Status {
	return Status(s.v.Swap(int32(to)))
}
