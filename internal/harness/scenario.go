package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/offsync/internal/connectivity"
)

// Scenario defines one offline-sync scenario.
type Scenario struct {
	// Name uniquely identifies this scenario (and names its golden file).
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Initial is the connectivity at startup: online (default) or offline.
	Initial string `yaml:"initial,omitempty"`

	// Remote seeds the fake backend: collection name to items.
	Remote map[string][]map[string]any `yaml:"remote,omitempty"`

	// Watch lists collections re-read after every drain.
	Watch []string `yaml:"watch,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace, outbox, backend and cache.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Exactly one of Read, Write, Connectivity,
// Network, ServerStatus or Drain is set.
type Step struct {
	Read         string `yaml:"read,omitempty"`
	Write        string `yaml:"write,omitempty"`
	Connectivity string `yaml:"connectivity,omitempty"`
	Network      string `yaml:"network,omitempty"`
	ServerStatus *int   `yaml:"server_status,omitempty"`
	Drain        bool   `yaml:"drain,omitempty"`

	// Payload is the mutation payload (write).
	Payload map[string]any `yaml:"payload,omitempty"`

	// Optimistic, when set, is the value the optimistic local operation
	// returns (write).
	Optimistic map[string]any `yaml:"optimistic,omitempty"`

	// OptimisticError makes the optimistic local operation fail (write).
	OptimisticError string `yaml:"optimistic_error,omitempty"`

	Expect *StepExpect `yaml:"expect,omitempty"`
}

// Kind returns the step's trace name, or "" if no action is set.
func (s Step) Kind() string {
	switch {
	case s.Read != "":
		return StepRead
	case s.Write != "":
		return StepWrite
	case s.Connectivity != "":
		return StepConnectivity
	case s.Network != "":
		return StepNetwork
	case s.ServerStatus != nil:
		return StepServerStatus
	case s.Drain:
		return StepDrain
	}
	return ""
}

func (s Step) actions() int {
	n := 0
	for _, set := range []bool{
		s.Read != "", s.Write != "", s.Connectivity != "",
		s.Network != "", s.ServerStatus != nil, s.Drain,
	} {
		if set {
			n++
		}
	}
	return n
}

// StepExpect checks a step's immediate effect. Unset fields are not checked.
type StepExpect struct {
	// Source of a read: network or cache.
	Source string `yaml:"source,omitempty"`
	// Count of items a read returned.
	Count *int `yaml:"count,omitempty"`
	// Outcome of a write: direct, queued or queued_no_effect.
	Outcome string `yaml:"outcome,omitempty"`
	// Error is the expected sync error code; "none" asserts success.
	Error string `yaml:"error,omitempty"`

	// Drain results for drain steps and for connectivity steps that
	// come online.
	Delivered   *int  `yaml:"delivered,omitempty"`
	Failed      *int  `yaml:"failed,omitempty"`
	Dropped     *int  `yaml:"dropped,omitempty"`
	AuthExpired *bool `yaml:"auth_expired,omitempty"`
}

func (e *StepExpect) wantsDrain() bool {
	return e.Delivered != nil || e.Failed != nil || e.Dropped != nil || e.AuthExpired != nil
}

// Assertion validates the state after the last step.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Count is the expected number (outbox_count, remote_count,
	// cache_count, trace_count).
	Count int `yaml:"count,omitempty"`

	// MutationType filters outbox_contains.
	MutationType string `yaml:"mutation_type,omitempty"`

	// Method, Path and IdempotencyKey filter remote_request and
	// remote_count. Empty means any.
	Method         string `yaml:"method,omitempty"`
	Path           string `yaml:"path,omitempty"`
	IdempotencyKey string `yaml:"idempotency_key,omitempty"`

	// Body is a subset of the request body (remote_request) or of the
	// queued payload (outbox_contains).
	Body map[string]any `yaml:"body,omitempty"`

	// Collection, Where and Expect select and check a cached item
	// (cached_item), or name the collection for cache_count.
	Collection string         `yaml:"collection,omitempty"`
	Where      map[string]any `yaml:"where,omitempty"`
	Expect     map[string]any `yaml:"expect,omitempty"`

	// Step names the trace step for trace_count; Steps gives the order
	// for trace_order.
	Step  string   `yaml:"step,omitempty"`
	Steps []string `yaml:"steps,omitempty"`
}

// Assertion type constants.
const (
	AssertOutboxCount    = "outbox_count"
	AssertOutboxContains = "outbox_contains"
	AssertRemoteRequest  = "remote_request"
	AssertRemoteCount    = "remote_count"
	AssertCachedItem     = "cached_item"
	AssertCacheCount     = "cache_count"
	AssertTraceOrder     = "trace_order"
	AssertTraceCount     = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Initial != "" {
		if _, err := connectivity.ParseStatus(s.Initial); err != nil {
			return fmt.Errorf("initial: %w", err)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s Step) error {
	if n := s.actions(); n != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, found %d", index, n)
	}

	switch s.Kind() {
	case StepWrite:
		if s.Payload == nil {
			return fmt.Errorf("steps[%d]: payload is required for write (use an empty map if none)", index)
		}
		if s.Optimistic != nil && s.OptimisticError != "" {
			return fmt.Errorf("steps[%d]: optimistic and optimistic_error are exclusive", index)
		}
	case StepConnectivity:
		if _, err := connectivity.ParseStatus(s.Connectivity); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	case StepNetwork:
		if s.Network != "up" && s.Network != "down" {
			return fmt.Errorf("steps[%d]: network must be up or down, got %q", index, s.Network)
		}
	case StepServerStatus:
		if code := *s.ServerStatus; code != 0 && (code < 100 || code > 599) {
			return fmt.Errorf("steps[%d]: server_status %d is not an HTTP status", index, code)
		}
	}

	if s.Payload != nil && s.Kind() != StepWrite {
		return fmt.Errorf("steps[%d]: payload is only valid for write", index)
	}

	if e := s.Expect; e != nil {
		kind := s.Kind()
		if (e.Source != "" || e.Count != nil) && kind != StepRead {
			return fmt.Errorf("steps[%d].expect: source and count apply to read only", index)
		}
		if e.Outcome != "" && kind != StepWrite {
			return fmt.Errorf("steps[%d].expect: outcome applies to write only", index)
		}
		if e.wantsDrain() && kind != StepDrain && kind != StepConnectivity {
			return fmt.Errorf("steps[%d].expect: drain results apply to drain and connectivity only", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}

	switch a.Type {
	case AssertOutboxCount, AssertRemoteCount:
	case AssertOutboxContains:
		if a.MutationType == "" {
			return fmt.Errorf("assertions[%d]: mutation_type is required for outbox_contains", index)
		}
	case AssertRemoteRequest:
		if a.Method == "" && a.Path == "" {
			return fmt.Errorf("assertions[%d]: method or path is required for remote_request", index)
		}
	case AssertCachedItem:
		if a.Collection == "" {
			return fmt.Errorf("assertions[%d]: collection is required for cached_item", index)
		}
		if len(a.Where) == 0 {
			return fmt.Errorf("assertions[%d]: where is required for cached_item", index)
		}
	case AssertCacheCount:
		if a.Collection == "" {
			return fmt.Errorf("assertions[%d]: collection is required for cache_count", index)
		}
	case AssertTraceOrder:
		if len(a.Steps) == 0 {
			return fmt.Errorf("assertions[%d]: steps list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
