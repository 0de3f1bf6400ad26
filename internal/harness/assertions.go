package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/offsync/internal/offline"
	"github.com/roach88/offsync/internal/payload"
	"github.com/roach88/offsync/internal/testutil"
)

// AssertionContext is the final state assertions inspect.
type AssertionContext struct {
	Ctx    context.Context
	Client *offline.Client
	Remote *testutil.FakeRemote
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", event.Seq, describeEvent(event))
		}
	}

	return buf.String()
}

// EvaluateAssertions checks every assertion and returns one message per
// failure, in assertion order.
func EvaluateAssertions(result *Result, assertions []Assertion, env *AssertionContext) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(result.Trace, a, env); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %s", i, err))
		}
	}
	return failures
}

func evaluate(trace []TraceEvent, a Assertion, env *AssertionContext) error {
	switch a.Type {
	case AssertOutboxCount:
		return assertOutboxCount(env, a)
	case AssertOutboxContains:
		return assertOutboxContains(env, a)
	case AssertRemoteRequest:
		return assertRemoteRequest(env, a)
	case AssertRemoteCount:
		return assertRemoteCount(env, a)
	case AssertCachedItem:
		return assertCachedItem(env, a)
	case AssertCacheCount:
		return assertCacheCount(env, a)
	case AssertTraceOrder:
		return assertTraceOrder(trace, a)
	case AssertTraceCount:
		return assertTraceCount(trace, a)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

func assertOutboxCount(env *AssertionContext, a Assertion) error {
	n, err := env.Client.Outbox.Len(env.Ctx)
	if err != nil {
		return fmt.Errorf("outbox length: %w", err)
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertOutboxCount,
			Expected: fmt.Sprintf("%d pending mutations", a.Count),
			Actual:   fmt.Sprintf("%d pending mutations", n),
		}
	}
	return nil
}

// assertOutboxContains checks for a pending mutation of the given type whose
// payload contains Body (subset match).
func assertOutboxContains(env *AssertionContext, a Assertion) error {
	pending, err := env.Client.Outbox.Pending(env.Ctx)
	if err != nil {
		return fmt.Errorf("outbox pending: %w", err)
	}
	types := make([]string, 0, len(pending))
	for _, m := range pending {
		types = append(types, m.Type)
		if m.Type == a.MutationType && matchSubset(m.Payload, a.Body) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertOutboxContains,
		Expected: fmt.Sprintf("pending %s with payload %s", a.MutationType, describeSubset(a.Body)),
		Actual:   fmt.Sprintf("pending types %v", types),
	}
}

// assertRemoteRequest checks that the backend received a matching mutation.
func assertRemoteRequest(env *AssertionContext, a Assertion) error {
	requests := env.Remote.Mutations()
	for _, r := range requests {
		if matchRequest(r, a) {
			return nil
		}
	}
	seen := make([]string, 0, len(requests))
	for _, r := range requests {
		seen = append(seen, r.Method+" "+r.Path)
	}
	return &AssertionError{
		Type:     AssertRemoteRequest,
		Expected: describeRequest(a),
		Actual:   fmt.Sprintf("received %v", seen),
	}
}

// assertRemoteCount counts backend mutations matching the optional filters.
func assertRemoteCount(env *AssertionContext, a Assertion) error {
	count := 0
	for _, r := range env.Remote.Mutations() {
		if matchRequest(r, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertRemoteCount,
			Expected: fmt.Sprintf("%d requests matching %s", a.Count, describeRequest(a)),
			Actual:   fmt.Sprintf("%d requests", count),
		}
	}
	return nil
}

// assertCachedItem finds exactly one cached item matching Where and checks
// Expect against it (subset match).
func assertCachedItem(env *AssertionContext, a Assertion) error {
	items, err := env.Client.Store.GetAll(env.Ctx, a.Collection)
	if err != nil {
		return fmt.Errorf("cache %s: %w", a.Collection, err)
	}

	var found []json.RawMessage
	for _, item := range items {
		if matchSubset(item, a.Where) {
			found = append(found, item)
		}
	}
	switch len(found) {
	case 0:
		return &AssertionError{
			Type:     AssertCachedItem,
			Expected: fmt.Sprintf("item in %s where %s", a.Collection, describeSubset(a.Where)),
			Actual:   "item not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertCachedItem,
			Expected: fmt.Sprintf("exactly one item in %s where %s", a.Collection, describeSubset(a.Where)),
			Actual:   "multiple items matched (assertion is ambiguous)",
		}
	}

	if !matchSubset(found[0], a.Expect) {
		return &AssertionError{
			Type:     AssertCachedItem,
			Expected: describeSubset(a.Expect),
			Actual:   string(found[0]),
		}
	}
	return nil
}

func assertCacheCount(env *AssertionContext, a Assertion) error {
	items, err := env.Client.Store.GetAll(env.Ctx, a.Collection)
	if err != nil {
		return fmt.Errorf("cache %s: %w", a.Collection, err)
	}
	if len(items) != a.Count {
		return &AssertionError{
			Type:     AssertCacheCount,
			Expected: fmt.Sprintf("%d items in %s", a.Count, a.Collection),
			Actual:   fmt.Sprintf("%d items", len(items)),
		}
	}
	return nil
}

// assertTraceOrder checks that the steps appear in the specified order.
// Steps don't need to be consecutive (intervening events are allowed), and a
// step name may repeat to require several occurrences.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, event := range trace {
		if next < len(a.Steps) && event.Step == a.Steps[next] {
			next++
		}
	}
	if next < len(a.Steps) {
		return &AssertionError{
			Type:     AssertTraceOrder,
			Expected: fmt.Sprintf("steps in order: %v", a.Steps),
			Actual:   fmt.Sprintf("missing %s after %v", a.Steps[next], a.Steps[:next]),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceCount checks if the step appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Step == a.Step {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Step),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

func matchRequest(r testutil.Request, a Assertion) bool {
	if a.Method != "" && !strings.EqualFold(a.Method, r.Method) {
		return false
	}
	if a.Path != "" && a.Path != r.Path {
		return false
	}
	if a.IdempotencyKey != "" && a.IdempotencyKey != r.IdempotencyKey {
		return false
	}
	return matchSubset(r.Body, a.Body)
}

// matchSubset reports whether the JSON object raw contains every key of
// expected with an equal value. Values compare by canonical encoding, so
// 2 and 2.0 differ but key order never matters.
func matchSubset(raw json.RawMessage, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}
	var actual map[string]json.RawMessage
	if err := json.Unmarshal(raw, &actual); err != nil {
		return false
	}
	for key, want := range expected {
		got, ok := actual[key]
		if !ok {
			return false
		}
		wantJSON, err := payload.Canonical(want)
		if err != nil {
			return false
		}
		gotJSON, err := payload.Normalize(got)
		if err != nil {
			return false
		}
		if !bytes.Equal(wantJSON, gotJSON) {
			return false
		}
	}
	return true
}

// describeSubset renders expected with sorted keys for messages.
func describeSubset(expected map[string]any) string {
	if len(expected) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, expected[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func describeRequest(a Assertion) string {
	method, path := a.Method, a.Path
	if method == "" {
		method = "*"
	}
	if path == "" {
		path = "*"
	}
	desc := strings.ToUpper(method) + " " + path
	if a.IdempotencyKey != "" {
		desc += " key=" + a.IdempotencyKey
	}
	if len(a.Body) > 0 {
		desc += " body " + describeSubset(a.Body)
	}
	return desc
}

func describeEvent(ev TraceEvent) string {
	switch ev.Step {
	case StepRead:
		if ev.Error != "" {
			return fmt.Sprintf("read %s -> %s", ev.Collection, ev.Error)
		}
		return fmt.Sprintf("read %s -> %s", ev.Collection, ev.Source)
	case StepWrite:
		if ev.Error != "" {
			return fmt.Sprintf("write %s -> %s", ev.MutationType, ev.Error)
		}
		return fmt.Sprintf("write %s -> %s", ev.MutationType, ev.Outcome)
	case StepConnectivity, StepNetwork:
		return ev.Step + " " + ev.Status
	case StepServerStatus:
		if ev.HTTPStatus != nil {
			return fmt.Sprintf("server_status %d", *ev.HTTPStatus)
		}
	case StepDrain:
		return fmt.Sprintf("drain (%s) delivered=%v failed=%v dropped=%v",
			ev.Trigger, ev.Delivered, ev.Failed, ev.Dropped)
	}
	return ev.Step
}
