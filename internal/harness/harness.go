package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/offline"
	"github.com/roach88/offsync/internal/payload"
	"github.com/roach88/offsync/internal/syncerr"
	"github.com/roach88/offsync/internal/testutil"
)

// Harness is the scenario execution engine.
type Harness struct {
	client *offline.Client
	remote *testutil.FakeRemote
	clock  *engine.Clock
	result *Result

	// lastDrain is the Seq of the last drain report already traced.
	lastDrain int64
	// sessionExpired is set by the auth-expired callback during a drain.
	sessionExpired bool
}

// Option configures Run.
type Option func(*runOptions)

type runOptions struct {
	log *zap.Logger
}

// WithLogger routes the client's logs to l. Default: discarded.
func WithLogger(l *zap.Logger) Option {
	return func(o *runOptions) {
		o.log = l
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory store and a fresh fake
// backend. Execution flow:
//  1. Seed the backend
//  2. Open the offline client
//  3. Run steps, checking each step's expect clause
//  4. Evaluate assertions
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	return RunContext(context.Background(), scenario, opts...)
}

// RunContext is Run with a caller context.
func RunContext(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := runOptions{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	remote := testutil.StartFakeRemote()
	defer remote.Close()

	names := make([]string, 0, len(scenario.Remote))
	for name := range scenario.Remote {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		items := make([]any, len(scenario.Remote[name]))
		for i, item := range scenario.Remote[name] {
			items[i] = item
		}
		if err := remote.Seed(name, items...); err != nil {
			return nil, fmt.Errorf("failed to seed remote: %w", err)
		}
	}

	cfg := config.Defaults()
	cfg.Store.Path = ":memory:"
	cfg.Remote.BaseURL = remote.URL()
	if scenario.Initial != "" {
		cfg.Connectivity.Initial = scenario.Initial
	}

	h := &Harness{
		remote: remote,
		clock:  engine.NewClock(),
		result: NewResult(),
	}

	client, err := offline.Open(&cfg, o.log,
		offline.WithKeyGenerator(testutil.NewSequenceKeys("key")),
		offline.WithOnAuthExpired(func(context.Context, error) {
			h.sessionExpired = true
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open client: %w", err)
	}
	defer client.Close()
	h.client = client
	client.Watch(scenario.Watch...)

	for i, step := range scenario.Steps {
		if err := h.runStep(ctx, i, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Kind(), err)
		}
	}

	env := &AssertionContext{
		Ctx:    ctx,
		Client: client,
		Remote: remote,
	}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, env) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

// runStep executes one step. Failures the step is expected to observe
// (sync error codes) go into the trace; only harness failures are returned.
func (h *Harness) runStep(ctx context.Context, index int, step Step) error {
	var drain *TraceEvent

	switch step.Kind() {
	case StepRead:
		res, err := h.client.Read(ctx, step.Read)
		ev := TraceEvent{Step: StepRead, Collection: step.Read}
		if err != nil {
			ev.Error = errorCode(err)
		} else {
			ev.Source = res.Source.String()
			ev.Count = intPtr(len(res.Items))
		}
		h.record(ev)
		h.checkStep(index, step.Expect, ev)

	case StepWrite:
		body, err := payload.Canonical(step.Payload)
		if err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		out, err := h.client.Write(ctx, step.Write, json.RawMessage(body), h.optimistic(step))
		ev := TraceEvent{Step: StepWrite, MutationType: step.Write}
		if err != nil {
			ev.Error = errorCode(err)
		} else {
			ev.Outcome = out.Kind().String()
			if m, ok := out.Mutation(); ok {
				ev.MutationID = m.ID
				ev.IdempotencyKey = m.IdempotencyKey
			}
		}
		h.record(ev)
		h.checkStep(index, step.Expect, ev)

	case StepConnectivity:
		status, err := connectivity.ParseStatus(step.Connectivity)
		if err != nil {
			return err
		}
		changed := h.client.Monitor.Signal(status, "scenario")
		ev := TraceEvent{Step: StepConnectivity, Status: status.String(), Changed: boolPtr(changed)}
		h.record(ev)
		h.checkStep(index, step.Expect, ev)

	case StepNetwork:
		h.remote.SetDown(step.Network == "down")
		h.record(TraceEvent{Step: StepNetwork, Status: step.Network})

	case StepServerStatus:
		h.remote.SetStatus(*step.ServerStatus)
		h.record(TraceEvent{Step: StepServerStatus, HTTPStatus: intPtr(*step.ServerStatus)})

	case StepDrain:
		report, ok := h.client.Engine.DrainNow(ctx)
		if !ok {
			return errors.New("drain already running")
		}
		drain = h.recordDrain(report, "manual")

	default:
		return errors.New("step has no action")
	}

	if reconnect := h.settle(ctx); reconnect != nil {
		drain = reconnect
	}

	if step.Expect != nil && step.Expect.wantsDrain() {
		if drain == nil {
			h.result.AddError(fmt.Sprintf("steps[%d]: expected a drain, none ran", index))
		} else {
			h.checkDrain(index, step.Expect, *drain)
		}
	}
	return nil
}

// settle delivers queued connectivity transitions, waits for any drain
// they started and for detached cache writes. It returns the trace event
// of a drain started by a reconnect, if any.
func (h *Harness) settle(ctx context.Context) *TraceEvent {
	var drain *TraceEvent
	for h.client.Monitor.DeliverPending(ctx) > 0 {
		h.client.Engine.Wait()
		if report, ok := h.client.Engine.LastReport(); ok && report.Seq > h.lastDrain {
			drain = h.recordDrain(report, "reconnect")
		}
	}
	h.client.Engine.Wait()
	h.client.Reader.Flush()
	return drain
}

func (h *Harness) recordDrain(report engine.DrainReport, trigger string) *TraceEvent {
	h.lastDrain = report.Seq
	ev := TraceEvent{
		Step:        StepDrain,
		Trigger:     trigger,
		Delivered:   report.Delivered,
		Failed:      report.Failed,
		Dropped:     report.Dropped,
		AuthExpired: report.AuthExpired,
	}
	if report.Err != nil && !report.AuthExpired {
		ev.Error = errorCode(report.Err)
	}
	h.record(ev)
	recorded := h.result.Trace[len(h.result.Trace)-1]

	// Refresh reads run inside the drain; wait for their cache writes.
	h.client.Reader.Flush()

	if h.sessionExpired {
		h.sessionExpired = false
		h.record(TraceEvent{Step: StepSessionExpired})
	}
	return &recorded
}

func (h *Harness) record(ev TraceEvent) {
	ev.Seq = h.clock.Next()
	h.result.Record(ev)
}

func (h *Harness) optimistic(step Step) func(context.Context) (json.RawMessage, error) {
	switch {
	case step.OptimisticError != "":
		return func(context.Context) (json.RawMessage, error) {
			return nil, errors.New(step.OptimisticError)
		}
	case step.Optimistic != nil:
		return func(context.Context) (json.RawMessage, error) {
			return payload.Canonical(step.Optimistic)
		}
	}
	return nil
}

func (h *Harness) checkStep(index int, e *StepExpect, ev TraceEvent) {
	if e == nil {
		return
	}
	fail := func(format string, args ...any) {
		h.result.AddError(fmt.Sprintf("steps[%d] (%s): ", index, ev.Step) + fmt.Sprintf(format, args...))
	}

	if e.Source != "" && e.Source != ev.Source {
		fail("source = %q, expected %q", ev.Source, e.Source)
	}
	if e.Count != nil && (ev.Count == nil || *ev.Count != *e.Count) {
		got := "none"
		if ev.Count != nil {
			got = fmt.Sprint(*ev.Count)
		}
		fail("count = %s, expected %d", got, *e.Count)
	}
	if e.Outcome != "" && e.Outcome != ev.Outcome {
		fail("outcome = %q, expected %q", ev.Outcome, e.Outcome)
	}
	switch {
	case e.Error == "":
	case e.Error == "none" && ev.Error != "":
		fail("error = %s, expected none", ev.Error)
	case e.Error != "none" && e.Error != ev.Error:
		fail("error = %q, expected %q", ev.Error, e.Error)
	}
}

func (h *Harness) checkDrain(index int, e *StepExpect, ev TraceEvent) {
	fail := func(format string, args ...any) {
		h.result.AddError(fmt.Sprintf("steps[%d] (drain): ", index) + fmt.Sprintf(format, args...))
	}
	counts := []struct {
		name string
		want *int
		got  int
	}{
		{"delivered", e.Delivered, len(ev.Delivered)},
		{"failed", e.Failed, len(ev.Failed)},
		{"dropped", e.Dropped, len(ev.Dropped)},
	}
	for _, c := range counts {
		if c.want != nil && *c.want != c.got {
			fail("%s = %d, expected %d", c.name, c.got, *c.want)
		}
	}
	if e.AuthExpired != nil && *e.AuthExpired != ev.AuthExpired {
		fail("auth_expired = %v, expected %v", ev.AuthExpired, *e.AuthExpired)
	}
}

// errorCode names err for the trace: its sync error code, or ERROR for an
// unclassified failure.
func errorCode(err error) string {
	if code := syncerr.CodeOf(err); code != "" {
		return string(code)
	}
	return "ERROR"
}
