package harness

// Trace step names.
const (
	StepRead           = "read"
	StepWrite          = "write"
	StepConnectivity   = "connectivity"
	StepNetwork        = "network"
	StepServerStatus   = "server_status"
	StepDrain          = "drain"
	StepSessionExpired = "session_expired"
)

// TraceEvent records one thing that happened during a scenario. Only the
// fields relevant to Step are set.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Step string `json:"step"`

	// read
	Collection string `json:"collection,omitempty"`
	Source     string `json:"source,omitempty"`
	Count      *int   `json:"count,omitempty"`

	// write
	MutationType   string `json:"mutation_type,omitempty"`
	Outcome        string `json:"outcome,omitempty"`
	MutationID     int64  `json:"mutation_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// connectivity, network
	Status  string `json:"status,omitempty"`
	Changed *bool  `json:"changed,omitempty"`

	// server_status
	HTTPStatus *int `json:"http_status,omitempty"`

	// drain
	Trigger     string  `json:"trigger,omitempty"`
	Delivered   []int64 `json:"delivered,omitempty"`
	Failed      []int64 `json:"failed,omitempty"`
	Dropped     []int64 `json:"dropped,omitempty"`
	AuthExpired bool    `json:"auth_expired,omitempty"`

	// Error is the sync error code of a failed step, if any.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace lists step events in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Record appends ev to the trace.
func (r *Result) Record(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

func intPtr(n int) *int    { return &n }
func boolPtr(b bool) *bool { return &b }
