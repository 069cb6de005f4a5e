package harness

// TraceEvent is one entry of a run's trace. Fields holds the event-specific
// values; every value is a string, int, int64 or bool so the trace can be
// canonically encoded.
type TraceEvent struct {
	Type   string         `json:"type"` // network, remote, enqueue, deliver or sync
	Seq    int64          `json:"seq"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Delivery outcomes recorded on deliver events.
const (
	OutcomeAccepted     = "accepted"
	OutcomeDuplicate    = "duplicate"
	OutcomeDown         = "down"
	OutcomeRejected     = "rejected"
	OutcomeLostResponse = "lost_response"
)

// Applied is a record the remote accepted and applied.
type Applied struct {
	Type           string
	IdempotencyKey string
	Payload        map[string]any
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace lists every step and delivery attempt in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Pending is the final queue depth per record type.
	Pending map[string]int `json:"pending"`

	// Applied lists what the remote applied, in order.
	Applied []Applied `json:"-"`

	// Duplicates counts resends the remote acknowledged without applying.
	Duplicates int `json:"duplicates"`

	// Drains counts sync steps that ran a pass.
	Drains int `json:"drains"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Pending: make(map[string]int),
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addTrace(typ string, fields map[string]any) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:   typ,
		Seq:    int64(len(r.Trace) + 1),
		Fields: fields,
	})
}
