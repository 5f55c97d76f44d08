package harness

import (
	"github.com/roach88/apsync/internal/engine"
	"github.com/roach88/apsync/internal/record"
)

// TraceEvent is one committed slot.
type TraceEvent struct {
	Slot    uint64        `json:"slot"`
	Kind    record.Kind   `json:"kind"`
	Target  record.Handle `json:"target,omitempty"`
	Nodes   int           `json:"nodes"`
	Invoked bool          `json:"invoked"`
	// Errors holds the error codes in the order they were raised.
	Errors []string `json:"errors,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace lists the committed slots in commit order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures.
	Errors []string `json:"errors,omitempty"`

	// Watermark is the durable watermark after the final flush.
	Watermark string `json:"watermark"`

	// State is the cache failure state after the final flush.
	State string `json:"state"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddDispatch appends a committed slot to the trace.
func (r *Result) AddDispatch(e engine.DispatchEvent) {
	ev := TraceEvent{
		Slot:    e.Slot,
		Kind:    e.Kind,
		Target:  e.Target,
		Nodes:   e.Nodes,
		Invoked: e.Invoked,
	}
	for _, err := range e.Errors {
		ev.Errors = append(ev.Errors, string(err.Code))
	}
	r.Trace = append(r.Trace, ev)
}
