package harness

import (
	"github.com/roach88/fieldsync/internal/reconciler"
	"github.com/roach88/fieldsync/internal/remote/fakeremote"
)

// Step kinds recorded in the trace.
const (
	StepWrite        = "write"
	StepRead         = "read"
	StepSync         = "sync"
	StepConnectivity = "connectivity"
	StepFailNext     = "fail_next"
	StepAdvance      = "advance"
	StepRetry        = "retry"
	StepDiscard      = "discard"
)

// TraceEvent is one executed step and the remote requests it caused.
type TraceEvent struct {
	Seq      int                          `json:"seq"`
	Step     string                       `json:"step"`
	Entity   string                       `json:"entity,omitempty"`
	Kind     string                       `json:"kind,omitempty"`
	Outcome  string                       `json:"outcome,omitempty"`
	Code     string                       `json:"code,omitempty"`
	Stats    *SyncStats                   `json:"stats,omitempty"`
	Requests []fakeremote.RequestLogEntry `json:"requests,omitempty"`
}

// SyncStats is the trace form of a reconciler pass.
type SyncStats struct {
	Rounds     int `json:"rounds" yaml:"rounds"`
	Dispatched int `json:"dispatched" yaml:"dispatched"`
	Applied    int `json:"applied" yaml:"applied"`
	Retried    int `json:"retried" yaml:"retried"`
	Permanent  int `json:"permanent" yaml:"permanent"`
	Deferred   int `json:"deferred" yaml:"deferred"`
}

func statsOf(s reconciler.PassStats) SyncStats {
	return SyncStats{
		Rounds:     s.Rounds,
		Dispatched: s.Dispatched,
		Applied:    s.Applied,
		Retried:    s.Retried,
		Permanent:  s.Permanent,
		Deferred:   s.Deferred,
	}
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace lists the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`

	// Aliases maps scenario aliases to the ids they were bound to.
	Aliases map[string]string `json:"aliases,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Aliases: make(map[string]string),
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addEvent(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}
