package reconciler

// State is a step of the reconciliation state machine:
//
//	Idle -> Scanning -> Dispatching -> {Applied | Retriable | Permanent} -> Scanning | Idle
//
// With more than one worker, per-operation outcomes of concurrent dispatches
// interleave; the reported state is always the most recent transition.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateDispatching
	StateApplied
	StateRetriable
	StatePermanent
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateDispatching:
		return "dispatching"
	case StateApplied:
		return "applied"
	case StateRetriable:
		return "retriable"
	case StatePermanent:
		return "permanent"
	}
	return "unknown"
}

// Events are optional hooks fired by the reconciler. Hooks run on the
// dispatching goroutine and must not block.
type Events struct {
	// OnStateChange fires on every transition.
	OnStateChange func(State)
	// OnApplied fires after an operation was confirmed and acknowledged.
	// finalID is the entity id after any temp id remap.
	OnApplied func(op Operation, finalID string)
	// OnPermanent fires when an operation is frozen. The entity now carries
	// a sticky "failed to sync" indicator until the user acts on it.
	OnPermanent func(op Operation)
}

// PassStats summarizes one RunOnce.
type PassStats struct {
	Rounds     int
	Dispatched int
	Applied    int
	Retried    int
	Permanent  int
	Deferred   int
	// Interrupted is set when the pass ended before the queue was drained.
	Interrupted bool
}

func (s *PassStats) add(o outcome) {
	if o == outcomeInterrupted {
		s.Interrupted = true
		return
	}
	s.Dispatched++
	switch o {
	case outcomeApplied:
		s.Applied++
	case outcomeRetried:
		s.Retried++
	case outcomePermanent:
		s.Permanent++
	case outcomeDeferred:
		s.Deferred++
	}
}

type outcome int

const (
	outcomeApplied outcome = iota + 1
	outcomeRetried
	outcomePermanent
	outcomeDeferred
	// outcomeInterrupted means the op was never sent and the pass must end.
	outcomeInterrupted
)
