package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/queue"
)

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
			fmt.Fprintf(&buf, "  [%d] %s %s %s\n", event.Seq, event.Step, event.Entity, event.Outcome)
			for _, req := range event.Requests {
				fmt.Fprintf(&buf, "        %s %s -> %d\n", req.Method, req.Path, req.Status)
			}
		}
	}
	return buf.String()
}

// AssertionContext provides access to the scenario's final state.
type AssertionContext struct {
	Ctx     context.Context
	Harness *Harness
}

// EvaluateAssertions runs all assertions and returns failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertRecord:
		return assertRecord(a, actx)
	case AssertQueueDepth:
		return assertQueueDepth(a, actx)
	case AssertPermanentCount:
		return assertPermanentCount(a, actx)
	case AssertRemoteEntity:
		return assertRemoteEntity(a, actx)
	case AssertRemoteCount:
		return assertRemoteCount(a, actx)
	case AssertRequestCount:
		return assertRequestCount(result.Trace, a)
	case AssertRequestOrder:
		return assertRequestOrder(result.Trace, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// assertRecord checks the locally cached record. A temp id is resolved
// first, so an alias bound before a remap still finds the record.
func assertRecord(a Assertion, actx *AssertionContext) error {
	h := actx.Harness
	id := h.substitute(a.ID)
	resolved, err := h.local.ResolveID(actx.Ctx, a.Entity, id)
	if err != nil {
		return err
	}
	key := model.EntityKey{Type: a.Entity, ID: resolved}.String()

	if a.ResolvesTo != "" && resolved != h.substitute(a.ResolvesTo) {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("%s/%s resolves to %s", a.Entity, id, a.ResolvesTo),
			Actual:   fmt.Sprintf("resolves to %s", resolved),
		}
	}

	rec, found, err := h.local.Get(actx.Ctx, a.Entity, resolved)
	if err != nil {
		return err
	}
	if a.Absent {
		if found {
			return &AssertionError{Type: AssertRecord, Expected: key + " absent", Actual: "cached as " + string(rec.SyncState)}
		}
		return nil
	}
	if !found {
		return &AssertionError{Type: AssertRecord, Expected: key + " cached", Actual: "not found"}
	}
	if a.SyncState != "" && string(rec.SyncState) != a.SyncState {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("%s in state %s", key, a.SyncState),
			Actual:   string(rec.SyncState),
		}
	}
	if err := matchPayload(rec.Payload, h.substituteMap(a.Payload)); err != nil {
		return &AssertionError{Type: AssertRecord, Expected: fmt.Sprintf("%s payload %v", key, a.Payload), Actual: err.Error()}
	}
	return nil
}

func assertQueueDepth(a Assertion, actx *AssertionContext) error {
	depth, err := actx.Harness.queue.Depth(actx.Ctx)
	if err != nil {
		return err
	}
	if depth != a.Count {
		ops, _ := actx.Harness.queue.List(actx.Ctx, queue.Filter{})
		return &AssertionError{
			Type:     AssertQueueDepth,
			Expected: fmt.Sprintf("%d queued operations", a.Count),
			Actual:   fmt.Sprintf("%d: %s", depth, describeOps(ops)),
		}
	}
	return nil
}

func assertPermanentCount(a Assertion, actx *AssertionContext) error {
	ops, err := actx.Harness.queue.Permanent(actx.Ctx)
	if err != nil {
		return err
	}
	if len(ops) != a.Count {
		return &AssertionError{
			Type:     AssertPermanentCount,
			Expected: fmt.Sprintf("%d permanent operations", a.Count),
			Actual:   fmt.Sprintf("%d: %s", len(ops), describeOps(ops)),
		}
	}
	return nil
}

func assertRemoteEntity(a Assertion, actx *AssertionContext) error {
	h := actx.Harness
	id := h.substitute(a.ID)
	var found map[string]any
	for _, e := range h.fake.Entities(a.Entity) {
		if fmt.Sprint(e["id"]) == id {
			found = e
			break
		}
	}
	key := a.Entity + "/" + id
	if a.Absent {
		if found != nil {
			return &AssertionError{Type: AssertRemoteEntity, Expected: key + " absent remotely", Actual: fmt.Sprint(found)}
		}
		return nil
	}
	if found == nil {
		return &AssertionError{Type: AssertRemoteEntity, Expected: key + " stored remotely", Actual: "not found"}
	}
	raw, err := json.Marshal(found)
	if err != nil {
		return err
	}
	if err := matchPayload(raw, h.substituteMap(a.Payload)); err != nil {
		return &AssertionError{Type: AssertRemoteEntity, Expected: fmt.Sprintf("%s payload %v", key, a.Payload), Actual: err.Error()}
	}
	return nil
}

func assertRemoteCount(a Assertion, actx *AssertionContext) error {
	if n := actx.Harness.fake.Count(a.Entity); n != a.Count {
		return &AssertionError{
			Type:     AssertRemoteCount,
			Expected: fmt.Sprintf("%d remote %s entities", a.Count, a.Entity),
			Actual:   fmt.Sprint(n),
		}
	}
	return nil
}

// assertRequestCount checks how often "METHOD /path" reached the remote.
func assertRequestCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, req := range requestsOf(trace) {
		if req == a.Request {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertRequestCount,
			Expected: fmt.Sprintf("%s %d times", a.Request, a.Count),
			Actual:   fmt.Sprintf("%d times", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertRequestOrder checks that the requests were made in the given order.
// Requests don't need to be consecutive (intervening requests are allowed).
func assertRequestOrder(trace []TraceEvent, a Assertion) error {
	reqs := requestsOf(trace)
	next := 0
	for _, req := range reqs {
		if next < len(a.Requests) && req == a.Requests[next] {
			next++
		}
	}
	if next < len(a.Requests) {
		return &AssertionError{
			Type:     AssertRequestOrder,
			Expected: fmt.Sprintf("requests in order: %v", a.Requests),
			Actual:   fmt.Sprintf("missing %s after %v", a.Requests[next], a.Requests[:next]),
			Trace:    trace,
		}
	}
	return nil
}

func requestsOf(trace []TraceEvent) []string {
	var out []string
	for _, ev := range trace {
		for _, req := range ev.Requests {
			out = append(out, req.Method+" "+req.Path)
		}
	}
	return out
}

// matchPayload checks that raw holds every field of want (subset match).
// Both sides are compared in their JSON form so YAML ints equal JSON numbers.
func matchPayload(raw json.RawMessage, want map[string]any) error {
	if len(want) == 0 {
		return nil
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		return fmt.Errorf("payload is not a JSON object: %w", err)
	}
	wantJSON, err := json.Marshal(want)
	if err != nil {
		return err
	}
	var normalized map[string]any
	if err := json.Unmarshal(wantJSON, &normalized); err != nil {
		return err
	}

	keys := make([]string, 0, len(normalized))
	for k := range normalized {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		actual, ok := got[k]
		if !ok {
			return fmt.Errorf("field %q missing", k)
		}
		if !reflect.DeepEqual(actual, normalized[k]) {
			return fmt.Errorf("field %q is %v, want %v", k, actual, normalized[k])
		}
	}
	return nil
}

func describeOps(ops []model.Operation) string {
	if len(ops) == 0 {
		return "none"
	}
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = fmt.Sprintf("op %d %s %s (%s)", op.ID, op.Kind, op.Key(), op.Status)
	}
	return strings.Join(parts, ", ")
}
