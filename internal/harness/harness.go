package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/coordinator"
	"github.com/roach88/fieldsync/internal/localstore"
	"github.com/roach88/fieldsync/internal/logging"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/reconciler"
	"github.com/roach88/fieldsync/internal/remote"
	"github.com/roach88/fieldsync/internal/remote/fakeremote"
	"github.com/roach88/fieldsync/internal/schema"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

// Epoch is the fake wall clock's start time for every scenario.
var Epoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

// Id prefixes used by scenarios. Temp ids come out as tmp_171-1, tmp_171-2, ...
const (
	TempIDPrefix     = "171-"
	QueueKeyPrefix   = "op-"
	DirectKeyPrefix  = "direct-"
	remoteTimeout    = 5 * time.Second
	aliasPlaceholder = "$"
)

// Harness runs one scenario against a fresh sync stack: an in-memory store,
// the real coordinator and reconciler, and a fake remote over loopback HTTP.
// Connectivity is driven by the scenario; time is a fake clock; temp ids and
// idempotency keys are sequential so traces are byte-identical between runs.
type Harness struct {
	store   *store.Store
	local   *localstore.LocalStore
	queue   *queue.Queue
	coord   *coordinator.Coordinator
	rec     *reconciler.Reconciler
	conn    *connectivity.Manual
	clock   *testutil.FakeClock
	fake    *fakeremote.Server
	server  *httptest.Server
	aliases map[string]string
	logged  int
	logger  *slog.Logger
}

// Run executes a scenario and returns the result. The returned error is
// non-nil only when the stack could not be built or a step could not run at
// all; failed expectations and assertions are reported in the Result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	actx := &AssertionContext{Ctx: ctx, Harness: h}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	for alias, id := range h.aliases {
		result.Aliases[alias] = id
	}
	return result, nil
}

func newHarness(ctx context.Context, scenario *Scenario) (*Harness, error) {
	h := &Harness{
		conn:    connectivity.NewManual(scenario.Online),
		clock:   testutil.NewFakeClock(Epoch),
		aliases: make(map[string]string),
		logger:  logging.Discard(),
	}

	st, err := store.Open(":memory:", store.WithNow(h.clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	h.store = st

	fakeOpts := []fakeremote.Option{fakeremote.WithLogger(h.logger)}
	for _, u := range scenario.Remote.Unique {
		entity, field, _ := splitUnique(u)
		fakeOpts = append(fakeOpts, fakeremote.WithValidator(entity, fakeremote.UniqueField(entity, field)))
	}
	h.fake = fakeremote.New(fakeOpts...)
	for i := 1; i < scenario.Remote.NextID; i++ {
		h.fake.Seed("filler", map[string]any{"n": i})
	}
	for _, seed := range scenario.Remote.Seed {
		id := h.fake.Seed(seed.Entity, h.substituteMap(seed.Data))
		if seed.As != "" {
			h.aliases[seed.As] = id
		}
	}
	h.server = httptest.NewServer(h.fake)

	client, err := remote.NewClient(h.server.URL, remote.WithTimeout(remoteTimeout), remote.WithLogger(h.logger))
	if err != nil {
		h.close()
		return nil, err
	}

	policy := queue.DefaultRetryPolicy()
	policy.Jitter = 0
	h.queue, err = queue.New(ctx, st,
		queue.WithNow(h.clock.Now),
		queue.WithRetryPolicy(policy),
		queue.WithKeyGenerator(testutil.NewSequenceIDs(QueueKeyPrefix).Generate),
		queue.WithLogger(h.logger),
	)
	if err != nil {
		h.close()
		return nil, err
	}

	validator, err := schema.New()
	if err != nil {
		h.close()
		return nil, err
	}

	h.local = localstore.New(st, localstore.WithLogger(h.logger))
	h.coord = coordinator.New(h.local, h.queue, client, h.conn,
		coordinator.WithValidator(validator),
		coordinator.WithTempIDs(testutil.NewSequenceIDs(TempIDPrefix)),
		coordinator.WithIdempotencyKeys(testutil.NewSequenceIDs(DirectKeyPrefix)),
		coordinator.WithLogger(h.logger),
	)
	// One worker keeps request order deterministic across entities.
	h.rec = reconciler.New(h.queue, client, h.conn,
		reconciler.WithWorkers(1),
		reconciler.WithSettler(h.coord),
		reconciler.WithLogger(h.logger),
	)
	return h, nil
}

func (h *Harness) close() {
	if h.server != nil {
		h.server.Close()
	}
	if h.store != nil {
		h.store.Close()
	}
}

func (h *Harness) execute(ctx context.Context, index int, step Step, result *Result) error {
	var ev TraceEvent
	var err error

	switch step.action() {
	case StepWrite:
		ev, err = h.write(ctx, index, step, result)
	case StepRead:
		ev = h.read(ctx, index, step, result)
	case StepSync:
		ev, err = h.sync(ctx, index, step, result)
	case StepConnectivity:
		h.conn.Set(step.Connectivity == "online")
		ev = TraceEvent{Step: StepConnectivity, Outcome: step.Connectivity}
	case StepFailNext:
		h.fake.FailNext(step.FailNext.Count, step.FailNext.Status)
		ev = TraceEvent{Step: StepFailNext, Outcome: fmt.Sprintf("%d x %d", step.FailNext.Count, step.FailNext.Status)}
	case StepAdvance:
		d, _ := time.ParseDuration(step.Advance)
		h.clock.Advance(d)
		ev = TraceEvent{Step: StepAdvance, Outcome: d.String()}
	case StepRetry:
		ev = h.manage(ctx, StepRetry, step.Retry, h.coord.RetryFailed, result, index)
	case StepDiscard:
		ev = h.manage(ctx, StepDiscard, step.Discard, h.coord.Acknowledge, result, index)
	default:
		return fmt.Errorf("no action")
	}
	if err != nil {
		return err
	}

	ev.Requests = h.newRequests()
	result.addEvent(ev)
	h.logger.Info("scenario step completed", "step", index, "action", ev.Step, "outcome", ev.Outcome)
	return nil
}

func (h *Harness) write(ctx context.Context, index int, step Step, result *Result) (TraceEvent, error) {
	w := step.Write
	kind := model.OpKind(w.Kind)
	if kind == "" {
		kind = model.OpCreate
	}
	m := coordinator.Mutation{EntityType: w.Entity, ID: h.substitute(w.ID), Kind: kind}
	if kind != model.OpDelete {
		payload, err := json.Marshal(h.substituteMap(w.Data))
		if err != nil {
			return TraceEvent{}, fmt.Errorf("encode data: %w", err)
		}
		m.Payload = payload
	}

	res, err := h.coord.WriteThrough(ctx, m)
	if err != nil {
		return TraceEvent{}, err
	}

	ev := TraceEvent{Step: StepWrite, Kind: string(kind), Outcome: variantOf(res), Code: codeOf(res)}
	switch {
	case res.Record != nil:
		ev.Entity = model.EntityKey{Type: res.Record.EntityType, ID: res.Record.ID}.String()
	case m.ID != "":
		ev.Entity = model.EntityKey{Type: m.EntityType, ID: m.ID}.String()
	default:
		ev.Entity = m.EntityType
	}
	if w.As != "" && res.Record != nil {
		h.aliases[w.As] = res.Record.ID
	}
	h.checkExpect(index, step, ev, result)
	return ev, nil
}

func (h *Harness) read(ctx context.Context, index int, step Step, result *Result) TraceEvent {
	id := h.substitute(step.Read.ID)
	var last model.Result
	var sources []string
	for res := range h.coord.ReadThrough(ctx, step.Read.Entity, id) {
		last = res
		switch {
		case res.IsSuccess() && res.FromCache:
			sources = append(sources, "cache")
		case res.IsSuccess():
			sources = append(sources, "remote")
		}
	}

	ev := TraceEvent{
		Step:    StepRead,
		Entity:  model.EntityKey{Type: step.Read.Entity, ID: id}.String(),
		Outcome: variantOf(last),
		Code:    codeOf(last),
	}
	if len(sources) > 0 {
		ev.Kind = strings.Join(sources, "+")
	}
	h.checkExpect(index, step, ev, result)
	return ev
}

func (h *Harness) sync(ctx context.Context, index int, step Step, result *Result) (TraceEvent, error) {
	stats, err := h.rec.RunOnce(ctx)
	if err != nil {
		return TraceEvent{}, err
	}
	got := statsOf(stats)
	ev := TraceEvent{Step: StepSync, Stats: &got}
	if stats.Interrupted {
		ev.Outcome = "interrupted"
	}
	if step.ExpectStats != nil && *step.ExpectStats != got {
		result.AddError(fmt.Sprintf("steps[%d]: sync stats %+v, want %+v", index, got, *step.ExpectStats))
	}
	return ev, nil
}

func (h *Harness) manage(ctx context.Context, name string, opID int64, fn func(context.Context, int64) error, result *Result, index int) TraceEvent {
	ev := TraceEvent{Step: name, Entity: fmt.Sprintf("op %d", opID), Outcome: "ok"}
	if err := fn(ctx, opID); err != nil {
		ev.Outcome = ExpectError
		result.AddError(fmt.Sprintf("steps[%d]: %s op %d: %v", index, name, opID, err))
	}
	return ev
}

func (h *Harness) checkExpect(index int, step Step, ev TraceEvent, result *Result) {
	if step.Expect != "" && step.Expect != ev.Outcome {
		result.AddError(fmt.Sprintf("steps[%d]: %s %s returned %s (%s), want %s", index, ev.Step, ev.Entity, ev.Outcome, ev.Code, step.Expect))
	}
	if step.ExpectCode != "" && step.ExpectCode != ev.Code {
		result.AddError(fmt.Sprintf("steps[%d]: %s %s returned code %q, want %q", index, ev.Step, ev.Entity, ev.Code, step.ExpectCode))
	}
}

// newRequests returns the remote requests logged since the previous call.
func (h *Harness) newRequests() []fakeremote.RequestLogEntry {
	all := h.fake.Requests()
	if len(all) <= h.logged {
		return nil
	}
	fresh := all[h.logged:]
	h.logged = len(all)
	return fresh
}

// substitute replaces a "$alias" value with the id bound to alias.
func (h *Harness) substitute(s string) string {
	if !strings.HasPrefix(s, aliasPlaceholder) {
		return s
	}
	if id, ok := h.aliases[strings.TrimPrefix(s, aliasPlaceholder)]; ok {
		return id
	}
	return s
}

func (h *Harness) substituteMap(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = h.substituteValue(v)
	}
	return out
}

func (h *Harness) substituteValue(v any) any {
	switch val := v.(type) {
	case string:
		return h.substitute(val)
	case map[string]any:
		return h.substituteMap(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = h.substituteValue(elem)
		}
		return out
	}
	return v
}

func variantOf(res model.Result) string {
	switch {
	case res.IsSuccess():
		return ExpectSuccess
	case res.IsQueuedOffline():
		return ExpectQueuedOffline
	case res.IsError():
		return ExpectError
	}
	return res.Kind.String()
}

func codeOf(res model.Result) string {
	if res.Err == nil {
		return ""
	}
	return string(model.CodeOf(res.Err))
}

func splitUnique(s string) (entity, field string, ok bool) {
	entity, field, ok = strings.Cut(s, ".")
	return entity, field, ok && entity != "" && field != ""
}
