// Package reconciler drains the sync queue against the remote service.
//
// One pass runs at a time. Within a pass, the oldest eligible operation of
// every entity is dispatched through a bounded worker pool; the next
// operation of an entity becomes eligible only after the previous one was
// acknowledged, so each entity's operations replay in enqueue order while
// unrelated entities proceed concurrently.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/remote"
)

// Operation is the queued operation type the reconciler dispatches.
type Operation = model.Operation

const (
	// DefaultWorkers bounds concurrent dispatches for distinct entities.
	DefaultWorkers = 4
	// DefaultInterval is the base time between periodic passes.
	DefaultInterval = 30 * time.Second
	// DefaultJitter randomizes the interval by ±10%.
	DefaultJitter = 0.1
)

// ErrPassInProgress is returned by RunOnce when another pass is running.
var ErrPassInProgress = errors.New("reconciliation pass already in progress")

// Reconciler replays queued operations.
type Reconciler struct {
	queue   *queue.Queue
	remote  remote.Service
	conn    connectivity.Monitor
	workers int

	interval time.Duration
	jitter   float64
	limiter  *rate.Limiter

	settler Settler
	events  Events
	logger  *slog.Logger
	metrics *metrics.Metrics

	pass    sync.Mutex
	state   atomic.Int32
	trigger chan struct{}

	// Lifecycle management
	mu         sync.Mutex
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// Settler serializes the acknowledgement of a confirmed operation with the
// other writers of the entity's cached record. *coordinator.Coordinator
// satisfies it.
type Settler interface {
	Settle(ctx context.Context, key model.EntityKey, apply func(context.Context) (string, error)) (string, error)
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithWorkers sets the worker pool size. Values below 1 are ignored.
func WithWorkers(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithInterval sets the periodic pass interval and its jitter fraction.
func WithInterval(d time.Duration, jitter float64) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
		if jitter >= 0 && jitter < 1 {
			r.jitter = jitter
		}
	}
}

// WithRateLimit caps dispatches per second across all workers.
// A non-positive limit disables rate limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(r *Reconciler) {
		if perSecond <= 0 {
			r.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithSettler acknowledges applied operations through s. Without one the
// queue is acknowledged directly.
func WithSettler(s Settler) Option {
	return func(r *Reconciler) {
		r.settler = s
	}
}

// WithEvents installs hooks.
func WithEvents(e Events) Option {
	return func(r *Reconciler) {
		r.events = e
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records dispatch outcomes and queue gauges.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// New creates a Reconciler.
func New(q *queue.Queue, svc remote.Service, conn connectivity.Monitor, opts ...Option) *Reconciler {
	r := &Reconciler{
		queue:    q,
		remote:   svc,
		conn:     conn,
		workers:  DefaultWorkers,
		interval: DefaultInterval,
		jitter:   DefaultJitter,
		logger:   slog.Default(),
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the most recent state.
func (r *Reconciler) State() State {
	return State(r.state.Load())
}

func (r *Reconciler) setState(s State) {
	if State(r.state.Swap(int32(s))) == s && s == StateIdle {
		return
	}
	if r.events.OnStateChange != nil {
		r.events.OnStateChange(s)
	}
}

// Trigger requests a pass as soon as the running loop is idle. Triggers
// received while a pass runs coalesce into one follow-up pass.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run performs a pass immediately and then whenever the periodic timer
// fires, connectivity is regained, an operation is enqueued or Trigger is
// called. While operations wait on a backoff window, the timer is shortened
// to wake when the earliest window ends. Run blocks until ctx is cancelled
// or Stop is called.
func (r *Reconciler) Run(ctx context.Context) error {
	// Subscribe before registering so no transition is missed once the
	// loop is observable as running.
	var connEvents <-chan bool
	if n, ok := r.conn.(connectivity.Notifier); ok {
		ch, unsubscribe := n.Subscribe()
		defer unsubscribe()
		connEvents = ch
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.cancelFunc != nil {
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("reconciler already running")
	}
	r.cancelFunc = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		r.cancelFunc = nil
		r.mu.Unlock()
		close(done)
		r.logger.Info("reconciler stopped")
	}()

	r.logger.Info("reconciler started", "workers", r.workers, "interval", r.interval)

	timer := time.NewTimer(r.runPass(runCtx))
	defer timer.Stop()

	for {
		select {
		case <-runCtx.Done():
			return nil
		case available := <-connEvents:
			r.metrics.Connectivity(available)
			if !available {
				r.logger.Info("connectivity lost")
				continue
			}
			r.logger.Info("connectivity regained, reconciling")
		case <-timer.C:
		case <-r.trigger:
		case <-r.queue.Enqueued():
		}

		timer.Reset(r.runPass(runCtx))
	}
}

// Running reports whether Run is active.
func (r *Reconciler) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelFunc != nil
}

// Stop cancels a running Run and waits for it to return.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel, done := r.cancelFunc, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// runPass runs one pass and returns how long to wait before the next
// periodic one.
func (r *Reconciler) runPass(ctx context.Context) time.Duration {
	stats, err := r.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrPassInProgress):
	case err != nil && ctx.Err() == nil:
		r.logger.Error("reconciliation pass failed", "error", err)
	case stats.Dispatched > 0:
		r.logger.Info("reconciliation pass finished",
			"rounds", stats.Rounds,
			"applied", stats.Applied,
			"retried", stats.Retried,
			"permanent", stats.Permanent,
			"deferred", stats.Deferred,
			"interrupted", stats.Interrupted,
		)
	}

	wait := r.nextInterval()
	if ctx.Err() != nil {
		return wait
	}
	if backoff, found, err := r.queue.NextWake(ctx); err == nil && found && backoff < wait {
		wait = backoff
	}
	return wait
}

// nextInterval returns the base interval with a random jitter applied.
func (r *Reconciler) nextInterval() time.Duration {
	if r.jitter == 0 {
		return r.interval
	}
	spread := int64(float64(r.interval) * r.jitter)
	if spread <= 0 {
		return r.interval
	}
	//nolint:gosec // G404: non-cryptographic randomness is sufficient for jitter
	return r.interval + time.Duration(rand.Int64N(2*spread)) - time.Duration(spread)
}

// RunOnce drains every eligible operation and returns when none is left,
// connectivity is lost or ctx is cancelled. Only one pass runs at a time;
// a concurrent call returns ErrPassInProgress.
//
// A non-nil error means the queue itself could not be read or updated;
// remote failures are recorded on the operations, never returned.
func (r *Reconciler) RunOnce(ctx context.Context) (PassStats, error) {
	if !r.pass.TryLock() {
		return PassStats{}, ErrPassInProgress
	}
	defer r.pass.Unlock()
	defer r.setState(StateIdle)

	var stats PassStats
	defer func() { r.recordPass(ctx, stats) }()

	for {
		if ctx.Err() != nil || !r.conn.IsLikelyAvailable() {
			stats.Interrupted = true
			return stats, nil
		}

		r.setState(StateScanning)
		heads, err := r.queue.Eligible(ctx)
		if err != nil {
			if ctx.Err() != nil {
				stats.Interrupted = true
				return stats, nil
			}
			return stats, fmt.Errorf("scan queue: %w", err)
		}
		if len(heads) == 0 {
			return stats, nil
		}
		stats.Rounds++

		r.setState(StateDispatching)
		if err := r.dispatchRound(ctx, heads, &stats); err != nil {
			return stats, err
		}
		if stats.Interrupted {
			return stats, nil
		}
	}
}

// dispatchRound sends one head per entity through the worker pool.
func (r *Reconciler) dispatchRound(ctx context.Context, heads []Operation, stats *PassStats) error {
	g := new(errgroup.Group)
	g.SetLimit(r.workers)

	var mu sync.Mutex
	for _, op := range heads {
		if !r.queue.Claim(op) {
			continue
		}
		g.Go(func() error {
			defer r.queue.Release(op)
			result, err := r.dispatch(ctx, op)
			mu.Lock()
			stats.add(result)
			mu.Unlock()
			return err
		})
	}
	return g.Wait()
}

// dispatch sends op and records the outcome on the queue.
func (r *Reconciler) dispatch(ctx context.Context, op Operation) (outcome, error) {
	// Queue bookkeeping must complete even when ctx ends mid-call: the remote
	// side may already have applied the operation.
	bookkeeping := context.WithoutCancel(ctx)

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			// Nothing was sent; the op stays as it is and the pass ends.
			r.logger.Debug("rate limit wait abandoned", "op_id", op.ID, "entity", op.Key().String(), "error", err)
			return outcomeInterrupted, nil
		}
	}

	start := time.Now()
	res := remote.Dispatch(ctx, r.remote, op)
	r.metrics.Dispatch(op.EntityType, string(op.Kind), res.Status.String(), time.Since(start))

	if res.Status != remote.StatusApplied && (ctx.Err() != nil || !r.conn.IsLikelyAvailable()) {
		// Interrupted calls are retried later without spending the retry budget.
		r.setState(StateRetriable)
		cause := res.Err
		if ctx.Err() != nil {
			cause = model.NewError(model.ErrCodeTransient, "dispatch cancelled", ctx.Err())
		}
		return outcomeDeferred, r.deferOp(bookkeeping, op, cause)
	}

	switch res.Status {
	case remote.StatusApplied:
		r.setState(StateApplied)
		finalID, err := r.acknowledge(bookkeeping, op, res.Entity)
		if err != nil {
			return outcomeApplied, fmt.Errorf("acknowledge op %d: %w", op.ID, err)
		}
		if op.Kind == model.OpCreate && finalID != op.EntityID {
			r.metrics.Remapped()
		}
		r.logger.Debug("operation applied", "op_id", op.ID, "entity", op.Key().String(), "kind", op.Kind, "final_id", finalID)
		if r.events.OnApplied != nil {
			r.events.OnApplied(op, finalID)
		}
		return outcomeApplied, nil

	case remote.StatusRetriable:
		r.setState(StateRetriable)
		updated, err := r.queue.Fail(bookkeeping, op, res.Err)
		if err != nil {
			return outcomeRetried, fmt.Errorf("record failure of op %d: %w", op.ID, err)
		}
		if updated.Permanent() {
			r.permanent(updated)
			return outcomePermanent, nil
		}
		r.logger.Info("operation will be retried",
			"op_id", op.ID, "entity", op.Key().String(), "retry", updated.RetryCount, "next_attempt_at", updated.NextAttemptAt, "error", res.Err)
		return outcomeRetried, nil

	default:
		// A rejection during replay cannot be fixed by retrying.
		if err := r.queue.MarkPermanent(bookkeeping, op, res.Err); err != nil {
			return outcomePermanent, fmt.Errorf("mark op %d permanent: %w", op.ID, err)
		}
		frozen, err := r.queue.Get(bookkeeping, op.ID)
		if err != nil {
			frozen = op
		}
		r.permanent(frozen)
		return outcomePermanent, nil
	}
}

// acknowledge completes op and stores the authoritative entity.
func (r *Reconciler) acknowledge(ctx context.Context, op Operation, entity *model.Record) (string, error) {
	complete := func(ctx context.Context) (string, error) {
		return r.queue.Complete(ctx, op, entity)
	}
	if r.settler == nil {
		return complete(ctx)
	}
	return r.settler.Settle(ctx, op.Key(), complete)
}

func (r *Reconciler) permanent(op Operation) {
	r.setState(StatePermanent)
	r.logger.Warn("operation failed to sync", "op_id", op.ID, "entity", op.Key().String(), "kind", op.Kind, "error", op.LastError)
	if r.events.OnPermanent != nil {
		r.events.OnPermanent(op)
	}
}

func (r *Reconciler) deferOp(ctx context.Context, op Operation, cause error) error {
	if err := r.queue.Defer(ctx, op, cause); err != nil {
		return fmt.Errorf("defer op %d: %w", op.ID, err)
	}
	r.logger.Info("dispatch interrupted, operation stays queued", "op_id", op.ID, "entity", op.Key().String(), "reason", cause)
	return nil
}

func (r *Reconciler) recordPass(ctx context.Context, stats PassStats) {
	if r.metrics == nil {
		return
	}
	switch {
	case stats.Interrupted:
		r.metrics.Pass("interrupted")
	case stats.Dispatched == 0:
		r.metrics.Pass("empty")
	default:
		r.metrics.Pass("drained")
	}
	ctx = context.WithoutCancel(ctx)
	depth, err := r.queue.Depth(ctx)
	if err != nil {
		return
	}
	permanent, err := r.queue.Permanent(ctx)
	if err != nil {
		return
	}
	r.metrics.QueueState(depth, len(permanent))
}
