package coordinator

import (
	"context"
	"sync"

	"github.com/roach88/fieldsync/internal/model"
)

// lanes hands out one writer slot per entity. Entries exist only while some
// goroutine holds or waits for the lane.
type lanes struct {
	mu   sync.Mutex
	held map[model.EntityKey]*lane
}

type lane struct {
	sem  chan struct{}
	refs int
}

func newLanes() *lanes {
	return &lanes{held: make(map[model.EntityKey]*lane)}
}

// acquire blocks until the lane for key is free or ctx ends.
func (l *lanes) acquire(ctx context.Context, key model.EntityKey) (func(), error) {
	l.mu.Lock()
	ln := l.held[key]
	if ln == nil {
		ln = &lane{sem: make(chan struct{}, 1)}
		l.held[key] = ln
	}
	ln.refs++
	l.mu.Unlock()

	select {
	case ln.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-ln.sem
				l.unref(key, ln)
			})
		}, nil
	case <-ctx.Done():
		l.unref(key, ln)
		return nil, ctx.Err()
	}
}

func (l *lanes) unref(key model.EntityKey, ln *lane) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln.refs--
	if ln.refs == 0 {
		delete(l.held, key)
	}
}

func (l *lanes) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// fetchTracker orders network reads per entity. Each fetch takes a token when
// issued; its result may be applied only if no later token (from a fetch or
// an applied write) was applied first.
type fetchTracker struct {
	mu   sync.Mutex
	keys map[model.EntityKey]*fetchState
}

type fetchState struct {
	issued   uint64
	applied  uint64
	inflight int
}

func newFetchTracker() *fetchTracker {
	return &fetchTracker{keys: make(map[model.EntityKey]*fetchState)}
}

func (t *fetchTracker) begin(key model.EntityKey) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.keys[key]
	if st == nil {
		st = &fetchState{}
		t.keys[key] = st
	}
	st.issued++
	st.inflight++
	return st.issued
}

// claim reports whether token is still the newest result for key and, if so,
// records it as applied. Callers hold the entity's lane.
func (t *fetchTracker) claim(key model.EntityKey, token uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.keys[key]
	if st == nil || token <= st.applied {
		return false
	}
	st.applied = token
	return true
}

func (t *fetchTracker) done(key model.EntityKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.keys[key]
	if st == nil {
		return
	}
	st.inflight--
	if st.inflight <= 0 {
		delete(t.keys, key)
	}
}

// invalidate makes every fetch issued so far for key stale. Called after a
// write was applied to the cache.
func (t *fetchTracker) invalidate(key model.EntityKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st := t.keys[key]; st != nil {
		st.issued++
		st.applied = st.issued
	}
}
