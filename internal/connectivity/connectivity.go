// Package connectivity reports whether the remote service is plausibly
// reachable.
//
// Every answer is a hint. Connectivity can change between the check and the
// call, so callers must still handle a Retriable outcome when
// IsLikelyAvailable returned true.
package connectivity

import "sync"

// Monitor answers the synchronous "should I even try?" question.
type Monitor interface {
	IsLikelyAvailable() bool
}

// Notifier is a Monitor that also publishes transitions. Subscribers receive
// true when connectivity is regained and false when it is lost.
type Notifier interface {
	Monitor
	Subscribe() (<-chan bool, func())
}

// broadcaster fans transitions out to subscribers. Each subscriber channel
// holds only the latest value: an unread transition is replaced, never queued.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan bool]struct{}
}

func (b *broadcaster) subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[chan bool]struct{})
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
		})
	}
}

func (b *broadcaster) publish(available bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- available
	}
}

// Manual is a Notifier whose state is set explicitly. Used by tests and the
// CLI --offline flag.
type Manual struct {
	mu        sync.RWMutex
	available bool
	b         broadcaster
}

// NewManual returns a Manual monitor with the given initial state.
func NewManual(available bool) *Manual {
	return &Manual{available: available}
}

// IsLikelyAvailable implements Monitor.
func (m *Manual) IsLikelyAvailable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.available
}

// Set changes the state and notifies subscribers on a transition.
func (m *Manual) Set(available bool) {
	m.mu.Lock()
	changed := m.available != available
	m.available = available
	m.mu.Unlock()
	if changed {
		m.b.publish(available)
	}
}

// Subscribe implements Notifier.
func (m *Manual) Subscribe() (<-chan bool, func()) {
	return m.b.subscribe()
}

// Always is a Monitor that always reports availability.
type Always struct{}

// IsLikelyAvailable implements Monitor.
func (Always) IsLikelyAvailable() bool { return true }
