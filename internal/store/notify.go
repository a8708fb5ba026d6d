package store

import "sync"

// hub fans out change signals to subscribers. Signals carry no data;
// subscribers re-read whatever they observe. Each subscription channel has a
// buffer of one so bursts of commits coalesce into a single wakeup.
type hub struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	entityType string
	ch         chan struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*subscription]struct{})}
}

func (h *hub) subscribe(entityType string) (<-chan struct{}, func()) {
	sub := &subscription{entityType: entityType, ch: make(chan struct{}, 1)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

func (h *hub) publish(types ...string) {
	if len(types) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.matches(types) {
			continue
		}
		select {
		case sub.ch <- struct{}{}:
		default:
			// Already signaled and not yet consumed
		}
	}
}

func (s *subscription) matches(types []string) bool {
	if s.entityType == "" {
		return true
	}
	for _, t := range types {
		if t == "" || t == s.entityType {
			return true
		}
	}
	return false
}

// touchSet collects the entity types a transaction modified. "" means every
// type may have changed.
type touchSet struct {
	types []string
}

func (t *touchSet) add(entityType string) {
	for _, existing := range t.types {
		if existing == entityType {
			return
		}
	}
	t.types = append(t.types, entityType)
}

// Subscribe returns a channel that receives a signal after every committed
// change touching entityType ("" subscribes to all types). The cancel func
// releases the subscription; the channel is never closed.
func (s *Store) Subscribe(entityType string) (<-chan struct{}, func()) {
	return s.hub.subscribe(entityType)
}
