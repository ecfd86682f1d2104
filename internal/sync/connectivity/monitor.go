// Package connectivity tracks whether the remote store is reachable.
package connectivity

import (
	"sync"
	"time"

	"github.com/kimhsiao/invsync/backend/internal/logging"
)

// DefaultDebounce is how long a transition must hold before it is published.
const DefaultDebounce = 1500 * time.Millisecond

// Monitor holds a single online/offline signal and notifies subscribers
// when it changes. Transitions that reverse within the debounce window are
// dropped.
type Monitor struct {
	mu       sync.Mutex
	online   bool
	debounce time.Duration
	timer    *time.Timer
	target   bool
	subs     map[int]chan bool
	nextID   int
	closed   bool
}

// NewMonitor creates a Monitor starting in the given state.
func NewMonitor(online bool, debounce time.Duration) *Monitor {
	return &Monitor{
		online:   online,
		debounce: debounce,
		subs:     make(map[int]chan bool),
	}
}

// Online returns the current published state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set reports an observed state. The change is published after the
// debounce window unless it is reversed first.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	if online == m.online {
		// Reversal inside the window.
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		return
	}

	if m.timer != nil && m.target == online {
		return
	}

	if m.debounce <= 0 {
		m.apply(online)
		return
	}

	m.target = online
	var t *time.Timer
	t = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.timer != t || m.closed {
			return
		}
		m.timer = nil
		m.apply(online)
	})
	m.timer = t
}

// apply publishes a new state. Caller must hold m.mu.
func (m *Monitor) apply(online bool) {
	m.online = online
	logging.Info("Connectivity changed", map[string]interface{}{
		"online": online,
	})
	for _, ch := range m.subs {
		// Latest wins.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Subscribe returns a channel receiving every published state change and a
// function that ends the subscription.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan bool, 1)
	if m.closed {
		close(ch)
		return ch, func() {}
	}

	id := m.nextID
	m.nextID++
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(ch)
			}
		})
	}
}

// Close stops any pending transition and closes all subscriptions.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}
