// Package status broadcasts aggregate sync state to subscribers.
package status

import (
	"sync"
	"time"
)

// Phase is the high-level state of the sync engine.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseSyncing Phase = "syncing"
	PhaseError   Phase = "error"
)

// OperationState describes the last operation that changed state.
type OperationState struct {
	ID        string `json:"id" yaml:"id"`
	EntityID  string `json:"entity_id" yaml:"entity_id"`
	Kind      string `json:"kind" yaml:"kind"`
	Status    string `json:"status" yaml:"status"`
	Attempts  int    `json:"attempts" yaml:"attempts"`
	LastError string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// Snapshot is the state delivered to subscribers.
type Snapshot struct {
	Pending       int             `json:"pending" yaml:"pending"`
	InFlight      int             `json:"in_flight" yaml:"in_flight"`
	Completed     int             `json:"completed" yaml:"completed"`
	Failed        int             `json:"failed" yaml:"failed"`
	Phase         Phase           `json:"phase" yaml:"phase"`
	Progress      int             `json:"progress" yaml:"progress"`
	Online        bool            `json:"online" yaml:"online"`
	LastOperation *OperationState `json:"last_operation,omitempty" yaml:"last_operation,omitempty"`
	LastError     string          `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at" yaml:"updated_at"`
}

// Progress returns done as a 0-100 share of total.
func Progress(done, total int) int {
	if total <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	return done * 100 / total
}

// Publisher holds the current Snapshot and pushes every change to
// subscribers. Slow subscribers only see the latest snapshot.
type Publisher struct {
	mu      sync.Mutex
	current Snapshot
	subs    map[int]chan Snapshot
	nextID  int
	closed  bool
	now     func() time.Time
}

// NewPublisher creates a Publisher in the idle phase.
func NewPublisher() *Publisher {
	return &Publisher{
		current: Snapshot{Phase: PhaseIdle},
		subs:    make(map[int]chan Snapshot),
		now:     time.Now,
	}
}

// Snapshot returns the current state.
func (p *Publisher) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Update applies fn to the current snapshot and publishes the result.
func (p *Publisher) Update(fn func(s *Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	fn(&p.current)
	p.current.UpdatedAt = p.now()

	snap := p.current
	for _, ch := range p.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// Subscribe returns a channel that immediately holds the current snapshot
// and then receives every update, plus a function ending the subscription.
func (p *Publisher) Subscribe() (<-chan Snapshot, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if p.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- p.current

	id := p.nextID
	p.nextID++
	p.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if _, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(ch)
			}
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close ends every subscription.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}
