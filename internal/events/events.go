// Package events carries the observability events emitted by the registry and
// the dispatcher. Events are informational; nothing in the core consumes them.
package events

import (
	"log"
	"sync"
	"time"
)

// Type names an event kind.
type Type string

const (
	OracleRegistered   Type = "oracle_registered"
	OracleDeregistered Type = "oracle_deregistered"
	ScoreUpdated       Type = "score_updated"
	OracleSlashed      Type = "oracle_slashed"
	OracleLocked       Type = "oracle_locked"
	ContractApproved   Type = "contract_approved"
	ContractRemoved    Type = "contract_removed"
	OwnerTransferred   Type = "owner_transferred"
	RequestSubmitted   Type = "request_submitted"
	ResponseRecorded   Type = "response_recorded"
	Finalized          Type = "finalized"
	BonusPaid          Type = "bonus_paid"
	EvaluationTimedOut Type = "evaluation_timed_out"
	Diagnostic         Type = "diagnostic"
)

// Event is a single emitted record. Request and Oracle are empty when the
// event does not concern one.
type Event struct {
	Type    Type              `json:"type"`
	Time    int64             `json:"time"`
	Request string            `json:"request,omitempty"`
	Oracle  string            `json:"oracle,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// Emitter receives events.
type Emitter interface {
	Emit(ev Event)
}

// Sink persists or forwards events. A failing sink is logged and skipped.
type Sink interface {
	RecordEvent(ev Event) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Emit(Event) {}

// Bus fans events out to sinks and live subscribers. Slow subscribers drop
// events rather than block the emitter.
type Bus struct {
	mu     sync.RWMutex
	sinks  []Sink
	subs   map[int]chan Event
	nextID int
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus(sinks ...Sink) *Bus {
	return &Bus{
		sinks: sinks,
		subs:  make(map[int]chan Event),
		now:   time.Now,
	}
}

// Emit stamps ev (if unstamped) and delivers it.
func (b *Bus) Emit(ev Event) {
	if ev.Time == 0 {
		ev.Time = b.now().Unix()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.sinks {
		if err := s.RecordEvent(ev); err != nil {
			log.Printf("[events] sink: %v", err)
		}
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of future events and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Recorder is an Emitter that keeps every event in memory. Tests use it.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t in emission order.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
