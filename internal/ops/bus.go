package ops

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/homestack/homestack/internal/model"
)

// Event types.
const (
	EventStep      = "operation.step"
	EventCompleted = "operation.completed"
	EventFailed    = "operation.failed"
)

// Event is an ephemeral notification carrying a point-in-time operation
// snapshot. Events are never stored; the Operation record is the durable
// source of truth, so a subscriber that misses events re-fetches the record.
type Event struct {
	Type      string          `json:"type"`
	Operation model.Operation `json:"operation"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler is a callback that processes an event.
type Handler func(event Event)

// subscriber serializes deliveries to one handler and remembers the newest
// sequence number it has seen, so a replay racing a publish is dropped
// instead of arriving after the newer event.
type subscriber struct {
	mu      sync.Mutex
	handler Handler
	lastSeq uint64
}

// Bus is an in-memory publish/subscribe channel keyed by operation ID. It
// retains the latest event per operation so a subscriber connecting
// mid-operation sees current progress without waiting for the next tick.
// Handlers must not publish back to the bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]*subscriber
	latest map[string]Event
	seq    map[string]uint64
	nextID int
	logger *slog.Logger
}

// NewBus creates a Bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]map[int]*subscriber),
		latest: make(map[string]Event),
		seq:    make(map[string]uint64),
		logger: logger,
	}
}

// Subscribe registers a handler for one operation's events and returns an
// unsubscribe function. The latest known event, if any, is replayed to the
// handler before any newer event; when a publish races the replay, the
// newer event wins and the stale replay is dropped.
func (b *Bus) Subscribe(operationID string, handler Handler) func() {
	sub := &subscriber{handler: handler}

	b.mu.Lock()
	if b.subs[operationID] == nil {
		b.subs[operationID] = make(map[int]*subscriber)
	}
	id := b.nextID
	b.nextID++
	b.subs[operationID][id] = sub
	replay, hasReplay := b.latest[operationID]
	replaySeq := b.seq[operationID]
	b.mu.Unlock()

	if hasReplay {
		b.deliver(sub, replaySeq, replay)
	}

	return func() {
		b.mu.Lock()
		if subs := b.subs[operationID]; subs != nil {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subs, operationID)
			}
		}
		b.mu.Unlock()
	}
}

// Latest returns the most recent event published for an operation.
func (b *Bus) Latest(operationID string) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev, ok := b.latest[operationID]
	return ev, ok
}

// Publish dispatches an event to the operation's subscribers in registration
// order and records it as the latest.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.seq[ev.Operation.ID]++
	seq := b.seq[ev.Operation.ID]
	b.latest[ev.Operation.ID] = ev
	ids := make([]int, 0, len(b.subs[ev.Operation.ID]))
	for id := range b.subs[ev.Operation.ID] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]*subscriber, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, b.subs[ev.Operation.ID][id])
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(s, seq, ev)
	}
}

// Forget drops the retained state for an operation. Call once no client can
// still be interested, e.g. when pruning old records.
func (b *Bus) Forget(operationID string) {
	b.mu.Lock()
	delete(b.latest, operationID)
	delete(b.subs, operationID)
	delete(b.seq, operationID)
	b.mu.Unlock()
}

// deliver invokes one subscriber, recovering a panic so a broken subscriber
// cannot take down the publisher. Events the subscriber has already seen
// newer state for are dropped.
func (b *Bus) deliver(s *subscriber, seq uint64, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.lastSeq {
		return
	}
	s.lastSeq = seq
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("operation event handler panicked",
				"operation", ev.Operation.ID,
				"type", ev.Type,
				"panic", r,
			)
		}
	}()
	s.handler(ev)
}
