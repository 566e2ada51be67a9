package events

import (
	"sync"

	"escrowd/core/types"
)

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (RPC stream, gateway
// webhooks).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// SequencedEvent pairs an event payload with its position in the feed.
type SequencedEvent struct {
	Sequence uint64       `json:"sequence"`
	Event    *types.Event `json:"event"`
}

// Feed is a bounded in-memory emitter. It retains the most recent events for
// replay over RPC and fans new events out to live subscribers.
type Feed struct {
	mu       sync.RWMutex
	buffer   []SequencedEvent
	capacity int
	next     uint64
	subs     map[uint64]chan SequencedEvent
	nextSub  uint64
}

// NewFeed creates a feed retaining up to capacity events.
func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Feed{
		capacity: capacity,
		subs:     make(map[uint64]chan SequencedEvent),
	}
}

// Emit implements the Emitter interface.
func (f *Feed) Emit(evt Event) {
	if evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	f.mu.Lock()
	f.next++
	entry := SequencedEvent{Sequence: f.next, Event: payload}
	f.buffer = append(f.buffer, entry)
	if len(f.buffer) > f.capacity {
		f.buffer = f.buffer[len(f.buffer)-f.capacity:]
	}
	for _, ch := range f.subs {
		select {
		case ch <- entry:
		default:
			// Slow subscribers miss events rather than blocking emission.
		}
	}
	f.mu.Unlock()
}

// Recent returns up to limit events with sequence greater than after, oldest
// first.
func (f *Feed) Recent(after uint64, limit int) []SequencedEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if limit <= 0 || limit > len(f.buffer) {
		limit = len(f.buffer)
	}
	out := make([]SequencedEvent, 0, limit)
	for _, entry := range f.buffer {
		if entry.Sequence <= after {
			continue
		}
		out = append(out, entry)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Subscribe registers a live subscriber. The returned cancel func must be
// called to release the channel.
func (f *Feed) Subscribe(buffer int) (<-chan SequencedEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan SequencedEvent, buffer)
	f.mu.Lock()
	f.nextSub++
	id := f.nextSub
	f.subs[id] = ch
	f.mu.Unlock()
	cancel := func() {
		f.mu.Lock()
		if existing, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(existing)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}
