// Package broadcaster implements the Broadcaster contract (spec
// §6.2): a best-effort, lossy-under-backpressure fan-out of workflow
// and credential events to subscribers (CLI --follow, status lines,
// future websocket/webhook consumers). Modeled on the teacher's
// LogManager (internal/engine state broadcast to tailers).
package broadcaster

import "sync"

// Event is one emitted notification.
type Event struct {
	Name    string
	Payload interface{}
}

// Broadcaster fans out Emit calls to any number of subscribers. The
// zero value is ready to use.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
}

// New constructs an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{subscribers: make(map[int]chan Event)}
}

// Emit satisfies the workflow.Broadcaster / credential.Broadcaster
// interfaces: it never blocks on a slow subscriber. A subscriber whose
// channel is full simply misses the event (spec §6.2 "best-effort,
// lossy under backpressure").
func (b *Broadcaster) Emit(name string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- Event{Name: name, Payload: payload}:
		default:
		}
	}
}

// Subscribe registers a new listener with a bounded buffer and
// returns the channel plus an unsubscribe func. Callers must call
// unsubscribe when done to avoid leaking the channel.
func (b *Broadcaster) Subscribe(bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	ch := make(chan Event, bufferSize)

	b.mu.Lock()
	if b.subscribers == nil {
		b.subscribers = make(map[int]chan Event)
	}
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsubscribe
}
