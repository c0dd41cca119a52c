// Package feed fans live dispatch records out to subscribers, per session and
// across all sessions.
package feed

import (
	"sync"

	"github.com/seantiz/taskworker/internal/model"
)

// All is the topic that receives every published record. It is never closed.
const All = "*"

// subscriberBufferSize is the channel buffer for each subscriber. Records are
// dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// closedMarkers is how many ended sessions are remembered. Subscribing to a
// session older than that behaves like subscribing to a new one.
const closedMarkers = 256

// Broker manages dispatch subscriptions. It is safe for concurrent use.
//
// Topics exist only while they have subscribers, except for the most recent
// closed sessions, which are kept as markers so that late subscribers receive
// a closed channel instead of blocking forever.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
	ended  []string // closed markers, oldest first
}

type topic struct {
	subs   map[int]chan model.Dispatch
	nextID int
	closed bool
}

// NewBroker creates a new broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives records for the given session,
// or for every session when sessionID is All, and an unsubscribe function.
// If the session has already ended, the returned channel is closed.
func (b *Broker) Subscribe(sessionID string) (<-chan model.Dispatch, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sessionID]
	if !ok {
		t = &topic{subs: make(map[int]chan model.Dispatch)}
		b.topics[sessionID] = t
	}

	ch := make(chan model.Dispatch, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
		if len(t.subs) == 0 && !t.closed && b.topics[sessionID] == t {
			delete(b.topics, sessionID)
		}
	}
}

// Publish delivers d to subscribers of its session and of All. Records are
// dropped for subscribers whose buffers are full.
func (b *Broker) Publish(sessionID string, d model.Dispatch) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.deliver(sessionID, d)
	if sessionID != All {
		b.deliver(All, d)
	}
}

func (b *Broker) deliver(name string, d model.Dispatch) {
	t, ok := b.topics[name]
	if !ok || t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- d:
		default:
			// Never block a session on a slow subscriber.
		}
	}
}

// Close signals that the session has ended. Its subscriber channels are
// closed and future Subscribe calls for it return a closed channel. Closing
// All is a no-op.
func (b *Broker) Close(sessionID string) {
	if sessionID == All {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sessionID]
	if !ok {
		t = &topic{subs: make(map[int]chan model.Dispatch)}
		b.topics[sessionID] = t
	}
	if t.closed {
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}

	b.ended = append(b.ended, sessionID)
	if len(b.ended) > closedMarkers {
		oldest := b.ended[0]
		b.ended = b.ended[1:]
		if old, ok := b.topics[oldest]; ok && old.closed {
			delete(b.topics, oldest)
		}
	}
}
