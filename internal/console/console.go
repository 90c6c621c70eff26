// Package console implements the bounded console ring and SSE fan-out
// described in spec §4.5: editor-pushed messages are appended to a
// fixed-capacity history ring and forwarded, best-effort, to every
// currently attached subscriber.
package console

import (
	"sync"

	"github.com/rbxsync/broker/internal/metrics"
)

// Message is one console line pushed by the editor.
type Message struct {
	Timestamp   string `json:"timestamp"`
	MessageType string `json:"messageType"` // info | warn | error
	Message     string `json:"message"`
	Source      string `json:"source"`
}

// DefaultCapacity is the minimum ring size required by spec §5.
const DefaultCapacity = 1000

// subscriberBuffer bounds how far a slow subscriber can lag before its
// oldest unsent message is dropped in favor of newer ones; push never
// blocks on a subscriber's channel.
const subscriberBuffer = 64

// Ring is a bounded, FIFO-evicting console history with non-blocking
// fan-out to subscribers.
type Ring struct {
	mu          sync.Mutex
	capacity    int
	messages    []Message
	subscribers map[int]chan Message
	nextSubID   int
}

// New creates a Ring with the given capacity (DefaultCapacity if cap
// is zero or negative).
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		capacity:    capacity,
		subscribers: make(map[int]chan Message),
	}
}

// Push appends messages to the ring in order, evicting the oldest
// entries once capacity is exceeded, then fans each one out to every
// current subscriber. A subscriber whose channel is full drops the
// message rather than blocking the push (§4.5: "they are not
// authoritative — history is").
func (r *Ring) Push(messages []Message) {
	r.mu.Lock()
	r.messages = append(r.messages, messages...)
	if over := len(r.messages) - r.capacity; over > 0 {
		r.messages = r.messages[over:]
	}
	subs := make([]chan Message, 0, len(r.subscribers))
	for _, ch := range r.subscribers {
		subs = append(subs, ch)
	}
	r.mu.Unlock()

	metrics.ConsoleMessagesTotal.Add(float64(len(messages)))
	for _, msg := range messages {
		for _, ch := range subs {
			select {
			case ch <- msg:
			default:
				// Slow subscriber: drop rather than block push order
				// for everyone else.
				metrics.ConsoleDroppedTotal.Inc()
			}
		}
	}
}

// History returns the most recent limit messages (capped at
// DefaultCapacity) in insertion order, plus the total ring length.
func (r *Ring) History(limit int) (messages []Message, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	total = len(r.messages)
	if limit <= 0 || limit > DefaultCapacity {
		limit = DefaultCapacity
	}
	if limit > total {
		limit = total
	}
	out := make([]Message, limit)
	copy(out, r.messages[total-limit:])
	return out, total
}

// Subscribe registers a new subscriber and returns its channel of new
// messages plus an unsubscribe function the caller must invoke when
// its stream ends (on client disconnect), releasing the slot within
// one event cycle per spec §4.5.
func (r *Ring) Subscribe() (ch <-chan Message, unsubscribe func()) {
	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	c := make(chan Message, subscriberBuffer)
	r.subscribers[id] = c
	r.mu.Unlock()
	metrics.ConsoleSubscribersActive.Inc()

	return c, func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
		metrics.ConsoleSubscribersActive.Dec()
	}
}

// SubscriberCount reports how many subscribers are currently attached, for metrics.
func (r *Ring) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// Snapshot returns a copy of the ring's current contents, used by the
// playtest runner to capture console output between test/start and
// test/stop without disturbing live SSE subscribers (§4.7).
func (r *Ring) Snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Len returns the number of messages the ring currently holds
// (including ones already evicted from earlier pushes don't count —
// this is the live length, usable as a capture start marker).
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// SnapshotSince returns the messages pushed since a prior Len() call
// returned since. If the ring has evicted past since (heavy traffic
// during a long playtest), the full remaining buffer is returned
// instead of an empty slice.
func (r *Ring) SnapshotSince(since int) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if since < 0 || since > len(r.messages) {
		since = 0
	}
	out := make([]Message, len(r.messages)-since)
	copy(out, r.messages[since:])
	return out
}
