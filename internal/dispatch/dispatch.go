// Package dispatch implements the long-poll request/response bus that
// lets clients invoke Luau-level operations inside an editor that
// never accepts an inbound connection (spec §4.2). A client enqueues a
// Pending request and suspends on its result; an editor polls for
// queued work and posts a response back by correlation id.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rbxsync/broker/internal/broker"
	"github.com/rbxsync/broker/internal/metrics"
)

// state is the Pending request's position in its lifecycle:
// queued -> in_flight -> (completed | abandoned).
type state int

const (
	stateQueued state = iota
	stateInFlight
	stateCompleted
	stateAbandoned
)

// Response is what the editor posts back for a Pending request.
type Response struct {
	Success bool
	Data    json.RawMessage
	Error   string
}

// Request is what a poll returns to the editor: enough to execute the
// command and correlate the eventual response.
type Request struct {
	ID      string
	Command string
	Payload json.RawMessage
}

type pending struct {
	id        string
	placeKey  string
	command   string
	payload   json.RawMessage
	createdAt time.Time
	state     state
	result    chan Response
}

// Bus is the dispatch bus. One Bus per broker process; queues are kept
// per place key (the target Place's session id) so that within one
// Place's queue, polls observe enqueue order (§5 ordering guarantee a).
type Bus struct {
	mu          sync.Mutex
	queues      map[string][]*pending // placeKey -> FIFO of not-yet-polled requests
	byID        map[string]*pending   // all queued or in-flight requests, by id
	pollNotify  map[string]chan struct{}
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		queues:     make(map[string][]*pending),
		byID:       make(map[string]*pending),
		pollNotify: make(map[string]chan struct{}),
	}
}

func (b *Bus) notify(placeKey string) {
	if ch, ok := b.pollNotify[placeKey]; ok {
		close(ch)
	}
	b.pollNotify[placeKey] = make(chan struct{})
}

// Dispatch enqueues command/payload for placeKey and suspends until the
// editor responds or ctx is done. On success it returns the editor's
// data; on editor failure it returns a KindEditor broker.Error wrapping
// the editor's reported error; on ctx deadline it returns a
// KindTimeout broker.Error and marks the Pending abandoned so a late
// response is discarded (§4.2, testable property 2 and 6).
func (b *Bus) Dispatch(ctx context.Context, placeKey, command string, payload json.RawMessage) (json.RawMessage, error) {
	p := &pending{
		id:        uuid.NewString(),
		placeKey:  placeKey,
		command:   command,
		payload:   payload,
		createdAt: time.Now(),
		state:     stateQueued,
		result:    make(chan Response, 1),
	}

	b.mu.Lock()
	b.queues[placeKey] = append(b.queues[placeKey], p)
	b.byID[p.id] = p
	b.notify(placeKey)
	b.mu.Unlock()
	metrics.DispatchQueueDepth.WithLabelValues(placeKey).Set(float64(b.QueueDepth(placeKey)))

	select {
	case resp := <-p.result:
		metrics.DispatchLatencySeconds.Observe(time.Since(p.createdAt).Seconds())
		if !resp.Success {
			metrics.DispatchRequestsTotal.WithLabelValues("editor_error").Inc()
			return nil, broker.New(broker.KindEditor, resp.Error)
		}
		metrics.DispatchRequestsTotal.WithLabelValues("success").Inc()
		return resp.Data, nil
	case <-ctx.Done():
		b.abandon(p)
		metrics.DispatchRequestsTotal.WithLabelValues("timeout").Inc()
		return nil, broker.New(broker.KindTimeout, "editor did not respond before the deadline")
	}
}

// abandon removes p from the queues/byID tables if it hasn't already
// completed, so a late response is dropped per the correlation
// soundness property.
func (b *Bus) abandon(p *pending) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.state == stateCompleted {
		return
	}
	p.state = stateAbandoned
	delete(b.byID, p.id)
	b.removeFromQueue(p)
}

func (b *Bus) removeFromQueue(p *pending) {
	q := b.queues[p.placeKey]
	for i, qp := range q {
		if qp == p {
			b.queues[p.placeKey] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// Poll waits up to longPollTimeout for a queued request targeting
// placeKey. It returns (request, true) if one arrives, or (zero-value,
// false) if the window elapses with nothing available (the handler
// should then answer 204 No Content so the editor re-polls).
func (b *Bus) Poll(ctx context.Context, placeKey string, longPollTimeout time.Duration) (Request, bool, error) {
	deadline := time.Now().Add(longPollTimeout)

	for {
		b.mu.Lock()
		q := b.queues[placeKey]
		if len(q) > 0 {
			p := q[0]
			b.queues[placeKey] = q[1:]
			p.state = stateInFlight
			b.mu.Unlock()
			return Request{ID: p.id, Command: p.command, Payload: p.payload}, true, nil
		}
		ch := b.pollNotify[placeKey]
		if ch == nil {
			ch = make(chan struct{})
			b.pollNotify[placeKey] = ch
		}
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Request{}, false, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
			// Requeue notified; loop and try to pop again.
		case <-timer.C:
			return Request{}, false, nil
		case <-ctx.Done():
			timer.Stop()
			return Request{}, false, ctx.Err()
		}
	}
}

// Respond delivers the editor's response for id. If id has no matching
// in-flight Pending (already completed, abandoned, or unknown), the
// response is dropped and ok is false — no waiter is resumed, per the
// correlation soundness property.
func (b *Bus) Respond(id string, success bool, data json.RawMessage, errMsg string) (ok bool) {
	b.mu.Lock()
	p, found := b.byID[id]
	if !found || p.state != stateInFlight {
		b.mu.Unlock()
		return false
	}
	p.state = stateCompleted
	delete(b.byID, id)
	b.mu.Unlock()

	p.result <- Response{Success: success, Data: data, Error: errMsg}
	return true
}

// AbandonPlace fails every queued or in-flight request for placeKey
// with a disconnect error, used when the owning Place unregisters.
func (b *Bus) AbandonPlace(placeKey string) {
	b.mu.Lock()
	q := b.queues[placeKey]
	delete(b.queues, placeKey)
	var inFlight []*pending
	for id, p := range b.byID {
		if p.placeKey == placeKey {
			inFlight = append(inFlight, p)
			delete(b.byID, id)
		}
	}
	b.mu.Unlock()

	disconnect := Response{Success: false, Error: "place disconnected"}
	for _, p := range q {
		p.result <- disconnect
	}
	for _, p := range inFlight {
		p.result <- disconnect
	}
}

// QueueDepth returns the number of not-yet-polled requests for
// placeKey, exposed for metrics.
func (b *Bus) QueueDepth(placeKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[placeKey])
}
