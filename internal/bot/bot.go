// Package bot implements the bot command/result rendezvous used
// during playtests (spec §4.6). It is structurally similar to
// internal/dispatch but queue-based rather than waiter-based, so
// editor-side game-running code can consume commands out of order.
package bot

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rbxsync/broker/internal/broker"
	"github.com/rbxsync/broker/internal/metrics"
)

// resultTTL bounds how long a posted result waits to be consumed
// before it is dropped, preventing an abandoned poller from leaking
// memory forever.
const resultTTL = 2 * time.Minute

// Command is one queued bot instruction.
type Command struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Command string          `json:"command,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Result is what the editor posts back for a Command.
type Result struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type storedResult struct {
	result    Result
	postedAt  time.Time
	consumed  bool
}

// Channel is one playtest's bot rendezvous state: a FIFO command
// queue plus a result map keyed by command id.
type Channel struct {
	mu      sync.Mutex
	active  bool
	queue   []Command
	results map[string]*storedResult
	waiters map[string]chan Result // result/:id long-pollers awaiting a not-yet-posted result
}

// New creates a Channel. lifecycle "hello" activates it.
func New() *Channel {
	return &Channel{
		results: make(map[string]*storedResult),
		waiters: make(map[string]chan Result),
	}
}

// Hello marks the channel active, ready to accept commands for a new playtest.
func (c *Channel) Hello() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = true
}

// Goodbye ends the playtest: it drains the queue and fails every
// outstanding result waiter with PlaytestEnded.
func (c *Channel) Goodbye() {
	c.mu.Lock()
	c.active = false
	c.queue = nil
	waiters := c.waiters
	c.waiters = make(map[string]chan Result)
	c.mu.Unlock()
	metrics.BotQueueDepth.Set(0)

	for _, ch := range waiters {
		ch <- Result{Success: false, Error: "playtest ended"}
	}
}

// Queue appends a new command built from cmdType/command/args and
// returns its id and the queue length after enqueueing.
func (c *Channel) Queue(cmdType, command string, args json.RawMessage) (id string, queueLength int) {
	cmd := Command{ID: uuid.NewString(), Type: cmdType, Command: command, Args: args}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, cmd)
	metrics.BotQueueDepth.Set(float64(len(c.queue)))
	return cmd.ID, len(c.queue)
}

// Pending pops the head of the queue for the editor to execute next.
// ok is false if the queue is empty.
func (c *Channel) Pending() (cmd Command, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return Command{}, false
	}
	cmd = c.queue[0]
	c.queue = c.queue[1:]
	metrics.BotQueueDepth.Set(float64(len(c.queue)))
	return cmd, true
}

// PostResult stores the editor's result for id, waking any waiter
// already polling result/:id.
func (c *Channel) PostResult(id string, success bool, data json.RawMessage, errMsg string) {
	res := Result{ID: id, Success: success, Data: data, Error: errMsg}

	c.mu.Lock()
	if ch, ok := c.waiters[id]; ok {
		delete(c.waiters, id)
		c.results[id] = &storedResult{result: res, postedAt: time.Now(), consumed: true}
		c.mu.Unlock()
		ch <- res
		return
	}
	c.results[id] = &storedResult{result: res, postedAt: time.Now()}
	c.mu.Unlock()
}

// resultNotFound is returned by Result to distinguish "not yet
// posted, keep polling" from "already consumed".
type resultNotFound struct{ alreadyConsumed bool }

func (resultNotFound) Error() string { return "bot result not available" }

// AlreadyConsumed reports whether err (from Result) indicates the
// result existed but a prior poller already consumed it, versus
// simply not having arrived yet.
func AlreadyConsumed(err error) bool {
	rnf, ok := err.(resultNotFound)
	return ok && rnf.alreadyConsumed
}

// Result waits up to timeout for id's result, consuming it on
// delivery (a second call for the same id fails as already
// consumed). A zero timeout checks once without waiting.
func (c *Channel) Result(id string, timeout time.Duration) (Result, error) {
	c.mu.Lock()
	if stored, ok := c.results[id]; ok {
		if stored.consumed {
			c.mu.Unlock()
			return Result{}, resultNotFound{alreadyConsumed: true}
		}
		stored.consumed = true
		c.mu.Unlock()
		return stored.result, nil
	}
	if timeout <= 0 {
		c.mu.Unlock()
		return Result{}, resultNotFound{}
	}

	ch := make(chan Result, 1)
	c.waiters[id] = ch
	c.mu.Unlock()

	select {
	case res := <-ch:
		if res.Error == "playtest ended" && !res.Success && res.ID == "" {
			return Result{}, broker.New(broker.KindPlaytestEnded, "playtest ended before a result arrived")
		}
		return res, nil
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
		return Result{}, resultNotFound{}
	}
}

// reapResults drops stored results older than resultTTL, consumed or
// not, preventing unbounded memory growth from a client that queued a
// command and never polled for its result. Until then a consumed entry
// stays so that a repeat poll is told the result was already consumed.
func (c *Channel) reapResults() {
	cutoff := time.Now().Add(-resultTTL)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, stored := range c.results {
		if stored.postedAt.Before(cutoff) {
			delete(c.results, id)
		}
	}
}

// Reap runs the TTL sweep; intended to be called from a ticker on the
// server's lifecycle goroutine.
func (c *Channel) Reap() {
	c.reapResults()
}

// Active reports whether the channel is between a hello and goodbye.
func (c *Channel) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// QueueLength reports the current queue depth, for metrics.
func (c *Channel) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
