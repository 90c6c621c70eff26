// Package playtest implements the playtest runner (spec §4.7):
// test/start, test/status and test/stop compose the dispatch bus with
// a console-ring snapshot captured between start and stop.
package playtest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rbxsync/broker/internal/broker"
	"github.com/rbxsync/broker/internal/console"
	"github.com/rbxsync/broker/internal/dispatch"
)

// Status is the state of one placeKey's in-progress (or most recent)
// playtest run.
type Status struct {
	InProgress     bool              `json:"inProgress"`
	Complete       bool              `json:"complete"`
	Error          string            `json:"error,omitempty"`
	Output         []console.Message `json:"output"`
	TotalMessages  int               `json:"totalMessages"`
}

type run struct {
	mu            sync.Mutex
	inProgress    bool
	complete      bool
	errMessage    string
	captureMark   int
	output        []console.Message
}

// Runner composes the dispatch bus and console ring into the
// test/start, test/status, test/stop endpoints, one run per placeKey.
type Runner struct {
	mu    sync.Mutex
	bus   *dispatch.Bus
	ring  *console.Ring
	runs  map[string]*run
}

// New creates a Runner over the given dispatch bus and console ring,
// both owned by the broker's aggregate state.
func New(bus *dispatch.Bus, ring *console.Ring) *Runner {
	return &Runner{bus: bus, ring: ring, runs: make(map[string]*run)}
}

func (r *Runner) runFor(placeKey string) *run {
	r.mu.Lock()
	defer r.mu.Unlock()
	ru, ok := r.runs[placeKey]
	if !ok {
		ru = &run{}
		r.runs[placeKey] = ru
	}
	return ru
}

// Start dispatches test:run to the editor and begins console capture.
// The dispatch is fire-and-forget from the runner's perspective: the
// editor executes the playtest asynchronously and status is polled
// separately, so Start uses a short acknowledgment timeout rather
// than waiting for the whole playtest to finish.
func (r *Runner) Start(ctx context.Context, placeKey string, payload json.RawMessage) error {
	ru := r.runFor(placeKey)

	ru.mu.Lock()
	if ru.inProgress {
		ru.mu.Unlock()
		return broker.New(broker.KindIncompleteSession, "a playtest is already in progress for this place")
	}
	ru.inProgress = true
	ru.complete = false
	ru.errMessage = ""
	ru.captureMark = r.ring.Len()
	ru.output = nil
	ru.mu.Unlock()

	ackCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := r.bus.Dispatch(ackCtx, placeKey, "test:run", payload)
	if err != nil {
		ru.mu.Lock()
		ru.inProgress = false
		ru.errMessage = err.Error()
		ru.mu.Unlock()
		return err
	}
	return nil
}

// Status reports the current run's progress, refreshing the captured
// output from the console ring without disturbing live SSE
// subscribers (§4.7).
func (r *Runner) Status(placeKey string) Status {
	ru := r.runFor(placeKey)

	ru.mu.Lock()
	defer ru.mu.Unlock()
	output := r.ring.SnapshotSince(ru.captureMark)
	return Status{
		InProgress:    ru.inProgress,
		Complete:      ru.complete,
		Error:         ru.errMessage,
		Output:        output,
		TotalMessages: len(output),
	}
}

// Stop dispatches test:finish, marks the run complete, and returns
// the final captured console buffer.
func (r *Runner) Stop(ctx context.Context, placeKey string) (Status, error) {
	ru := r.runFor(placeKey)

	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := r.bus.Dispatch(stopCtx, placeKey, "test:finish", nil)

	ru.mu.Lock()
	defer ru.mu.Unlock()
	ru.inProgress = false
	ru.complete = true
	if err != nil {
		ru.errMessage = err.Error()
	}
	ru.output = r.ring.SnapshotSince(ru.captureMark)

	return Status{
		InProgress:    false,
		Complete:      true,
		Error:         ru.errMessage,
		Output:        ru.output,
		TotalMessages: len(ru.output),
	}, err
}
