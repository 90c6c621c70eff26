package playtest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rbxsync/broker/internal/console"
	"github.com/rbxsync/broker/internal/dispatch"
)

func TestStartPollRespondStop(t *testing.T) {
	bus := dispatch.New()
	ring := console.New(100)
	r := New(bus, ring)

	// Respond to the test:run ack in the background, as the editor would.
	go func() {
		req, ok, err := bus.Poll(context.Background(), "place-1", time.Second)
		if err != nil || !ok {
			t.Errorf("expected test:run request, ok=%v err=%v", ok, err)
			return
		}
		if req.Command != "test:run" {
			t.Errorf("unexpected command: %s", req.Command)
			return
		}
		bus.Respond(req.ID, true, json.RawMessage(`{"started":true}`), "")
	}()

	if err := r.Start(context.Background(), "place-1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	ring.Push([]console.Message{{Message: "playtest output 1"}})

	status := r.Status("place-1")
	if !status.InProgress || status.Complete {
		t.Fatalf("unexpected status mid-run: %+v", status)
	}
	if len(status.Output) != 1 {
		t.Fatalf("expected captured output, got %+v", status.Output)
	}

	go func() {
		req, ok, err := bus.Poll(context.Background(), "place-1", time.Second)
		if err != nil || !ok {
			t.Errorf("expected test:finish request, ok=%v err=%v", ok, err)
			return
		}
		bus.Respond(req.ID, true, nil, "")
	}()

	final, err := r.Stop(context.Background(), "place-1")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !final.Complete || final.InProgress {
		t.Fatalf("unexpected final status: %+v", final)
	}
	if final.TotalMessages != 1 {
		t.Fatalf("expected one captured message, got %+v", final)
	}
}

func TestStartTwiceWhileInProgressFails(t *testing.T) {
	bus := dispatch.New()
	ring := console.New(100)
	r := New(bus, ring)

	go func() {
		req, ok, _ := bus.Poll(context.Background(), "place-1", time.Second)
		if ok {
			bus.Respond(req.ID, true, nil, "")
		}
	}()
	if err := r.Start(context.Background(), "place-1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := r.Start(context.Background(), "place-1", nil); err == nil {
		t.Fatal("expected second start to fail while a playtest is in progress")
	}
}
