package bot

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rbxsync/broker/internal/broker"
)

func TestQueuePendingResultRoundTrip(t *testing.T) {
	c := New()
	c.Hello()

	id, qlen := c.Queue("move", "", json.RawMessage(`{"x":0,"y":0,"z":0}`))
	if qlen != 1 {
		t.Fatalf("expected queue length 1, got %d", qlen)
	}

	cmd, ok := c.Pending()
	if !ok || cmd.ID != id {
		t.Fatalf("expected pending command %s, got %+v ok=%v", id, cmd, ok)
	}

	if _, ok := c.Pending(); ok {
		t.Fatal("expected empty queue after single pop")
	}

	c.PostResult(id, true, json.RawMessage(`{"reached":true}`), "")

	res, err := c.Result(id, 0)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}

	_, err = c.Result(id, 0)
	if !AlreadyConsumed(err) {
		t.Fatalf("expected already-consumed on second poll, got %v", err)
	}
}

func TestResultWaitsForLateArrival(t *testing.T) {
	c := New()
	c.Hello()
	id, _ := c.Queue("action", "jump", nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.PostResult(id, true, nil, "")
	}()

	res, err := c.Result(id, time.Second)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestGoodbyeDrainsQueueAndFailsWaiters(t *testing.T) {
	c := New()
	c.Hello()
	id, _ := c.Queue("observe", "", nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Result(id, time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.Goodbye()

	select {
	case err := <-errCh:
		be, ok := broker.AsError(err)
		if !ok || be.Kind != broker.KindPlaytestEnded {
			t.Fatalf("expected PlaytestEnded, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected waiter resumed on goodbye")
	}

	if c.Active() {
		t.Fatal("expected channel inactive after goodbye")
	}
	if _, ok := c.Pending(); ok {
		t.Fatal("expected queue drained after goodbye")
	}
}

func TestResultWithoutWaitReturnsNotFound(t *testing.T) {
	c := New()
	_, err := c.Result("missing", 0)
	if err == nil {
		t.Fatal("expected not-found error for unposted result")
	}
	if AlreadyConsumed(err) {
		t.Fatal("expected not-yet-arrived, not already-consumed")
	}
}
