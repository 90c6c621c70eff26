package console

import (
	"testing"
	"time"
)

func TestHistoryReturnsMostRecentInOrder(t *testing.T) {
	r := New(10)
	r.Push([]Message{
		{Message: "m1"}, {Message: "m2"}, {Message: "m3"},
	})

	msgs, total := r.History(2)
	if total != 3 {
		t.Fatalf("expected total 3, got %d", total)
	}
	if len(msgs) != 2 || msgs[0].Message != "m2" || msgs[1].Message != "m3" {
		t.Fatalf("unexpected history: %+v", msgs)
	}
}

func TestRingEvictsOldestBeyondCapacity(t *testing.T) {
	r := New(2)
	r.Push([]Message{{Message: "m1"}, {Message: "m2"}, {Message: "m3"}})

	msgs, total := r.History(10)
	if total != 2 {
		t.Fatalf("expected ring bounded to capacity 2, got total %d", total)
	}
	if msgs[0].Message != "m2" || msgs[1].Message != "m3" {
		t.Fatalf("expected oldest evicted, got %+v", msgs)
	}
}

func TestSubscriberReceivesMessagesInOrder(t *testing.T) {
	r := New(100)
	ch, unsubscribe := r.Subscribe()
	defer unsubscribe()

	r.Push([]Message{{Message: "m1"}, {Message: "m2"}, {Message: "m3"}})

	for _, want := range []string{"m1", "m2", "m3"} {
		select {
		case got := <-ch:
			if got.Message != want {
				t.Fatalf("expected %s, got %s", want, got.Message)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := New(100)
	ch, unsubscribe := r.Subscribe()
	unsubscribe()

	r.Push([]Message{{Message: "after-unsubscribe"}})

	select {
	case msg := <-ch:
		t.Fatalf("expected no delivery after unsubscribe, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSnapshotSinceCapturesOnlyNewMessages(t *testing.T) {
	r := New(100)
	r.Push([]Message{{Message: "before"}})

	mark := r.Len()
	r.Push([]Message{{Message: "during-1"}, {Message: "during-2"}})

	captured := r.SnapshotSince(mark)
	if len(captured) != 2 || captured[0].Message != "during-1" || captured[1].Message != "during-2" {
		t.Fatalf("unexpected capture: %+v", captured)
	}
}

func TestSlowSubscriberDropsRatherThanBlocksPush(t *testing.T) {
	r := New(100)
	ch, unsubscribe := r.Subscribe()
	defer unsubscribe()

	var msgs []Message
	for i := 0; i < subscriberBuffer+10; i++ {
		msgs = append(msgs, Message{Message: "m"})
	}

	done := make(chan struct{})
	go func() {
		r.Push(msgs)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push blocked on a slow subscriber")
	}
	_ = ch
}
