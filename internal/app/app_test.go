package app

import (
	"context"
	"testing"
	"time"

	"github.com/rbxsync/broker/internal/config"
)

func TestNewWiresSubsystems(t *testing.T) {
	b := New(config.Default())

	if b.Registry == nil || b.Dispatch == nil || b.Extract == nil ||
		b.Console == nil || b.Bot == nil || b.Playtest == nil {
		t.Fatalf("expected every subsystem to be wired, got %+v", b)
	}
}

func TestUnregisterAbandonsDispatchQueue(t *testing.T) {
	b := New(config.Default())
	b.Registry.Register(1, "Place", "/p", "sess-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Dispatch.Dispatch(ctx, "sess-1", "noop", nil)
		errCh <- err
	}()

	for i := 0; i < 50 && b.Dispatch.QueueDepth("sess-1") == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if n := b.Dispatch.QueueDepth("sess-1"); n == 0 {
		t.Fatalf("expected a queued request before unregister, got %d", n)
	}

	b.Registry.Unregister("sess-1")

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected an error once the place was abandoned")
		}
	case <-time.After(time.Second):
		t.Fatal("expected AbandonPlace to unblock the pending dispatch")
	}
	if n := b.Dispatch.QueueDepth("sess-1"); n != 0 {
		t.Fatalf("expected the queue to be drained, got %d", n)
	}
}

func TestProjectConfigLoadsPackages(t *testing.T) {
	b := New(config.Default())
	cfg, err := b.ProjectConfig(t.TempDir())
	if err != nil {
		t.Fatalf("project config: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected a non-nil project config for a directory with no rbxsync.json")
	}
}
