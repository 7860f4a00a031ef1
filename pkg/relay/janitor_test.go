package relay

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/relais-dev/relais/pkg/api"
	"github.com/relais-dev/relais/pkg/storage"
)

func TestJanitorReapsOnlyStaleChats(t *testing.T) {
	c, reg, _ := newTestController(blockingStream())
	now := time.Now()

	staleCancelled := false
	stale := &Entry{
		ID:        "chat_stale00000000000000000",
		OwnerID:   "alice",
		Cancel:    func() { staleCancelled = true },
		StartedAt: now.Add(-15 * time.Minute),
	}
	fresh := &Entry{
		ID:        "chat_fresh00000000000000000",
		OwnerID:   "alice",
		Cancel:    func() {},
		StartedAt: now,
	}
	_ = reg.Register(stale)
	_ = reg.Register(fresh)

	j := NewJanitor(c, reg, DefaultJanitorInterval, DefaultMaxChatAge,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	if got := j.reap(now); got != 1 {
		t.Fatalf("expected 1 reaped chat, got %d", got)
	}
	if !staleCancelled {
		t.Error("expected stale chat's upstream request to be cancelled")
	}
	if _, ok := reg.Get(stale.ID); ok {
		t.Error("expected stale entry to be removed")
	}
	if _, ok := reg.Get(fresh.ID); !ok {
		t.Error("expected fresh entry to survive")
	}

	// A second sweep finds nothing new.
	if got := j.reap(now); got != 0 {
		t.Errorf("expected 0 reaped chats on second sweep, got %d", got)
	}
}

func TestJanitorIgnoresOwnership(t *testing.T) {
	c, reg, _ := newTestController(blockingStream())
	now := time.Now()

	for _, e := range []*Entry{
		{ID: "chat_alicestale000000000000000", OwnerID: "alice", Cancel: func() {}, StartedAt: now.Add(-20 * time.Minute)},
		{ID: "chat_bobstale00000000000000000", OwnerID: "bob", Cancel: func() {}, StartedAt: now.Add(-20 * time.Minute)},
	} {
		_ = reg.Register(e)
	}

	j := NewJanitor(c, reg, DefaultJanitorInterval, DefaultMaxChatAge,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	if got := j.reap(now); got != 2 {
		t.Errorf("expected both owners' stale chats reaped, got %d", got)
	}
	if reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Len())
	}
}

func TestJanitorReapWritesTerminalEvent(t *testing.T) {
	c, reg, _ := newTestController(blockingStream())
	w := &captureWriter{}
	ctx := storage.SetOwner(context.Background(), "alice")

	done := make(chan error, 1)
	go func() { done <- c.HandleChat(ctx, streamingRequest(), w) }()
	waitFor(t, func() bool { return reg.Len() == 1 }, "chat never registered")

	j := NewJanitor(c, reg, DefaultJanitorInterval, DefaultMaxChatAge,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Pretend the chat has been in flight past the age limit.
	if got := j.reap(time.Now().Add(DefaultMaxChatAge + time.Minute)); got != 1 {
		t.Fatalf("expected 1 reaped chat, got %d", got)
	}

	if err := <-done; err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	events := w.snapshot()
	final := events[len(events)-1]
	if final.Type != api.EventChatStopped {
		t.Errorf("expected chat.stopped terminal, got %s", final.Type)
	}
	if reg.Len() != 0 {
		t.Error("expected empty registry after reap")
	}
}

func TestJanitorRunStopsOnContextCancel(t *testing.T) {
	c, reg, _ := newTestController(blockingStream())
	j := NewJanitor(c, reg, 5*time.Millisecond, DefaultMaxChatAge,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop after context cancellation")
	}
}

func TestNewJanitorDefaults(t *testing.T) {
	j := NewJanitor(nil, NewRegistry(), 0, 0, nil)
	if j.interval != DefaultJanitorInterval {
		t.Errorf("expected default interval, got %v", j.interval)
	}
	if j.maxAge != DefaultMaxChatAge {
		t.Errorf("expected default max age, got %v", j.maxAge)
	}
}
