package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/relais-dev/relais/pkg/api"
	"github.com/relais-dev/relais/pkg/storage"
	"github.com/relais-dev/relais/pkg/transport"
	"github.com/relais-dev/relais/pkg/upstream"
)

// fakeUpstream is a scriptable upstream.Client for tests.
type fakeUpstream struct {
	complete func(context.Context, *upstream.Request) (*upstream.Response, error)
	stream   func(context.Context, *upstream.Request) (<-chan upstream.Event, error)
}

func (f *fakeUpstream) Complete(ctx context.Context, req *upstream.Request) (*upstream.Response, error) {
	if f.complete == nil {
		return nil, errors.New("complete not scripted")
	}
	return f.complete(ctx, req)
}

func (f *fakeUpstream) Stream(ctx context.Context, req *upstream.Request) (<-chan upstream.Event, error) {
	if f.stream == nil {
		return nil, errors.New("stream not scripted")
	}
	return f.stream(ctx, req)
}

func (f *fakeUpstream) Close() error { return nil }

// scriptedStream returns a client whose Stream delivers the given events
// and then closes the channel.
func scriptedStream(events ...upstream.Event) *fakeUpstream {
	return &fakeUpstream{
		stream: func(_ context.Context, _ *upstream.Request) (<-chan upstream.Event, error) {
			ch := make(chan upstream.Event, len(events))
			for _, ev := range events {
				ch <- ev
			}
			close(ch)
			return ch, nil
		},
	}
}

// blockingStream returns a client whose Stream produces nothing until the
// context is cancelled, simulating a backend that never answers.
func blockingStream() *fakeUpstream {
	return &fakeUpstream{
		stream: func(ctx context.Context, _ *upstream.Request) (<-chan upstream.Event, error) {
			ch := make(chan upstream.Event)
			go func() {
				<-ctx.Done()
				close(ch)
			}()
			return ch, nil
		},
	}
}

// captureWriter records everything written to it. Like the HTTP stream
// writer, it refuses writes after a terminal event.
type captureWriter struct {
	mu       sync.Mutex
	events   []api.StreamEvent
	resp     *api.ChatResponse
	terminal bool
}

func (w *captureWriter) WriteEvent(_ context.Context, ev api.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.terminal {
		return errors.New("stream already terminated")
	}
	w.events = append(w.events, ev)
	if api.IsTerminalEvent(ev.Type) {
		w.terminal = true
	}
	return nil
}

func (w *captureWriter) WriteResponse(_ context.Context, resp *api.ChatResponse) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resp = resp
	return nil
}

func (w *captureWriter) Flush() error { return nil }

func (w *captureWriter) snapshot() []api.StreamEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]api.StreamEvent, len(w.events))
	copy(out, w.events)
	return out
}

func (w *captureWriter) response() *api.ChatResponse {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resp
}

// fakeStore records saved transcripts.
type fakeStore struct {
	mu    sync.Mutex
	saved []*api.ChatResponse
}

func (s *fakeStore) SaveChat(_ context.Context, chat *api.ChatResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *chat
	s.saved = append(s.saved, &clone)
	return nil
}

func (s *fakeStore) GetChat(_ context.Context, _ string) (*api.ChatResponse, error) {
	return nil, storage.ErrNotFound
}

func (s *fakeStore) DeleteChat(_ context.Context, _ string) error { return nil }

func (s *fakeStore) ListChats(_ context.Context, _ transport.ListOptions) (*transport.ChatList, error) {
	return &transport.ChatList{Object: "list", Data: []*api.ChatResponse{}}, nil
}

func (s *fakeStore) HealthCheck(_ context.Context) error { return nil }

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) transcripts() []*api.ChatResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*api.ChatResponse, len(s.saved))
	copy(out, s.saved)
	return out
}

func newTestController(u upstream.Client) (*Controller, *Registry, *fakeStore) {
	reg := NewRegistry()
	store := &fakeStore{}
	c := NewController(Options{
		Upstream:   u,
		Registry:   reg,
		Store:      store,
		Validation: api.DefaultValidationConfig(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return c, reg, store
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func streamingRequest() *api.ChatRequest {
	return &api.ChatRequest{
		Model:    "test-model",
		Messages: []api.Message{{Role: api.RoleUser, Content: "hello"}},
		Stream:   true,
	}
}
