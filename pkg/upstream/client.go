package upstream

import (
	"context"

	"github.com/relais-dev/relais/pkg/api"
)

// Client abstracts the language-model inference backend.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Client interface {
	// Complete performs non-streaming inference.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream performs streaming inference. The returned channel receives
	// Event values and is closed by the client when the stream completes,
	// errors, or the context is cancelled. Cancelling the context must
	// unblock any read on the backend connection within a bounded grace
	// period.
	Stream(ctx context.Context, req *Request) (<-chan Event, error)

	// Close releases client resources (HTTP clients, connections).
	Close() error
}

// Request is the backend-facing request, stripped of transport concerns.
type Request struct {
	Model       string        `json:"model"`
	Messages    []api.Message `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// Response is the backend's complete non-streaming response.
type Response struct {
	Content      string
	FinishReason string
	Usage        api.Usage
}

// EventType classifies a streaming event from the backend.
type EventType int

const (
	// EventDelta carries one incremental piece of generated text.
	EventDelta EventType = iota

	// EventDone signals normal end of stream, optionally with usage.
	EventDone

	// EventError signals the stream failed. Err is populated.
	EventError
)

// Event is a single streaming event from the backend.
type Event struct {
	Type         EventType
	Delta        string
	FinishReason string
	Usage        *api.Usage
	Err          error
}
