package transport

import (
	"context"

	"github.com/relais-dev/relais/pkg/api"
)

// ChatHandler handles the core chat completion operation. The
// implementation receives a request and writes the result (streaming
// events or a complete response) to the StreamWriter.
type ChatHandler interface {
	HandleChat(ctx context.Context, req *api.ChatRequest, w StreamWriter) error
}

// ChatHandlerFunc is an adapter that allows using an ordinary function
// as a ChatHandler.
type ChatHandlerFunc func(ctx context.Context, req *api.ChatRequest, w StreamWriter) error

// HandleChat calls f(ctx, req, w).
func (f ChatHandlerFunc) HandleChat(ctx context.Context, req *api.ChatRequest, w StreamWriter) error {
	return f(ctx, req, w)
}

// StopOutcome is the result of a stop request for a single chat.
type StopOutcome int

const (
	// StopOutcomeStopped means the chat was in flight and has been stopped.
	StopOutcomeStopped StopOutcome = iota

	// StopOutcomeNotFound means no in-flight chat with that ID exists.
	// An already-finished chat reports this outcome too.
	StopOutcomeNotFound

	// StopOutcomeForbidden means the chat exists but belongs to a
	// different owner.
	StopOutcomeForbidden
)

// ChatStopper terminates in-flight chats. The requester identity is
// carried in the context; implementations enforce ownership.
type ChatStopper interface {
	// Stop terminates a single in-flight chat by ID.
	Stop(ctx context.Context, id string) (StopOutcome, error)

	// StopAll terminates every in-flight chat belonging to the requester
	// and returns the IDs that were stopped. Stopping zero chats is not
	// an error.
	StopAll(ctx context.Context) ([]string, error)
}

// ListOptions controls pagination and ordering for list operations.
type ListOptions struct {
	After string // Cursor: return items after this ID.
	Limit int    // Maximum number of items to return (default 20, max 100).
	Model string // Filter chats by model name.
	Order string // Sort order: "asc" or "desc" (default "desc").
}

// ChatList holds a paginated list of stored chats.
type ChatList struct {
	Object  string              `json:"object"`
	Data    []*api.ChatResponse `json:"data"`
	HasMore bool                `json:"has_more"`
	FirstID string              `json:"first_id"`
	LastID  string              `json:"last_id"`
}

// ChatStore handles persistence, retrieval, and deletion of finished
// chat transcripts. Owner scoping is derived from the context.
type ChatStore interface {
	// SaveChat persists a finished chat to the store.
	SaveChat(ctx context.Context, chat *api.ChatResponse) error

	// GetChat retrieves a chat by ID. Returns storage.ErrNotFound if the
	// chat does not exist or belongs to a different owner.
	GetChat(ctx context.Context, id string) (*api.ChatResponse, error)

	// DeleteChat removes a stored chat by ID.
	DeleteChat(ctx context.Context, id string) error

	// ListChats returns a paginated list of the requester's stored chats.
	ListChats(ctx context.Context, opts ListOptions) (*ChatList, error)

	// HealthCheck verifies the store connection is functional.
	HealthCheck(ctx context.Context) error

	// Close releases database connections and resources.
	Close() error
}

// StreamWriter abstracts streaming and non-streaming output for the
// handler. The transport layer creates a StreamWriter for each request
// and provides it to the handler.
//
// WriteEvent and WriteResponse are mutually exclusive on a single writer
// instance. Calling WriteEvent after a terminal event (chat.completed,
// chat.stopped, or chat.error) returns an error; later writes are
// silently impossible rather than corrupting the stream.
type StreamWriter interface {
	// WriteEvent sends a single streaming event. Returns an error if
	// called after a terminal event has been sent or after WriteResponse
	// was called.
	WriteEvent(ctx context.Context, event api.StreamEvent) error

	// WriteResponse sends a complete non-streaming response. Returns an
	// error if called after WriteEvent was called on this writer.
	WriteResponse(ctx context.Context, resp *api.ChatResponse) error

	// Flush ensures buffered data is sent to the client. Returns an
	// error if the client has disconnected.
	Flush() error
}
