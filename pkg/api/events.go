package api

// StreamEventType identifies the type of a streaming event.
type StreamEventType string

const (
	// EventChatStarted is the first event on every stream. It reveals the
	// assigned chat ID so the client can later issue a stop referencing it.
	EventChatStarted StreamEventType = "chat.started"

	// EventChatDelta carries one incremental piece of generated text.
	EventChatDelta StreamEventType = "chat.delta"

	// Terminal events. Exactly one of these ends a stream; each carries
	// the chat ID.
	EventChatCompleted StreamEventType = "chat.completed"
	EventChatStopped   StreamEventType = "chat.stopped"
	EventChatError     StreamEventType = "chat.error"
)

// IsTerminalEvent reports whether t ends a stream.
func IsTerminalEvent(t StreamEventType) bool {
	switch t {
	case EventChatCompleted, EventChatStopped, EventChatError:
		return true
	}
	return false
}

// StreamEvent represents a single server-sent event in a streaming response.
type StreamEvent struct {
	Type           StreamEventType `json:"type"`
	ID             string          `json:"id"`
	SequenceNumber int             `json:"sequence_number"`
	Delta          string          `json:"delta,omitempty"`
	Response       *ChatResponse   `json:"response,omitempty"`
	Error          *APIError       `json:"error,omitempty"`
}
