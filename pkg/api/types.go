package api

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ValidRole reports whether r is one of the accepted message roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single role-tagged conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the client-facing request to create a chat completion.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Usage holds token accounting for a completed exchange.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ChatStatus is the status of a chat exchange.
type ChatStatus string

const (
	ChatStatusStreaming ChatStatus = "streaming"
	ChatStatusCompleted ChatStatus = "completed"
	ChatStatusErrored   ChatStatus = "errored"
	ChatStatusStopped   ChatStatus = "stopped"
)

// ObjectChatCompletion is the value of ChatResponse.Object.
const ObjectChatCompletion = "chat.completion"

// ChatResponse is the complete (non-streaming) result of a chat exchange.
// It is also the shape persisted as a transcript and returned by the
// retrieval endpoints.
type ChatResponse struct {
	ID        string     `json:"id"`
	Object    string     `json:"object"`
	Model     string     `json:"model"`
	Content   string     `json:"content"`
	Status    ChatStatus `json:"status"`
	Usage     *Usage     `json:"usage,omitempty"`
	Error     *APIError  `json:"error,omitempty"`
	CreatedAt int64      `json:"created_at"`
}
