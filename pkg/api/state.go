package api

import "fmt"

// ChatState tracks the lifecycle of an in-flight chat exchange.
// An exchange moves created -> registered -> streaming and ends in
// exactly one of the terminal states.
type ChatState string

const (
	StateCreated    ChatState = "created"
	StateRegistered ChatState = "registered"
	StateStreaming  ChatState = "streaming"
	StateCompleted  ChatState = "completed"
	StateErrored    ChatState = "errored"
	StateCancelled  ChatState = "cancelled"
)

// ValidateStateTransition checks whether a lifecycle transition is valid.
// An empty "from" state represents the initial state before creation.
// Terminal states do not allow outgoing transitions.
func ValidateStateTransition(from, to ChatState) *APIError {
	valid := map[ChatState][]ChatState{
		"":              {StateCreated},
		StateCreated:    {StateRegistered, StateErrored},
		StateRegistered: {StateStreaming, StateCompleted, StateErrored, StateCancelled},
		StateStreaming:  {StateCompleted, StateErrored, StateCancelled},
	}

	allowed, exists := valid[from]
	if !exists {
		return NewInvalidRequestError("state",
			fmt.Sprintf("invalid transition from %s to %s", from, to))
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return NewInvalidRequestError("state",
		fmt.Sprintf("invalid transition from %s to %s", from, to))
}

// IsTerminalState reports whether s allows no further transitions.
func IsTerminalState(s ChatState) bool {
	switch s {
	case StateCompleted, StateErrored, StateCancelled:
		return true
	}
	return false
}
