package api

import "fmt"

// ValidationConfig holds configurable limits for request validation.
type ValidationConfig struct {
	MaxMessages    int
	MaxContentSize int
}

// DefaultValidationConfig returns a ValidationConfig with sensible defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxMessages:    1000,
		MaxContentSize: 1 << 20, // 1MB per message
	}
}

// ValidateChatRequest checks a ChatRequest for validity. It returns an
// *APIError describing the first validation failure, or nil if the request
// is valid. Validation happens synchronously, before any in-flight entry
// is created.
func ValidateChatRequest(req *ChatRequest, cfg ValidationConfig) *APIError {
	if req.Model == "" {
		return NewInvalidRequestError("model", "model is required")
	}

	if len(req.Messages) == 0 {
		return NewInvalidRequestError("messages", "messages must contain at least one turn")
	}

	if cfg.MaxMessages > 0 && len(req.Messages) > cfg.MaxMessages {
		return NewInvalidRequestError("messages",
			fmt.Sprintf("messages exceeds maximum of %d turns", cfg.MaxMessages))
	}

	for i, msg := range req.Messages {
		if !ValidRole(msg.Role) {
			return NewInvalidRequestError(fmt.Sprintf("messages[%d].role", i),
				fmt.Sprintf("role must be one of 'system', 'user', 'assistant', got %q", msg.Role))
		}
		if msg.Content == "" {
			return NewInvalidRequestError(fmt.Sprintf("messages[%d].content", i),
				"content must not be empty")
		}
		if cfg.MaxContentSize > 0 && len(msg.Content) > cfg.MaxContentSize {
			return NewInvalidRequestError(fmt.Sprintf("messages[%d].content", i),
				fmt.Sprintf("content exceeds maximum of %d bytes", cfg.MaxContentSize))
		}
	}

	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return NewInvalidRequestError("max_tokens", "max_tokens must be positive")
	}

	if req.Temperature != nil {
		if *req.Temperature < 0.0 || *req.Temperature > 2.0 {
			return NewInvalidRequestError("temperature", "temperature must be between 0.0 and 2.0")
		}
	}

	return nil
}
