package api

import (
	"strings"
	"testing"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func validRequest() *ChatRequest {
	return &ChatRequest{
		Model: "test-model",
		Messages: []Message{
			{Role: RoleUser, Content: "hi"},
		},
	}
}

func TestValidateChatRequestValid(t *testing.T) {
	cfg := DefaultValidationConfig()

	req := validRequest()
	req.Temperature = floatPtr(0.7)
	req.MaxTokens = intPtr(256)
	req.Stream = true

	if err := ValidateChatRequest(req, cfg); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}
}

func TestValidateChatRequestRejections(t *testing.T) {
	cfg := DefaultValidationConfig()

	tests := []struct {
		name      string
		mutate    func(*ChatRequest)
		wantParam string
	}{
		{
			name:      "missing model",
			mutate:    func(r *ChatRequest) { r.Model = "" },
			wantParam: "model",
		},
		{
			name:      "empty messages",
			mutate:    func(r *ChatRequest) { r.Messages = nil },
			wantParam: "messages",
		},
		{
			name: "bad role",
			mutate: func(r *ChatRequest) {
				r.Messages = []Message{{Role: "tool", Content: "x"}}
			},
			wantParam: "messages[0].role",
		},
		{
			name: "empty content",
			mutate: func(r *ChatRequest) {
				r.Messages = []Message{{Role: RoleUser, Content: ""}}
			},
			wantParam: "messages[0].content",
		},
		{
			name:      "zero max_tokens",
			mutate:    func(r *ChatRequest) { r.MaxTokens = intPtr(0) },
			wantParam: "max_tokens",
		},
		{
			name:      "negative max_tokens",
			mutate:    func(r *ChatRequest) { r.MaxTokens = intPtr(-5) },
			wantParam: "max_tokens",
		},
		{
			name:      "temperature too high",
			mutate:    func(r *ChatRequest) { r.Temperature = floatPtr(2.5) },
			wantParam: "temperature",
		},
		{
			name:      "temperature negative",
			mutate:    func(r *ChatRequest) { r.Temperature = floatPtr(-0.1) },
			wantParam: "temperature",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			err := ValidateChatRequest(req, cfg)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if err.Type != ErrorTypeInvalidRequest {
				t.Errorf("expected invalid_request, got %q", err.Type)
			}
			if err.Param != tt.wantParam {
				t.Errorf("expected param %q, got %q", tt.wantParam, err.Param)
			}
		})
	}
}

func TestValidateChatRequestLimits(t *testing.T) {
	cfg := ValidationConfig{MaxMessages: 2, MaxContentSize: 10}

	req := validRequest()
	req.Messages = []Message{
		{Role: RoleUser, Content: "a"},
		{Role: RoleAssistant, Content: "b"},
		{Role: RoleUser, Content: "c"},
	}
	if err := ValidateChatRequest(req, cfg); err == nil {
		t.Error("expected rejection for too many messages")
	}

	req = validRequest()
	req.Messages[0].Content = strings.Repeat("x", 11)
	if err := ValidateChatRequest(req, cfg); err == nil {
		t.Error("expected rejection for oversized content")
	}
}
