package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/relais-dev/relais/pkg/api"
	"github.com/relais-dev/relais/pkg/upstream"
)

// ParseSSEStream reads Chat Completions SSE frames from the given reader,
// translates each frame to upstream.Event values, and sends them on ch.
// The channel is NOT closed by this function; the caller is responsible
// for closing it.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	\n
//	data: [DONE]\n
//	\n
//
// A frame may arrive split across multiple network reads, and a single
// read may deliver several frames; bufio reassembles lines regardless of
// chunk boundaries. Malformed frames are logged and skipped rather than
// aborting the stream. Context cancellation stops reading immediately.
func ParseSSEStream(ctx context.Context, body io.Reader, ch chan<- upstream.Event) {
	scanner := bufio.NewScanner(body)

	for scanner.Scan() {
		// Check for context cancellation between frames.
		if ctx.Err() != nil {
			return
		}

		line := scanner.Text()

		// SSE lines that don't start with "data: " are ignored
		// (e.g., empty lines, comments starting with ":").
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		payload := strings.TrimPrefix(line, "data: ")

		// Handle the [DONE] sentinel. Some backends only send it after
		// the finish_reason frame; the frame translation below already
		// emitted EventDone in that case, which the relay tolerates.
		if payload == "[DONE]" {
			return
		}

		var chunk ChatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Warn("skipping malformed SSE frame",
				"error", err.Error(),
				"data", Truncate(payload, 200),
			)
			continue
		}

		translateChunk(&chunk, ch)
	}

	// Scanner error (e.g., connection dropped).
	if err := scanner.Err(); err != nil {
		// Context cancellation is not an error from our perspective.
		if ctx.Err() != nil {
			return
		}
		ch <- upstream.Event{
			Type: upstream.EventError,
			Err:  api.NewUpstreamError(0, "stream read error: "+err.Error()),
		}
	}
}

// translateChunk converts a single ChatCompletionChunk into zero or more
// upstream.Event values sent on the channel.
func translateChunk(chunk *ChatCompletionChunk, ch chan<- upstream.Event) {
	// No choices: this can be a usage-only final chunk (sent with
	// stream_options.include_usage) or an empty keepalive.
	if len(chunk.Choices) == 0 {
		if chunk.Usage != nil {
			u := chunk.Usage.toUsage()
			ch <- upstream.Event{Type: upstream.EventDone, Usage: &u}
		}
		return
	}

	choice := chunk.Choices[0]

	// finish_reason signals stream completion for this choice.
	if choice.FinishReason != nil {
		ev := upstream.Event{
			Type:         upstream.EventDone,
			FinishReason: *choice.FinishReason,
		}
		if choice.Delta.Content != nil {
			ev.Delta = *choice.Delta.Content
		}
		if chunk.Usage != nil {
			u := chunk.Usage.toUsage()
			ev.Usage = &u
		}
		ch <- ev
		return
	}

	// Text content delta.
	if choice.Delta.Content != nil && *choice.Delta.Content != "" {
		ch <- upstream.Event{
			Type:  upstream.EventDelta,
			Delta: *choice.Delta.Content,
		}
		return
	}

	// Role-only chunk (first chunk of the stream) or empty delta.
	// Nothing to forward.
}

// Truncate limits a string to maxLen characters for log output.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
