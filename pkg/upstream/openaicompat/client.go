package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/relais-dev/relais/pkg/api"
	"github.com/relais-dev/relais/pkg/upstream"
)

// Client performs HTTP requests against an OpenAI-compatible Chat
// Completions backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// Config holds the backend connection settings.
type Config struct {
	// BaseURL is the backend root (e.g. "http://localhost:8000").
	// The /v1/chat/completions path is appended.
	BaseURL string

	// APIKey, when non-empty, is sent as a bearer token.
	APIKey string

	// Timeout bounds non-streaming requests. Default: 120s. Streaming
	// requests are not subject to this timeout; their lifetime is
	// controlled by the context.
	Timeout time.Duration
}

// Ensure Client implements upstream.Client at compile time.
var _ upstream.Client = (*Client)(nil)

// New creates a Client for an OpenAI-compatible backend.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("openaicompat: base URL is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
	}, nil
}

// Complete performs non-streaming inference.
func (c *Client) Complete(ctx context.Context, req *upstream.Request) (*upstream.Response, error) {
	reqCopy := *req
	reqCopy.Stream = false

	httpResp, err := c.post(ctx, c.httpClient, &reqCopy, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var chatResp ChatCompletionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chatResp); err != nil {
		return nil, api.NewUpstreamError(0, "failed to parse backend response: "+err.Error())
	}

	if len(chatResp.Choices) == 0 {
		return nil, api.NewUpstreamError(0, "backend returned no choices")
	}

	choice := chatResp.Choices[0]
	resp := &upstream.Response{}
	if choice.Message.Content != nil {
		resp.Content = *choice.Message.Content
	}
	if choice.FinishReason != nil {
		resp.FinishReason = *choice.FinishReason
	}
	if chatResp.Usage != nil {
		resp.Usage = chatResp.Usage.toUsage()
	}

	return resp, nil
}

// Stream performs streaming inference. It returns a channel of Events.
// The channel is closed when the stream completes, errors, or the context
// is cancelled.
//
// The HTTP client timeout is not applied for streaming requests because a
// stream can legitimately last longer than any fixed timeout. Lifecycle
// control relies on context cancellation instead.
func (c *Client) Stream(ctx context.Context, req *upstream.Request) (<-chan upstream.Event, error) {
	reqCopy := *req
	reqCopy.Stream = true

	// Use a client without timeout for streaming. The context controls
	// the request lifetime instead.
	streamClient := &http.Client{
		Transport: c.httpClient.Transport,
	}

	httpResp, err := c.post(ctx, streamClient, &reqCopy, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan upstream.Event, 16)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()
		ParseSSEStream(ctx, httpResp.Body, ch)
	}()

	return ch, nil
}

// post marshals the request, sends it, and checks the status code.
// On non-2xx the body is consumed for the error message and closed.
func (c *Client) post(ctx context.Context, client *http.Client, req *upstream.Request, streaming bool) (*http.Response, error) {
	body, err := json.Marshal(ChatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	})
	if err != nil {
		return nil, api.NewServerError("failed to marshal backend request: " + err.Error())
	}

	url := c.baseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, api.NewServerError("failed to create backend request: " + err.Error())
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, MapNetworkError(err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		defer httpResp.Body.Close()
		return nil, MapHTTPError(httpResp)
	}

	return httpResp, nil
}

// Close releases client resources.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
