package relay

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/relais-dev/relais/pkg/api"
	"github.com/relais-dev/relais/pkg/observability"
	"github.com/relais-dev/relais/pkg/storage"
	"github.com/relais-dev/relais/pkg/transport"
	"github.com/relais-dev/relais/pkg/upstream"
)

// Options configures a Controller.
type Options struct {
	// Upstream is the backend inference client. Required.
	Upstream upstream.Client

	// Registry tracks in-flight chats. Required.
	Registry *Registry

	// Store persists finished transcripts. Optional; when nil, no
	// transcripts are kept.
	Store transport.ChatStore

	// Validation bounds incoming requests. Zero value disables limits.
	Validation api.ValidationConfig

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Controller is the chat lifecycle core. It implements
// transport.ChatHandler for starting chats and transport.ChatStopper for
// terminating them out of band.
type Controller struct {
	upstream   upstream.Client
	registry   *Registry
	store      transport.ChatStore
	validation api.ValidationConfig
	logger     *slog.Logger
}

// NewController creates a Controller from the given options.
func NewController(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		upstream:   opts.Upstream,
		registry:   opts.Registry,
		store:      opts.Store,
		validation: opts.Validation,
		logger:     logger,
	}
}

// HandleChat validates the request, registers the chat, and relays the
// backend response to the downstream writer. For streaming requests every
// failure after chat.started is reported as a chat.error event on the
// stream; only pre-stream failures are returned to the transport layer.
func (c *Controller) HandleChat(ctx context.Context, req *api.ChatRequest, w transport.StreamWriter) error {
	if apiErr := api.ValidateChatRequest(req, c.validation); apiErr != nil {
		return apiErr
	}
	if req.Stream {
		return c.handleStreaming(ctx, req, w)
	}
	return c.handleBlocking(ctx, req, w)
}

func (c *Controller) handleStreaming(ctx context.Context, req *api.ChatRequest, w transport.StreamWriter) error {
	chatCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entry := &Entry{
		ID:         api.NewChatID(),
		OwnerID:    storage.OwnerFromContext(ctx),
		Cancel:     cancel,
		Downstream: w,
		Model:      req.Model,
		StartedAt:  time.Now(),
	}
	if err := c.registry.Register(entry); err != nil {
		return api.NewServerError("failed to register chat: " + err.Error())
	}
	observability.StreamsActive.Inc()

	// Safety net for paths that never reach a terminal emission, such as
	// a panic recovered further up the stack.
	defer entry.finish(func() {
		c.registry.Remove(entry.ID)
		observability.StreamsActive.Dec()
	})

	started := api.StreamEvent{
		Type:           api.EventChatStarted,
		ID:             entry.ID,
		SequenceNumber: entry.nextSeq(),
	}
	if err := w.WriteEvent(chatCtx, started); err != nil {
		return err
	}

	c.logger.Info("chat started",
		"chat_id", entry.ID,
		"model", req.Model,
		"owner", entry.OwnerID,
	)

	start := time.Now()
	events, err := c.upstream.Stream(chatCtx, upstreamRequest(req, true))
	if err != nil {
		observability.UpstreamRequestsTotal.WithLabelValues(req.Model, "error").Inc()
		c.emitError(chatCtx, entry, asAPIError(err))
		return nil
	}

	var content strings.Builder
	var usage *api.Usage
	var streamErr error

	// Drain the channel to completion even after cancellation or a
	// downstream write failure. The producer blocks on a full channel,
	// so an early break would leak its goroutine.
	forwarding := true
	for ev := range events {
		if chatCtx.Err() != nil {
			forwarding = false
		}
		switch ev.Type {
		case upstream.EventDelta:
			content.WriteString(ev.Delta)
			if !forwarding {
				continue
			}
			delta := api.StreamEvent{
				Type:           api.EventChatDelta,
				ID:             entry.ID,
				SequenceNumber: entry.nextSeq(),
				Delta:          ev.Delta,
			}
			if err := w.WriteEvent(chatCtx, delta); err != nil {
				// Client gone or stream already terminated; abort the
				// backend request and keep draining.
				cancel()
				forwarding = false
			}
		case upstream.EventDone:
			if ev.Delta != "" {
				content.WriteString(ev.Delta)
			}
			if ev.Usage != nil {
				usage = ev.Usage
			}
		case upstream.EventError:
			streamErr = ev.Err
		}
	}

	latency := time.Since(start)
	observability.UpstreamLatency.WithLabelValues(req.Model).Observe(latency.Seconds())
	if usage != nil {
		observability.UpstreamTokensTotal.WithLabelValues(req.Model, "input").Add(float64(usage.InputTokens))
		observability.UpstreamTokensTotal.WithLabelValues(req.Model, "output").Add(float64(usage.OutputTokens))
	}

	switch {
	case streamErr != nil && chatCtx.Err() == nil:
		observability.UpstreamRequestsTotal.WithLabelValues(req.Model, "error").Inc()
		c.emitError(chatCtx, entry, asAPIError(streamErr))
		return nil

	case chatCtx.Err() != nil:
		observability.UpstreamRequestsTotal.WithLabelValues(req.Model, "cancelled").Inc()
		c.emitStopped(ctx, entry, content.String(), usage)
		return nil

	default:
		observability.UpstreamRequestsTotal.WithLabelValues(req.Model, "ok").Inc()
		c.emitCompleted(ctx, chatCtx, entry, content.String(), usage)
		return nil
	}
}

// emitCompleted writes the chat.completed terminal event and persists the
// transcript. When a concurrent stop already terminated the stream, the
// transcript is saved as stopped instead.
func (c *Controller) emitCompleted(ctx, chatCtx context.Context, e *Entry, content string, usage *api.Usage) {
	resp := c.transcript(e, content, api.ChatStatusCompleted, usage, nil)
	won := e.finish(func() {
		ev := api.StreamEvent{
			Type:           api.EventChatCompleted,
			ID:             e.ID,
			SequenceNumber: e.nextSeq(),
			Response:       resp,
		}
		if err := e.Downstream.WriteEvent(chatCtx, ev); err != nil {
			c.logger.Warn("failed to write terminal event",
				"chat_id", e.ID, "error", err.Error())
		}
		c.registry.Remove(e.ID)
		observability.StreamsActive.Dec()
	})
	if !won {
		resp.Status = api.ChatStatusStopped
	}
	c.saveChat(ctx, resp)
	c.logger.Info("chat finished",
		"chat_id", e.ID,
		"model", e.Model,
		"status", string(resp.Status),
	)
}

// emitStopped handles cancellation observed by the relay loop itself. An
// owner stop or janitor reap has already produced the terminal event in
// that case; winning the race here means the client disconnected.
func (c *Controller) emitStopped(ctx context.Context, e *Entry, content string, usage *api.Usage) {
	resp := c.transcript(e, content, api.ChatStatusStopped, usage, nil)
	won := e.finish(func() {
		ev := api.StreamEvent{
			Type:           api.EventChatStopped,
			ID:             e.ID,
			SequenceNumber: e.nextSeq(),
			Response:       resp,
		}
		// The client is usually gone when we get here.
		_ = e.Downstream.WriteEvent(context.WithoutCancel(ctx), ev)
		c.registry.Remove(e.ID)
		observability.StreamsActive.Dec()
		observability.StopsTotal.WithLabelValues("disconnect").Inc()
	})
	c.saveChat(ctx, resp)
	cause := "stop"
	if won {
		cause = "disconnect"
	}
	c.logger.Info("chat stopped",
		"chat_id", e.ID,
		"model", e.Model,
		"cause", cause,
	)
}

// emitError writes the chat.error terminal event and persists the errored
// transcript.
func (c *Controller) emitError(chatCtx context.Context, e *Entry, apiErr *api.APIError) {
	resp := c.transcript(e, "", api.ChatStatusErrored, nil, apiErr)
	e.finish(func() {
		ev := api.StreamEvent{
			Type:           api.EventChatError,
			ID:             e.ID,
			SequenceNumber: e.nextSeq(),
			Error:          apiErr,
		}
		if err := e.Downstream.WriteEvent(chatCtx, ev); err != nil {
			c.logger.Warn("failed to write terminal event",
				"chat_id", e.ID, "error", err.Error())
		}
		c.registry.Remove(e.ID)
		observability.StreamsActive.Dec()
	})
	c.saveChat(chatCtx, resp)
	c.logger.Error("chat failed",
		"chat_id", e.ID,
		"model", e.Model,
		"error_type", string(apiErr.Type),
		"error", apiErr.Message,
	)
}

func (c *Controller) handleBlocking(ctx context.Context, req *api.ChatRequest, w transport.StreamWriter) error {
	chatCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entry := &Entry{
		ID:        api.NewChatID(),
		OwnerID:   storage.OwnerFromContext(ctx),
		Cancel:    cancel,
		Model:     req.Model,
		StartedAt: time.Now(),
	}
	if err := c.registry.Register(entry); err != nil {
		return api.NewServerError("failed to register chat: " + err.Error())
	}
	observability.StreamsActive.Inc()
	defer entry.finish(func() {
		c.registry.Remove(entry.ID)
		observability.StreamsActive.Dec()
	})

	start := time.Now()
	result, err := c.upstream.Complete(chatCtx, upstreamRequest(req, false))
	observability.UpstreamLatency.WithLabelValues(req.Model).Observe(time.Since(start).Seconds())

	if err != nil {
		if chatCtx.Err() != nil {
			observability.UpstreamRequestsTotal.WithLabelValues(req.Model, "cancelled").Inc()
			resp := c.transcript(entry, "", api.ChatStatusStopped, nil, nil)
			c.saveChat(ctx, resp)
			if ctx.Err() != nil {
				// Client disconnected; nobody is listening.
				entry.finish(func() {
					c.registry.Remove(entry.ID)
					observability.StreamsActive.Dec()
					observability.StopsTotal.WithLabelValues("disconnect").Inc()
				})
				return nil
			}
			// Stopped out of band while the request was still open.
			return w.WriteResponse(ctx, resp)
		}
		observability.UpstreamRequestsTotal.WithLabelValues(req.Model, "error").Inc()
		apiErr := asAPIError(err)
		c.saveChat(ctx, c.transcript(entry, "", api.ChatStatusErrored, nil, apiErr))
		return apiErr
	}

	observability.UpstreamRequestsTotal.WithLabelValues(req.Model, "ok").Inc()
	observability.UpstreamTokensTotal.WithLabelValues(req.Model, "input").Add(float64(result.Usage.InputTokens))
	observability.UpstreamTokensTotal.WithLabelValues(req.Model, "output").Add(float64(result.Usage.OutputTokens))

	usage := result.Usage
	resp := c.transcript(entry, result.Content, api.ChatStatusCompleted, &usage, nil)
	c.saveChat(ctx, resp)
	c.logger.Info("chat finished",
		"chat_id", entry.ID,
		"model", req.Model,
		"status", string(api.ChatStatusCompleted),
	)
	return w.WriteResponse(ctx, resp)
}

// Stop terminates a single in-flight chat. The requester's owner is taken
// from the context; an empty owner acts administratively and may stop any
// chat, matching the storage layer's single-tenant semantics.
func (c *Controller) Stop(ctx context.Context, id string) (transport.StopOutcome, error) {
	entry, ok := c.registry.Get(id)
	if !ok {
		return transport.StopOutcomeNotFound, nil
	}
	owner := storage.OwnerFromContext(ctx)
	if owner != "" && entry.OwnerID != owner {
		return transport.StopOutcomeForbidden, nil
	}
	if !c.stopEntry(entry, "owner") {
		// Finished between the lookup and the stop.
		return transport.StopOutcomeNotFound, nil
	}
	c.logger.Info("chat stopped",
		"chat_id", id,
		"model", entry.Model,
		"cause", "owner",
	)
	return transport.StopOutcomeStopped, nil
}

// StopAll terminates every in-flight chat belonging to the requester and
// returns the stopped IDs in sorted order.
func (c *Controller) StopAll(ctx context.Context) ([]string, error) {
	owner := storage.OwnerFromContext(ctx)
	stopped := []string{}
	for _, entry := range c.registry.ListByOwner(owner) {
		if c.stopEntry(entry, "stop_all") {
			stopped = append(stopped, entry.ID)
		}
	}
	sort.Strings(stopped)
	if len(stopped) > 0 {
		c.logger.Info("stopped all chats",
			"owner", owner,
			"count", len(stopped),
		)
	}
	return stopped, nil
}

// stopEntry terminates an in-flight chat: it writes the chat.stopped
// terminal event (streaming chats only), cancels the backend request, and
// removes the entry. Returns false when the chat already finished.
func (c *Controller) stopEntry(e *Entry, cause string) bool {
	return e.finish(func() {
		if e.Downstream != nil {
			ev := api.StreamEvent{
				Type:           api.EventChatStopped,
				ID:             e.ID,
				SequenceNumber: e.nextSeq(),
			}
			if err := e.Downstream.WriteEvent(context.Background(), ev); err != nil {
				c.logger.Warn("failed to write terminal event",
					"chat_id", e.ID, "error", err.Error())
			}
		}
		e.Cancel()
		c.registry.Remove(e.ID)
		observability.StreamsActive.Dec()
		observability.StopsTotal.WithLabelValues(cause).Inc()
	})
}

// transcript builds the ChatResponse recorded for a finished chat.
func (c *Controller) transcript(e *Entry, content string, status api.ChatStatus, usage *api.Usage, apiErr *api.APIError) *api.ChatResponse {
	return &api.ChatResponse{
		ID:        e.ID,
		Object:    api.ObjectChatCompletion,
		Model:     e.Model,
		Content:   content,
		Status:    status,
		Usage:     usage,
		Error:     apiErr,
		CreatedAt: e.StartedAt.Unix(),
	}
}

// saveChat persists a transcript. Persistence failures are logged, not
// surfaced; losing a transcript must not fail the chat itself. The save
// survives request cancellation but keeps the owner scoping carried in
// the context values.
func (c *Controller) saveChat(ctx context.Context, resp *api.ChatResponse) {
	if c.store == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.store.SaveChat(saveCtx, resp); err != nil {
		c.logger.Error("failed to save chat transcript",
			"chat_id", resp.ID,
			"error", err.Error(),
		)
	}
}

// upstreamRequest maps the client-facing request onto the backend request.
func upstreamRequest(req *api.ChatRequest, stream bool) *upstream.Request {
	return &upstream.Request{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}

// asAPIError normalizes backend errors to the API error taxonomy.
func asAPIError(err error) *api.APIError {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return api.NewUpstreamError(0, err.Error())
}
