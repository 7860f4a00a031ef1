package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/relais-dev/relais/pkg/api"
	"github.com/relais-dev/relais/pkg/storage"
	"github.com/relais-dev/relais/pkg/transport"
)

// Adapter serves the chat completion API over HTTP. It routes requests to
// the chat handler and stopper and serializes responses.
type Adapter struct {
	handler transport.ChatHandler
	stopper transport.ChatStopper
	store   transport.ChatStore // nil when transcripts are not kept
	mux     *http.ServeMux
	config  Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	Addr            string
	MaxBodySize     int64
	ShutdownTimeout int // seconds
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		MaxBodySize:     10 << 20, // 10 MB
		ShutdownTimeout: 30,
	}
}

// StopResult is the JSON body returned for a successful single stop.
type StopResult struct {
	Object  string `json:"object"`
	ID      string `json:"id"`
	Stopped bool   `json:"stopped"`
}

// StopAllResult is the JSON body returned for a stop-all request.
type StopAllResult struct {
	Object  string   `json:"object"`
	Stopped []string `json:"stopped"`
}

// ObjectChatStop is the object tag on stop results.
const ObjectChatStop = "chat.stop"

// NewAdapter creates an HTTP adapter. The ChatStore is optional; when nil,
// the retrieval endpoints report the operation as unavailable. Middleware
// is applied to the ChatHandler in the given order.
func NewAdapter(handler transport.ChatHandler, stopper transport.ChatStopper, store transport.ChatStore, cfg Config, middlewares ...transport.Middleware) *Adapter {
	if len(middlewares) > 0 {
		handler = transport.Chain(middlewares...)(handler)
	}

	a := &Adapter{
		handler: handler,
		stopper: stopper,
		store:   store,
		mux:     http.NewServeMux(),
		config:  cfg,
	}

	a.mux.HandleFunc("POST /v1/chat/completions", a.handleCreateChat)
	a.mux.HandleFunc("GET /v1/chat/completions/{id}", a.handleGetChat)
	a.mux.HandleFunc("GET /v1/chat/completions", a.handleListChats)
	a.mux.HandleFunc("DELETE /v1/chat/completions/{id}", a.handleStopChat)
	a.mux.HandleFunc("DELETE /v1/chat/completions", a.handleStopAll)
	a.mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.mux.HandleFunc("GET /readyz", a.handleReadyz)

	return a
}

// Handler returns the http.Handler for this adapter. Use this to integrate
// with an http.Server or test with httptest. The returned handler includes
// HTTP-level middleware for request ID propagation.
func (a *Adapter) Handler() http.Handler {
	return httpRequestIDMiddleware(a.mux)
}

// httpRequestIDMiddleware propagates the X-Request-ID header. If present in
// the request it is carried into the context; after the handler runs the
// context's request ID (set by the transport-level RequestID middleware) is
// added to the response headers before the first write.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Request-ID"); id != "" {
			ctx := transport.ContextWithRequestID(r.Context(), id)
			r = r.WithContext(ctx)
		}
		rw := &requestIDResponseWriter{ResponseWriter: w, r: r}
		next.ServeHTTP(rw, r)
	})
}

// requestIDResponseWriter wraps http.ResponseWriter to inject the
// X-Request-ID header before the first write.
type requestIDResponseWriter struct {
	http.ResponseWriter
	r           *http.Request
	headersSent bool
}

func (w *requestIDResponseWriter) WriteHeader(statusCode int) {
	w.ensureRequestIDHeader()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *requestIDResponseWriter) Write(b []byte) (int, error) {
	w.ensureRequestIDHeader()
	return w.ResponseWriter.Write(b)
}

func (w *requestIDResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for http.NewResponseController.
func (w *requestIDResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *requestIDResponseWriter) ensureRequestIDHeader() {
	if w.headersSent {
		return
	}
	w.headersSent = true
	if id := transport.RequestIDFromContext(w.r.Context()); id != "" {
		w.ResponseWriter.Header().Set("X-Request-ID", id)
	}
}

// handleCreateChat handles POST /v1/chat/completions.
func (a *Adapter) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
			http.StatusUnsupportedMediaType,
		)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	var req api.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return
	}

	rw := newSSEStreamWriter(w)
	if err := a.handler.HandleChat(r.Context(), &req, rw); err != nil {
		a.writeHandlerError(w, rw, err)
	}
}

// handleStopChat handles DELETE /v1/chat/completions/{id}. An in-flight
// chat is stopped; otherwise the request falls through to transcript
// deletion when a store is configured.
func (a *Adapter) handleStopChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !api.ValidateChatID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed chat ID"),
			http.StatusBadRequest,
		)
		return
	}

	outcome, err := a.stopper.Stop(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	switch outcome {
	case transport.StopOutcomeStopped:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(StopResult{
			Object:  ObjectChatStop,
			ID:      id,
			Stopped: true,
		})
		return
	case transport.StopOutcomeForbidden:
		transport.WriteAPIError(w, api.NewForbiddenError("chat "+id+" belongs to a different owner"))
		return
	}

	// Not in flight; delete the stored transcript if we keep any.
	if a.store == nil {
		transport.WriteAPIError(w, api.NewNotFoundError("chat "+id+" not found"))
		return
	}
	if err := a.store.DeleteChat(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			transport.WriteAPIError(w, api.NewNotFoundError("chat "+id+" not found"))
			return
		}
		a.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStopAll handles DELETE /v1/chat/completions. It stops every
// in-flight chat belonging to the requester.
func (a *Adapter) handleStopAll(w http.ResponseWriter, r *http.Request) {
	stopped, err := a.stopper.StopAll(r.Context())
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	if stopped == nil {
		stopped = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StopAllResult{
		Object:  ObjectChatStop,
		Stopped: stopped,
	})
}

// handleGetChat handles GET /v1/chat/completions/{id}.
func (a *Adapter) handleGetChat(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "chat retrieval is not available (no store configured)"),
			http.StatusNotImplemented,
		)
		return
	}

	id := r.PathValue("id")
	if !api.ValidateChatID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed chat ID"),
			http.StatusBadRequest,
		)
		return
	}

	chat, err := a.store.GetChat(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			transport.WriteAPIError(w, api.NewNotFoundError("chat "+id+" not found"))
			return
		}
		a.writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chat)
}

// handleListChats handles GET /v1/chat/completions.
func (a *Adapter) handleListChats(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "chat listing is not available (no store configured)"),
			http.StatusNotImplemented,
		)
		return
	}

	opts, apiErr := parseListOptions(r)
	if apiErr != nil {
		transport.WriteErrorResponse(w, apiErr, http.StatusBadRequest)
		return
	}

	result, err := a.store.ListChats(r.Context(), opts)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// handleHealthz reports process liveness.
func (a *Adapter) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReadyz reports readiness, including store connectivity.
func (a *Adapter) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.store != nil {
		if err := a.store.HealthCheck(r.Context()); err != nil {
			transport.WriteErrorResponse(w,
				api.NewServerError("store not ready: "+err.Error()),
				http.StatusServiceUnavailable,
			)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// parseListOptions extracts pagination parameters from the query string.
func parseListOptions(r *http.Request) (transport.ListOptions, *api.APIError) {
	q := r.URL.Query()
	opts := transport.ListOptions{
		After: q.Get("after"),
		Model: q.Get("model"),
		Order: q.Get("order"),
	}

	if opts.Order != "" && opts.Order != "asc" && opts.Order != "desc" {
		return opts, api.NewInvalidRequestError("order", "order must be 'asc' or 'desc'")
	}
	if opts.Order == "" {
		opts.Order = "desc"
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return opts, api.NewInvalidRequestError("limit", "limit must be a positive integer")
		}
		opts.Limit = limit
	}

	return opts, nil
}

// writeHandlerError writes an error from the chat handler. If streaming has
// already started, the error goes out as a chat.error event on the stream.
// Otherwise a standard JSON error response is written.
func (a *Adapter) writeHandlerError(w http.ResponseWriter, rw *sseStreamWriter, err error) {
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		apiErr = api.NewServerError(err.Error())
	}

	if rw.hasStartedStreaming() {
		failEvent := api.StreamEvent{
			Type:  api.EventChatError,
			Error: apiErr,
		}
		rw.WriteEvent(context.Background(), failEvent)
		return
	}

	transport.WriteAPIError(w, apiErr)
}

// writeStoreError maps arbitrary store and stopper errors to API errors.
func (a *Adapter) writeStoreError(w http.ResponseWriter, err error) {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		transport.WriteAPIError(w, apiErr)
		return
	}
	transport.WriteAPIError(w, api.NewServerError(err.Error()))
}
