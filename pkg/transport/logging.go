package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/relais-dev/relais/pkg/api"
)

// Logging returns middleware that emits structured log entries for each
// chat request. The log entry includes model, streaming flag, duration,
// request ID (from context), and whether the request succeeded or failed.
//
// The HTTP method and path are not available at the ChatHandler level.
// For full HTTP-level logging (including status codes), use HTTP-level
// middleware in the adapter.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next ChatHandler) ChatHandler {
		return ChatHandlerFunc(func(ctx context.Context, req *api.ChatRequest, w StreamWriter) error {
			start := time.Now()
			requestID := RequestIDFromContext(ctx)

			err := next.HandleChat(ctx, req, w)

			attrs := []slog.Attr{
				slog.String("request_id", requestID),
				slog.String("model", req.Model),
				slog.Bool("stream", req.Stream),
				slog.Duration("duration", time.Since(start)),
			}

			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelError, "chat failed", attrs...)
			} else {
				logger.LogAttrs(ctx, slog.LevelInfo, "chat completed", attrs...)
			}

			return err
		})
	}
}
