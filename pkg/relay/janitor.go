package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/relais-dev/relais/pkg/observability"
)

const (
	// DefaultJanitorInterval is how often the janitor scans for stale chats.
	DefaultJanitorInterval = 60 * time.Second

	// DefaultMaxChatAge is the age past which an in-flight chat is
	// considered stuck and forcibly stopped.
	DefaultMaxChatAge = 10 * time.Minute
)

// Janitor periodically reaps in-flight chats that exceed a maximum age.
// It exists to reclaim entries whose backend stream hangs without ever
// producing a terminal event. Reaping bypasses ownership checks; the
// janitor acts as the system, not as a caller.
type Janitor struct {
	controller *Controller
	registry   *Registry
	interval   time.Duration
	maxAge     time.Duration
	logger     *slog.Logger
}

// NewJanitor creates a Janitor. Non-positive interval or maxAge values
// fall back to the defaults.
func NewJanitor(controller *Controller, registry *Registry, interval, maxAge time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxChatAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		controller: controller,
		registry:   registry,
		interval:   interval,
		maxAge:     maxAge,
		logger:     logger,
	}
}

// Run executes the reap loop until the context is cancelled. It is meant
// to be launched in its own goroutine.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("janitor started",
		"interval", j.interval.String(),
		"max_age", j.maxAge.String(),
	)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			j.reap(time.Now())
		}
	}
}

// reap stops every chat registered at or before now minus maxAge and
// returns how many it stopped.
func (j *Janitor) reap(now time.Time) int {
	cutoff := now.Add(-j.maxAge)
	reaped := 0
	for _, entry := range j.registry.ListStaleSince(cutoff) {
		if !j.controller.stopEntry(entry, "janitor") {
			continue
		}
		reaped++
		observability.JanitorReapedTotal.Inc()
		j.logger.Warn("reaped stale chat",
			"chat_id", entry.ID,
			"model", entry.Model,
			"age", now.Sub(entry.StartedAt).String(),
		)
	}
	return reaped
}
