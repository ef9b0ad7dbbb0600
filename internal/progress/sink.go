// Package progress publishes full-job snapshots to whoever wants them: a
// structured log, an in-process broker feeding SSE or CLI consumers, or a
// Redis channel for external UIs.
package progress

import (
	"context"
	"log/slog"

	"media-alt-batcher/internal/models"
)

// Sink receives every snapshot the queue emits. Implementations must be
// fast or buffer internally; the queue publishes from a single dispatcher
// goroutine.
type Sink interface {
	Publish(ctx context.Context, snap models.Snapshot) error
}

type nopSink struct{}

func (nopSink) Publish(context.Context, models.Snapshot) error { return nil }

// Nop returns a sink that discards everything.
func Nop() Sink { return nopSink{} }

// LogSink writes one log line per snapshot.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, snap models.Snapshot) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "job progress",
		slog.String("job_id", snap.JobID),
		slog.String("status", string(snap.Status)),
		slog.Int("total", snap.Total),
		slog.Int("completed", snap.Completed),
		slog.Int("failed", snap.Failed),
		slog.Bool("paused", snap.Paused),
	)
	return nil
}

// Multi fans a snapshot out to several sinks. The first error is returned
// after all sinks have been tried.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, snap models.Snapshot) error {
	var first error
	for _, s := range m {
		if err := s.Publish(ctx, snap); err != nil && first == nil {
			first = err
		}
	}
	return first
}
