package event

import (
	"context"
	"log/slog"
)

// LogSink subscribes to a bus and mirrors traffic to slog (for debugging).
type LogSink struct {
	Logger *slog.Logger
}

// NewLogSink creates a sink that logs to the given logger.
// If logger is nil, uses the default slog logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger}
}

// Handle implements Handler.
func (s *LogSink) Handle(ev Event) {
	level := slog.LevelDebug
	switch ev.Type {
	case TypeOperationFailed:
		level = slog.LevelError
	case TypeBackpressure:
		level = slog.LevelWarn
	}

	s.Logger.Log(context.Background(), level, string(ev.Type),
		"jobId", ev.JobID,
		"projectId", ev.ProjectID,
		"segmentId", ev.SegmentID,
		"state", ev.State,
		"kind", ev.Kind,
		"detail", ev.Detail,
		"dropped", ev.Dropped,
	)
}
