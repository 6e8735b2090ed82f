package history

import (
	"context"
	"log/slog"

	"chorus.org/internal/obs"
)

// LogSink writes each record as one structured log line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink writing to logger, or to the shared logger when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, rec Record) error {
	logger := s.logger
	if logger == nil {
		logger = obs.Logger()
	}
	attrs := []slog.Attr{
		slog.String("type", "history"),
		slog.String("id", rec.ID),
		slog.String("change", string(rec.Change)),
		slog.String("entity_type", rec.EntityType),
		slog.String("instance_id", rec.InstanceID),
		slog.Time("at", rec.At),
	}
	if rec.AuthorID != "" {
		attrs = append(attrs, slog.String("author_id", rec.AuthorID))
	}
	if rec.OrganizationID != "" {
		attrs = append(attrs, slog.String("organization_id", rec.OrganizationID))
	}
	if rec.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", rec.RequestID))
	}
	if len(rec.Before) > 0 {
		attrs = append(attrs, slog.Any("before", rec.Before))
	}
	if len(rec.After) > 0 {
		attrs = append(attrs, slog.Any("after", rec.After))
	}
	if len(rec.Added) > 0 {
		attrs = append(attrs, slog.Any("added", rec.Added))
	}
	if len(rec.Removed) > 0 {
		attrs = append(attrs, slog.Any("removed", rec.Removed))
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "history", attrs...)
	return nil
}
