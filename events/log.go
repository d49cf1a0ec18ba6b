package events

import (
	"context"
	"log/slog"

	"github.com/ruteri/ca-approval-backend/interfaces"
)

// LogSink writes every event to a structured logger. Expiry and execution
// failures are logged at warn level, everything else at info.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Publish(ctx context.Context, evt Event) {
	level := slog.LevelInfo
	if evt.Kind == KindExpired || evt.Kind == KindExecutionFailed {
		level = slog.LevelWarn
	}
	attrs := []any{
		slog.String("kind", string(evt.Kind)),
		slog.String("approvalID", interfaces.FormatApprovalID(evt.ApprovalID)),
		slog.String("recordID", evt.RecordID),
		slog.String("approvalType", evt.ApprovalType.String()),
		slog.String("status", evt.Status.String()),
		slog.Int("remaining", evt.Remaining),
	}
	if !evt.Actor.IsZero() {
		attrs = append(attrs, slog.String("actor", evt.Actor.Key()))
	}
	if evt.Error != "" {
		attrs = append(attrs, slog.String("error", evt.Error))
	}
	s.log.Log(ctx, level, "approval event", attrs...)
}
