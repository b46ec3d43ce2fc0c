package observability

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/hazyhaar/lanterne/idgen"
)

// Event types recorded by the pipeline. The degenerate paths (upscale
// fallback, buffer underrun, cache corruption) are deliberately promoted to
// recorded events so they are never silent.
const (
	EventUpscaleFallback  = "upscale_fallback"
	EventBufferUnderrun   = "buffer_underrun"
	EventGenerationRetry  = "generation_retry"
	EventGenerationFailed = "generation_failed"
	EventCacheReplay      = "cache_replay"
	EventCacheCorruptSkip = "cache_corrupt_skip"
)

// Event represents a pipeline-level event to record.
type Event struct {
	Type      string
	Component string // "queue", "upscale", "imagecache", "engine"
	ImageID   string // optional
	Detail    string // optional human-readable context
	Success   bool
}

// EventLogger writes pipeline events to the observability database.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the given observability database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records a pipeline event. Non-blocking: errors are logged via slog
// but do not propagate, so a failing observability store never blocks the
// pipeline.
func (l *EventLogger) LogEvent(ctx context.Context, event Event) {
	eventID := l.newID()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO pipeline_event_logs (
			event_id, event_type, component, image_id, detail, success, created_at
		) VALUES (?,?,?,?,?,?,?)`,
		eventID, event.Type, event.Component, event.ImageID, event.Detail,
		event.Success, time.Now().Unix())
	if err != nil {
		slog.Error("observability event log failed", "error", err, "event_type", event.Type)
	}
}

// CountEvents returns the number of recorded events of the given type.
// Pass an empty type to count all events.
func (l *EventLogger) CountEvents(ctx context.Context, eventType string) (int, error) {
	q := `SELECT COUNT(*) FROM pipeline_event_logs`
	args := []any{}
	if eventType != "" {
		q += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	var n int
	err := l.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

// Cleanup deletes events older than retentionDays and returns the count removed.
func (l *EventLogger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	result, err := l.db.ExecContext(ctx,
		`DELETE FROM pipeline_event_logs WHERE created_at < ?`, threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
