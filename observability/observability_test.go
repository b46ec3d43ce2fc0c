package observability

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/lanterne/dbopen"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *EventLogger {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return NewEventLogger(db)
}

func TestLogEvent(t *testing.T) {
	l := newTestDB(t)
	ctx := context.Background()

	l.LogEvent(ctx, Event{
		Type:      EventUpscaleFallback,
		Component: "upscale",
		ImageID:   "img_test",
		Detail:    "model binary exited 1",
		Success:   false,
	})
	l.LogEvent(ctx, Event{
		Type:      EventBufferUnderrun,
		Component: "queue",
		Success:   false,
	})

	n, err := l.CountEvents(ctx, EventUpscaleFallback)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("upscale_fallback count = %d, want 1", n)
	}

	total, err := l.CountEvents(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Errorf("total events = %d, want 2", total)
	}
}

func TestMetricsFlush(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	mm := NewMetricsManager(db, 2, time.Hour) // flush on buffer fill, not timer

	mm.RecordSimple("queue_depth", 3, "count")
	mm.RecordSimple("queue_depth", 2, "count")

	// Buffer size 2 forces a synchronous flush on the second Record.
	out, err := mm.Query("queue_depth", nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 datapoints, got %d", len(out))
	}

	if err := mm.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestMetricsCloseFlushesRemainder(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	mm := NewMetricsManager(db, 100, time.Hour)

	mm.Record(&Metric{
		Name:      "generation_duration_ms",
		Timestamp: time.Now(),
		Value:     4200,
		Labels:    map[string]string{"attempt": "1"},
		Unit:      "milliseconds",
	})
	if err := mm.Close(); err != nil {
		t.Fatal(err)
	}

	out, err := mm.Query("generation_duration_ms", nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 datapoint after Close, got %d", len(out))
	}
	if out[0].Labels["attempt"] != "1" {
		t.Errorf("labels not round-tripped: %#v", out[0].Labels)
	}
}

func TestHeartbeat(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	hw := NewHeartbeatWriter(db, "lanterned", time.Hour)
	if err := hw.WriteHeartbeat(); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM worker_heartbeats WHERE worker_name = 'lanterned'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("heartbeat rows = %d, want 1", n)
	}
}
