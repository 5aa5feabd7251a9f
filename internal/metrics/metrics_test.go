package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsUpdates(t *testing.T) {
	Init()

	startFills := testutil.ToFloat64(fillsTotal.WithLabelValues("s-1", "AAPL"))
	startWAL := testutil.ToFloat64(walAppends)

	IncEventsProcessed("s-1", "QUOTE")
	IncFills("s-1", "AAPL")
	IncOrderRejects("s-1", "halted")
	IncWALAppends()
	SetQueueDepth("s-1", 42)
	ObserveCheckpointDuration(5 * time.Millisecond)

	if got := testutil.ToFloat64(fillsTotal.WithLabelValues("s-1", "AAPL")); got != startFills+1 {
		t.Fatalf("sim_fills_total mismatch: got %v want %v", got, startFills+1)
	}
	if got := testutil.ToFloat64(walAppends); got != startWAL+1 {
		t.Fatalf("sim_wal_appends_total mismatch: got %v want %v", got, startWAL+1)
	}
	if got := testutil.ToFloat64(queueDepth.WithLabelValues("s-1")); got != 42 {
		t.Fatalf("sim_queue_depth mismatch: got %v want 42", got)
	}
}

func TestHandlerRegistersMetrics(t *testing.T) {
	Handler()
	IncEventsProcessed("s-2", "TRADE")
	IncFills("s-2", "MSFT")
	IncWALAppends()
	ObserveCheckpointDuration(time.Millisecond)

	count, err := testutil.GatherAndCount(
		registry,
		"sim_events_processed_total",
		"sim_fills_total",
		"sim_wal_appends_total",
		"sim_checkpoint_duration_seconds",
	)
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if count < 4 {
		t.Fatalf("expected metrics to be registered, got count %d", count)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	Init()
	start := testutil.ToFloat64(activeSessions)
	AddActiveSessions(1)
	AddActiveSessions(-1)
	if got := testutil.ToFloat64(activeSessions); got != start {
		t.Fatalf("sim_active_sessions mismatch: got %v want %v", got, start)
	}
}
