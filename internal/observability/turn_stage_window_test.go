package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTurnStageWindowSnapshot(t *testing.T) {
	w := newTurnStageWindow(8)
	w.Observe(StageBrainRoundTrip, 500)
	w.Observe(StageBrainRoundTrip, 700)
	w.Observe(StageBrainRoundTrip, 900)
	w.ObserveIndicator(OutcomeCapReached)
	w.ObserveIndicator(OutcomeCapReached)

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageBrainRoundTrip {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageBrainRoundTrip)
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 2500 {
		t.Fatalf("TargetP95MS = %.2f, want 2500", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 {
		t.Fatalf("len(Indicators) = %d, want 1", len(snap.Indicators))
	}
	if snap.Indicators[0].Name != OutcomeCapReached || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators[0] = %+v, want cap_reached x2", snap.Indicators[0])
	}
}

func TestTurnStageWindowWrapsAround(t *testing.T) {
	w := newTurnStageWindow(2)
	w.Observe(StageToolExec, 1)
	w.Observe(StageToolExec, 2)
	w.Observe(StageToolExec, 3)

	snap := w.Snapshot()
	if snap.Stages[0].Samples != 2 {
		t.Fatalf("Samples = %d, want 2", snap.Stages[0].Samples)
	}
	if snap.Stages[0].AvgMS != 2.5 {
		t.Fatalf("AvgMS = %.2f, want 2.5", snap.Stages[0].AvgMS)
	}
}

func TestMetricsObserveTurnCountsOutcome(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test")
	m.ObserveTurn(OutcomeCompleted, 120*time.Millisecond, 2)
	m.ObserveTurn(OutcomeCapReached, 900*time.Millisecond, 30)
	m.ObserveTurn(OutcomeCapReached, 900*time.Millisecond, 30)

	if got := testutil.ToFloat64(m.TurnsTotal.WithLabelValues(OutcomeCapReached)); got != 2 {
		t.Fatalf("cap_reached turns = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TurnsTotal.WithLabelValues(OutcomeCompleted)); got != 1 {
		t.Fatalf("completed turns = %v, want 1", got)
	}

	snap := m.SnapshotTurnStages()
	found := false
	for _, ind := range snap.Indicators {
		if ind.Name == OutcomeCapReached && ind.Count == 2 {
			found = true
		}
	}
	if !found {
		t.Fatalf("cap_reached indicator missing: %+v", snap.Indicators)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTurn(OutcomeCompleted, time.Second, 1)
	m.ObserveToolCall("lookup_patient", "ok", time.Millisecond)
	m.ObserveBrainRequest("respond", nil, time.Millisecond)
	m.ObserveSessionEvent("created")
	_ = m.SnapshotTurnStages()
}

func TestTurnStageWindowFlagsOverTargetAndResets(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test_reset")
	m.ObserveToolCall("search_doctors", "ok", 120*time.Millisecond)

	snap := m.SnapshotTurnStages()
	if len(snap.Stages) != 1 || !snap.Stages[0].OverTarget {
		t.Fatalf("Stages = %+v, want tool_exec over its 50ms target", snap.Stages)
	}

	m.ResetTurnStages()
	if snap := m.SnapshotTurnStages(); len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("snapshot after reset = %+v, want empty", snap)
	}
	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("search_doctors", "ok")); got != 1 {
		t.Fatalf("tool_calls_total after reset = %v, want 1", got)
	}
}
