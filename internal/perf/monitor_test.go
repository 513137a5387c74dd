package perf

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/domain"
)

func newTestMonitor() *Monitor {
	return NewMonitor(zap.NewNop(), []Budget{{Metric: domain.MetricFrameTimeMS, Value: 16.6}})
}

func TestRecordBelowBudgetNeverViolates(t *testing.T) {
	m := newTestMonitor()
	now := time.Now()
	for i := 0; i < 10; i++ {
		if v := m.Record(domain.PerformanceSample{Timestamp: now.Add(time.Duration(i) * time.Second), Metric: domain.MetricFrameTimeMS, Value: 10}); v != nil {
			t.Fatalf("unexpected violation at sample %d: %+v", i, v)
		}
	}
}

func TestRecordRequiresConsecutiveThreshold(t *testing.T) {
	m := newTestMonitor()
	now := time.Now()

	for i := 0; i < ViolationThreshold-1; i++ {
		if v := m.Record(domain.PerformanceSample{Timestamp: now.Add(time.Duration(i) * time.Second), Metric: domain.MetricFrameTimeMS, Value: 50}); v != nil {
			t.Fatalf("violation raised too early at sample %d", i)
		}
	}
	v := m.Record(domain.PerformanceSample{Timestamp: now.Add(time.Duration(ViolationThreshold) * time.Second), Metric: domain.MetricFrameTimeMS, Value: 50})
	if v == nil {
		t.Fatal("expected a violation at the threshold-th consecutive over-budget sample")
	}
	if v.Severity != domain.SeverityOf(v.PercentOver) {
		t.Errorf("Severity = %v, want %v", v.Severity, domain.SeverityOf(v.PercentOver))
	}
}

func TestRecordResetsStreakOnRecovery(t *testing.T) {
	m := newTestMonitor()
	now := time.Now()
	m.Record(domain.PerformanceSample{Timestamp: now, Metric: domain.MetricFrameTimeMS, Value: 50})
	m.Record(domain.PerformanceSample{Timestamp: now.Add(time.Second), Metric: domain.MetricFrameTimeMS, Value: 5})
	v := m.Record(domain.PerformanceSample{Timestamp: now.Add(2 * time.Second), Metric: domain.MetricFrameTimeMS, Value: 50})
	if v != nil {
		t.Fatal("a single over-budget sample after a recovery should not re-trigger a violation")
	}
}

// TestViolationDurationMatchesElapsedSpan is the property test for
// invariant 9: for a violation spanning t0..t1, the reported DurationMS
// equals t1-t0 within one sample interval.
func TestViolationDurationMatchesElapsedSpan(t *testing.T) {
	m := newTestMonitor()
	start := time.Now()
	interval := time.Second

	var t0 time.Time
	for i := 0; i < ViolationThreshold; i++ {
		ts := start.Add(time.Duration(i) * interval)
		if v := m.Record(domain.PerformanceSample{Timestamp: ts, Metric: domain.MetricFrameTimeMS, Value: 50}); v != nil {
			t0 = v.StartedAt
		}
	}
	if t0.IsZero() {
		t.Fatal("violation never raised")
	}

	// Keep the episode open for a few more over-budget samples.
	var t1 time.Time
	for i := ViolationThreshold; i < ViolationThreshold+3; i++ {
		t1 = start.Add(time.Duration(i) * interval)
		m.Record(domain.PerformanceSample{Timestamp: t1, Metric: domain.MetricFrameTimeMS, Value: 50})
	}

	// Recovery closes the episode.
	recoveredAt := start.Add(time.Duration(ViolationThreshold+3) * interval)
	m.Record(domain.PerformanceSample{Timestamp: recoveredAt, Metric: domain.MetricFrameTimeMS, Value: 5})

	violations := m.Violations()
	if len(violations) != 1 {
		t.Fatalf("len(violations) = %d, want 1", len(violations))
	}
	wantDuration := recoveredAt.Sub(t0)
	gotDuration := time.Duration(violations[0].DurationMS) * time.Millisecond
	diff := gotDuration - wantDuration
	if diff < 0 {
		diff = -diff
	}
	if diff > interval {
		t.Errorf("DurationMS = %v, want within %v of %v", gotDuration, interval, wantDuration)
	}
}

func TestReportComputesP95PerMetric(t *testing.T) {
	m := newTestMonitor()
	now := time.Now()
	for i := 0; i < 100; i++ {
		m.Record(domain.PerformanceSample{Timestamp: now, Metric: domain.MetricFrameTimeMS, Value: float64(i)})
	}
	report := m.Report(now)
	mc, ok := report.Metrics[domain.MetricFrameTimeMS]
	if !ok {
		t.Fatal("report missing frame_time_ms")
	}
	if mc.Budget != 16.6 {
		t.Errorf("Budget = %v, want 16.6", mc.Budget)
	}
	if mc.P95 < 80 || mc.P95 > 100 {
		t.Errorf("P95 = %v, want roughly in [80,100] for a 0..99 uniform series", mc.P95)
	}
}

func TestReportIncludesP50P99AndViolationCounts(t *testing.T) {
	m := newTestMonitor()
	now := time.Now()
	for i := 0; i < 10; i++ {
		m.Record(domain.PerformanceSample{Timestamp: now.Add(time.Duration(i) * time.Second), Metric: domain.MetricFrameTimeMS, Value: 50})
	}
	report := m.Report(now)
	mc := report.Metrics[domain.MetricFrameTimeMS]
	if mc.P50 <= 0 {
		t.Errorf("P50 = %v, want > 0", mc.P50)
	}
	if mc.P99 < mc.P50 {
		t.Errorf("P99 = %v, want >= P50 %v", mc.P99, mc.P50)
	}
	if report.ViolationsByMetric[domain.MetricFrameTimeMS] == 0 {
		t.Error("ViolationsByMetric missing the raised frame_time_ms violation")
	}
	if len(report.Recommendations) == 0 {
		t.Error("an over-budget metric should produce at least one recommendation")
	}
}

func TestSamplesForReturnsMostRecentValuesInOrder(t *testing.T) {
	m := newTestMonitor()
	now := time.Now()
	for i := 0; i < 5; i++ {
		m.Record(domain.PerformanceSample{Timestamp: now, Metric: domain.MetricCPUPercent, Value: float64(i)})
	}
	got := m.SamplesFor(domain.MetricCPUPercent, 3)
	want := []float64{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("SamplesFor returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("SamplesFor[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestViolationHistoryBounded(t *testing.T) {
	m := newTestMonitor()
	now := time.Now()
	// Force many distinct violation episodes by alternating over/under budget.
	for i := 0; i < MaxViolationHistory+20; i++ {
		base := now.Add(time.Duration(i*10) * time.Second)
		m.Record(domain.PerformanceSample{Timestamp: base, Metric: domain.MetricFrameTimeMS, Value: 50})
		m.Record(domain.PerformanceSample{Timestamp: base.Add(time.Second), Metric: domain.MetricFrameTimeMS, Value: 50})
		m.Record(domain.PerformanceSample{Timestamp: base.Add(2 * time.Second), Metric: domain.MetricFrameTimeMS, Value: 50})
		m.Record(domain.PerformanceSample{Timestamp: base.Add(3 * time.Second), Metric: domain.MetricFrameTimeMS, Value: 5})
	}
	if len(m.Violations()) > MaxViolationHistory {
		t.Fatalf("len(Violations()) = %d, exceeds cap %d", len(m.Violations()), MaxViolationHistory)
	}
}
