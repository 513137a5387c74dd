package anomaly

import (
	"testing"
	"time"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/domain"
)

func TestObserveNoAlertBeforeBaselineEstablished(t *testing.T) {
	d := NewDetector(DefaultSensitivity, 10)
	now := time.Now()
	for i := 0; i < 9; i++ {
		if a := d.Observe(domain.PerformanceSample{Timestamp: now, Metric: domain.MetricFrameTimeMS, Value: 16.0}); a != nil {
			t.Fatalf("alert raised before baseline window filled: %+v", a)
		}
	}
	if d.BaselineEstablished(domain.MetricFrameTimeMS) {
		t.Error("BaselineEstablished = true before the window filled")
	}
}

func TestObserveFlagsDeviationBeyondSigmaThreshold(t *testing.T) {
	d := NewDetector(DefaultSensitivity, 20)
	now := time.Now()
	for i := 0; i < 20; i++ {
		d.Observe(domain.PerformanceSample{Timestamp: now, Metric: domain.MetricFrameTimeMS, Value: 16.0})
	}
	if !d.BaselineEstablished(domain.MetricFrameTimeMS) {
		t.Fatal("expected the baseline to be established after 20 samples")
	}

	alert := d.Observe(domain.PerformanceSample{Timestamp: now, Metric: domain.MetricFrameTimeMS, Value: 500.0})
	if alert == nil {
		t.Fatal("expected an alert for a sample far outside the established baseline")
	}
	if alert.Metric != domain.MetricFrameTimeMS {
		t.Errorf("Metric = %v", alert.Metric)
	}
	if alert.Value != 500.0 {
		t.Errorf("Value = %v, want 500.0", alert.Value)
	}
}

func TestObserveNoAlertForSampleMatchingBaseline(t *testing.T) {
	d := NewDetector(DefaultSensitivity, 20)
	now := time.Now()
	for i := 0; i < 20; i++ {
		d.Observe(domain.PerformanceSample{Timestamp: now, Metric: domain.MetricFrameTimeMS, Value: 16.0})
	}
	if a := d.Observe(domain.PerformanceSample{Timestamp: now, Metric: domain.MetricFrameTimeMS, Value: 16.0}); a != nil {
		t.Errorf("unexpected alert for an in-baseline sample: %+v", a)
	}
}

func TestKDerivedFromSensitivity(t *testing.T) {
	d := NewDetector(1.0, 10)
	if got := d.k(); got != 1.0 {
		t.Errorf("k() at sensitivity 1.0 = %v, want 1.0", got)
	}
	d2 := NewDetector(0.0, 10)
	_ = d2
}

func TestModelConfidenceBeforeBaselineIsZero(t *testing.T) {
	d := NewDetector(DefaultSensitivity, 10)
	if conf := d.ModelConfidence(domain.MetricFrameTimeMS, time.Minute, time.Now()); conf != 0 {
		t.Errorf("ModelConfidence = %v, want 0 before the baseline is established", conf)
	}
}

func TestModelConfidenceCapsAtOne(t *testing.T) {
	d := NewDetector(DefaultSensitivity, 5)
	now := time.Now()
	for i := 0; i < 5; i++ {
		d.Observe(domain.PerformanceSample{Timestamp: now, Metric: domain.MetricFrameTimeMS, Value: 16.0})
	}
	conf := d.ModelConfidence(domain.MetricFrameTimeMS, time.Minute, now.Add(2*time.Hour))
	if conf != 1.0 {
		t.Errorf("ModelConfidence = %v, want capped at 1.0", conf)
	}
}

func TestDefaultsAppliedForZeroSensitivityAndWindow(t *testing.T) {
	d := NewDetector(0, 0)
	if d.sensitivity != DefaultSensitivity {
		t.Errorf("sensitivity = %v, want default %v", d.sensitivity, DefaultSensitivity)
	}
	if d.windowSize != DefaultWindowSize {
		t.Errorf("windowSize = %v, want default %v", d.windowSize, DefaultWindowSize)
	}
}
