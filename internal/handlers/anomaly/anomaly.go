// Package anomaly implements the "detect_anomaly" debug command (spec
// §4.6.4): rolling statistics over a bounded window plus a P² percentile
// estimator per metric, flagging samples that deviate beyond a
// sensitivity-derived threshold or the 99th-percentile baseline.
package anomaly

import (
	"math"
	"time"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/domain"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/perf"
)

// Input is the validated `detect_anomaly` tool invocation.
type Input struct {
	DetectionType   string  `json:"detection_type"`
	Sensitivity     float64 `json:"sensitivity"`
	WindowSize      uint32  `json:"window_size"`
	BaselinePeriodS uint32  `json:"baseline_period_s"`
}

const (
	DefaultSensitivity     = 0.8
	DefaultWindowSize      = 100
	DefaultBaselinePeriodS = 60
)

// rollingWindow is a fixed-capacity ring buffer of recent sample values,
// tracking running count/mean/variance (Welford's method) alongside.
type rollingWindow struct {
	capacity int
	values   []float64
	pos      int
	full     bool

	count    int64
	mean     float64
	m2       float64
	min, max float64

	p99 *perf.P2Estimator
}

func newRollingWindow(capacity int) *rollingWindow {
	return &rollingWindow{
		capacity: capacity,
		values:   make([]float64, capacity),
		p99:      perf.NewP2Estimator(0.99),
		min:      math.Inf(1),
		max:      math.Inf(-1),
	}
}

func (w *rollingWindow) observe(x float64) {
	w.values[w.pos] = x
	w.pos = (w.pos + 1) % w.capacity
	if w.pos == 0 {
		w.full = true
	}

	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (x - w.mean)

	if x < w.min {
		w.min = x
	}
	if x > w.max {
		w.max = x
	}

	w.p99.Observe(x)
}

func (w *rollingWindow) variance() float64 {
	if w.count < 2 {
		return 0
	}
	return w.m2 / float64(w.count-1)
}

func (w *rollingWindow) stddev() float64 {
	return math.Sqrt(w.variance())
}

func (w *rollingWindow) windowFull() bool {
	return w.full || w.count >= int64(w.capacity)
}

// Detector tracks one rolling window per metric.
type Detector struct {
	sensitivity float64
	windowSize  int
	windows     map[domain.Metric]*rollingWindow
	baselineEstablishedAt map[domain.Metric]time.Time
}

func NewDetector(sensitivity float64, windowSize int) *Detector {
	if sensitivity <= 0 {
		sensitivity = DefaultSensitivity
	}
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Detector{
		sensitivity: sensitivity,
		windowSize:  windowSize,
		windows:     make(map[domain.Metric]*rollingWindow),
		baselineEstablishedAt: make(map[domain.Metric]time.Time),
	}
}

// k derives the sigma multiplier from sensitivity per spec §4.6.4:
// k = 4 - 3*sensitivity.
func (d *Detector) k() float64 {
	return 4 - 3*d.sensitivity
}

// Alert is one flagged anomalous sample.
type Alert struct {
	Timestamp          time.Time      `json:"timestamp"`
	Metric             domain.Metric  `json:"type"`
	Severity           domain.Severity `json:"severity"`
	Description        string         `json:"description"`
	Value              float64        `json:"values"`
	PossibleCauses     []string       `json:"possible_causes"`
	RecommendedActions []string       `json:"recommended_actions"`
}

// Observe feeds one sample for its metric, returning an Alert if the
// sample is anomalous (either > k*sigma from the rolling mean, or above
// the window's P99 baseline).
func (d *Detector) Observe(sample domain.PerformanceSample) *Alert {
	w, ok := d.windows[sample.Metric]
	if !ok {
		w = newRollingWindow(d.windowSize)
		d.windows[sample.Metric] = w
	}

	wasBaseline := w.windowFull()
	w.observe(sample.Value)
	if !wasBaseline && w.windowFull() {
		d.baselineEstablishedAt[sample.Metric] = sample.Timestamp
	}

	if !w.windowFull() {
		return nil
	}

	sigma := w.stddev()
	deviation := math.Abs(sample.Value - w.mean)
	sigmaAnomalous := sigma > 0 && deviation > d.k()*sigma
	baselineAnomalous := sample.Value > w.p99.Quantile()

	if !sigmaAnomalous && !baselineAnomalous {
		return nil
	}

	percentOver := 0.0
	if w.mean != 0 {
		percentOver = (deviation / math.Abs(w.mean)) * 100
	}

	return &Alert{
		Timestamp:   sample.Timestamp,
		Metric:      sample.Metric,
		Severity:    domain.SeverityOf(percentOver),
		Description: "sample deviates from the established rolling baseline",
		Value:       sample.Value,
		PossibleCauses: []string{
			"transient load spike",
			"regression in the system under observation",
		},
		RecommendedActions: []string{
			"inspect the corresponding experiment or stress run for correlated events",
		},
	}
}

// BaselineEstablished reports whether metric's window has filled (spec's
// baseline_established flag).
func (d *Detector) BaselineEstablished(metric domain.Metric) bool {
	w, ok := d.windows[metric]
	return ok && w.windowFull()
}

// ModelConfidence is a coarse confidence proxy: the fraction of the
// requested baseline period that has actually elapsed since the window
// first filled, capped at 1.0.
func (d *Detector) ModelConfidence(metric domain.Metric, baselinePeriod time.Duration, now time.Time) float64 {
	startedAt, ok := d.baselineEstablishedAt[metric]
	if !ok {
		return 0
	}
	elapsed := now.Sub(startedAt)
	if baselinePeriod <= 0 {
		return 1
	}
	conf := float64(elapsed) / float64(baselinePeriod)
	if conf > 1 {
		conf = 1
	}
	return conf
}

// Result is the `detect_anomaly` tool's structured response.
type Result struct {
	AnomaliesDetected  int     `json:"anomalies_detected"`
	Alerts             []Alert `json:"alerts"`
	BaselineEstablished bool   `json:"baseline_established"`
	ModelConfidence    float64 `json:"model_confidence"`
	TimePeriodS        uint32  `json:"time_period_s"`
}
