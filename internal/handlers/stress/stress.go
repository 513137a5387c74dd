// Package stress implements the "stress" debug command (spec §4.6.5):
// incremental or immediate load ramping with per-frame safety-limit
// monitoring and a graceful partial stop on breach.
package stress

import (
	"context"
	"time"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/domain"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/errs"
)

// TestType enumerates the recognized stress test kinds.
type TestType string

const (
	TypeEntityCount TestType = "entity_count"
	TypeSystemLoad  TestType = "system_load"
	TypeNetworkLoad TestType = "network_load"
	TypeMemoryLoad  TestType = "memory_load"
)

// SafetyLimits bounds a stress run; a breach of any configured limit
// triggers a graceful stop.
type SafetyLimits struct {
	MaxMemoryMB     float64 `json:"max_memory_mb"`
	MinFPS          float64 `json:"min_fps"`
	MaxEntityCount  int     `json:"max_entity_count"`
}

// Input is the validated `stress` tool invocation.
type Input struct {
	TestType      TestType      `json:"test_type"`
	Intensity     float64       `json:"intensity"`
	DurationS     uint32        `json:"duration_s"`
	Incremental   bool          `json:"incremental"`
	SafetyLimits  *SafetyLimits `json:"safety_limits"`
}

const (
	DefaultIntensity   = 2.0
	DefaultDurationS   = 60
	DefaultIncremental = true

	// tickInterval is how often the intensity ramp is re-evaluated and
	// safety limits are checked.
	tickInterval = 100 * time.Millisecond
)

// Applier applies a load at the given intensity multiplier for one tick,
// returning the current frame sample for safety evaluation.
type Applier func(ctx context.Context, intensity float64) (domain.PerformanceSample, error)

// Result is the `stress` tool's structured response.
type Result struct {
	SafetyTriggered bool                      `json:"safety_triggered"`
	PeakIntensity   float64                   `json:"peak_intensity"`
	Samples         []domain.PerformanceSample `json:"samples"`
}

// Run ramps (or immediately applies) load via apply, checking limits
// against every sample, for duration. Returns a partial Result with
// SafetyTriggered=true if a limit is breached before duration elapses.
func Run(ctx context.Context, in Input, apply Applier) (Result, error) {
	intensity := in.Intensity
	if intensity <= 0 {
		intensity = DefaultIntensity
	}
	duration := time.Duration(in.DurationS) * time.Second
	if duration <= 0 {
		duration = DefaultDurationS * time.Second
	}

	result := Result{}
	start := time.Now()

	for {
		elapsed := time.Since(start)
		if elapsed >= duration {
			return result, nil
		}
		if ctx.Err() != nil {
			return result, errs.Wrap(errs.CodeCancelled, "stress test cancelled", ctx.Err())
		}

		currentIntensity := intensity
		if in.Incremental {
			frac := float64(elapsed) / float64(duration)
			currentIntensity = intensity * frac
		}
		if currentIntensity > result.PeakIntensity {
			result.PeakIntensity = currentIntensity
		}

		sample, err := apply(ctx, currentIntensity)
		if err != nil {
			return result, errs.Wrap(errs.CodeHandlerFailed, "stress load application failed", err)
		}
		result.Samples = append(result.Samples, sample)

		if in.SafetyLimits != nil && breached(*in.SafetyLimits, sample) {
			result.SafetyTriggered = true
			return result, nil
		}

		select {
		case <-ctx.Done():
			return result, errs.Wrap(errs.CodeCancelled, "stress test cancelled", ctx.Err())
		case <-time.After(tickInterval):
		}
	}
}

func breached(limits SafetyLimits, sample domain.PerformanceSample) bool {
	switch sample.Metric {
	case domain.MetricMemoryMB:
		return limits.MaxMemoryMB > 0 && sample.Value > limits.MaxMemoryMB
	case domain.MetricFrameTimeMS:
		if limits.MinFPS <= 0 || sample.Value <= 0 {
			return false
		}
		fps := 1000.0 / sample.Value
		return fps < limits.MinFPS
	case domain.MetricEntityCount:
		return limits.MaxEntityCount > 0 && int(sample.Value) > limits.MaxEntityCount
	default:
		return false
	}
}
