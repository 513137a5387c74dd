// Package experiment implements the "experiment" debug command (spec
// §4.6.2): phased execution with continuous performance sampling and
// safety aborts that restore a pre-experiment checkpoint.
package experiment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/domain"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/errs"
)

// ExperimentType enumerates the recognized experiment kinds.
type ExperimentType string

const (
	TypePerformanceTest   ExperimentType = "performance_test"
	TypeLoadTest          ExperimentType = "load_test"
	TypeEntitySpawn       ExperimentType = "entity_spawn"
	TypeEntityModify      ExperimentType = "entity_modify"
	TypeSystemDisable     ExperimentType = "system_disable"
	TypeSystemStress      ExperimentType = "system_stress"
	TypePhysicsTest       ExperimentType = "physics_test"
	TypeNetworkSimulation ExperimentType = "network_simulation"
	TypeMultiPhase        ExperimentType = "multi_phase"
	TypeChained           ExperimentType = "chained"
	TypeRandomizedSpawn   ExperimentType = "randomized_spawn"
)

// Input is the validated `experiment` tool invocation.
type Input struct {
	ExperimentType ExperimentType `json:"experiment_type"`
	Params         map[string]any `json:"params"`
	DurationS      uint32         `json:"duration_s"`
	Iterations     uint32         `json:"iterations"`
}

const (
	minSustainedFPS      = 5.0
	minSustainedDuration = 3 * time.Second
	memoryCapPercent     = 95.0
)

// Phase is one executable step of an experiment; multi_phase/chained
// experiments run several, simple ones run exactly one.
type Phase struct {
	Name string
	Run  func(ctx context.Context) error
}

// SafetyMonitor is polled between phases to check the abort conditions
// spec §4.6.2 defines.
type SafetyMonitor func() (fps float64, memPercent float64)

// Checkpointer captures/restores state around an experiment run.
type Checkpointer interface {
	Checkpoint(ctx context.Context) (string, error)
	Restore(ctx context.Context, checkpointID string) error
}

// Result is the `experiment` tool's structured response.
type Result struct {
	ExperimentID string                    `json:"experiment_id"`
	Metrics      []domain.PerformanceSample `json:"metrics"`
	Violations   []domain.BudgetViolation  `json:"violations"`
	Recommendations []string               `json:"recommendations"`
	Artifacts    []string                  `json:"artifacts"`
	Aborted      bool                      `json:"aborted"`
}

// fpsBreachTracker accumulates how long FPS has been sustained below
// minSustainedFPS, to implement the "> 3s sustained" abort condition.
type fpsBreachTracker struct {
	breachStarted time.Time
	breaching     bool
}

func (t *fpsBreachTracker) observe(fps float64, now time.Time) bool {
	if fps < minSustainedFPS {
		if !t.breaching {
			t.breaching = true
			t.breachStarted = now
		}
		return now.Sub(t.breachStarted) > minSustainedDuration
	}
	t.breaching = false
	return false
}

// Run executes phases in order, sampling via monitor between each, and
// aborts (restoring the pre-experiment checkpoint) if a safety condition
// trips. alreadyInMultiPhase suppresses the implicit pre-checkpoint when
// this experiment is itself a phase of an enclosing multi_phase run.
func Run(ctx context.Context, phases []Phase, monitor SafetyMonitor, cp Checkpointer, alreadyInMultiPhase bool) (Result, error) {
	result := Result{ExperimentID: uuid.NewString()}

	var checkpointID string
	if !alreadyInMultiPhase {
		id, err := cp.Checkpoint(ctx)
		if err != nil {
			return result, errs.Wrap(errs.CodeHandlerFailed, "experiment pre-checkpoint failed", err)
		}
		checkpointID = id
	}

	tracker := &fpsBreachTracker{}

	for _, phase := range phases {
		if ctx.Err() != nil {
			result.Aborted = true
			break
		}

		if err := phase.Run(ctx); err != nil {
			result.Aborted = true
			if checkpointID != "" {
				if restoreErr := cp.Restore(ctx, checkpointID); restoreErr != nil {
					return result, errs.Wrap(errs.CodeHandlerFailed, "experiment abort restore failed", restoreErr)
				}
			}
			return result, errs.Wrap(errs.CodeSafetyAborted, "experiment phase failed, restored pre-checkpoint", err)
		}

		if monitor != nil {
			fps, mem := monitor()
			now := time.Now()
			result.Metrics = append(result.Metrics, domain.PerformanceSample{Timestamp: now, Metric: domain.MetricFrameTimeMS, Value: fps})
			result.Metrics = append(result.Metrics, domain.PerformanceSample{Timestamp: now, Metric: domain.MetricMemoryPercent, Value: mem})

			sustainedLowFPS := tracker.observe(fps, now)
			memExceeded := mem > memoryCapPercent

			if sustainedLowFPS || memExceeded {
				result.Aborted = true
				if checkpointID != "" {
					if restoreErr := cp.Restore(ctx, checkpointID); restoreErr != nil {
						return result, errs.Wrap(errs.CodeHandlerFailed, "experiment safety-abort restore failed", restoreErr)
					}
				}
				return result, errs.New(errs.CodeSafetyAborted, "experiment aborted on safety condition and restored pre-checkpoint")
			}
		}
	}

	return result, nil
}
