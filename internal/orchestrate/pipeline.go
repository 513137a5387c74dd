// Package orchestrate implements the debug-command pipeline described in
// spec §4.7: a sequence of named steps, each a tool invocation whose
// result can be saved under a name and substituted (single level, via
// ${save_as}) into later steps' parameters. A checkpoint is taken
// automatically before the first mutating step so a severity>=high
// failure can abort and restore.
package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/domain"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/errs"
)

// Step is one named stage of a pipeline.
type Step struct {
	Name string
	// Kind is the tool/handler this step invokes.
	Kind domain.CommandKind
	// ParamsTemplate is the raw JSON params, possibly containing
	// "${save_as}"-shaped placeholders resolved against prior steps'
	// saved results before invocation.
	ParamsTemplate json.RawMessage
	// SaveAs, if non-empty, stores this step's result under that name for
	// substitution into later steps.
	SaveAs string
	// Mutating marks a step as one that changes game state, triggering
	// the pre-pipeline checkpoint if it is the first such step.
	Mutating bool
	// IfFound/IfNotFound name another step to jump to based on whether
	// this step's result was non-empty (Open Question decision: these are
	// step-name references only, not arbitrary expressions).
	IfFound    string
	IfNotFound string
}

// StepResult records one executed step's outcome for the pipeline report.
type StepResult struct {
	StepName string
	Success  bool
	Result   any
	Error    *errs.Error
}

// Invoker runs a single tool/handler by kind with resolved params.
type Invoker func(ctx context.Context, kind domain.CommandKind, params json.RawMessage) (any, error)

// Checkpointer captures and restores game state around a pipeline run.
type Checkpointer interface {
	Checkpoint(ctx context.Context) (checkpointID string, err error)
	Restore(ctx context.Context, checkpointID string) error
}

// Run executes steps in order, substituting saved values, auto-
// checkpointing before the first mutating step, and aborting with a
// restore if a step fails with an error isHighSeverityFailure treats as
// high severity (SafetyAborted, ConnectionError, CircuitOpen).
func Run(ctx context.Context, steps []Step, invoke Invoker, cp Checkpointer) ([]StepResult, error) {
	saved := make(map[string]any)
	results := make([]StepResult, 0, len(steps))
	var checkpointID string
	checkpointed := false

	byName := make(map[string]int, len(steps))
	for i, st := range steps {
		byName[st.Name] = i
	}

	for i := 0; i < len(steps); i++ {
		step := steps[i]

		if step.Mutating && !checkpointed {
			id, err := cp.Checkpoint(ctx)
			if err != nil {
				return results, errs.Wrap(errs.CodeHandlerFailed, "auto-checkpoint before mutating step failed", err)
			}
			checkpointID = id
			checkpointed = true
		}

		params, err := substitute(step.ParamsTemplate, saved)
		if err != nil {
			results = append(results, StepResult{StepName: step.Name, Success: false, Error: errs.AsError(err)})
			return results, nil
		}

		value, err := invoke(ctx, step.Kind, params)
		if err != nil {
			stepErr := errs.AsError(err)
			results = append(results, StepResult{StepName: step.Name, Success: false, Error: stepErr})

			if isHighSeverityFailure(stepErr) && checkpointed {
				if restoreErr := cp.Restore(ctx, checkpointID); restoreErr != nil {
					return results, errs.Wrap(errs.CodeHandlerFailed, "pipeline abort restore failed", restoreErr)
				}
				return results, errs.New(errs.CodeSafetyAborted, fmt.Sprintf("pipeline aborted and restored at step %q", step.Name))
			}
			continue
		}

		results = append(results, StepResult{StepName: step.Name, Success: true, Result: value})
		if step.SaveAs != "" {
			saved[step.SaveAs] = value
		}

		found := isNonEmpty(value)
		var next string
		if found {
			next = step.IfFound
		} else {
			next = step.IfNotFound
		}
		if next != "" {
			if idx, ok := byName[next]; ok {
				i = idx - 1 // loop increment brings us to idx
			}
		}
	}

	return results, nil
}

func isHighSeverityFailure(e *errs.Error) bool {
	switch e.Code {
	case errs.CodeSafetyAborted, errs.CodeConnectionError, errs.CodeCircuitOpen:
		return true
	default:
		return false
	}
}

func isNonEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

// substitute replaces each string value of tmpl that is exactly "${name}"
// with saved[name] itself. Placeholders embedded in a longer string, and
// names with no saved value, are left unchanged. Substitution is a single
// level only — a saved value's own string fields are not re-scanned.
func substitute(tmpl json.RawMessage, saved map[string]any) (json.RawMessage, error) {
	if len(tmpl) == 0 {
		return tmpl, nil
	}
	var doc any
	if err := json.Unmarshal(tmpl, &doc); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidParams, "pipeline step params are not valid JSON", err)
	}
	resolved := substituteValue(doc, saved)
	return json.Marshal(resolved)
}

func substituteValue(v any, saved map[string]any) any {
	switch val := v.(type) {
	case string:
		return substituteString(val, saved)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = substituteValue(item, saved)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = substituteValue(item, saved)
		}
		return out
	default:
		return v
	}
}

func substituteString(s string, saved map[string]any) any {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		name := strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")
		if val, ok := saved[name]; ok {
			return val
		}
	}
	return s
}
