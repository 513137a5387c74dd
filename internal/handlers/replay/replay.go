// Package replay implements the "replay" debug command (spec §4.6.6):
// recording a bounded ring of timestamped events/commands, replaying them
// with deterministic RNG reseeding, branching into a forked session, and
// frame-by-frame comparison reusing observe's diff semantics.
package replay

import (
	"context"
	"time"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/domain"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/errs"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/handlers/observe"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/session"
)

// Action enumerates the recognized replay actions.
type Action string

const (
	ActionRecord  Action = "record"
	ActionReplay  Action = "replay"
	ActionStop    Action = "stop"
	ActionAnalyze Action = "analyze"
	ActionCompare Action = "compare"
)

// Input is the validated `replay` tool invocation.
type Input struct {
	Action          Action         `json:"action"`
	CheckpointID    string         `json:"checkpoint_id"`
	SpeedMultiplier float64        `json:"speed_multiplier"`
	StartFrame      uint32         `json:"start_frame"`
	EndFrame        *uint32        `json:"end_frame"`
	Params          map[string]any `json:"params"`
}

const DefaultSpeedMultiplier = 1.0

// Recorder accumulates frames for the active recording session.
type Recorder struct {
	frames []domain.CommandLogEntry
	cap    int
}

func NewRecorder(cap int) *Recorder {
	return &Recorder{cap: cap}
}

// Append records one (command, response, rng seed) tuple, enforcing the
// session's ring-buffer cap.
func (r *Recorder) Append(entry domain.CommandLogEntry) {
	r.frames = append(r.frames, entry)
	if len(r.frames) > r.cap {
		r.frames = r.frames[len(r.frames)-r.cap:]
	}
}

func (r *Recorder) Frames() []domain.CommandLogEntry {
	return r.frames
}

// Dispatcher replays one recorded command. Run passes each entry as
// recorded, including its captured RNG seed; whether the seed is applied
// is up to the Dispatcher.
type Dispatcher func(ctx context.Context, entry domain.CommandLogEntry) (domain.DebugResponse, error)

// Run replays frames in [startFrame, endFrame] in order, honoring
// relative timing scaled by speedMultiplier.
func Run(ctx context.Context, frames []domain.CommandLogEntry, startFrame int, endFrame int, speedMultiplier float64, dispatch Dispatcher) ([]domain.DebugResponse, error) {
	if speedMultiplier <= 0 {
		speedMultiplier = DefaultSpeedMultiplier
	}
	if endFrame <= 0 || endFrame >= len(frames) {
		endFrame = len(frames) - 1
	}
	if startFrame < 0 || startFrame > endFrame {
		return nil, errs.New(errs.CodeInvalidParams, "replay start_frame must be <= end_frame and within recorded range")
	}

	var responses []domain.DebugResponse
	var lastTimestamp time.Time

	for i := startFrame; i <= endFrame; i++ {
		if ctx.Err() != nil {
			return responses, errs.Wrap(errs.CodeCancelled, "replay cancelled", ctx.Err())
		}

		entry := frames[i]
		if !lastTimestamp.IsZero() {
			gap := entry.Timestamp.Sub(lastTimestamp)
			scaled := time.Duration(float64(gap) / speedMultiplier)
			if scaled > 0 {
				select {
				case <-ctx.Done():
					return responses, errs.Wrap(errs.CodeCancelled, "replay cancelled", ctx.Err())
				case <-time.After(scaled):
				}
			}
		}
		lastTimestamp = entry.Timestamp

		resp, err := dispatch(ctx, entry)
		if err != nil {
			return responses, errs.Wrap(errs.CodeHandlerFailed, "replay dispatch failed", err)
		}
		responses = append(responses, resp)
	}

	return responses, nil
}

// Branch forks a new session at forkFrame, inheriting the command-log
// prefix up to (and including) that frame; the branch is subject to the
// same session caps as any other session.
func Branch(store *session.Store, parentID string, frames []domain.CommandLogEntry, forkFrame int) (*domain.Session, error) {
	if forkFrame < 0 || forkFrame >= len(frames) {
		return nil, errs.New(errs.CodeInvalidParams, "replay fork frame out of range")
	}

	branch := store.Create(parentID)
	prefix := frames[:forkFrame+1]
	for _, entry := range prefix {
		if err := store.AppendCommand(branch.ID, entry); err != nil {
			return nil, errs.Wrap(errs.CodeBug, "replay branch command-log copy failed", err)
		}
	}
	return branch, nil
}

// Compare produces a frame-by-frame diff of two state traces, reusing
// observe's diff semantics.
func Compare(traceA, traceB [][]observe.Row) []observe.DiffResult {
	n := len(traceA)
	if len(traceB) < n {
		n = len(traceB)
	}
	diffs := make([]observe.DiffResult, n)
	for i := 0; i < n; i++ {
		diffs[i] = observe.Diff(traceA[i], traceB[i])
	}
	return diffs
}
