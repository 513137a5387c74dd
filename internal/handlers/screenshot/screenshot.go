// Package screenshot implements the "screenshot" debug command (spec
// §4.6.7): strict path validation against traversal, then a warmup/
// capture-delay wait before issuing the remote screenshot command.
package screenshot

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/errs"
)

const (
	DefaultWarmupMS       = 1000
	DefaultCaptureDelayMS = 500
	DefaultWaitForRender  = true

	maxPathBytes = 4 * 1024
)

var validFilenamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Input is the validated `screenshot` tool invocation.
type Input struct {
	Path            string `json:"path"`
	WarmupMS        uint32 `json:"warmup_ms"`
	CaptureDelayMS  uint32 `json:"capture_delay_ms"`
	WaitForRender   bool   `json:"wait_for_render"`
	Description     string `json:"description"`
}

// ValidatePath rejects absolute paths, ".." segments, overlength paths,
// and final components that are empty or contain characters outside
// [A-Za-z0-9_.-]. The offending segment is elided from the error context
// rather than echoed back in full.
func ValidatePath(path string) error {
	if len(path) > maxPathBytes {
		return errs.New(errs.CodePathTraversalRejected, fmt.Sprintf("screenshot path exceeds %d bytes", maxPathBytes))
	}
	if strings.HasPrefix(path, "/") || hasWindowsDriveLetter(path) {
		return errs.New(errs.CodePathTraversalRejected, "screenshot path must be relative")
	}

	segments := strings.Split(filepathSlashes(path), "/")
	for _, seg := range segments {
		if seg == ".." {
			return errs.New(errs.CodePathTraversalRejected, "screenshot path must not contain \"..\" segments")
		}
	}

	if len(segments) == 0 {
		return errs.New(errs.CodePathTraversalRejected, "screenshot path is empty")
	}
	final := segments[len(segments)-1]
	if final == "" {
		return errs.New(errs.CodePathTraversalRejected, "screenshot path's final component is empty")
	}
	if !validFilenamePattern.MatchString(final) {
		return errs.New(errs.CodePathTraversalRejected, "screenshot path's final component contains disallowed characters")
	}

	return nil
}

func hasWindowsDriveLetter(path string) bool {
	return len(path) >= 2 && path[1] == ':' && ((path[0] >= 'a' && path[0] <= 'z') || (path[0] >= 'A' && path[0] <= 'Z'))
}

func filepathSlashes(path string) string {
	return strings.ReplaceAll(path, "\\", "/")
}

// FrameRenderedWaiter blocks until the BRP client observes a
// frame-rendered notification, or ctx is cancelled.
type FrameRenderedWaiter func(ctx context.Context) error

// RemoteCapturer issues the remote screenshot command for path.
type RemoteCapturer func(ctx context.Context, path string) error

// Result is the `screenshot` tool's structured response.
type Result struct {
	Path    string `json:"path"`
	Success bool   `json:"success"`
}

// Run validates in.Path, waits warmup + capture-delay (optionally for a
// frame-rendered notification), then issues the remote capture.
func Run(ctx context.Context, in Input, waitForFrame FrameRenderedWaiter, capture RemoteCapturer) (Result, error) {
	if err := ValidatePath(in.Path); err != nil {
		return Result{}, err
	}

	warmup := time.Duration(in.WarmupMS) * time.Millisecond
	if in.WarmupMS == 0 {
		warmup = DefaultWarmupMS * time.Millisecond
	}
	captureDelay := time.Duration(in.CaptureDelayMS) * time.Millisecond
	if in.CaptureDelayMS == 0 {
		captureDelay = DefaultCaptureDelayMS * time.Millisecond
	}

	select {
	case <-ctx.Done():
		return Result{}, errs.Wrap(errs.CodeCancelled, "screenshot cancelled during warmup", ctx.Err())
	case <-time.After(warmup + captureDelay):
	}

	if in.WaitForRender && waitForFrame != nil {
		if err := waitForFrame(ctx); err != nil {
			return Result{}, errs.Wrap(errs.CodeTimeout, "timed out waiting for frame-rendered notification", err)
		}
	}

	if err := capture(ctx, in.Path); err != nil {
		return Result{Path: in.Path, Success: false}, errs.Wrap(errs.CodeHandlerFailed, "remote screenshot capture failed", err)
	}

	return Result{Path: in.Path, Success: true}, nil
}
