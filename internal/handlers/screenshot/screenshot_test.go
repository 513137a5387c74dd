package screenshot

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/errs"
)

func TestValidatePathAccepts(t *testing.T) {
	for _, path := range []string{"capture.png", "shots/frame-1.png", "a/b/c_2.jpg"} {
		if err := ValidatePath(path); err != nil {
			t.Errorf("ValidatePath(%q) = %v, want nil", path, err)
		}
	}
}

func TestValidatePathRejectsTraversal(t *testing.T) {
	cases := []string{
		"../../etc/passwd",
		"/etc/passwd",
		"shots/../../../etc/passwd",
		`C:\Windows\system32`,
		`..\..\secrets.txt`,
		"",
		"shots/",
		"shots/bad name!.png",
	}
	for _, path := range cases {
		err := ValidatePath(path)
		if err == nil {
			t.Errorf("ValidatePath(%q) = nil, want CodePathTraversalRejected", path)
			continue
		}
		if errs.AsError(err).Code != errs.CodePathTraversalRejected {
			t.Errorf("ValidatePath(%q) code = %v, want %v", path, errs.AsError(err).Code, errs.CodePathTraversalRejected)
		}
	}
}

// TestValidatePathRejectsEveryDotDotSegment is the property test for
// invariant 10: every path with a ".." segment or an absolute root is
// rejected, regardless of which OS separator is used.
func TestValidatePathRejectsEveryDotDotSegment(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("any path containing a .. segment is rejected", prop.ForAll(
		func(prefix, suffix string, useBackslash bool) bool {
			sep := "/"
			if useBackslash {
				sep = `\`
			}
			path := prefix + sep + ".." + sep + suffix
			err := ValidatePath(path)
			return err != nil && errs.AsError(err).Code == errs.CodePathTraversalRejected
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Bool(),
	))

	properties.Property("any absolute-rooted path is rejected", prop.ForAll(
		func(rest string) bool {
			err := ValidatePath("/" + rest)
			return err != nil && errs.AsError(err).Code == errs.CodePathTraversalRejected
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// TestRunRejectsTraversalWithoutCapturing is the S6 scenario: a path
// traversal attempt must fail with CodePathTraversalRejected and must never
// reach the remote capturer.
func TestRunRejectsTraversalWithoutCapturing(t *testing.T) {
	captured := false
	capture := func(ctx context.Context, path string) error {
		captured = true
		return nil
	}

	_, err := Run(context.Background(), Input{Path: "../../etc/passwd"}, nil, capture)
	if errs.AsError(err).Code != errs.CodePathTraversalRejected {
		t.Fatalf("Run error code = %v, want %v", errs.AsError(err).Code, errs.CodePathTraversalRejected)
	}
	if captured {
		t.Error("remote capturer must not be invoked when path validation fails")
	}
}

func TestRunHappyPath(t *testing.T) {
	var capturedPath string
	capture := func(ctx context.Context, path string) error {
		capturedPath = path
		return nil
	}
	waited := false
	waitForFrame := func(ctx context.Context) error {
		waited = true
		return nil
	}

	in := Input{Path: "out.png", WarmupMS: 1, CaptureDelayMS: 1, WaitForRender: true}
	res, err := Run(context.Background(), in, waitForFrame, capture)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.Path != "out.png" {
		t.Errorf("Result = %+v", res)
	}
	if capturedPath != "out.png" {
		t.Errorf("capturedPath = %q", capturedPath)
	}
	if !waited {
		t.Error("waitForFrame should have been invoked when WaitForRender is set")
	}
}

func TestRunCancelledDuringWarmup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, Input{Path: "out.png", WarmupMS: 50}, nil, func(ctx context.Context, path string) error {
		return fmt.Errorf("should not be called")
	})
	if errs.AsError(err).Code != errs.CodeCancelled {
		t.Fatalf("error code = %v, want %v", errs.AsError(err).Code, errs.CodeCancelled)
	}
}

func TestRunCaptureFailure(t *testing.T) {
	_, err := Run(context.Background(), Input{Path: "out.png"}, nil, func(ctx context.Context, path string) error {
		return fmt.Errorf("remote refused")
	})
	if errs.AsError(err).Code != errs.CodeHandlerFailed {
		t.Fatalf("error code = %v, want %v", errs.AsError(err).Code, errs.CodeHandlerFailed)
	}
}
