package main

import (
	"context"
	"errors"
	"testing"
)

func TestNewRootCmdRejectsNeitherTransportFlag(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{})
	root.SetOut(new(discardWriter))
	root.SetErr(new(discardWriter))
	err := root.ExecuteContext(context.Background())

	var ee *exitError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want an *exitError", err)
	}
	if ee.code != 1 {
		t.Errorf("code = %d, want 1", ee.code)
	}
}

func TestNewRootCmdRejectsBothTransportFlags(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"--stdio", "--tcp"})
	root.SetOut(new(discardWriter))
	root.SetErr(new(discardWriter))
	err := root.ExecuteContext(context.Background())

	var ee *exitError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want an *exitError", err)
	}
	if ee.code != 1 {
		t.Errorf("code = %d, want 1", ee.code)
	}
}

func TestNewRootCmdRejectsMissingBRPPort(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"--stdio", "--brp-port=0"})
	root.SetOut(new(discardWriter))
	root.SetErr(new(discardWriter))
	err := root.ExecuteContext(context.Background())

	var ee *exitError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want an *exitError", err)
	}
	if ee.code != 1 {
		t.Errorf("code = %d, want 1", ee.code)
	}
}

func TestEnvOrDefaultIntParsesValue(t *testing.T) {
	t.Setenv("BEVY_DEBUGGER_TEST_INT", "42")
	if got := envOrDefaultInt("BEVY_DEBUGGER_TEST_INT", 7); got != 42 {
		t.Errorf("envOrDefaultInt = %d, want 42", got)
	}
}

func TestEnvOrDefaultIntFallsBackOnUnsetOrMalformed(t *testing.T) {
	if got := envOrDefaultInt("BEVY_DEBUGGER_TEST_INT_UNSET", 7); got != 7 {
		t.Errorf("envOrDefaultInt(unset) = %d, want 7", got)
	}
	t.Setenv("BEVY_DEBUGGER_TEST_INT_BAD", "not-a-number")
	if got := envOrDefaultInt("BEVY_DEBUGGER_TEST_INT_BAD", 7); got != 7 {
		t.Errorf("envOrDefaultInt(malformed) = %d, want 7", got)
	}
}

// discardWriter implements io.Writer, discarding everything written to it
// (cobra's output during these error-path tests is noise, not assertions).
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
