package brp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/brp/validate"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/domain"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/errs"
)

// TestNextBackoffNondecreasingUpToCap is the property test for invariant 4:
// the backoff sequence is nondecreasing up to backoffMax, and the
// cumulative wait before the sequence saturates is bounded below by the
// geometric sum the spec's formula implies.
func TestNextBackoffNondecreasingUpToCap(t *testing.T) {
	d := backoffInitial
	var cumulative time.Duration
	for i := 0; i < 20; i++ {
		next := nextBackoff(d)
		if next < d && d < backoffMax {
			t.Fatalf("step %d: backoff decreased from %v to %v before hitting cap", i, d, next)
		}
		if next > backoffMax {
			t.Fatalf("step %d: backoff %v exceeds cap %v", i, next, backoffMax)
		}
		cumulative += d
		d = next
	}
	if d != backoffMax {
		t.Errorf("backoff should have saturated at %v after 20 doublings, got %v", backoffMax, d)
	}
	// 1s+2s+4s+8s+16s: the doublings taken before the 30s cap is reached.
	if want := 31 * backoffInitial; cumulative < want {
		t.Errorf("cumulative wait %v, want at least %v", cumulative, want)
	}
}

func TestJitterStaysWithinFraction(t *testing.T) {
	base := 2 * time.Second
	for i := 0; i < 200; i++ {
		got := jitter(base)
		lower := time.Duration(float64(base) * (1 - jitterFraction))
		upper := time.Duration(float64(base) * (1 + jitterFraction))
		if got < lower || got > upper {
			t.Fatalf("jitter(%v) = %v, want within [%v, %v]", base, got, lower, upper)
		}
	}
}

func TestCircuitFailureThresholdIsFive(t *testing.T) {
	// Invariant 3: the circuit breaker opens after exactly five consecutive
	// failures. circuitFailureThreshold is the knob that governs this; pin
	// its value so a regression here fails loudly instead of silently
	// changing the opening threshold.
	if circuitFailureThreshold != 5 {
		t.Fatalf("circuitFailureThreshold = %d, want 5", circuitFailureThreshold)
	}
}

func newTestClient() *Client {
	return New("ws://127.0.0.1:0", zap.NewNop(), validate.NewEntityCache(), nil, nil)
}

func TestCallQueuesWhileDisconnected(t *testing.T) {
	c := newTestClient()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, domain.BrpMethod("bevy/query"), json.RawMessage(`{}`))
	if errs.AsError(err).Code != errs.CodeCancelled {
		t.Fatalf("Call while disconnected and never drained should time out with CodeCancelled, got %v", err)
	}
}

func TestCallRejectsWhenQueueFull(t *testing.T) {
	c := newTestClient()

	// Fill the queue without a live connection to drain it.
	for i := 0; i < queueDepth; i++ {
		select {
		case c.queue <- queuedRequest{req: domain.BrpRequest{ID: uint64(i)}, result: make(chan domain.BrpResponse, 1)}:
		default:
			t.Fatalf("queue filled early at %d", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, domain.BrpMethod("bevy/query"), json.RawMessage(`{}`))
	if errs.AsError(err).Code != errs.CodeQueueFull {
		t.Fatalf("Call with a full queue should return CodeQueueFull, got %v", err)
	}
}

func TestCallRejectsWhenCircuitOpen(t *testing.T) {
	c := newTestClient()
	c.mu.Lock()
	c.state.Phase = domain.PhaseCircuitOpen
	c.mu.Unlock()

	_, err := c.Call(context.Background(), domain.BrpMethod("bevy/query"), json.RawMessage(`{}`))
	got := errs.AsError(err)
	if got.Code != errs.CodeCircuitOpen {
		t.Fatalf("Call with an open circuit should return CodeCircuitOpen, got %v", err)
	}
	if got.RetryAfterMS == nil || *got.RetryAfterMS == 0 {
		t.Error("CodeCircuitOpen error should carry a retry_after hint")
	}
}

func TestCallRejectsOversizedPayload(t *testing.T) {
	c := newTestClient()
	oversized := make(json.RawMessage, validate.MaxPayloadBytes+1)
	_, err := c.Call(context.Background(), domain.BrpMethodSet, oversized)
	if errs.AsError(err).Code != errs.CodePayloadTooLarge {
		t.Fatalf("Call with an oversized payload should return CodePayloadTooLarge, got %v", err)
	}
}

func TestCallRejectsKnownNonexistentEntity(t *testing.T) {
	c := newTestClient()
	ref := domain.EntityRef{Index: 7, Generation: 1}
	c.entities.Put(ref, false)

	params, err := json.Marshal(map[string]any{"entity": ref.Packed()})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	_, err = c.Call(context.Background(), domain.BrpMethodGet, params)
	if errs.AsError(err).Code != errs.CodeNotFound {
		t.Fatalf("Call against a known-nonexistent entity should return CodeNotFound, got %v", err)
	}
}

// TestFailAllInflightWakesEveryAwaiter is the property test for invariant
// 2's "no awaiter leaks" half: every pending Call must observe either a
// response or a wakeup when the connection drops, never hang forever.
func TestFailAllInflightWakesEveryAwaiter(t *testing.T) {
	c := newTestClient()

	const n = 10
	results := make([]chan domain.BrpResponse, n)
	for i := 0; i < n; i++ {
		ch := make(chan domain.BrpResponse, 1)
		results[i] = ch
		c.mu.Lock()
		c.inflight[uint64(i)] = &pending{resultCh: ch}
		c.mu.Unlock()
	}

	c.failAllInflight(errs.New(errs.CodeConnectionError, "brp connection lost"))

	for i, ch := range results {
		select {
		case resp := <-ch:
			if resp.Error == nil {
				t.Errorf("awaiter %d: expected an error payload, got %+v", i, resp)
			}
		default:
			t.Errorf("awaiter %d never woke up", i)
		}
	}

	c.mu.RLock()
	remaining := len(c.inflight)
	c.mu.RUnlock()
	if remaining != 0 {
		t.Errorf("inflight map should be empty after failAllInflight, has %d entries", remaining)
	}
}
