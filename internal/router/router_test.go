package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/domain"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/errs"
)

func TestSubmitRunsWork(t *testing.T) {
	r := New()
	defer r.Shutdown()

	got, err := r.Submit(context.Background(), Work{
		Command: domain.DebugCommand{Kind: domain.CommandObserve, Priority: domain.PriorityNormal},
		Fn:      func(ctx context.Context) (any, error) { return "ok", nil },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %v, want ok", got)
	}
}

// TestHigherPriorityRunsFirst holds every worker busy, then enqueues a
// batch of Low-priority work followed by one Critical item, and checks the
// Critical item is drained before the remaining Low items.
func TestHigherPriorityRunsFirst(t *testing.T) {
	r := New()
	defer r.Shutdown()

	// Occupy every worker with a blocking task so the next batch queues up
	// instead of running immediately.
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Submit(context.Background(), Work{
				Command: domain.DebugCommand{Priority: domain.PriorityNormal},
				Fn: func(ctx context.Context) (any, error) {
					<-release
					return nil, nil
				},
			})
		}()
	}
	// Give the workers a moment to pick up the blocking tasks.
	time.Sleep(20 * time.Millisecond)

	var mu sync.Mutex
	var order []string

	var batch sync.WaitGroup
	for i := 0; i < 5; i++ {
		batch.Add(1)
		go func() {
			defer batch.Done()
			r.Submit(context.Background(), Work{
				Command: domain.DebugCommand{Priority: domain.PriorityLow},
				Fn: func(ctx context.Context) (any, error) {
					mu.Lock()
					order = append(order, "low")
					mu.Unlock()
					return nil, nil
				},
			})
		}()
	}
	time.Sleep(20 * time.Millisecond) // ensure the low-priority batch is queued first

	batch.Add(1)
	go func() {
		defer batch.Done()
		r.Submit(context.Background(), Work{
			Command: domain.DebugCommand{Priority: domain.PriorityCritical},
			Fn: func(ctx context.Context) (any, error) {
				mu.Lock()
				order = append(order, "critical")
				mu.Unlock()
				return nil, nil
			},
		})
	}()
	time.Sleep(20 * time.Millisecond) // ensure the critical item is queued too

	// Free a single worker so the queued batch drains one item at a time in
	// heap order, then free the rest.
	release <- struct{}{}
	batch.Wait()
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) == 0 || order[0] != "critical" {
		t.Errorf("order = %v, want critical to drain first", order)
	}
}

func TestSubmitRespectsDeadline(t *testing.T) {
	r := New()
	defer r.Shutdown()

	_, err := r.Submit(context.Background(), Work{
		Command: domain.DebugCommand{Deadline: time.Now().Add(10 * time.Millisecond)},
		Fn: func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	if err == nil {
		t.Fatal("Submit should propagate the deadline-exceeded result")
	}
}

func TestSubmitCancelledByCaller(t *testing.T) {
	r := New()
	defer r.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	block := make(chan struct{})
	defer close(block)
	// Fill the workers so the new submission actually queues instead of
	// running instantly past the already-cancelled ctx.
	for i := 0; i < r.concurrency; i++ {
		go r.Submit(context.Background(), Work{Fn: func(ctx context.Context) (any, error) {
			<-block
			return nil, nil
		}})
	}
	time.Sleep(20 * time.Millisecond)

	_, err := r.Submit(ctx, Work{Fn: func(ctx context.Context) (any, error) { return nil, nil }})
	if errs.AsError(err).Code != errs.CodeCancelled {
		t.Fatalf("error = %v, want CodeCancelled", err)
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	r := New()
	defer r.Shutdown()

	block := make(chan struct{})
	defer close(block)
	for i := 0; i < r.concurrency; i++ {
		go r.Submit(context.Background(), Work{Fn: func(ctx context.Context) (any, error) {
			<-block
			return nil, nil
		}})
	}
	time.Sleep(20 * time.Millisecond)

	r.mu.Lock()
	for i := 0; i < QueueDepth; i++ {
		r.pq = append(r.pq, &item{work: Work{Fn: func(ctx context.Context) (any, error) { return nil, nil }}})
	}
	r.mu.Unlock()

	_, err := r.Submit(context.Background(), Work{Fn: func(ctx context.Context) (any, error) { return nil, nil }})
	if errs.AsError(err).Code != errs.CodeQueueFull {
		t.Fatalf("error = %v, want CodeQueueFull", err)
	}
}

func TestShutdownDrainsInFlightWork(t *testing.T) {
	r := New()
	done := make(chan struct{})
	go func() {
		r.Submit(context.Background(), Work{Fn: func(ctx context.Context) (any, error) {
			time.Sleep(20 * time.Millisecond)
			close(done)
			return nil, nil
		}})
	}()
	time.Sleep(5 * time.Millisecond)
	r.Shutdown()
	select {
	case <-done:
	default:
		t.Error("Shutdown returned before in-flight work completed")
	}
}
