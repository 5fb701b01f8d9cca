package publish

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingNotifier struct {
	n   atomic.Int32
	err error
}

func (c *countingNotifier) Notify(context.Context) error {
	c.n.Add(1)
	return c.err
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func mustTrigger(t *testing.T, r *Runner, pageID string) {
	t.Helper()
	if err := r.Trigger(pageID); err != nil {
		t.Fatalf("Trigger(%q): %v", pageID, err)
	}
}

func TestRunner_RunsTriggersInOrderAndNotifies(t *testing.T) {
	var mu sync.Mutex
	var got []string
	finished := make(chan struct{}, 2)
	notifier := &countingNotifier{}

	r := NewRunner(RunnerOptions{
		Run: func(_ context.Context, pageID string) (Result, error) {
			mu.Lock()
			got = append(got, pageID)
			mu.Unlock()
			return Result{RunID: "run-" + pageID}, nil
		},
		Notifier: notifier,
		OnDone:   func(Result, error) { finished <- struct{}{} },
	})
	mustTrigger(t, r, "")
	mustTrigger(t, r, "abc")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	waitFor(t, finished)
	waitFor(t, finished)

	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(got, []string{"", "abc"}) {
		t.Errorf("runs = %q, want [\"\" \"abc\"]", got)
	}
	if n := notifier.n.Load(); n != 2 {
		t.Errorf("notifications = %d, want 2", n)
	}
}

func TestRunner_FailedRunDoesNotNotify(t *testing.T) {
	finished := make(chan struct{}, 1)
	notifier := &countingNotifier{}
	r := NewRunner(RunnerOptions{
		Run: func(context.Context, string) (Result, error) {
			return Result{}, errors.New("storage down")
		},
		Notifier: notifier,
		OnDone:   func(Result, error) { finished <- struct{}{} },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	mustTrigger(t, r, "")
	waitFor(t, finished)
	if n := notifier.n.Load(); n != 0 {
		t.Errorf("notifications = %d, want 0", n)
	}
}

func TestRunner_NotifyFailureIsNotFatal(t *testing.T) {
	finished := make(chan struct{}, 2)
	r := NewRunner(RunnerOptions{
		Run:      func(context.Context, string) (Result, error) { return Result{}, nil },
		Notifier: &countingNotifier{err: errors.New("hook down")},
		OnDone:   func(Result, error) { finished <- struct{}{} },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	mustTrigger(t, r, "")
	mustTrigger(t, r, "")
	waitFor(t, finished)
	waitFor(t, finished)
}

func TestRunner_QueueFull(t *testing.T) {
	r := NewRunner(RunnerOptions{
		Run:       func(context.Context, string) (Result, error) { return Result{}, nil },
		QueueSize: 2,
	})
	mustTrigger(t, r, "")
	mustTrigger(t, r, "")
	if err := r.Trigger(""); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if n := r.Pending(); n != 2 {
		t.Errorf("Pending = %d, want 2", n)
	}
}

func TestRunner_RunTimeout(t *testing.T) {
	finished := make(chan error, 1)
	r := NewRunner(RunnerOptions{
		Run: func(ctx context.Context, _ string) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		},
		RunTimeout: 20 * time.Millisecond,
		OnDone:     func(_ Result, err error) { finished <- err },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	mustTrigger(t, r, "")

	select {
	case err := <-finished:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run was not cut off by its timeout")
	}
}

func TestRunner_StopsOnCancel(t *testing.T) {
	r := NewRunner(RunnerOptions{
		Run: func(context.Context, string) (Result, error) { return Result{}, nil },
	})
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	r.Start(ctx)
	cancel()
	waitFor(t, r.Done())
}
