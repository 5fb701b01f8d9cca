package publish

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/keithlinneman/builder-publisher/internal/log"
)

const (
	DefaultQueueSize  = 8
	DefaultRunTimeout = 15 * time.Minute
)

// ErrQueueFull is returned by Trigger when no more runs can be queued
var ErrQueueFull = errors.New("publish: deployment queue full")

// RunFunc executes one publish run; *Publisher.Run satisfies it
type RunFunc func(ctx context.Context, pageID string) (Result, error)

// Notifier is told about every successful run
type Notifier interface {
	Notify(ctx context.Context) error
}

type RunnerOptions struct {
	Logger log.Logger
	Run    RunFunc

	// Notifier is optional
	Notifier Notifier

	// QueueSize bounds pending triggers, DefaultQueueSize if <= 0
	QueueSize int

	// RunTimeout bounds a single run, DefaultRunTimeout if <= 0
	RunTimeout time.Duration

	// OnDone is called after every run, mainly for tests
	OnDone func(Result, error)
}

// Runner executes triggered runs one at a time in the background
type Runner struct {
	opts   RunnerOptions
	logger log.Logger
	queue  chan string

	startOnce sync.Once
	done      chan struct{}
}

func NewRunner(opts RunnerOptions) *Runner {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	return &Runner{
		opts:   opts,
		logger: opts.Logger,
		queue:  make(chan string, opts.QueueSize),
		done:   make(chan struct{}),
	}
}

// Trigger queues a run for pageID ("" publishes every page). It never blocks.
func (r *Runner) Trigger(pageID string) error {
	select {
	case r.queue <- pageID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending is the number of queued runs
func (r *Runner) Pending() int { return len(r.queue) }

// Start launches the worker. Runs inherit ctx; cancelling it stops the worker after the
// current run returns. Queued triggers that have not started are dropped.
func (r *Runner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		go r.loop(ctx)
	})
}

// Done is closed when the worker has exited
func (r *Runner) Done() <-chan struct{} { return r.done }

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)
	r.logger.Info(ctx, "publish runner starting",
		"queue_size", cap(r.queue),
		"run_timeout", r.opts.RunTimeout.String(),
	)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "publish runner stopping", "reason", ctx.Err(), "dropped", len(r.queue))
			return
		case pageID := <-r.queue:
			r.runOnce(ctx, pageID)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, pageID string) {
	runCtx, cancel := context.WithTimeout(ctx, r.opts.RunTimeout)
	defer cancel()

	res, err := r.opts.Run(runCtx, pageID)
	if r.opts.OnDone != nil {
		defer r.opts.OnDone(res, err)
	}
	if err != nil {
		r.logger.Error(ctx, err, "publish run failed", "run_id", res.RunID, "page_id", pageID)
		return
	}
	if r.opts.Notifier == nil {
		return
	}
	if err := r.opts.Notifier.Notify(runCtx); err != nil {
		r.logger.Warn(ctx, "deploy notification failed", "run_id", res.RunID, "err", err)
	}
}
