package mainthread

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is how long the worker idles between dequeue attempts
// and how often waiters check the completion set.
const DefaultPollInterval = 10 * time.Millisecond

var (
	// ErrClosed is returned for submissions to a closed thread and recorded
	// as the failure of jobs that were still queued when it closed.
	ErrClosed = errors.New("mainthread: closed")

	// ErrUnknownJob is returned by Wait for an id that was never submitted.
	ErrUnknownJob = errors.New("mainthread: unknown job")

	// ErrNilBody is returned when submitting a nil body.
	ErrNilBody = errors.New("mainthread: nil body")
)

// Marker signals to other processes that a synchronous run is in progress.
// Acquire returns a release function that must be called exactly once.
type Marker interface {
	Acquire() (release func(), err error)
}

// Options configures a Thread. The zero value is usable.
type Options struct {
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration

	// Marker is held for the duration of every RunAndWait call. Nil disables it.
	Marker Marker

	// Releaser runs after every RunAndWait call retrieves its job. Nil disables it.
	Releaser Releaser

	Logger *slog.Logger
}

// Failure describes the most recent job failure seen by the worker.
type Failure struct {
	JobID uint64
	Err   error
	At    time.Time
}

// Status is a point-in-time snapshot of a thread's queues.
type Status struct {
	Queued    int    `json:"queued"`
	Executing uint64 `json:"executing,omitempty"`
	Finished  int    `json:"finished"`
	LastID    uint64 `json:"last_id"`
	Closed    bool   `json:"closed"`
}

// Thread owns the queues and the single worker goroutine. Build one per
// process with New and share it by reference.
type Thread struct {
	q        *queue
	poll     time.Duration
	marker   Marker
	releaser Releaser
	logger   *slog.Logger

	lastFailure atomic.Pointer[Failure]

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a thread and starts its worker.
func New(opts Options) *Thread {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	t := &Thread{
		q:        newQueue(),
		poll:     opts.PollInterval,
		marker:   opts.Marker,
		releaser: opts.Releaser,
		logger:   opts.Logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go t.loop()
	return t
}

// Close stops the worker after the job it is currently running, then fails
// every job still queued with ErrClosed. It is safe to call more than once.
func (t *Thread) Close() {
	t.closeOnce.Do(func() {
		close(t.stop)
		<-t.done
		n, hooks := t.q.close()
		if n > 0 {
			t.logger.Warn("mainthread closed with queued jobs", "queued", n)
		}
		for _, after := range hooks {
			after()
		}
	})
}

// Status returns a snapshot of the queues.
func (t *Thread) Status() Status {
	return t.q.status()
}

// LastFailure returns the failure of the most recent job if that job failed.
// It is diagnostic only; each caller receives its own job's failure from
// RunAndWait.
func (t *Thread) LastFailure() (Failure, bool) {
	f := t.lastFailure.Load()
	if f == nil {
		return Failure{}, false
	}
	return *f, true
}

func (t *Thread) loop() {
	defer close(t.done)

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		default:
		}

		if j, ok := t.q.dequeueOldest(); ok {
			t.execute(j)
			continue
		}

		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}
	}
}

// execute runs one job body with no lock held and parks the outcome.
func (t *Thread) execute(j *Job) {
	executing.Set(1)
	start := time.Now()

	result, err := invoke(j)

	elapsed := time.Since(start)
	executing.Set(0)
	jobDuration.Observe(elapsed.Seconds())

	j.result, j.err = result, err

	var pe *PanicError
	switch {
	case err == nil:
		t.lastFailure.Store(nil)
		jobsTotal.WithLabelValues(outcomeSucceeded).Inc()
	case errors.As(err, &pe):
		t.lastFailure.Store(&Failure{JobID: j.id, Err: err, At: time.Now()})
		jobsTotal.WithLabelValues(outcomePanicked).Inc()
		t.logger.Error("job panicked", "job_id", j.id, "error", err, "stack", string(pe.Stack))
	default:
		t.lastFailure.Store(&Failure{JobID: j.id, Err: err, At: time.Now()})
		jobsTotal.WithLabelValues(outcomeFailed).Inc()
		t.logger.Error("job failed", "job_id", j.id, "error", err)
	}

	t.logger.Debug("job finished",
		"job_id", j.id,
		"duration_ms", elapsed.Milliseconds(),
		"queued_ms", start.Sub(j.submittedAt).Milliseconds(),
	)

	if after, kept := t.q.complete(j); !kept {
		jobsTotal.WithLabelValues(outcomeDropped).Inc()
		t.logger.Info("dropped outcome of abandoned job", "job_id", j.id)
		if after != nil {
			after()
		}
	}
}

// invoke calls the body, converting a panic into a *PanicError.
func invoke(j *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	ctx := j.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return j.body.Run(withJobID(ctx, j.id))
}
