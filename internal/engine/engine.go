package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/kiln/internal/kinds"
	"github.com/seantiz/kiln/internal/mainthread"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

// topicRetention is how long a finished run's log topic is kept so that a
// subscriber racing the finish still sees a closed stream.
const topicRetention = time.Minute

// Engine runs kinds on the main thread and records each run's lifecycle.
type Engine struct {
	store    store.Store
	registry *kinds.Registry
	thread   *mainthread.Thread
	logger   *slog.Logger
	wg       sync.WaitGroup
	broker   *LogBroker
}

// NewEngine creates a new execution engine on top of an already running
// main thread.
func NewEngine(s store.Store, reg *kinds.Registry, th *mainthread.Thread, logger *slog.Logger) *Engine {
	return &Engine{
		store:    s,
		registry: reg,
		thread:   th,
		logger:   logger,
		broker:   NewLogBroker(),
	}
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Thread returns the main thread runs execute on.
func (e *Engine) Thread() *mainthread.Thread {
	return e.thread
}

// Run executes r synchronously. The record is stored as pending, queued on
// the main thread, and r is updated with the final state once the run is
// over. The returned error is the kind's failure, unchanged, or ctx.Err()
// if the caller stopped waiting first.
func (e *Engine) Run(ctx context.Context, r *model.Run) error {
	k, err := e.prepare(ctx, r)
	if err != nil {
		return err
	}
	return e.run(ctx, r, k)
}

// Submit stores r as pending and runs it in the background. It returns as
// soon as the record exists. The goroutine works on a copy of r to avoid
// data races with the caller.
func (e *Engine) Submit(ctx context.Context, r *model.Run) error {
	k, err := e.prepare(ctx, r)
	if err != nil {
		return err
	}

	rCopy := *r
	e.wg.Go(func() {
		if err := e.run(context.Background(), &rCopy, k); err != nil {
			e.logger.Debug("async run failed", "run_id", rCopy.ID, "error", err)
		}
	})
	return nil
}

// Wait blocks until all in-flight async runs complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// prepare resolves the kind and creates the pending record. Unknown kinds
// are rejected before anything is stored.
func (e *Engine) prepare(ctx context.Context, r *model.Run) (kinds.Kind, error) {
	k, err := e.registry.Resolve(r.Kind)
	if err != nil {
		return nil, err
	}

	if r.ID == "" {
		r.ID = model.NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.Status = model.StatusPending

	if err := e.store.CreateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return k, nil
}

func (e *Engine) run(ctx context.Context, r *model.Run, k kinds.Kind) error {
	// The body must not touch r: the caller may reload it while an
	// abandoned body is still running.
	id, kind, args := r.ID, r.Kind, r.Args

	var started atomic.Bool
	_, runErr := e.thread.RunAndWait(ctx, mainthread.BodyFunc(func(jobCtx context.Context) (any, error) {
		started.Store(true)
		return nil, e.execute(jobCtx, id, kind, args, k)
	}))

	// Store writes below must survive the caller giving up.
	bg := context.WithoutCancel(ctx)

	if runErr != nil && !started.Load() {
		if ctx.Err() != nil {
			// Still queued: the worker will run it and record the outcome.
			return runErr
		}
		// Never reached the worker: marker failure or shutdown.
		e.finishFailed(bg, r.ID, nil, runErr.Error())
		e.closeTopic(r.ID)
	}

	got, err := e.store.GetRun(bg, r.ID)
	if err != nil {
		e.logger.Error("reload finished run", "run_id", r.ID, "error", err)
		return runErr
	}
	*r = *got
	return runErr
}

// execute runs on the main thread: pending→running→completed/failed.
func (e *Engine) execute(ctx context.Context, id, kind string, args []byte, k kinds.Kind) (err error) {
	bg := context.WithoutCancel(ctx)
	jobID, _ := mainthread.JobIDFromContext(ctx)
	logger := e.logger.With("run_id", id, "kind", kind, "job_id", jobID)

	start := time.Now().UTC()
	if err := e.store.StartRun(bg, id, jobID, start); err != nil {
		logger.Error("failed to transition to running", "error", err)
		e.finishFailed(bg, id, nil, fmt.Sprintf("failed to start: %v", err))
		e.closeTopic(id)
		return fmt.Errorf("start run: %w", err)
	}

	// The log stream closes on every exit, including a panic in the kind,
	// which is recorded as a failure before the worker sees it.
	defer e.closeTopic(id)
	defer func() {
		if v := recover(); v != nil {
			e.finishFailed(bg, id, &start, fmt.Sprintf("panic: %v", v))
			panic(v)
		}
	}()

	// The LogWriter dual-writes: persist to SQLite for historical viewing,
	// then publish to LogBroker for real-time SSE.
	var seq atomic.Int32
	req := kinds.Request{
		RunID: id,
		Args:  args,
		LogWriter: func(line string) {
			currentSeq := int(seq.Add(1) - 1)
			if err := e.store.InsertLogLine(bg, id, currentSeq, line); err != nil {
				logger.Error("failed to persist log line", "seq", currentSeq, "error", err)
			}
			e.broker.Publish(id, line)
		},
	}

	result, runErr := k.Run(ctx, req)
	durationMS := int(time.Since(start).Milliseconds())

	if runErr != nil {
		msg := runErr.Error()
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			msg = fmt.Sprintf("caller stopped waiting: %v", runErr)
		}
		e.finishFailed(bg, id, &start, msg)
		logger.Info("run failed", "duration_ms", durationMS, "error", runErr)
		return runErr
	}

	now := time.Now().UTC()
	completed := &model.Run{
		ID:         id,
		Status:     model.StatusCompleted,
		Output:     result.Output,
		DurationMS: &durationMS,
		StartedAt:  &start,
		FinishedAt: &now,
	}
	if err := e.store.FinishRun(bg, completed); err != nil {
		logger.Error("failed to update completed run", "error", err)
	}
	logger.Info("run completed", "duration_ms", durationMS)
	return nil
}

// finishFailed marks a run as failed with the given error message.
// startedAt may be nil if execution never started.
func (e *Engine) finishFailed(ctx context.Context, id string, startedAt *time.Time, errMsg string) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(now.Sub(*startedAt).Milliseconds())
	}

	r := &model.Run{
		ID:         id,
		Status:     model.StatusFailed,
		Error:      errMsg,
		DurationMS: &durationMS,
		StartedAt:  startedAt,
		FinishedAt: &now,
	}
	if err := e.store.FinishRun(ctx, r); err != nil {
		e.logger.Error("failed to update failed run", "run_id", id, "error", err)
	}
}

func (e *Engine) closeTopic(id string) {
	e.broker.Close(id)
	time.AfterFunc(topicRetention, func() { e.broker.Forget(id) })
}
