package mainthread

import (
	"context"
	"fmt"
	"time"
)

// Submit queues body for execution and returns its id without waiting. The
// body receives ctx when it eventually runs.
func (t *Thread) Submit(ctx context.Context, body Body) (uint64, error) {
	if body == nil {
		return 0, ErrNilBody
	}
	return t.q.enqueue(ctx, body)
}

// Wait blocks until the job with the given id has finished and removes it
// from the completion set. Each id must be waited on by its submitter only.
//
// If ctx ends first, Wait stops waiting and returns ctx.Err(); the job still
// runs, but its outcome is discarded when it completes.
func (t *Thread) Wait(ctx context.Context, id uint64) (*Job, error) {
	j, _, err := t.wait(ctx, id, nil)
	return j, err
}

// wait is Wait with a hook for abandonment. When ctx ends before the job
// finishes, after is handed to the worker, which calls it once the job is
// over, and the second result is true. Otherwise after is never called.
func (t *Thread) wait(ctx context.Context, id uint64, after func()) (*Job, bool, error) {
	if !t.q.known(id) {
		return nil, false, fmt.Errorf("wait for job %d: %w", id, ErrUnknownJob)
	}

	start := time.Now()
	defer func() { waitDuration.Observe(time.Since(start).Seconds()) }()

	if j, ok := t.q.take(id); ok {
		return j, false, nil
	}

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if j, ok := t.q.abandon(id, after); ok {
				return j, false, nil
			}
			t.logger.Warn("stopped waiting for job", "job_id", id, "error", ctx.Err())
			return nil, after != nil, ctx.Err()
		case <-ticker.C:
			if j, ok := t.q.take(id); ok {
				return j, false, nil
			}
		}
	}
}

// RunAndWait runs body on the worker and returns its result, or its failure
// unchanged. The busy marker is held from before submission until the job is
// over, and the releaser runs once the job is over, whatever the outcome.
//
// If ctx ends first, RunAndWait returns ctx.Err() straight away and the
// worker releases caches and the marker when the abandoned job finishes, so
// the marker never disappears while the body may still be running.
func (t *Thread) RunAndWait(ctx context.Context, body Body) (any, error) {
	release := func() {}
	if t.marker != nil {
		r, err := t.marker.Acquire()
		if err != nil {
			return nil, fmt.Errorf("acquire busy marker: %w", err)
		}
		release = r
	}

	id, err := t.Submit(ctx, body)
	if err != nil {
		release()
		return nil, err
	}

	finish := func() {
		t.releaseCaches(ctx, id)
		release()
	}

	j, handedOff, err := t.wait(ctx, id, finish)
	if handedOff {
		return nil, err
	}
	finish()
	if err != nil {
		return nil, err
	}
	return j.result, j.err
}

// releaseCaches runs the cleanup hook. Its errors are logged, never returned.
func (t *Thread) releaseCaches(ctx context.Context, id uint64) {
	if t.releaser == nil {
		return
	}
	if err := t.releaser.Release(context.WithoutCancel(ctx)); err != nil {
		t.logger.Error("release caches", "job_id", id, "error", err)
		return
	}
	t.logger.Debug("released caches", "job_id", id)
}
