package mainthread

import (
	"context"
	"sync"
	"time"
)

// queue holds the submission queue and the completion set behind a single
// lock. Every method is a short structural mutation; none of them call into
// job bodies or sleep while holding mu.
type queue struct {
	mu sync.Mutex

	lastID    uint64
	pending   []*Job
	executing *Job
	finished  map[uint64]*Job

	// abandoned holds ids whose submitter stopped waiting before the job
	// finished. The worker drops such jobs instead of parking them and runs
	// the stored hook, which may be nil, once the job is over.
	abandoned map[uint64]func()

	closed bool
}

func newQueue() *queue {
	return &queue{
		finished:  make(map[uint64]*Job),
		abandoned: make(map[uint64]func()),
	}
}

// enqueue appends a new job for body and returns its id.
func (q *queue) enqueue(ctx context.Context, body Body) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrClosed
	}

	q.lastID++
	q.pending = append(q.pending, &Job{
		id:          q.lastID,
		body:        body,
		ctx:         ctx,
		submittedAt: time.Now(),
	})
	queueDepth.Set(float64(len(q.pending)))
	return q.lastID, nil
}

// dequeueOldest removes the front job and marks it executing. It reports
// false when nothing is pending.
func (q *queue) dequeueOldest() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, false
	}

	j := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.executing = j
	queueDepth.Set(float64(len(q.pending)))
	return j, true
}

// complete moves j from executing into the completion set. It reports false
// when j's submitter has abandoned it, in which case j is discarded and the
// hook left by abandon is returned for the worker to run.
func (q *queue) complete(j *Job) (after func(), kept bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.executing == j {
		q.executing = nil
	}
	if after, ok := q.abandoned[j.id]; ok {
		delete(q.abandoned, j.id)
		return after, false
	}
	q.finished[j.id] = j
	return nil, true
}

// take removes and returns the finished job with the given id.
func (q *queue) take(id uint64) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.finished[id]
	if ok {
		delete(q.finished, id)
	}
	return j, ok
}

// abandon gives up on id. If the job already finished it is removed and
// returned so the caller can still use its outcome, and after is not kept.
// Otherwise the worker is told to drop it once it completes and becomes
// responsible for calling after.
func (q *queue) abandon(id uint64, after func()) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if j, ok := q.finished[id]; ok {
		delete(q.finished, id)
		return j, true
	}
	q.abandoned[id] = after
	return nil, false
}

// known reports whether id was ever handed out by enqueue.
func (q *queue) known(id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return id != 0 && id <= q.lastID
}

// close rejects further submissions and fails everything still pending with
// ErrClosed, parking those jobs so their waiters return. The hooks of pending
// jobs that were abandoned are returned for the caller to run unlocked.
func (q *queue) close() (int, []func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	n := len(q.pending)
	var hooks []func()
	for _, j := range q.pending {
		j.err = ErrClosed
		if after, ok := q.abandoned[j.id]; ok {
			delete(q.abandoned, j.id)
			if after != nil {
				hooks = append(hooks, after)
			}
			continue
		}
		q.finished[j.id] = j
	}
	q.pending = nil
	queueDepth.Set(0)
	return n, hooks
}

func (q *queue) status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Status{
		Queued:   len(q.pending),
		Finished: len(q.finished),
		LastID:   q.lastID,
		Closed:   q.closed,
	}
	if q.executing != nil {
		st.Executing = q.executing.id
	}
	return st
}
