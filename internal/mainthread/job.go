package mainthread

import (
	"context"
	"fmt"
	"time"
)

// Body is a unit of work executed on the worker. The thread never inspects
// what a body does; arguments are whatever the implementation captures.
type Body interface {
	Run(ctx context.Context) (any, error)
}

// BodyFunc adapts an ordinary function to the Body interface.
type BodyFunc func(ctx context.Context) (any, error)

// Run calls f(ctx).
func (f BodyFunc) Run(ctx context.Context) (any, error) {
	return f(ctx)
}

// Job is one submitted body together with its outcome. The outcome fields are
// written only by the worker, before the job enters the completion set.
type Job struct {
	id   uint64
	body Body

	// ctx is the submitter's context, handed to the body when it runs.
	ctx context.Context

	submittedAt time.Time
	result      any
	err         error
}

// ID returns the identifier assigned at submission.
func (j *Job) ID() uint64 {
	return j.id
}

// Result returns the value the body produced, or nil if it failed.
func (j *Job) Result() any {
	return j.result
}

// Err returns the failure the body produced, or nil if it succeeded.
func (j *Job) Err() error {
	return j.err
}

// PanicError is recorded as a job's failure when its body panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job panicked: %v", e.Value)
}

type jobIDKey struct{}

// withJobID returns a context that carries the executing job's id.
func withJobID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

// JobIDFromContext returns the id of the job whose body received ctx.
func JobIDFromContext(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(jobIDKey{}).(uint64)
	return id, ok
}
