package mainthread

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
)

// Releaser frees transient caches held on behalf of the shared resource.
// Implementations must be safe to call repeatedly.
type Releaser interface {
	Release(ctx context.Context) error
}

// ReleaserFunc adapts a function to the Releaser interface.
type ReleaserFunc func(ctx context.Context) error

// Release calls f(ctx).
func (f ReleaserFunc) Release(ctx context.Context) error {
	return f(ctx)
}

// GCReleaser forces a garbage collection and returns freed memory to the OS.
type GCReleaser struct{}

// Release implements Releaser.
func (GCReleaser) Release(context.Context) error {
	runtime.GC()
	debug.FreeOSMemory()
	return nil
}

// Releasers runs each releaser in order. Every releaser runs even if an
// earlier one fails; the failures are joined.
type Releasers []Releaser

// Release implements Releaser.
func (rs Releasers) Release(ctx context.Context) error {
	var errs []error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
