package busy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/howeyc/fsnotify"
)

// WaitIdle blocks until no marker exists at path or ctx ends. It watches the
// marker's directory, since the marker is installed by rename and removed
// outright.
func WaitIdle(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Watch(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	// Checked after the watch is in place so a removal in between is not missed.
	if isIdle(path) {
		return nil
	}

	for {
		select {
		case ev := <-watcher.Event:
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if isIdle(path) {
				return nil
			}
		case err := <-watcher.Error:
			return fmt.Errorf("watch marker: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isIdle treats an unreadable marker as busy; the next event re-checks it.
func isIdle(path string) bool {
	_, err := Read(path)
	return errors.Is(err, ErrNoMarker)
}
