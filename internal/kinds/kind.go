package kinds

import (
	"context"
	"encoding/json"
)

// Kind is a unit of work that can be run on the main thread. Run executes on
// the worker goroutine, so it may use the shared model without locking.
type Kind interface {
	// Run executes the kind with the given request and returns its output.
	// The context carries the submitting caller's cancellation signal.
	Run(ctx context.Context, req Request) (Result, error)

	// Describe reports the kind's name and what it does.
	Describe() Info
}

// Request is handed to a kind when its run is executed.
type Request struct {
	RunID string          `json:"run_id"`
	Args  json.RawMessage `json:"args"`

	// LogWriter is an optional callback for progress lines. Each call is
	// persisted and delivered to connected SSE subscribers.
	LogWriter func(line string) `json:"-"`
}

// log emits a progress line if a LogWriter is set.
func (r Request) log(line string) {
	if r.LogWriter != nil {
		r.LogWriter(line)
	}
}

// Result holds what a kind produced.
type Result struct {
	Output json.RawMessage `json:"output"`
}

// Info describes a registered kind.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}
