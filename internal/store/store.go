package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

var (
	// ErrNotFound is returned when a run is not found.
	ErrNotFound = errors.New("run not found")

	// ErrInvalidTransition is returned when a run status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// RunStats holds aggregate execution statistics.
type RunStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for run history. Pending runs are
// recorded for inspection only; nothing is resumed from the store.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	StartRun(ctx context.Context, id string, jobID uint64, at time.Time) error
	FinishRun(ctx context.Context, r *model.Run) error
	FailInterrupted(ctx context.Context, reason string) (int, error)
	GetRunStats(ctx context.Context) (*RunStats, error)
	InsertLogLine(ctx context.Context, runID string, seq int, line string) error
	GetLogLines(ctx context.Context, runID string) ([]model.LogLine, error)
	Close() error
}
