// Package busy maintains a marker file that tells other processes the shared
// model is in use.
package busy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultPath is the well-known marker location.
const DefaultPath = "/tmp/ai_generator.lock"

// ErrNoMarker is returned by Read when no marker file exists.
var ErrNoMarker = errors.New("busy marker not present")

var markerHolders = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "kiln_busy_marker_holders",
		Help: "Number of synchronous runs currently holding the busy marker.",
	},
)

func init() {
	prometheus.MustRegister(markerHolders)
}

// Info is the JSON document stored in the marker file. A marker written by
// another tool may be empty, in which case every field is zero.
type Info struct {
	Instance string    `json:"instance"`
	PID      int       `json:"pid"`
	Since    time.Time `json:"since"`
}

// Marker is a reference-counted marker file. The file exists while at least
// one holder has acquired it and is removed when the last holder releases.
// It is safe for concurrent use.
type Marker struct {
	path     string
	instance string
	logger   *slog.Logger

	mu      sync.Mutex
	holders int
	since   time.Time
}

// New returns a marker for path. Nothing is written until Acquire.
func New(path string, logger *slog.Logger) *Marker {
	if path == "" {
		path = DefaultPath
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Marker{
		path:     path,
		instance: uuid.NewString(),
		logger:   logger,
	}
}

// Path returns the marker file location.
func (m *Marker) Path() string {
	return m.path
}

// Instance returns the token identifying this process in the marker file.
func (m *Marker) Instance() string {
	return m.instance
}

// Holders returns the number of outstanding acquisitions.
func (m *Marker) Holders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holders
}

// Held reports whether any run currently holds the marker.
func (m *Marker) Held() bool {
	return m.Holders() > 0
}

// Acquire registers a holder, creating the marker file if this is the
// first. The returned release function is idempotent.
func (m *Marker) Acquire() (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holders == 0 {
		now := time.Now().UTC()
		if err := m.write(now); err != nil {
			return nil, err
		}
		m.since = now
	}
	m.holders++
	markerHolders.Set(float64(m.holders))

	var once sync.Once
	return func() { once.Do(m.release) }, nil
}

func (m *Marker) release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.holders--
	markerHolders.Set(float64(m.holders))
	if m.holders > 0 {
		return
	}

	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Error("remove busy marker", "path", m.path, "error", err)
		return
	}
	m.logger.Debug("busy marker removed", "path", m.path, "held_ms", time.Since(m.since).Milliseconds())
}

// write replaces the marker file atomically so readers never see a partial
// document. A stale marker from a previous process is overwritten.
func (m *Marker) write(now time.Time) error {
	data, err := json.Marshal(Info{Instance: m.instance, PID: os.Getpid(), Since: now})
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".busy-*")
	if err != nil {
		return fmt.Errorf("create marker: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod marker: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close marker: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("install marker: %w", err)
	}
	return nil
}

// Read returns the contents of the marker at path, or ErrNoMarker if the
// shared resource is idle.
func Read(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoMarker
	}
	if err != nil {
		return nil, fmt.Errorf("read marker: %w", err)
	}

	info := &Info{}
	if len(data) == 0 {
		return info, nil
	}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("decode marker: %w", err)
	}
	return info, nil
}
