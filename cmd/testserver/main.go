// testserver starts a kiln API server with an in-memory store and a stub
// render kind for E2E testing. Usage: go run ./cmd/testserver
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/busy"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/kinds"
	"github.com/seantiz/kiln/internal/mainthread"
	"github.com/seantiz/kiln/internal/store"
)

// stubRender pretends to generate an image: it holds the main thread for a
// while and reports progress like a sampler would.
type stubRender struct {
	steps int
	delay time.Duration
}

func (s stubRender) Run(ctx context.Context, req kinds.Request) (kinds.Result, error) {
	for i := 1; i <= s.steps; i++ {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return kinds.Result{}, ctx.Err()
		}
		if req.LogWriter != nil {
			req.LogWriter(fmt.Sprintf("[render] step %d/%d", i, s.steps))
		}
	}

	out, err := json.Marshal(map[string]any{"images": []string{"c3R1Yg=="}, "steps": s.steps})
	if err != nil {
		return kinds.Result{}, err
	}
	return kinds.Result{Output: out}, nil
}

func (s stubRender) Describe() kinds.Info {
	return kinds.Info{Description: "stub image generation with progress lines"}
}

func main() {
	addr := ":8080"
	if v := os.Getenv("KILN_LISTEN_ADDR"); v != "" {
		addr = v
	}
	markerPath := os.Getenv("KILN_MARKER_PATH")
	if markerPath == "" {
		markerPath = filepath.Join(os.TempDir(), "kiln-testserver.lock")
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := kinds.NewRegistry()
	kinds.RegisterBuiltins(reg, nil)
	reg.Register("render", stubRender{steps: 3, delay: 150 * time.Millisecond})

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	marker := busy.New(markerPath, logger)
	th := mainthread.New(mainthread.Options{
		Marker:   marker,
		Releaser: mainthread.GCReleaser{},
		Logger:   logger,
	})

	eng := engine.NewEngine(db, reg, th, logger)
	srv := api.NewServer(addr, db, reg, eng, marker, logger)

	logger.Info("testserver: starting", "addr", addr, "marker_path", markerPath)
	err = srv.Run()
	th.Close()
	eng.Wait()
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}
