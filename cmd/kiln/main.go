package main

import (
	"context"
	"errors"
	"log"
	"os"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/busy"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/kinds"
	"github.com/seantiz/kiln/internal/mainthread"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/upstream"
)

const interruptedReason = "interrupted by restart"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("kiln: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"marker_path", cfg.MarkerPath,
		"upstream_url", cfg.UpstreamURL,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	n, err := db.FailInterrupted(context.Background(), interruptedReason)
	if err != nil {
		log.Fatalf("failed to close out interrupted runs: %v", err)
	}
	if n > 0 {
		logger.Warn("marked interrupted runs failed", "count", n)
	}

	if info, err := busy.Read(cfg.MarkerPath); err == nil {
		logger.Warn("busy marker already present", "path", cfg.MarkerPath, "pid", info.PID, "since", info.Since)
	} else if !errors.Is(err, busy.ErrNoMarker) {
		logger.Warn("read busy marker", "path", cfg.MarkerPath, "error", err)
	}

	client := upstream.NewClient(cfg.UpstreamURL, nil)
	reg := kinds.NewRegistry()
	kinds.RegisterBuiltins(reg, client)

	releasers := mainthread.Releasers{mainthread.GCReleaser{}}
	if cfg.ReleasePath != "" {
		releasers = append(releasers, upstream.NewReleaser(client, cfg.ReleasePath, logger))
	}

	marker := busy.New(cfg.MarkerPath, logger)
	th := mainthread.New(mainthread.Options{
		PollInterval: cfg.PollInterval,
		Marker:       marker,
		Releaser:     releasers,
		Logger:       logger,
	})

	eng := engine.NewEngine(db, reg, th, logger)
	srv := api.NewServer(cfg.ListenAddr, db, reg, eng, marker, logger)

	err = srv.Run()
	// Queued runs fail with ErrClosed; the one executing is allowed to finish.
	th.Close()
	eng.Wait()
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}
