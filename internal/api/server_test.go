package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/busy"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/kinds"
	"github.com/seantiz/kiln/internal/mainthread"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

func newTestServer(t *testing.T, extra ...map[string]kinds.Kind) *Server {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	reg := kinds.NewRegistry()
	kinds.RegisterBuiltins(reg, nil)
	for _, m := range extra {
		for name, k := range m {
			reg.Register(name, k)
		}
	}

	marker := busy.New(filepath.Join(t.TempDir(), "busy.lock"), logger)
	th := mainthread.New(mainthread.Options{
		PollInterval: time.Millisecond,
		Marker:       marker,
		Logger:       logger,
	})
	t.Cleanup(th.Close)

	eng := engine.NewEngine(s, reg, th, logger)
	t.Cleanup(eng.Wait)

	return NewServer(":0", s, reg, eng, marker, logger)
}

// seedRun stores a run and walks it to the given status.
func seedRun(t *testing.T, s store.Store, kind, status string, durationMS int) *model.Run {
	t.Helper()
	ctx := context.Background()
	r := &model.Run{
		ID:        model.NewID(),
		Kind:      kind,
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if status == model.StatusPending {
		return r
	}
	if err := s.StartRun(ctx, r.ID, 1, time.Now().UTC()); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if status == model.StatusRunning {
		return r
	}
	if err := s.FinishRun(ctx, &model.Run{ID: r.ID, Status: status, DurationMS: &durationMS}); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	return r
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestListKinds(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/kinds", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var infos []kinds.Info
	decodeBody(t, rec, &infos)
	if len(infos) != 2 || infos[0].Name != kinds.KindEcho || infos[1].Name != kinds.KindSleep {
		t.Errorf("kinds = %+v, want [echo sleep]", infos)
	}
}
