package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/busy"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/kinds"
	"github.com/seantiz/kiln/internal/mainthread"
	"github.com/seantiz/kiln/internal/store"
)

// stepKind emits one progress line per step, pausing between them.
type stepKind struct {
	steps int
	delay time.Duration
}

func (s stepKind) Run(_ context.Context, req kinds.Request) (kinds.Result, error) {
	for i := 1; i <= s.steps; i++ {
		time.Sleep(s.delay)
		req.LogWriter(fmt.Sprintf("step %d/%d", i, s.steps))
	}
	return kinds.Result{Output: json.RawMessage(fmt.Sprintf(`{"steps":%d}`, s.steps))}, nil
}

func (stepKind) Describe() kinds.Info { return kinds.Info{Description: "progress lines"} }

type pipeline struct {
	ts     *httptest.Server
	eng    *engine.Engine
	marker *busy.Marker
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := kinds.NewRegistry()
	kinds.RegisterBuiltins(reg, nil)
	reg.Register("steps", stepKind{steps: 4, delay: 30 * time.Millisecond})

	marker := busy.New(filepath.Join(t.TempDir(), "busy.lock"), logger)
	th := mainthread.New(mainthread.Options{
		PollInterval: time.Millisecond,
		Marker:       marker,
		Releaser:     mainthread.GCReleaser{},
		Logger:       logger,
	})
	eng := engine.NewEngine(s, reg, th, logger)
	srv := api.NewServer(":0", s, reg, eng, marker, logger)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		eng.Wait()
		th.Close()
	})

	return &pipeline{ts: ts, eng: eng, marker: marker}
}

func (p *pipeline) post(t *testing.T, path, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(p.ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Errorf("POST %s: %v", path, err)
		return 0, nil
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Errorf("decode: %v", err)
	}
	return resp.StatusCode, out
}

func TestMixedCallersGetTheirOwnOutcome(t *testing.T) {
	p := newPipeline(t)

	bodies := map[string]string{
		"one":  `{"kind":"echo","args":1}`,
		"two":  `{"kind":"echo","args":2}`,
		"fail": `{"kind":"sleep","args":{"ms":50,"fail":"x"}}`,
	}

	type outcome struct {
		status int
		run    map[string]any
	}
	var mu sync.Mutex
	got := make(map[string]outcome)

	var wg sync.WaitGroup
	for name, body := range bodies {
		wg.Go(func() {
			status, run := p.post(t, "/v1/runs", body)
			mu.Lock()
			got[name] = outcome{status, run}
			mu.Unlock()
		})
	}
	wg.Wait()

	if o := got["one"]; o.status != http.StatusOK || o.run["output"] != float64(1) {
		t.Errorf("one = %d %v, want 200 with output 1", o.status, o.run)
	}
	if o := got["two"]; o.status != http.StatusOK || o.run["output"] != float64(2) {
		t.Errorf("two = %d %v, want 200 with output 2", o.status, o.run)
	}
	if o := got["fail"]; o.status != http.StatusUnprocessableEntity || o.run["error"] != "x" {
		t.Errorf("fail = %d %v, want 422 with error x", o.status, o.run)
	}
	if p.marker.Held() {
		t.Error("marker still held after every caller returned")
	}
}

func TestProgressStreamsWhileRunning(t *testing.T) {
	p := newPipeline(t)

	status, run := p.post(t, "/v1/runs/async", `{"kind":"steps"}`)
	if status != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", status)
	}
	id, _ := run["id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", p.ts.URL+"/v1/runs/"+id+"/logs", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET logs: %v", err)
	}
	defer resp.Body.Close()

	var lines []string
	var sawDone bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: done" {
			sawDone = true
			continue
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok && !sawDone {
			lines = append(lines, data)
		}
	}

	// A mid-run subscriber is replayed the lines it missed. Only a stream
	// opened after the finish comes back empty.
	if !sawDone {
		t.Error("stream ended without a done event")
	}
	if len(lines) != 0 && len(lines) != 4 {
		t.Errorf("streamed %d lines, want all 4: %v", len(lines), lines)
	}

	p.eng.Wait()
	hist, err := http.Get(p.ts.URL + "/v1/runs/" + id + "/logs/history")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer hist.Body.Close()
	var h struct {
		Lines []struct {
			Seq  int    `json:"seq"`
			Line string `json:"line"`
		} `json:"lines"`
	}
	if err := json.NewDecoder(hist.Body).Decode(&h); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(h.Lines) != 4 {
		t.Fatalf("history has %d lines, want 4", len(h.Lines))
	}
	for i, l := range h.Lines {
		if l.Seq != i || l.Line != fmt.Sprintf("step %d/4", i+1) {
			t.Errorf("history[%d] = %+v", i, l)
		}
	}
}
