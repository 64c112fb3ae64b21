package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd        *exec.Cmd
	stdout     *lockedBuffer
	url        string
	dbPath     string
	markerPath string
}

var (
	binDir    string
	buildOnce sync.Once
	buildErr  error
)

// binary builds kiln and kiln-busy once per test run and returns the path
// of the named one.
func binary(t *testing.T, name string) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "kiln-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		for _, pkg := range []string{"kiln", "kiln-busy"} {
			cmd := exec.Command("go", "build", "-o", filepath.Join(dir, pkg), "./cmd/"+pkg)
			cmd.Dir = findRepoRoot(t)
			if out, err := cmd.CombinedOutput(); err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", pkg, err, out)
				return
			}
		}
		binDir = dir
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return filepath.Join(binDir, name)
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

// startServer runs kiln against dbPath, or a fresh database when dbPath
// is empty.
func startServer(t *testing.T, dbPath string) *serverProc {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if dbPath == "" {
		dbPath = filepath.Join(t.TempDir(), "test.db")
	}
	markerPath := filepath.Join(t.TempDir(), "busy.lock")

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary(t, "kiln"))
	cmd.Env = append(os.Environ(),
		"KILN_LISTEN_ADDR="+addr,
		"KILN_DB_PATH="+dbPath,
		"KILN_MARKER_PATH="+markerPath,
		"KILN_LOG_LEVEL=info",
		"KILN_CONFIG=",
	)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{
		cmd:        cmd,
		stdout:     stdout,
		url:        "http://" + addr,
		dbPath:     dbPath,
		markerPath: markerPath,
	}

	t.Cleanup(sp.kill)

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

func (sp *serverProc) kill() {
	if sp.cmd.ProcessState != nil {
		return
	}
	sp.cmd.Process.Kill()
	sp.cmd.Wait()
}

func (sp *serverProc) post(t *testing.T, path, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(sp.url+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return resp.StatusCode, out
}

func (sp *serverProc) getRun(t *testing.T, id string) map[string]any {
	t.Helper()
	resp, err := http.Get(sp.url + "/v1/runs/" + id)
	if err != nil {
		t.Fatalf("GET run: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	return out
}

// probe runs kiln-busy against the server's marker and returns its exit status.
func (sp *serverProc) probe(t *testing.T) int {
	t.Helper()
	err := exec.Command(binary(t, "kiln-busy"), "-q", "-marker", sp.markerPath).Run()
	var ee *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ee):
		return ee.ExitCode()
	default:
		t.Fatalf("run kiln-busy: %v", err)
		return -1
	}
}

func TestBinaryServesSyncRun(t *testing.T) {
	sp := startServer(t, "")

	status, run := sp.post(t, "/v1/runs", `{"kind":"echo","args":{"prompt":"a kiln"}}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200: %v", status, run)
	}
	if run["status"] != "completed" {
		t.Errorf("run status = %v, want completed", run["status"])
	}
	out, _ := run["output"].(map[string]any)
	if out["prompt"] != "a kiln" {
		t.Errorf("output = %v", run["output"])
	}
}

func TestBinaryMetrics(t *testing.T) {
	sp := startServer(t, "")
	sp.post(t, "/v1/runs", `{"kind":"echo"}`)

	resp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, name := range []string{
		"kiln_http_requests_total",
		`kiln_mainthread_jobs_total{outcome="succeeded"} 1`,
		"kiln_mainthread_queue_depth",
		"kiln_busy_marker_holders",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestBusyProbeFollowsRuns(t *testing.T) {
	sp := startServer(t, "")

	if got := sp.probe(t); got != 0 {
		t.Fatalf("idle probe exit = %d, want 0", got)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := http.Post(sp.url+"/v1/runs", "application/json", strings.NewReader(`{"kind":"sleep","args":{"ms":1500}}`))
		if err == nil {
			resp.Body.Close()
		}
	}()

	deadline := time.Now().Add(time.Second)
	sawBusy := false
	for time.Now().Before(deadline) {
		if sp.probe(t) == 1 {
			sawBusy = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !sawBusy {
		t.Error("probe never reported busy during the run")
	}

	<-done
	if got := sp.probe(t); got != 0 {
		t.Errorf("probe exit after run = %d, want 0", got)
	}
}

func TestRestartFailsInterruptedRuns(t *testing.T) {
	sp := startServer(t, "")

	status, run := sp.post(t, "/v1/runs/async", `{"kind":"sleep","args":{"ms":60000}}`)
	if status != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", status)
	}
	id, _ := run["id"].(string)

	deadline := time.Now().Add(5 * time.Second)
	for sp.getRun(t, id)["status"] != "running" {
		if time.Now().After(deadline) {
			t.Fatal("run never started")
		}
		time.Sleep(20 * time.Millisecond)
	}
	sp.kill()

	restarted := startServer(t, sp.dbPath)
	got := restarted.getRun(t, id)
	if got["status"] != "failed" {
		t.Errorf("status after restart = %v, want failed", got["status"])
	}
	if got["error"] != "interrupted by restart" {
		t.Errorf("error = %v, want interrupted by restart", got["error"])
	}
}

func TestStructuredJSONLogs(t *testing.T) {
	sp := startServer(t, "")
	sp.post(t, "/v1/runs", `{"kind":"echo"}`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sp.stdout.String(), `"msg":"run completed"`) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	scanner := bufio.NewScanner(strings.NewReader(sp.stdout.String()))
	var foundRequest, foundRun bool
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		switch entry["msg"] {
		case "request":
			foundRequest = true
			for _, key := range []string{"method", "path", "status", "duration_ms"} {
				if _, ok := entry[key]; !ok {
					t.Errorf("request log missing field %q", key)
				}
			}
		case "run completed":
			foundRun = true
			for _, key := range []string{"run_id", "kind", "job_id", "duration_ms"} {
				if _, ok := entry[key]; !ok {
					t.Errorf("run log missing field %q", key)
				}
			}
		}
	}
	if !foundRequest || !foundRun {
		t.Errorf("request log found=%v, run log found=%v\noutput:\n%s", foundRequest, foundRun, sp.stdout.String())
	}
}
