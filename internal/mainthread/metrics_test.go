package mainthread

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsRegistered(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	expected := []string{
		"kiln_mainthread_queue_depth",
		"kiln_mainthread_executing",
		"kiln_mainthread_jobs_total",
		"kiln_mainthread_job_seconds",
		"kiln_mainthread_wait_seconds",
	}

	found := make(map[string]bool)
	for _, fam := range families {
		found[fam.GetName()] = true
	}
	for _, name := range expected {
		if !found[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func counterValue(t *testing.T, outcome string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := jobsTotal.WithLabelValues(outcome).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestJobsTotalByOutcome(t *testing.T) {
	th := New(Options{PollInterval: time.Millisecond})
	defer th.Close()
	ctx := context.Background()

	succeeded := counterValue(t, outcomeSucceeded)
	failed := counterValue(t, outcomeFailed)
	panicked := counterValue(t, outcomePanicked)

	th.RunAndWait(ctx, BodyFunc(noop))
	th.RunAndWait(ctx, BodyFunc(func(context.Context) (any, error) { return nil, errors.New("no") }))
	th.RunAndWait(ctx, BodyFunc(func(context.Context) (any, error) { panic("no") }))

	if got := counterValue(t, outcomeSucceeded) - succeeded; got != 1 {
		t.Errorf("succeeded delta = %v, want 1", got)
	}
	if got := counterValue(t, outcomeFailed) - failed; got != 1 {
		t.Errorf("failed delta = %v, want 1", got)
	}
	if got := counterValue(t, outcomePanicked) - panicked; got != 1 {
		t.Errorf("panicked delta = %v, want 1", got)
	}
}
