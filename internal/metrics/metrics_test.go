// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package metrics

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.RunFinished("success")
	m.RunFinished("timeout")
	m.RunFinished("timeout")
	m.RecordAppended()
	m.CleanupFailed("sweep")
	m.ObservePhase("boot", 42*time.Second)

	if got := testutil.ToFloat64(m.runs.WithLabelValues("timeout")); got != 2 {
		t.Fatalf("expected 2 timeout runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.records); got != 1 {
		t.Fatalf("expected 1 record, got %v", got)
	}
	if got := testutil.ToFloat64(m.cleanupFailures.WithLabelValues("sweep")); got != 1 {
		t.Fatalf("expected 1 sweep failure, got %v", got)
	}
	if n := testutil.CollectAndCount(m.phaseDuration); n != 1 {
		t.Fatalf("expected 1 phase series, got %d", n)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RunFinished("success")
	m.RecordAppended()
	m.CleanupFailed("x")
	m.ObservePhase("boot", time.Second)
}

func TestServerExposesMetricsAndHealth(t *testing.T) {
	m := New()
	m.RunFinished("success")
	srv := NewServer("127.0.0.1:0", m, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown(context.Background())

	get := func(path string) string {
		resp, err := http.Get("http://" + srv.Addr() + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}
	if body := get("/healthz"); strings.TrimSpace(body) != "ok" {
		t.Fatalf("unexpected health body %q", body)
	}
	if body := get("/metrics"); !strings.Contains(body, `avdcapture_runs_total{outcome="success"} 1`) {
		t.Fatalf("runs counter missing from exposition:\n%s", body)
	}
}
