// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
)

func quietEnv(dir string) Environment {
	return Environment{
		SDKRoot:       dir,
		CorrelationID: "test-run",
		Logger:        slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)),
	}
}

func TestLoadConfigRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("install:\n  interval: 0s\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ANDROID_SDK_ROOT", t.TempDir())
	_, err := LoadConfig(path)
	if !errdefs.IsInvalidArgument(err) || !strings.Contains(err.Error(), "install.interval") {
		t.Fatalf("expected invalid interval, got %v", err)
	}
}

func TestLoadConfigResolvesRecords(t *testing.T) {
	t.Setenv("ANDROID_SDK_ROOT", t.TempDir())
	t.Setenv("AVDCAPTURE_RECORDS", "out.jsonl")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(cfg.Records) || filepath.Base(cfg.Records) != "out.jsonl" {
		t.Fatalf("records not resolved: %s", cfg.Records)
	}
}

func TestRecordsReadsPersistedLog(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Records = filepath.Join(dir, "records.jsonl")
	data := `{"device_id_str":"1","new_user":1,"install_id_str":"2"}` + "\n" +
		`{"device_id_str":"3","new_user":0,"install_id_str":"4"}` + "\n"
	if err := os.WriteFile(cfg.Records, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	recs, err := NewWithEnv(cfg, quietEnv(dir)).Records()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[1].DeviceIDStr != "3" || recs[1].NewUser != 0 {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestLoopStopsOnCancelledContext(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewWithEnv(DefaultConfig(), quietEnv(dir)).Loop(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestServeMetricsExposesRegistry(t *testing.T) {
	mgr := NewWithEnv(DefaultConfig(), quietEnv(t.TempDir()))
	addr, shutdown, err := mgr.ServeMetrics("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer shutdown(context.Background())

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "avdcapture_records_total") {
		t.Fatalf("metrics missing from exposition:\n%s", body)
	}
}
