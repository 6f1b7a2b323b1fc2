// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRecordsCommandPrintsLog(t *testing.T) {
	t.Setenv("ANDROID_SDK_ROOT", t.TempDir())
	path := filepath.Join(t.TempDir(), "records.jsonl")
	data := `{"device_id_str":"7312345678901234567","new_user":1,"install_id_str":"7398765432109876543"}` + "\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "records", "--records", path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "7312345678901234567") || !strings.Contains(out, "new_user=1") {
		t.Fatalf("unexpected output %q", out)
	}

	out, err = execute(t, "records", "--records", path, "--json")
	if err != nil {
		t.Fatal(err)
	}
	if out != data {
		t.Fatalf("expected the stored line back, got %q", out)
	}
}

func TestRecordsCommandEmptyLog(t *testing.T) {
	t.Setenv("ANDROID_SDK_ROOT", t.TempDir())
	out, err := execute(t, "records", "--records", filepath.Join(t.TempDir(), "none.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "(no records)" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "avdcapture.yaml")
	if err := os.WriteFile(cfgPath, []byte("emulator:\n  avd: FromFile\ninstall:\n  apk: file.apk\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd()
	if err := cmd.ParseFlags([]string{"--config", cfgPath, "--avd", "FromFlag", "--no-sweep", "--headless=false"}); err != nil {
		t.Fatal(err)
	}
	var f flags
	f.config = cfgPath
	f.avd = "FromFlag"
	f.noSweep = true
	f.headless = false

	cfg, err := loadConfig(cmd, f, []string{dir})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Emulator.AVD != "FromFlag" {
		t.Fatalf("flag should win over file, got %s", cfg.Emulator.AVD)
	}
	if filepath.Base(cfg.Install.APK) != "file.apk" || !filepath.IsAbs(cfg.Install.APK) {
		t.Fatalf("file value should be kept and resolved, got %s", cfg.Install.APK)
	}
	if cfg.SDKRoot != dir {
		t.Fatalf("positional SDK root ignored: %s", cfg.SDKRoot)
	}
	if cfg.Cleanup.Sweep || cfg.Intercept.Headless {
		t.Fatalf("boolean flags not applied: sweep=%v headless=%v", cfg.Cleanup.Sweep, cfg.Intercept.Headless)
	}
}

func TestInvalidConfigIsReported(t *testing.T) {
	t.Setenv("ANDROID_SDK_ROOT", t.TempDir())
	cfgPath := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(cfgPath, []byte("no_such_key: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "records", "--config", cfgPath); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestOnceFailurePrintsStackTrace(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "avdcapture.yaml")
	content := "cleanup:\n  stop_wait: 200ms\n  stop_interval: 50ms\n  kill_wait: 200ms\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, "once", filepath.Join(dir, "nosdk"),
		"--config", cfgPath, "--records", filepath.Join(dir, "records.jsonl"), "--no-sweep")
	if err == nil {
		t.Fatal("expected the run to fail without an SDK")
	}

	var stderr bytes.Buffer
	reportError(&stderr, err)
	out := stderr.String()
	if !strings.HasPrefix(out, "An error occurred: adb server could not start") {
		t.Fatalf("unexpected message %q", out)
	}
	if !strings.Contains(out, ".go:") {
		t.Fatalf("expected stack frames on stderr, got %q", out)
	}
}

func TestInterruptPrintsNoStack(t *testing.T) {
	var stderr bytes.Buffer
	reportError(&stderr, context.Canceled)
	if stderr.String() != "Interrupted by user.\n" {
		t.Fatalf("unexpected output %q", stderr.String())
	}
	stderr.Reset()
	reportError(&stderr, errors.New("plain"))
	if !strings.HasPrefix(stderr.String(), "An error occurred: plain\n") {
		t.Fatalf("unexpected output %q", stderr.String())
	}
}
