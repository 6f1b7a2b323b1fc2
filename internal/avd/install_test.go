// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"

	"github.com/forkbombeu/avdcapture/internal/fault"
)

func TestInstallRetriesUntilAccepted(t *testing.T) {
	logs := captureLogs(t)
	counter := filepath.Join(t.TempDir(), "n")
	env, dir := newStubEnv(t, `n=$(cat '`+counter+`' 2>/dev/null || echo 0)
n=$((n+1))
echo $n > '`+counter+`'
[ $n -ge 3 ] || { echo "device offline" 1>&2; exit 1; }
echo Success
`)
	installer := NewAppInstaller(env, NewADB(env), InstallOptions{Interval: 10 * time.Millisecond})
	if err := installer.Install(context.Background(), "/tmp/app.apk"); err != nil {
		t.Fatalf("install: %v", err)
	}
	if n := countCalls(readCalls(t, dir), "install"); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
	if !strings.Contains(logs.String(), "install attempt failed") {
		t.Fatal("expected failed attempts to be logged")
	}
}

func TestInstallExhausted(t *testing.T) {
	captureLogs(t)
	env, dir := newStubEnv(t, "exit 1\n")
	installer := NewAppInstaller(env, NewADB(env), InstallOptions{Interval: 10 * time.Millisecond, MaxAttempts: 3})

	err := installer.Install(context.Background(), "/tmp/app.apk")
	if err == nil {
		t.Fatal("expected exhaustion")
	}
	if fault.KindOf(err) != fault.KindExhausted || !errdefs.IsResourceExhausted(err) {
		t.Fatalf("expected exhausted kind, got %v", err)
	}
	if n := countCalls(readCalls(t, dir), "install"); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestInstallUnboundedStopsOnCancel(t *testing.T) {
	captureLogs(t)
	env, _ := newStubEnv(t, "exit 1\n")
	installer := NewAppInstaller(env, NewADB(env), InstallOptions{Interval: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := installer.Install(ctx, "/tmp/app.apk")
	if fault.KindOf(err) != fault.KindInterrupted {
		t.Fatalf("expected interrupted, got %v", err)
	}
}
