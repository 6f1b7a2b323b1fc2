// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"strings"
	"testing"
	"time"
)

func startScript(t *testing.T, body string, drain bool) *Process {
	t.Helper()
	requireShell(t)
	script := writeScript(t, t.TempDir(), "child", body)
	proc, err := StartProcess(context.Background(), Env{}, ProcessSpec{Name: "child", Path: script, Drain: drain})
	if err != nil {
		t.Fatalf("start child: %v", err)
	}
	t.Cleanup(func() { _ = proc.Kill() })
	return proc
}

func TestTerminateEscalatesToKill(t *testing.T) {
	captureLogs(t)
	proc := startScript(t, "trap '' INT TERM\nwhile true; do sleep 0.1; done\n", false)
	time.Sleep(200 * time.Millisecond) // let the trap install

	start := time.Now()
	res := proc.Terminate([]time.Duration{200 * time.Millisecond, 200 * time.Millisecond, 2 * time.Second})
	elapsed := time.Since(start)

	if !res.Exited {
		t.Fatalf("expected process to exit, result %+v", res)
	}
	if got := strings.Join(res.Steps, ","); got != "interrupt,terminate,kill" {
		t.Fatalf("expected interrupt,terminate,kill, got %s", got)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("escalation took %s, beyond its budget", elapsed)
	}
	if proc.Alive() {
		t.Fatal("process still alive after kill")
	}
}

func TestForceKillIgnoresTraps(t *testing.T) {
	captureLogs(t)
	proc := startScript(t, "trap '' INT TERM\nwhile true; do sleep 0.1; done\n", false)
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	res := proc.ForceKill(2 * time.Second)
	if !res.Exited || proc.Alive() {
		t.Fatalf("expected process to be killed, got %+v", res)
	}
	if got := strings.Join(res.Steps, ","); got != "kill" {
		t.Fatalf("expected a single kill, got %s", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("force kill took %s", elapsed)
	}
	if again := proc.ForceKill(time.Second); !again.WasExited {
		t.Fatalf("expected no-op on exited process, got %+v", again)
	}
}

func TestTerminateStopsAtInterrupt(t *testing.T) {
	captureLogs(t)
	proc := startScript(t, "trap 'exit 0' INT\nwhile true; do sleep 0.1; done\n", false)
	time.Sleep(200 * time.Millisecond)

	res := proc.Terminate([]time.Duration{2 * time.Second, time.Second, time.Second})
	if !res.Exited {
		t.Fatalf("expected exit, got %+v", res)
	}
	if len(res.Steps) != 1 || res.Steps[0] != "interrupt" {
		t.Fatalf("expected only interrupt, got %v", res.Steps)
	}
}

func TestTerminateAlreadyExited(t *testing.T) {
	captureLogs(t)
	proc := startScript(t, "exit 0\n", false)
	if !proc.Wait(2 * time.Second) {
		t.Fatal("child did not exit")
	}
	res := proc.Terminate(nil)
	if !res.WasExited || !res.Exited || len(res.Steps) != 0 {
		t.Fatalf("expected no escalation for a dead process, got %+v", res)
	}
	if err := proc.Kill(); err != nil {
		t.Fatalf("kill on dead process: %v", err)
	}
}

func TestProcessExitCode(t *testing.T) {
	captureLogs(t)
	proc := startScript(t, "exit 3\n", false)
	if !proc.Wait(2 * time.Second) {
		t.Fatal("child did not exit")
	}
	if proc.ExitCode() != 3 {
		t.Fatalf("expected exit code 3, got %d", proc.ExitCode())
	}
	if proc.ExitErr() == nil {
		t.Fatal("expected exit error")
	}
}

func TestDrainLogsChildOutput(t *testing.T) {
	logs := captureLogs(t)
	proc := startScript(t, "echo hello\necho oops 1>&2\nprintf tail\n", true)
	if !proc.Wait(2 * time.Second) {
		t.Fatal("child did not exit")
	}
	ok := waitFor(t, 2*time.Second, func() bool {
		out := logs.String()
		return strings.Contains(out, `"msg":"child stdout"`) &&
			strings.Contains(out, `"line":"hello"`) &&
			strings.Contains(out, `"msg":"child stderr"`) &&
			strings.Contains(out, `"line":"oops"`) &&
			strings.Contains(out, `"line":"tail"`)
	})
	if !ok {
		t.Fatalf("expected drained output in logs, got:\n%s", logs.String())
	}
}
