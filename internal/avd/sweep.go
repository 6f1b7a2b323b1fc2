// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// SweepResult lists what the stray-emulator sweep found and killed.
type SweepResult struct {
	PIDs   []int  `json:"pids,omitempty"`
	Method string `json:"method"`
}

// SweepStrayEmulators force-kills every emulator process on the host, not
// only the ones this run spawned. Finding nothing is not an error.
func SweepStrayEmulators(ctx context.Context, env Env) (SweepResult, error) {
	_, span := startSpan(ctx, env, "avd.SweepStrayEmulators")
	defer span.End()

	var res SweepResult
	var err error
	switch {
	case runtime.GOOS == "windows":
		res.Method = "taskkill"
		err = ignoreNoMatch(exec.Command("taskkill", "/F", "/IM", "emulator.exe").CombinedOutput())
	case procAvailable():
		res.Method = "proc"
		res.PIDs = findEmulatorPIDs()
		var errs []error
		for _, pid := range res.PIDs {
			if proc, ferr := os.FindProcess(pid); ferr == nil {
				if kerr := proc.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
					errs = append(errs, fmt.Errorf("kill %d: %w", pid, kerr))
				}
			}
		}
		err = errors.Join(errs...)
	default:
		res.Method = "pkill"
		err = ignoreNoMatch(exec.Command("pkill", "-9", "emulator").CombinedOutput())
	}

	span.SetAttributes(attribute.String("method", res.Method), attribute.Int("killed", len(res.PIDs)))
	recordSpanError(span, err)
	logEvent(env, "stray emulator sweep", "method", res.Method, "pids", res.PIDs, "error", errString(err))
	return res, err
}

func ignoreNoMatch(out []byte, err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	// pkill: 1 = nothing matched; taskkill: 128 = image not found.
	if errors.As(err, &exitErr) && (exitErr.ExitCode() == 1 || exitErr.ExitCode() == 128) {
		return nil
	}
	return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
}

func procAvailable() bool {
	_, err := os.Stat("/proc/self/cmdline")
	return err == nil
}

// findEmulatorPIDs scans /proc for emulator or qemu-system processes. The
// second argv slot is checked too so script wrappers are caught.
func findEmulatorPIDs() []int {
	self := os.Getpid()
	entries, _ := filepath.Glob("/proc/[0-9]*/cmdline")
	var pids []int
	for _, p := range entries {
		base := filepath.Base(filepath.Dir(p))
		pid, err := strconv.Atoi(base)
		if err != nil || pid == self {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil || len(b) == 0 {
			continue
		}
		if isEmulatorCmdline(b) {
			pids = append(pids, pid)
		}
	}
	return pids
}

func isEmulatorCmdline(cmdline []byte) bool {
	// cmdline is null-separated: [emulator, -no-snapshot, @avd, ...]
	parts := bytes.Split(cmdline, []byte{0})
	for i := 0; i < len(parts) && i < 2; i++ {
		name := filepath.Base(string(parts[i]))
		if name == "emulator" || strings.HasPrefix(name, "qemu-system") {
			return true
		}
	}
	return false
}
