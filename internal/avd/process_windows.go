// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

//go:build windows

package avd

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// Windows has no SIGTERM delivery; the step fails and escalation moves on.
var terminateSignal = os.Kill

func configureProcAttr(cmd *exec.Cmd) {}

func forceKillTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	out, err := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("taskkill %d: %w (%s)", pid, err, out)
	}
	return nil
}
