// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

//go:build !windows

package avd

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
)

var terminateSignal = syscall.SIGTERM

func configureProcAttr(cmd *exec.Cmd) {
	// Own process group so the tree can be killed in one go.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func forceKillTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	var errs []error
	out, err := exec.Command("pkill", "-KILL", "-P", strconv.Itoa(pid)).CombinedOutput()
	if err != nil {
		// pkill exits 1 when nothing matched.
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
			errs = append(errs, fmt.Errorf("pkill -P %d: %w (%s)", pid, err, out))
		}
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		errs = append(errs, fmt.Errorf("kill group %d: %w", pid, err))
	}
	return errors.Join(errs...)
}
