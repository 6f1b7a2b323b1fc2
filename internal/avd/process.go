// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// DefaultTerminateTimeouts are the waits after interrupt, terminate and kill.
var DefaultTerminateTimeouts = []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}

// ProcessSpec describes a child process to spawn.
type ProcessSpec struct {
	Name  string // label used in log records
	Path  string
	Args  []string
	Env   []string // nil inherits the parent environment
	Dir   string
	Stdin io.Reader
	// Drain sends stdout and stderr lines to the logger; otherwise they are discarded.
	Drain bool
}

// Process is a spawned child owned by whoever started it.
type Process struct {
	env  Env
	name string
	cmd  *exec.Cmd

	done    chan struct{}
	waitErr error
}

// StartProcess spawns spec. Output is drained by daemon goroutines reading
// from os.Pipe pairs, so neither Wait nor shutdown blocks on them.
func StartProcess(ctx context.Context, env Env, spec ProcessSpec) (*Process, error) {
	_, span := startSpan(ctx, env, "avd.StartProcess",
		attribute.String("name", spec.Name),
		attribute.String("path", spec.Path),
	)
	defer span.End()

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdin = spec.Stdin
	configureProcAttr(cmd)

	var readers []*os.File
	var writers []*os.File
	closeAll := func() {
		for _, f := range append(readers, writers...) {
			_ = f.Close()
		}
	}
	if spec.Drain {
		for range 2 {
			r, w, err := os.Pipe()
			if err != nil {
				closeAll()
				recordSpanError(span, err)
				return nil, fmt.Errorf("%s output pipe: %w", spec.Name, err)
			}
			readers = append(readers, r)
			writers = append(writers, w)
		}
		cmd.Stdout = writers[0]
		cmd.Stderr = writers[1]
	}

	if err := cmd.Start(); err != nil {
		closeAll()
		recordSpanError(span, err)
		logEvent(env, "process start failed", "name", spec.Name, "path", spec.Path, "error", err)
		return nil, fmt.Errorf("%s start: %w", spec.Name, err)
	}
	for _, w := range writers {
		_ = w.Close()
	}

	p := &Process{env: env, name: spec.Name, cmd: cmd, done: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	if spec.Drain {
		go drain(readers[0], newLineLogWriterWithMessage(env, spec.Name+" stdout", "pid", p.PID()))
		go drain(readers[1], newLineLogWriterWithMessage(env, spec.Name+" stderr", "pid", p.PID()))
	}

	span.SetAttributes(attribute.Int("pid", p.PID()))
	logEvent(env, "process started", "name", spec.Name, "pid", p.PID(), "args", strings.Join(spec.Args, " "))
	return p, nil
}

func drain(r *os.File, w *lineLogWriter) {
	_, _ = io.Copy(w, r)
	w.Flush()
	_ = r.Close()
}

func (p *Process) Name() string { return p.name }

func (p *Process) PID() int {
	if p == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Alive is a non-blocking poll.
func (p *Process) Alive() bool {
	if p == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the process exits or timeout elapses and reports whether it exited.
func (p *Process) Wait(timeout time.Duration) bool {
	if p == nil {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr is the result of exec.Cmd.Wait; only meaningful once Done is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

// ExitCode returns -1 while the process is still running.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		if p.cmd.ProcessState == nil {
			return -1
		}
		return p.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

// Kill sends SIGKILL; killing an exited process is not an error.
func (p *Process) Kill() error {
	if !p.Alive() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// ForceKill skips the polite signals: kill, wait, then the OS-level tree
// kill if the process is somehow still there.
func (p *Process) ForceKill(wait time.Duration) TerminateResult {
	var res TerminateResult
	if !p.Alive() {
		res.Exited = true
		res.WasExited = true
		return res
	}
	logEvent(p.env, "process force kill", "name", p.name, "pid", p.PID(), "wait", wait.String())
	res.Steps = append(res.Steps, "kill")
	if err := p.Kill(); err != nil {
		logWarn(p.env, "process signal failed", "name", p.name, "pid", p.PID(), "step", "kill", "error", err)
	}
	if p.Wait(wait) {
		res.Exited = true
		return res
	}
	res.Steps = append(res.Steps, "force")
	if err := forceKillTree(p.PID()); err != nil {
		res.ForceErr = err
		logWarn(p.env, "system-level termination failed", "name", p.name, "pid", p.PID(), "error", err)
	}
	res.Exited = p.Wait(time.Second)
	return res
}

// TerminateResult describes how far the escalation had to go.
type TerminateResult struct {
	Steps     []string // escalation steps actually performed
	Exited    bool
	ForceErr  error // failure of the OS-level fallback, reported not raised
	WasExited bool  // process had already exited before Terminate ran
}

// Terminate escalates interrupt → terminate → kill → OS-level tree kill,
// waiting timeouts[i] after each signal. Steps are skipped once the process
// has exited.
func (p *Process) Terminate(timeouts []time.Duration) TerminateResult {
	var res TerminateResult
	if !p.Alive() {
		res.Exited = true
		res.WasExited = true
		return res
	}
	waits := make([]time.Duration, len(DefaultTerminateTimeouts))
	copy(waits, DefaultTerminateTimeouts)
	copy(waits, timeouts)

	steps := []struct {
		name string
		send func() error
	}{
		{"interrupt", func() error { return p.cmd.Process.Signal(os.Interrupt) }},
		{"terminate", func() error { return p.cmd.Process.Signal(terminateSignal) }},
		{"kill", func() error { return p.cmd.Process.Kill() }},
	}
	for i, step := range steps {
		if !p.Alive() {
			break
		}
		logEvent(p.env, "process terminate escalation", "name", p.name, "pid", p.PID(), "step", step.name, "wait", waits[i].String())
		res.Steps = append(res.Steps, step.name)
		if err := step.send(); err != nil {
			if errors.Is(err, os.ErrProcessDone) {
				res.Exited = p.Wait(time.Second)
				return res
			}
			logWarn(p.env, "process signal failed", "name", p.name, "pid", p.PID(), "step", step.name, "error", err)
			continue
		}
		if p.Wait(waits[i]) {
			logEvent(p.env, "process terminated", "name", p.name, "pid", p.PID(), "step", step.name)
			res.Exited = true
			return res
		}
	}
	if !p.Alive() {
		res.Exited = true
		return res
	}

	logWarn(p.env, "process seems stuck, trying system-level termination", "name", p.name, "pid", p.PID())
	res.Steps = append(res.Steps, "force")
	if err := forceKillTree(p.PID()); err != nil {
		res.ForceErr = err
		logWarn(p.env, "system-level termination failed", "name", p.name, "pid", p.PID(), "error", err)
	}
	res.Exited = p.Wait(time.Second)
	return res
}
