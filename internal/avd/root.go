// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/forkbombeu/avdcapture/internal/fault"
)

type RootOptions struct {
	Script  string        // rootAVD.sh
	Args    []string      // ramdisk image, relative to the SDK root
	Input   string        // answer fed to the script's menu (default "1\n")
	Timeout time.Duration // default 30s
}

// RootingStep patches the booted image once. There is no partial-root
// fallback: any failure aborts the run.
type RootingStep struct {
	env  Env
	opts RootOptions
}

func NewRootingStep(env Env, opts RootOptions) *RootingStep {
	if opts.Input == "" {
		opts.Input = "1\n"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &RootingStep{env: env, opts: opts}
}

func (r *RootingStep) Run(ctx context.Context) error {
	ctx, span := startSpan(ctx, r.env, "avd.Root",
		attribute.String("script", r.opts.Script),
		attribute.String("timeout", r.opts.Timeout.String()),
	)
	defer span.End()

	logEvent(r.env, "running rooting script", "script", r.opts.Script, "args", strings.Join(r.opts.Args, " "))
	proc, err := StartProcess(ctx, r.env, ProcessSpec{
		Name:  "rootavd",
		Path:  r.opts.Script,
		Args:  r.opts.Args,
		Env:   append(os.Environ(), "ANDROID_HOME="+r.env.SDKRoot, "ANDROID_SDK_ROOT="+r.env.SDKRoot),
		Dir:   r.env.SDKRoot,
		Stdin: strings.NewReader(r.opts.Input),
		Drain: true,
	})
	if err != nil {
		err = fault.Precondition(err, "rootAVD script could not start")
		recordSpanError(span, err)
		return err
	}

	timer := time.NewTimer(r.opts.Timeout)
	defer timer.Stop()
	select {
	case <-proc.Done():
	case <-timer.C:
		r.forceKill(proc)
		err := fault.Timeout("rootAVD script timed out")
		recordSpanError(span, err)
		return err
	case <-ctx.Done():
		r.forceKill(proc)
		err := fault.Interrupted(ctx.Err())
		recordSpanError(span, err)
		return err
	}

	if exitErr := proc.ExitErr(); exitErr != nil {
		err := fault.Precondition(exitErr, "rootAVD script failed")
		recordSpanError(span, err)
		return err
	}
	logEvent(r.env, "rooting script finished", "pid", proc.PID())
	return nil
}

func (r *RootingStep) forceKill(proc *Process) {
	if err := forceKillTree(proc.PID()); err != nil {
		logWarn(r.env, "rooting script tree kill failed", "pid", proc.PID(), "error", err)
	}
	_ = proc.Kill()
	proc.Wait(2 * time.Second)
}
