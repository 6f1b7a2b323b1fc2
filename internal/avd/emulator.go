// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"go.opentelemetry.io/otel/attribute"

	"github.com/forkbombeu/avdcapture/internal/fault"
)

type Phase string

const (
	PhaseStopped    Phase = "stopped"
	PhaseBooting    Phase = "booting"
	PhaseReady      Phase = "ready"
	PhaseRooting    Phase = "rooting"
	PhaseRestarting Phase = "restarting"
)

var transitions = map[Phase][]Phase{
	PhaseStopped:    {PhaseBooting},
	PhaseBooting:    {PhaseReady, PhaseStopped},
	PhaseReady:      {PhaseRooting, PhaseStopped, PhaseRestarting},
	PhaseRooting:    {PhaseRestarting, PhaseStopped},
	PhaseRestarting: {PhaseBooting, PhaseStopped},
}

// EmulatorOptions selects the AVD and the headless flags it boots with.
type EmulatorOptions struct {
	AVD              string        // AVD name without the leading @
	GPU              string        // -gpu mode (default swiftshader_indirect)
	ExtraArgs        []string      // appended after the standard flags
	ReadyCallTimeout time.Duration // per-probe adb timeout (default 5s)
}

// EmulatorController owns the one emulator instance of a run.
type EmulatorController struct {
	env  Env
	adb  *ADB
	opts EmulatorOptions

	mu      sync.Mutex
	phase   Phase
	boots   int
	current *Process
	spawned []*Process
}

func NewEmulatorController(env Env, adb *ADB, opts EmulatorOptions) *EmulatorController {
	if opts.GPU == "" {
		opts.GPU = "swiftshader_indirect"
	}
	if opts.ReadyCallTimeout <= 0 {
		opts.ReadyCallTimeout = 5 * time.Second
	}
	return &EmulatorController{env: env, adb: adb, opts: opts, phase: PhaseStopped}
}

func (c *EmulatorController) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *EmulatorController) transition(to Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, allowed := range transitions[c.phase] {
		if allowed == to {
			logEvent(c.env, "emulator phase", "from", string(c.phase), "to", string(to))
			c.phase = to
			return nil
		}
	}
	return fmt.Errorf("emulator cannot go from %s to %s", c.phase, to)
}

// Processes returns every emulator handle spawned so far, oldest first.
func (c *EmulatorController) Processes() []*Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Process(nil), c.spawned...)
}

func (c *EmulatorController) args(wipe bool) []string {
	args := []string{"-no-snapshot"}
	if wipe {
		args = append(args, "-wipe-data")
	}
	args = append(args,
		"@"+c.opts.AVD,
		"-no-window",
		"-no-boot-anim",
		"-no-audio",
		"-gpu", c.opts.GPU,
		"-no-skin",
	)
	return append(args, c.opts.ExtraArgs...)
}

func (c *EmulatorController) environ() []string {
	return append(os.Environ(),
		"ANDROID_EMULATOR_WAIT_TIME_BEFORE_KILL=0",
		"ANDROID_AVD_HOME="+c.env.AVDHome,
		"ANDROID_SDK_ROOT="+c.env.SDKRoot,
		"ANDROID_EMU_HEADLESS=1",
	)
}

// Start spawns the emulator headless. wipe adds -wipe-data and belongs to the
// first boot only.
func (c *EmulatorController) Start(ctx context.Context, wipe bool) error {
	ctx, span := startSpan(ctx, c.env, "avd.EmulatorStart",
		attribute.String("avd", c.opts.AVD),
		attribute.Bool("wipe", wipe),
	)
	defer span.End()

	if err := c.transition(PhaseBooting); err != nil {
		recordSpanError(span, err)
		return err
	}
	logEvent(c.env, "emulator start requested", "avd", c.opts.AVD, "wipe", wipe)
	proc, err := StartProcess(ctx, c.env, ProcessSpec{
		Name:  "emulator",
		Path:  c.env.Emulator,
		Args:  c.args(wipe),
		Env:   c.environ(),
		Drain: true,
	})
	if err != nil {
		_ = c.transition(PhaseStopped)
		recordSpanError(span, err)
		return fault.Precondition(err, "emulator start")
	}

	c.mu.Lock()
	c.boots++
	c.current = proc
	c.spawned = append(c.spawned, proc)
	c.mu.Unlock()
	span.SetAttributes(attribute.Int("pid", proc.PID()))
	return nil
}

// AwaitReady blocks until adb can reach the device shell. Failure is fatal
// for the run; there is no retry here.
func (c *EmulatorController) AwaitReady(ctx context.Context, timeout time.Duration) error {
	ctx, span := startSpan(ctx, c.env, "avd.EmulatorAwaitReady", attribute.String("timeout", timeout.String()))
	defer span.End()

	c.mu.Lock()
	restart := c.boots > 1
	c.mu.Unlock()

	start := time.Now()
	logEvent(c.env, "waiting for emulator", "restart", restart, "timeout", timeout.String())
	if !WaitReady(ctx, DeviceReady(c.adb, c.opts.ReadyCallTimeout), timeout) {
		if ctx.Err() != nil {
			err := fault.Interrupted(ctx.Err())
			recordSpanError(span, err)
			return err
		}
		var err error
		if restart {
			err = fault.Timeout("Emulator failed to restart within timeout")
		} else {
			err = fault.Timeout("Emulator failed to start within timeout")
		}
		recordSpanError(span, err)
		logWarn(c.env, "emulator not ready", "restart", restart, "timeout", timeout.String())
		return err
	}
	if err := c.transition(PhaseReady); err != nil {
		recordSpanError(span, err)
		return err
	}
	elapsed := time.Since(start)
	span.SetAttributes(attribute.String("elapsed", elapsed.String()))
	logEvent(c.env, "emulator is ready", "restart", restart, "elapsed", units.HumanDuration(elapsed))
	return nil
}

// BeginRooting marks the instance as being rooted.
func (c *EmulatorController) BeginRooting() error {
	return c.transition(PhaseRooting)
}

// StopAndConfirm asks the emulator to exit and polls the device list until
// no emulator is enumerated. After the first failed check the adb server is
// restarted to force re-enumeration. It returns false when shutdown could not
// be confirmed within maxWait; that is logged and deliberately not fatal.
// A rooted instance moves to Restarting, anything else to Stopped.
func (c *EmulatorController) StopAndConfirm(ctx context.Context, maxWait, interval time.Duration) bool {
	ctx, span := startSpan(ctx, c.env, "avd.EmulatorStopAndConfirm", attribute.String("max_wait", maxWait.String()))
	defer span.End()

	if err := c.adb.EmuKill(ctx); err != nil {
		logEvent(c.env, "emu kill failed", "error", err)
	}

	checks := 0
	confirmed := Poll(ctx, interval, maxWait, func(ctx context.Context) bool {
		checks++
		listed, err := c.adb.EmulatorListed(ctx)
		if err == nil && !listed {
			return true
		}
		logEvent(c.env, "emulator still running", "check", checks, "error", errString(err))
		if checks == 1 {
			_ = c.adb.KillServer(ctx)
			_ = c.adb.StartServer(ctx)
		}
		return false
	})

	next := PhaseStopped
	if c.Phase() == PhaseRooting {
		next = PhaseRestarting
	}
	c.mu.Lock()
	logEvent(c.env, "emulator phase", "from", string(c.phase), "to", string(next))
	c.phase = next
	c.current = nil
	c.mu.Unlock()

	span.SetAttributes(attribute.Bool("confirmed", confirmed), attribute.Int("checks", checks))
	if !confirmed {
		logWarn(c.env, "could not verify emulator shutdown", "max_wait", maxWait.String(), "checks", checks)
		return false
	}
	logEvent(c.env, "emulator successfully stopped", "checks", checks)
	return true
}

// Restart boots again without wiping data.
func (c *EmulatorController) Restart(ctx context.Context, readyTimeout time.Duration) error {
	if err := c.Start(ctx, false); err != nil {
		return err
	}
	return c.AwaitReady(ctx, readyTimeout)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
