// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

const defaultCommandTimeout = 10 * time.Second

// ADB runs device tool subcommands against the single attached emulator.
type ADB struct {
	env Env
}

func NewADB(env Env) *ADB { return &ADB{env: env} }

// Device is one row of `adb devices`.
type Device struct {
	Serial string `json:"serial"`
	State  string `json:"state"`
}

// run executes adb with a bounded timeout; stderr lines are logged.
func (a *ADB) run(ctx context.Context, timeout time.Duration, stdin io.Reader, args ...string) (string, error) {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.env.ADB, args...)
	var out bytes.Buffer
	stderr := newCommandLogWriter(a.env, "adb", args)
	cmd.Stdout = &out
	cmd.Stderr = stderr
	cmd.Stdin = stdin
	// adb start-server forks a daemon that may keep our pipes open.
	cmd.WaitDelay = 2 * time.Second
	err := cmd.Run()
	stderr.Flush()
	if err != nil {
		if ctx.Err() != nil {
			return out.String(), fmt.Errorf("adb %s: %w", strings.Join(args, " "), ctx.Err())
		}
		return out.String(), fmt.Errorf("adb %s failed: %w", strings.Join(args, " "), err)
	}
	return out.String(), nil
}

// StartServer starts adb server (idempotent).
func (a *ADB) StartServer(ctx context.Context) error {
	_, err := a.run(ctx, 0, nil, "start-server")
	return err
}

func (a *ADB) KillServer(ctx context.Context) error {
	_, err := a.run(ctx, 0, nil, "kill-server")
	return err
}

func (a *ADB) Devices(ctx context.Context) ([]Device, error) {
	out, err := a.run(ctx, 0, nil, "devices")
	if err != nil {
		return nil, err
	}
	return parseDevices(out), nil
}

func parseDevices(out string) []Device {
	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) < 2 || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(f[0], "*") {
			continue
		}
		devices = append(devices, Device{Serial: f[0], State: f[1]})
	}
	return devices
}

// EmulatorListed reports whether any emulator serial is still enumerated.
func (a *ADB) EmulatorListed(ctx context.Context) (bool, error) {
	devices, err := a.Devices(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range devices {
		if strings.HasPrefix(d.Serial, "emulator") {
			return true, nil
		}
	}
	return false, nil
}

func (a *ADB) EmuKill(ctx context.Context) error {
	_, err := a.run(ctx, 0, nil, "emu", "kill")
	return err
}

// Echo is the readiness check: the shell answers only once the device is up.
func (a *ADB) Echo(ctx context.Context, timeout time.Duration) error {
	_, err := a.run(ctx, timeout, nil, "shell", "echo", "Device is ready")
	return err
}

func (a *ADB) Tap(ctx context.Context, x, y int) error {
	_, err := a.run(ctx, 0, nil, "shell", "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

// LaunchApp fires one monkey event at pkg, which starts its launcher activity.
func (a *ADB) LaunchApp(ctx context.Context, pkg string) error {
	ctx, span := startSpan(ctx, a.env, "avd.LaunchApp", attribute.String("package", pkg))
	defer span.End()
	_, err := a.run(ctx, 0, nil, "shell", "monkey", "-p", pkg, "1")
	recordSpanError(span, err)
	return err
}

func (a *ADB) Install(ctx context.Context, apk string, timeout time.Duration) error {
	_, err := a.run(ctx, timeout, nil, "install", apk)
	return err
}
