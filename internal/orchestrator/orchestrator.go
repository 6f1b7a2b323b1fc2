// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package orchestrator sequences one capture run: boot, root, restart,
// install, intercept, persist; and always tears everything down.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	units "github.com/docker/go-units"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkbombeu/avdcapture/internal/avd"
	"github.com/forkbombeu/avdcapture/internal/config"
	"github.com/forkbombeu/avdcapture/internal/fault"
	"github.com/forkbombeu/avdcapture/internal/intercept"
	"github.com/forkbombeu/avdcapture/internal/metrics"
	"github.com/forkbombeu/avdcapture/internal/record"
)

var tracer = otel.Tracer("avdcapture/orchestrator")

// BrowserFactory opens the browser session used by the interception step.
type BrowserFactory func(ctx context.Context, logger *slog.Logger) (intercept.Browser, error)

// Result describes one finished run.
type Result struct {
	CorrelationID string                      `json:"correlation_id"`
	Record        *record.DeviceRegisterEvent `json:"record,omitempty"`
	Cleanup       CleanupReport               `json:"cleanup"`
}

type Orchestrator struct {
	cfg        config.Config
	env        avd.Env
	logger     *slog.Logger
	records    *record.Log
	metrics    *metrics.Metrics
	newBrowser BrowserFactory
	out        io.Writer
}

type Option func(*Orchestrator)

func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithBrowserFactory(f BrowserFactory) Option { return func(o *Orchestrator) { o.newBrowser = f } }

// WithOutput sets where the extraction summary is printed (default stdout).
func WithOutput(w io.Writer) Option { return func(o *Orchestrator) { o.out = w } }

// WithEnv overrides the tool locations derived from the configuration.
func WithEnv(env avd.Env) Option { return func(o *Orchestrator) { o.env = env } }

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func New(cfg config.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg,
		env:    cfg.Env(),
		logger: avd.Logger(),
		out:    os.Stdout,
	}
	o.newBrowser = o.launchRod
	for _, opt := range opts {
		opt(o)
	}
	o.records = record.Open(cfg.Records, o.logger)
	return o
}

func (o *Orchestrator) launchRod(ctx context.Context, logger *slog.Logger) (intercept.Browser, error) {
	return intercept.LaunchRod(ctx, intercept.RodOptions{
		Headless: o.cfg.Intercept.Headless,
		Bin:      o.cfg.Intercept.BrowserBin,
	}, logger)
}

// run is the per-run state that cleanup has to unwind.
type run struct {
	o       *Orchestrator
	id      string
	env     avd.Env
	logger  *slog.Logger
	adb     *avd.ADB
	emu     *avd.EmulatorController
	proxy   *avd.Process
	browser intercept.Browser
}

func (o *Orchestrator) newRun(ctx context.Context) *run {
	id := uuid.NewString()
	env := o.env
	if env.CorrelationID == "" {
		env.CorrelationID = id
	} else {
		id = env.CorrelationID
	}
	env.Context = ctx
	adb := avd.NewADB(env)
	return &run{
		o:      o,
		id:     id,
		env:    env,
		logger: o.logger.With("correlation_id", id),
		adb:    adb,
		emu: avd.NewEmulatorController(env, adb, avd.EmulatorOptions{
			AVD:              o.cfg.Emulator.AVD,
			GPU:              o.cfg.Emulator.GPU,
			ReadyCallTimeout: o.cfg.Emulator.ReadyCallTimeout,
		}),
	}
}

// Run performs one capture. Cleanup always runs, on a context detached from
// ctx so an interrupt still tears everything down. A cleanup failure never
// replaces the run error.
func (o *Orchestrator) Run(ctx context.Context) (res Result, err error) {
	r := o.newRun(ctx)
	ctx, span := tracer.Start(ctx, "orchestrator.Run", trace.WithAttributes(
		attribute.String("correlation_id", r.id),
		attribute.String("avd", o.cfg.Emulator.AVD),
	))
	r.env.Context = ctx
	res.CorrelationID = r.id
	start := time.Now()
	r.logger.Info("capture run starting", "avd", o.cfg.Emulator.AVD, "sdk_root", r.env.SDKRoot)

	defer func() {
		res.Cleanup = r.cleanup(ctx)
		outcome := fault.Label(err)
		o.metrics.RunFinished(outcome)
		span.SetAttributes(attribute.String("outcome", outcome))
		if err != nil {
			span.RecordError(err)
			r.logger.Error("capture run failed", "kind", outcome, "elapsed", units.HumanDuration(time.Since(start)), "error", fmt.Sprintf("%+v", err))
		} else {
			r.logger.Info("capture run finished", "elapsed", units.HumanDuration(time.Since(start)))
		}
		span.End()
	}()

	ev, err := r.execute(ctx)
	if err != nil {
		return res, err
	}
	res.Record = &ev
	return res, nil
}

func (r *run) phase(name string, fn func() error) error {
	start := time.Now()
	r.logger.Info("phase starting", "phase", name)
	err := fn()
	elapsed := time.Since(start)
	r.o.metrics.ObservePhase(name, elapsed)
	if err != nil {
		r.logger.Warn("phase failed", "phase", name, "elapsed", units.HumanDuration(elapsed), "error", err)
		return err
	}
	r.logger.Info("phase finished", "phase", name, "elapsed", units.HumanDuration(elapsed))
	return nil
}

func (r *run) execute(ctx context.Context) (record.DeviceRegisterEvent, error) {
	cfg := r.o.cfg

	if err := r.phase("boot", func() error {
		if err := r.adb.StartServer(ctx); err != nil {
			if ctx.Err() != nil {
				return fault.Interrupted(ctx.Err())
			}
			return fault.Precondition(err, "adb server could not start")
		}
		if err := r.emu.Start(ctx, true); err != nil {
			return err
		}
		return r.emu.AwaitReady(ctx, cfg.Emulator.BootTimeout)
	}); err != nil {
		return record.DeviceRegisterEvent{}, err
	}

	if err := r.phase("root", func() error {
		if err := r.emu.BeginRooting(); err != nil {
			return err
		}
		return avd.NewRootingStep(r.env, avd.RootOptions{
			Script:  cfg.Root.Script,
			Args:    []string{cfg.Root.Ramdisk},
			Input:   cfg.Root.Input,
			Timeout: cfg.Root.Timeout,
		}).Run(ctx)
	}); err != nil {
		return record.DeviceRegisterEvent{}, err
	}

	if err := r.phase("restart", func() error {
		r.emu.StopAndConfirm(ctx, cfg.Emulator.StopWait, cfg.Emulator.StopInterval)
		if ctx.Err() != nil {
			return fault.Interrupted(ctx.Err())
		}
		return r.emu.Restart(ctx, cfg.Emulator.BootTimeout)
	}); err != nil {
		return record.DeviceRegisterEvent{}, err
	}

	if err := r.phase("install", func() error {
		return avd.NewAppInstaller(r.env, r.adb, avd.InstallOptions{
			Interval:    cfg.Install.Interval,
			MaxAttempts: cfg.Install.MaxAttempts,
			CallTimeout: cfg.Install.CallTimeout,
		}).Install(ctx, cfg.Install.APK)
	}); err != nil {
		return record.DeviceRegisterEvent{}, err
	}

	var ev record.DeviceRegisterEvent
	if err := r.phase("intercept", func() error {
		if err := r.startProxy(ctx); err != nil {
			return err
		}
		browser, err := r.o.newBrowser(ctx, r.logger)
		if err != nil {
			if ctx.Err() != nil {
				return fault.Interrupted(ctx.Err())
			}
			return fault.Precondition(err, "browser could not start")
		}
		r.browser = browser
		session := intercept.NewSession(browser, r.adb, intercept.Options{
			URL:             cfg.Intercept.URL,
			Mode:            cfg.Intercept.Mode,
			Filter:          cfg.Intercept.Filter,
			EndpointPath:    cfg.Intercept.EndpointPath,
			SuccessStatus:   cfg.Intercept.SuccessStatus,
			Package:         cfg.Install.Package,
			TapX:            cfg.Intercept.TapX,
			TapY:            cfg.Intercept.TapY,
			CounterSentinel: cfg.Intercept.CounterSentinel,
			CounterAttempts: cfg.Intercept.CounterAttempts,
			CounterInterval: cfg.Intercept.CounterInterval,
			SettleDelay:     cfg.Intercept.SettleDelay,
			RowTimeout:      cfg.Intercept.RowTimeout,
			WaitTimeout:     cfg.Intercept.WaitTimeout,
		}, r.logger)
		ev, err = session.Run(ctx)
		return err
	}); err != nil {
		return record.DeviceRegisterEvent{}, err
	}

	if err := r.o.records.Append(ctx, ev); err != nil {
		return record.DeviceRegisterEvent{}, fmt.Errorf("persist record: %w", err)
	}
	r.o.metrics.RecordAppended()
	r.logger.Info("successful extraction", "device_id_str", ev.DeviceIDStr, "new_user", ev.NewUser, "install_id_str", ev.InstallIDStr)
	fmt.Fprintf(r.o.out, "\nSuccessful extraction:\nDevice ID: %s\nNew User: %d\nInstall ID: %s\n", ev.DeviceIDStr, ev.NewUser, ev.InstallIDStr)
	return ev, nil
}

// startProxy launches the local proxy UI server when one is configured.
func (r *run) startProxy(ctx context.Context) error {
	cmd := r.o.cfg.Proxy.Command
	if len(cmd) == 0 {
		return nil
	}
	proc, err := avd.StartProcess(ctx, r.env, avd.ProcessSpec{
		Name:  "proxy",
		Path:  cmd[0],
		Args:  cmd[1:],
		Dir:   r.o.cfg.Proxy.Dir,
		Drain: true,
	})
	if err != nil {
		return fault.Precondition(err, "proxy server could not start")
	}
	r.proxy = proc
	return nil
}

// Cleanup runs the teardown phase on its own, as after a crashed run.
func (o *Orchestrator) Cleanup(ctx context.Context) CleanupReport {
	return o.newRun(ctx).cleanup(ctx)
}

func (r *run) cleanup(parent context.Context) CleanupReport {
	cfg := r.o.cfg
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), cfg.Cleanup.Timeout)
	defer cancel()
	r.logger.Info("initiating cleanup of background processes")

	var report CleanupReport
	report.do("adb kill-server", func() error {
		return r.adb.KillServer(ctx)
	})
	report.do("stop emulator", func() error {
		if !r.emu.StopAndConfirm(ctx, cfg.Cleanup.StopWait, cfg.Cleanup.StopInterval) {
			return errors.New("could not verify emulator shutdown")
		}
		return nil
	})
	if r.browser != nil {
		report.do("close browser", r.browser.Close)
	}
	if p := r.proxy; p != nil {
		report.do(fmt.Sprintf("terminate %s %d", p.Name(), p.PID()), func() error {
			res := p.Terminate(cfg.Cleanup.Terminate)
			if !res.Exited {
				return errors.Join(errors.New("still running after escalation"), res.ForceErr)
			}
			return nil
		})
	}
	for _, p := range r.emu.Processes() {
		report.do(fmt.Sprintf("kill %s %d", p.Name(), p.PID()), func() error {
			res := p.ForceKill(cfg.Cleanup.KillWait)
			if !res.Exited {
				return errors.Join(errors.New("still running after kill"), res.ForceErr)
			}
			return nil
		})
	}
	if cfg.Cleanup.Sweep {
		report.do("sweep stray emulators", func() error {
			_, err := avd.SweepStrayEmulators(ctx, r.env)
			return err
		})
	}

	failed := report.Failed()
	for _, a := range failed {
		r.o.metrics.CleanupFailed(a.Name)
	}
	r.logger.Info("cleanup complete", "actions", report.Actions, "failed", len(failed))
	return report
}
