// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package capture provides a Go library for running device registration
// captures against a rooted Android emulator.
package capture

import (
	"context"
	"io"
	"log/slog"
	"time"

	units "github.com/docker/go-units"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkbombeu/avdcapture/internal/avd"
	"github.com/forkbombeu/avdcapture/internal/config"
	"github.com/forkbombeu/avdcapture/internal/fault"
	"github.com/forkbombeu/avdcapture/internal/intercept"
	"github.com/forkbombeu/avdcapture/internal/metrics"
	"github.com/forkbombeu/avdcapture/internal/orchestrator"
	"github.com/forkbombeu/avdcapture/internal/record"
	"github.com/forkbombeu/avdcapture/internal/supervisor"
)

var tracer = otel.Tracer("avdcapture/capture")

type (
	// Config is the full run configuration. See DefaultConfig and LoadConfig.
	Config = config.Config
	// Record is one captured device registration.
	Record = record.DeviceRegisterEvent
	// Result describes a finished run, including its cleanup report.
	Result = orchestrator.Result
	// CleanupReport lists every teardown action of a run.
	CleanupReport = orchestrator.CleanupReport
	// SweepResult lists emulator processes killed by Sweep.
	SweepResult = avd.SweepResult
	// Browser drives the proxy UI. The default is a rod-controlled Chromium.
	Browser = intercept.Browser
	// Selector locates an element in the proxy UI.
	Selector = intercept.Selector
	// BrowserFactory opens a Browser for one run.
	BrowserFactory = orchestrator.BrowserFactory
)

// DefaultConfig returns the built-in defaults without reading the environment.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads defaults, the environment and an optional YAML file, then
// resolves relative paths and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Resolve(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Environment holds tool locations and log enrichment for a Manager.
type Environment struct {
	SDKRoot       string          // ANDROID_SDK_ROOT
	AVDHome       string          // ANDROID_AVD_HOME (default ~/.android/avd)
	EmulatorBin   string          // Path to emulator binary (default: <sdk>/emulator/emulator)
	ADBBin        string          // Path to adb binary (default: <sdk>/platform-tools/adb)
	CorrelationID string          // Correlation ID for log enrichment; one per run when empty
	Context       context.Context // Context for tracing
	Logger        *slog.Logger    // Overrides the JSON logger on stdout
}

// Option customizes a Manager.
type Option func(*Manager)

// WithBrowserFactory replaces the rod browser, e.g. to attach to a running one.
func WithBrowserFactory(f BrowserFactory) Option {
	return func(m *Manager) { m.browser = f }
}

// WithOutput sets where extraction summaries are printed.
func WithOutput(w io.Writer) Option {
	return func(m *Manager) { m.out = w }
}

// Manager runs captures with one configuration. A Manager runs one capture
// at a time; the emulator and adb server are host-wide resources.
type Manager struct {
	cfg     Config
	env     avd.Env
	logger  *slog.Logger
	metrics *metrics.Metrics
	browser BrowserFactory
	out     io.Writer
	orch    *orchestrator.Orchestrator
}

// New creates a Manager whose tool paths derive from cfg.SDKRoot.
func New(cfg Config, opts ...Option) *Manager {
	return newManager(cfg, cfg.Env(), opts)
}

// NewWithContextAndCorrelationID creates a Manager that parents spans on ctx
// and tags every log line with correlationID.
func NewWithContextAndCorrelationID(ctx context.Context, cfg Config, correlationID string, opts ...Option) *Manager {
	env := cfg.Env()
	if ctx == nil {
		ctx = context.Background()
	}
	env.Context = ctx
	env.CorrelationID = correlationID
	return newManager(cfg, env, opts)
}

// NewWithEnv creates a Manager with explicit tool locations.
func NewWithEnv(cfg Config, e Environment, opts ...Option) *Manager {
	env := cfg.Env()
	if e.SDKRoot != "" {
		env = avd.NewEnv(e.SDKRoot)
	}
	if e.AVDHome != "" {
		env.AVDHome = e.AVDHome
	}
	if e.EmulatorBin != "" {
		env.Emulator = e.EmulatorBin
	}
	if e.ADBBin != "" {
		env.ADB = e.ADBBin
	}
	if e.Context != nil {
		env.Context = e.Context
	}
	env.CorrelationID = e.CorrelationID
	env.Logger = e.Logger
	return newManager(cfg, env, opts)
}

func newManager(cfg Config, env avd.Env, opts []Option) *Manager {
	if env.Context == nil {
		env.Context = context.Background()
	}
	m := &Manager{cfg: cfg, env: env, metrics: metrics.New(), logger: env.Logger}
	if m.logger == nil {
		m.logger = avd.Logger()
	}
	for _, opt := range opts {
		opt(m)
	}
	orchOpts := []orchestrator.Option{
		orchestrator.WithEnv(env),
		orchestrator.WithLogger(m.logger),
		orchestrator.WithMetrics(m.metrics),
	}
	if m.browser != nil {
		orchOpts = append(orchOpts, orchestrator.WithBrowserFactory(m.browser))
	}
	if m.out != nil {
		orchOpts = append(orchOpts, orchestrator.WithOutput(m.out))
	}
	m.orch = orchestrator.New(cfg, orchOpts...)
	return m
}

func (m *Manager) startSpan(name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m.env.CorrelationID != "" {
		attrs = append(attrs, attribute.String("correlation_id", m.env.CorrelationID))
	}
	ctx := m.env.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Config returns the configuration the Manager runs with.
func (m *Manager) Config() Config { return m.cfg }

// Once performs a single capture and always cleans up, even when ctx is
// cancelled mid-run.
func (m *Manager) Once(ctx context.Context) (Result, error) {
	return m.orch.Run(ctx)
}

// Loop runs captures back to back with the configured delay until ctx is
// cancelled. Failed runs are logged and never stop the loop.
func (m *Manager) Loop(ctx context.Context) error {
	sup := supervisor.New(supervisor.Config{
		Delay:  m.cfg.Supervisor.Delay,
		Logger: m.logger,
		Run: func(ctx context.Context, iteration int) error {
			_, err := m.orch.Run(ctx)
			return err
		},
		Callbacks: supervisor.Callbacks{
			OnRunEnd: func(iteration int, err error, elapsed time.Duration) {
				m.logger.Info("capture iteration done", "iteration", iteration, "outcome", fault.Label(err), "elapsed", units.HumanDuration(elapsed))
			},
		},
	})
	return sup.Run(ctx)
}

// Cleanup runs only the teardown sequence, e.g. after a crash left an
// emulator behind.
func (m *Manager) Cleanup(ctx context.Context) CleanupReport {
	return m.orch.Cleanup(ctx)
}

// Sweep force-kills every emulator process on the host.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	_, span := m.startSpan("capture.Sweep")
	defer span.End()
	res, err := avd.SweepStrayEmulators(ctx, m.env)
	if err != nil {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.Int("killed", len(res.PIDs)))
	return res, err
}

// Records returns every record persisted so far. A missing log is empty.
func (m *Manager) Records() ([]Record, error) {
	_, span := m.startSpan("capture.Records", attribute.String("path", m.cfg.Records))
	defer span.End()
	recs, err := record.ReadAll(m.cfg.Records)
	if err != nil {
		span.RecordError(err)
	}
	return recs, err
}

// Follow calls fn for each record appended to the log until ctx is done.
// With fromStart the existing records are delivered first.
func (m *Manager) Follow(ctx context.Context, fromStart bool, fn func(Record) error) error {
	return record.Follow(ctx, m.cfg.Records, fromStart, fn)
}

// ServeMetrics exposes Prometheus metrics and health checks on addr. The
// returned function shuts the server down.
func (m *Manager) ServeMetrics(addr string) (bound string, shutdown func(context.Context) error, err error) {
	srv := metrics.NewServer(addr, m.metrics, m.logger)
	if err := srv.Start(); err != nil {
		return "", nil, err
	}
	return srv.Addr(), srv.Shutdown, nil
}
