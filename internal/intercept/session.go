// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package intercept drives the proxy UI to capture one device_register
// request and read its identifiers.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/forkbombeu/avdcapture/internal/fault"
	"github.com/forkbombeu/avdcapture/internal/record"
)

var tracer = otel.Tracer("avdcapture/intercept")

const counterReadTimeout = time.Second

type Options struct {
	URL           string
	Mode          string // interception mode heading
	Filter        string // typed into the request filter
	EndpointPath  string // matched inside the request row
	SuccessStatus string // exact status cell text
	Package       string
	TapX, TapY    int

	CounterSentinel string
	CounterAttempts int
	CounterInterval time.Duration
	SettleDelay     time.Duration
	RowTimeout      time.Duration // 0 waits until ctx ends
	WaitTimeout     time.Duration
}

// Session runs the interception protocol once against an open browser.
type Session struct {
	browser Browser
	device  Device
	opts    Options
	logger  *slog.Logger
	dialogs atomic.Int64
}

func NewSession(browser Browser, device Device, opts Options, logger *slog.Logger) *Session {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 30 * time.Second
	}
	if opts.CounterAttempts <= 0 {
		opts.CounterAttempts = 300
	}
	if opts.CounterInterval <= 0 {
		opts.CounterInterval = 100 * time.Millisecond
	}
	if opts.CounterSentinel == "" {
		opts.CounterSentinel = "2"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{browser: browser, device: device, opts: opts, logger: logger}
}

// Dialogs reports how many dialogs were dismissed during Run.
func (s *Session) Dialogs() int64 { return s.dialogs.Load() }

func (s *Session) modeSelector() Selector {
	return Selector{CSS: "h1", HasText: s.opts.Mode}
}

func (s *Session) rowSelector() Selector {
	return Selector{CSS: `div[role="row"]`, HasText: s.opts.EndpointPath, ChildTextIs: s.opts.SuccessStatus}
}

var (
	counterSelector = Selector{CSS: ".count"}
	filterSelector  = Selector{CSS: ".react-autosuggest__input"}
)

func detailSelector(key string) Selector {
	return Selector{CSS: "div.view-line", HasText: key}
}

// Run performs the full protocol and returns the captured record.
func (s *Session) Run(ctx context.Context) (record.DeviceRegisterEvent, error) {
	ctx, span := tracer.Start(ctx, "intercept.Session", trace.WithAttributes(
		attribute.String("url", s.opts.URL),
		attribute.String("package", s.opts.Package),
	))
	defer span.End()

	ev, err := s.run(ctx, span)
	if err != nil {
		span.RecordError(err)
		return record.DeviceRegisterEvent{}, err
	}
	return ev, nil
}

func (s *Session) run(ctx context.Context, span trace.Span) (record.DeviceRegisterEvent, error) {
	s.browser.OnDialog(func(message string) {
		s.dialogs.Add(1)
		s.logger.Warn("dialog dismissed, page reloaded", "message", message)
	})

	s.logger.Info("navigating to proxy UI", "url", s.opts.URL)
	if err := s.bounded(ctx, s.opts.WaitTimeout, "navigate to "+s.opts.URL, func(ctx context.Context) error {
		return s.browser.Navigate(ctx, s.opts.URL)
	}); err != nil {
		return record.DeviceRegisterEvent{}, err
	}

	mode := s.modeSelector()
	s.logger.Info("looking for interception mode", "mode", s.opts.Mode)
	if err := s.waitFor(ctx, mode, s.opts.WaitTimeout); err != nil {
		return record.DeviceRegisterEvent{}, err
	}
	if err := s.bounded(ctx, s.opts.WaitTimeout, "click "+mode.String(), func(ctx context.Context) error {
		return s.browser.Click(ctx, mode)
	}); err != nil {
		return record.DeviceRegisterEvent{}, err
	}
	span.AddEvent("mode selected")

	if err := s.awaitCounterChange(ctx); err != nil {
		return record.DeviceRegisterEvent{}, err
	}
	span.AddEvent("interception confirmed")

	s.logger.Info("typing request filter", "filter", s.opts.Filter)
	if err := s.waitFor(ctx, filterSelector, s.opts.WaitTimeout); err != nil {
		return record.DeviceRegisterEvent{}, err
	}
	if err := s.bounded(ctx, s.opts.WaitTimeout, "fill "+filterSelector.String(), func(ctx context.Context) error {
		return s.browser.Fill(ctx, filterSelector, s.opts.Filter)
	}); err != nil {
		return record.DeviceRegisterEvent{}, err
	}

	s.logger.Info("proxy setup complete, launching app", "package", s.opts.Package, "settle", s.opts.SettleDelay.String())
	if err := sleep(ctx, s.opts.SettleDelay); err != nil {
		return record.DeviceRegisterEvent{}, stopped(ctx, err)
	}
	if err := s.device.LaunchApp(ctx, s.opts.Package); err != nil {
		if ctx.Err() != nil {
			return record.DeviceRegisterEvent{}, stopped(ctx, ctx.Err())
		}
		// monkey failures surface as a missing request below
		s.logger.Warn("app launch reported an error", "package", s.opts.Package, "error", err)
	}
	span.AddEvent("app launched")

	row := s.rowSelector()
	s.logger.Info("waiting for successful request", "row", row.String(), "timeout", s.opts.RowTimeout.String())
	if err := s.waitFor(ctx, row, s.opts.RowTimeout); err != nil {
		return record.DeviceRegisterEvent{}, err
	}
	s.logger.Info("found successful request")
	if err := s.bounded(ctx, s.opts.WaitTimeout, "click "+row.String(), func(ctx context.Context) error {
		return s.browser.Click(ctx, row)
	}); err != nil {
		return record.DeviceRegisterEvent{}, err
	}

	s.logger.Info("waiting for request details")
	for _, key := range Keys {
		if err := s.waitFor(ctx, detailSelector(key), s.opts.WaitTimeout); err != nil {
			return record.DeviceRegisterEvent{}, err
		}
	}

	values := make(map[string]string, len(Keys))
	for _, key := range Keys {
		var text string
		err := s.bounded(ctx, s.opts.WaitTimeout, "read "+key, func(ctx context.Context) error {
			var err error
			text, err = s.browser.Text(ctx, detailSelector(key))
			return err
		})
		if err != nil {
			return record.DeviceRegisterEvent{}, err
		}
		if v, ok := ExtractField(text, key); ok {
			values[key] = v
		} else {
			s.logger.Warn("value not found in detail line", "key", key, "line", text)
		}
	}
	return Assemble(values)
}

// awaitCounterChange taps the device until the intercepted-apps counter
// moves off the sentinel value.
func (s *Session) awaitCounterChange(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(s.opts.CounterInterval), 1)
	for attempt := 1; attempt <= s.opts.CounterAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return stopped(ctx, err)
		}
		rctx, cancel := context.WithTimeout(ctx, counterReadTimeout)
		current, err := s.browser.Text(rctx, counterSelector)
		cancel()
		if ctx.Err() != nil {
			return stopped(ctx, ctx.Err())
		}
		if err != nil {
			s.logger.Info("counter not readable", "attempt", attempt, "error", err)
			continue
		}
		if err := s.device.Tap(ctx, s.opts.TapX, s.opts.TapY); err != nil {
			s.logger.Info("tap failed", "attempt", attempt, "error", err)
		}
		current = strings.TrimSpace(current)
		if current != s.opts.CounterSentinel {
			s.logger.Info("counter changed, proceeding", "count", current, "attempt", attempt)
			return nil
		}
	}
	return fault.Timeout("Failed to detect count change after maximum attempts")
}

func (s *Session) waitFor(ctx context.Context, sel Selector, timeout time.Duration) error {
	return s.bounded(ctx, timeout, "wait for "+sel.String(), func(ctx context.Context) error {
		return s.browser.WaitFor(ctx, sel)
	})
}

// bounded runs fn under timeout (none when timeout is 0) and classifies
// deadline and cancellation failures.
func (s *Session) bounded(ctx context.Context, timeout time.Duration, what string, fn func(context.Context) error) error {
	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := fn(cctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return stopped(ctx, ctx.Err())
	}
	if cctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return fault.Timeout("timed out after %s: %s", timeout, what)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func stopped(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fault.Timeout("interception deadline reached")
	}
	return fault.Interrupted(err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
