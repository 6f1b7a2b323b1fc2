// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package supervisor re-runs the capture forever with a fixed pause
// between runs.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/forkbombeu/avdcapture/internal/fault"
)

// RunFunc performs one orchestration; iteration counts from 1.
type RunFunc func(ctx context.Context, iteration int) error

// Callbacks contains optional hooks around each run.
type Callbacks struct {
	OnRunStart func(iteration int)
	OnRunEnd   func(iteration int, err error, elapsed time.Duration)
}

type Config struct {
	Run       RunFunc
	Delay     time.Duration // pause between runs, whatever their outcome
	Logger    *slog.Logger
	Callbacks Callbacks
}

// Supervisor has no backoff and no run limit; only ctx stops it.
type Supervisor struct {
	run       RunFunc
	delay     time.Duration
	logger    *slog.Logger
	callbacks Callbacks
}

func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{run: cfg.Run, delay: cfg.Delay, logger: logger, callbacks: cfg.Callbacks}
}

// Run blocks until ctx is cancelled and then returns an interrupted fault.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor starting", "delay", s.delay.String())
	for iteration := 1; ; iteration++ {
		if ctx.Err() != nil {
			return s.stop(ctx, iteration-1)
		}

		if s.callbacks.OnRunStart != nil {
			s.callbacks.OnRunStart(iteration)
		}
		start := time.Now()
		err := s.runOnce(ctx, iteration)
		elapsed := time.Since(start)
		if s.callbacks.OnRunEnd != nil {
			s.callbacks.OnRunEnd(iteration, err, elapsed)
		}

		if err != nil {
			s.logger.Error("run failed", "iteration", iteration, "elapsed", elapsed.String(), "kind", fault.Label(err), "error", fmt.Sprintf("%+v", err))
		} else {
			s.logger.Info("run succeeded", "iteration", iteration, "elapsed", elapsed.String())
		}
		if ctx.Err() != nil {
			return s.stop(ctx, iteration)
		}

		s.logger.Info("next run scheduled", "iteration", iteration+1, "delay", s.delay.String())
		timer := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return s.stop(ctx, iteration)
		case <-timer.C:
		}
	}
}

// runOnce turns a panic in the run into an error so the loop survives it.
func (s *Supervisor) runOnce(ctx context.Context, iteration int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run %d panicked: %v\n%s", iteration, r, debug.Stack())
		}
	}()
	return s.run(ctx, iteration)
}

func (s *Supervisor) stop(ctx context.Context, runs int) error {
	s.logger.Info("supervisor stopped", "runs", runs)
	return fault.Interrupted(ctx.Err())
}
