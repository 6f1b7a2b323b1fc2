// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"time"
)

// PollInterval is the spacing between readiness checks.
const PollInterval = 500 * time.Millisecond

// Poll calls check every interval until it returns true, timeout elapses or
// ctx is done. The context handed to check carries the overall deadline so a
// slow check cannot stretch the window.
func Poll(ctx context.Context, interval, timeout time.Duration, check func(context.Context) bool) bool {
	deadline := time.Now().Add(timeout)
	pctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		if pctx.Err() != nil {
			return false
		}
		if check(pctx) {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.NewTimer(min(interval, remaining))
		select {
		case <-pctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// WaitReady polls check until it succeeds. Any error from check, including
// its own timeout, only means "not ready yet". It returns false on timeout
// and leaves the decision about fatality to the caller.
func WaitReady(ctx context.Context, check func(context.Context) error, timeout time.Duration) bool {
	return Poll(ctx, PollInterval, timeout, func(ctx context.Context) bool {
		return check(ctx) == nil
	})
}

// DeviceReady builds the adb echo probe with a per-call timeout.
func DeviceReady(adb *ADB, callTimeout time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		return adb.Echo(ctx, callTimeout)
	}
}
