// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	units "github.com/docker/go-units"
	"go.opentelemetry.io/otel/attribute"

	"github.com/forkbombeu/avdcapture/internal/fault"
)

type InstallOptions struct {
	Interval    time.Duration // spacing between attempts (default 1s)
	MaxAttempts uint          // 0 retries until the context ends
	CallTimeout time.Duration // bound on a single adb install (default 5m)
}

// AppInstaller retries adb install until the device accepts the package.
// Failures before the device settles are expected.
type AppInstaller struct {
	env  Env
	adb  *ADB
	opts InstallOptions
}

func NewAppInstaller(env Env, adb *ADB, opts InstallOptions) *AppInstaller {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Minute
	}
	return &AppInstaller{env: env, adb: adb, opts: opts}
}

func (i *AppInstaller) Install(ctx context.Context, apk string) error {
	ctx, span := startSpan(ctx, i.env, "avd.Install",
		attribute.String("apk", apk),
		attribute.Int("max_attempts", int(i.opts.MaxAttempts)),
	)
	defer span.End()

	fields := []any{"apk", apk}
	if st, err := os.Stat(apk); err == nil {
		fields = append(fields, "size", units.HumanSize(float64(st.Size())))
	}
	logEvent(i.env, "installing apk", fields...)

	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		err := i.adb.Install(ctx, apk, i.opts.CallTimeout)
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		return struct{}{}, err
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(i.opts.Interval)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logEvent(i.env, "install attempt failed", "attempt", attempts, "retry_in", next.String(), "error", err)
		}),
	}
	if i.opts.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(i.opts.MaxAttempts))
	}

	_, err := backoff.Retry(ctx, op, opts...)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		if ctx.Err() != nil {
			err = fault.Interrupted(ctx.Err())
		} else {
			err = fault.Exhausted(err, "install retries exhausted after %d attempts", attempts)
		}
		recordSpanError(span, err)
		return err
	}
	logEvent(i.env, "installation complete", "apk", apk, "attempts", attempts)
	return nil
}
