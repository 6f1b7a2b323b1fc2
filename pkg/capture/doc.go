// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

/*
Package capture provides a Go library for capturing the device registration
identifiers an Android app receives on first launch, by driving a rooted
emulator and an intercepting HTTP proxy.

# Overview

One capture boots a fresh (wiped) emulator, roots it with rootAVD, restarts
it, installs the app, switches the proxy UI to Android ADB interception,
launches the app and reads device_id_str, new_user and install_id_str from
the intercepted device_register response. Successful captures are appended
to a JSON Lines file, one object per line.

# Quick Start

	import "github.com/forkbombeu/avdcapture/pkg/capture"

	func main() {
		cfg, err := capture.LoadConfig("avdcapture.yaml")
		if err != nil {
			log.Fatal(err)
		}
		mgr := capture.New(cfg)

		// One capture
		res, err := mgr.Once(ctx)

		// Or forever, one second apart
		err = mgr.Loop(ctx)
	}

# Cleanup

Every run ends with the same teardown whatever happened before: adb
kill-server, a confirmed emulator stop, closing the browser, terminating
spawned processes (interrupt, terminate, kill) and, when enabled, a sweep
that kills every emulator process on the host. Cleanup never replaces the
run error; its outcome is reported in Result.Cleanup.

# Errors

Run errors carry a class from github.com/containerd/errdefs:

  - errdefs.IsDeadlineExceeded: a readiness, rooting or UI wait timed out
  - errdefs.IsResourceExhausted: app install ran out of attempts
  - errdefs.IsDataLoss: the response lacked an identifier
  - errdefs.IsFailedPrecondition: a tool or the browser could not start
  - errdefs.IsCanceled: the context was cancelled

# Environment Configuration

LoadConfig overlays environment variables on the defaults:
  - ANDROID_HOME, ANDROID_SDK_ROOT, ANDROID_AVD_HOME
  - AVDCAPTURE_AVD, AVDCAPTURE_APK, AVDCAPTURE_RECORDS
  - AVDCAPTURE_ROOT_SCRIPT, AVDCAPTURE_INTERCEPT_URL, AVDCAPTURE_BROWSER_BIN
  - AVDCAPTURE_HEADLESS, AVDCAPTURE_INSTALL_MAX_ATTEMPTS, AVDCAPTURE_METRICS_ADDR

Use NewWithEnv() to override tool paths.

# Thread Safety

Runs share the host's emulator and adb server. Do not run two captures at
the same time, from one Manager or several.

# Requirements

  - Android SDK with emulator and platform-tools
  - rootAVD and the AVD's ramdisk image
  - HTTP Toolkit (or a compatible UI) reachable at the intercept URL
  - Chromium, or a browser rod can download

# License

AGPL-3.0-only

Copyright (C) 2025 Forkbomb B.V.
*/
package capture
