// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
)

type Env struct {
	SDKRoot  string // ANDROID_SDK_ROOT
	AVDHome  string // ANDROID_AVD_HOME (default ~/.android/avd)
	Emulator string // <sdk>/emulator/emulator
	ADB      string // <sdk>/platform-tools/adb
	// CorrelationID is used to tie logs to a specific capture run.
	CorrelationID string
	// Context is used to parent OpenTelemetry spans.
	Context context.Context
	// Logger overrides the package JSON logger when set.
	Logger *slog.Logger
}

// NewEnv derives tool paths from an SDK root. An empty root falls back to
// the platform default.
func NewEnv(sdkRoot string) Env {
	if sdkRoot == "" {
		sdkRoot = DefaultSDKRoot()
	}
	emulator := filepath.Join(sdkRoot, "emulator", "emulator")
	adb := filepath.Join(sdkRoot, "platform-tools", "adb")
	if runtime.GOOS == "windows" {
		emulator += ".exe"
		adb += ".exe"
	}
	return Env{
		SDKRoot:  sdkRoot,
		AVDHome:  getenv("ANDROID_AVD_HOME", filepath.Join(homeDir(), ".android", "avd")),
		Emulator: emulator,
		ADB:      adb,
		Context:  context.Background(),
	}
}

func Detect() Env {
	env := NewEnv(getenv("ANDROID_SDK_ROOT", os.Getenv("ANDROID_HOME")))
	env.CorrelationID = os.Getenv("AVDCAPTURE_CORRELATION_ID")
	return env
}

// DefaultSDKRoot is the conventional SDK install location of the host platform.
func DefaultSDKRoot() string {
	home := homeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Android", "sdk")
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "Android", "Sdk")
		}
		return filepath.Join(home, "AppData", "Local", "Android", "Sdk")
	default:
		return filepath.Join(home, "Android", "Sdk")
	}
}

func homeDir() string {
	usr, _ := user.Current()
	if usr != nil && usr.HomeDir != "" {
		return usr.HomeDir
	}
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return h
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
