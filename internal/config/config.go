// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package config holds the settings of a capture run. A Config is built once
// at startup (defaults, then environment, then an optional YAML file, then
// command line flags) and passed into every constructor.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"gopkg.in/yaml.v3"

	"github.com/forkbombeu/avdcapture/internal/avd"
)

type Config struct {
	SDKRoot     string `yaml:"sdk_root"`
	AVDHome     string `yaml:"avd_home"`
	Records     string `yaml:"records"`
	MetricsAddr string `yaml:"metrics_addr"`

	Emulator   Emulator   `yaml:"emulator"`
	Root       Root       `yaml:"root"`
	Install    Install    `yaml:"install"`
	Intercept  Intercept  `yaml:"intercept"`
	Proxy      Proxy      `yaml:"proxy"`
	Cleanup    Cleanup    `yaml:"cleanup"`
	Supervisor Supervisor `yaml:"supervisor"`
}

type Emulator struct {
	AVD              string        `yaml:"avd"`
	GPU              string        `yaml:"gpu"`
	BootTimeout      time.Duration `yaml:"boot_timeout"`
	ReadyCallTimeout time.Duration `yaml:"ready_call_timeout"`
	// Post-rooting shutdown confirmation.
	StopWait     time.Duration `yaml:"stop_wait"`
	StopInterval time.Duration `yaml:"stop_interval"`
}

type Root struct {
	Script  string        `yaml:"script"`
	Ramdisk string        `yaml:"ramdisk"` // relative to the SDK root
	Input   string        `yaml:"input"`
	Timeout time.Duration `yaml:"timeout"`
}

type Install struct {
	APK         string        `yaml:"apk"`
	Package     string        `yaml:"package"`
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts uint          `yaml:"max_attempts"` // 0 retries forever
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type Intercept struct {
	URL             string        `yaml:"url"`
	Mode            string        `yaml:"mode"`
	Filter          string        `yaml:"filter"`
	EndpointPath    string        `yaml:"endpoint_path"`
	SuccessStatus   string        `yaml:"success_status"`
	TapX            int           `yaml:"tap_x"`
	TapY            int           `yaml:"tap_y"`
	CounterSentinel string        `yaml:"counter_sentinel"`
	CounterAttempts int           `yaml:"counter_attempts"`
	CounterInterval time.Duration `yaml:"counter_interval"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	RowTimeout      time.Duration `yaml:"row_timeout"` // 0 waits forever
	WaitTimeout     time.Duration `yaml:"wait_timeout"`
	Headless        bool          `yaml:"headless"`
	BrowserBin      string        `yaml:"browser_bin"`
}

// Proxy optionally runs a local proxy UI server for the session.
type Proxy struct {
	Command []string `yaml:"command"`
	Dir     string   `yaml:"dir"`
}

type Cleanup struct {
	Timeout      time.Duration   `yaml:"timeout"`
	StopWait     time.Duration   `yaml:"stop_wait"`
	StopInterval time.Duration   `yaml:"stop_interval"`
	Terminate    []time.Duration `yaml:"terminate"` // proxy escalation waits
	KillWait     time.Duration   `yaml:"kill_wait"` // after force-killing emulator handles
	Sweep        bool            `yaml:"sweep"`
}

type Supervisor struct {
	Delay time.Duration `yaml:"delay"`
}

func Default() Config {
	return Config{
		SDKRoot: avd.DefaultSDKRoot(),
		Records: "extracted_values.jsonl",
		Emulator: Emulator{
			AVD:              "Pixel_XL_API_31-v2",
			GPU:              "swiftshader_indirect",
			BootTimeout:      60 * time.Second,
			ReadyCallTimeout: 5 * time.Second,
			StopWait:         20 * time.Second,
			StopInterval:     500 * time.Millisecond,
		},
		Root: Root{
			Script:  filepath.Join("rootAVD", "rootAVD.sh"),
			Ramdisk: "system-images/android-31/google_apis/arm64-v8a/ramdisk.img",
			Input:   "1\n",
			Timeout: 30 * time.Second,
		},
		Install: Install{
			APK:         "tiktok-v30.1.2.apk",
			Package:     "com.zhiliaoapp.musically",
			Interval:    time.Second,
			MaxAttempts: 120,
			CallTimeout: 5 * time.Minute,
		},
		Intercept: Intercept{
			URL:             "https://app.httptoolkit.tech",
			Mode:            "Android Device via ADB",
			Filter:          "https://log16-normal-useast5.tiktokv.us/service/2/device_register/",
			EndpointPath:    "/service/2/device_register/",
			SuccessStatus:   "200",
			TapX:            1200,
			TapY:            1540,
			CounterSentinel: "2",
			CounterAttempts: 300,
			CounterInterval: 100 * time.Millisecond,
			SettleDelay:     5 * time.Second,
			RowTimeout:      10 * time.Minute,
			WaitTimeout:     30 * time.Second,
			Headless:        true,
		},
		Cleanup: Cleanup{
			Timeout:      2 * time.Minute,
			StopWait:     20 * time.Second,
			StopInterval: 2 * time.Second,
			Terminate:    []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second},
			KillWait:     5 * time.Second,
			Sweep:        true,
		},
		Supervisor: Supervisor{Delay: time.Second},
	}
}

// Load returns defaults overlaid with the environment and, when path is not
// empty, the YAML file at path.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w: %w", path, err, errdefs.ErrInvalidArgument)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("ANDROID_HOME", &c.SDKRoot)
	str("ANDROID_SDK_ROOT", &c.SDKRoot)
	str("ANDROID_AVD_HOME", &c.AVDHome)
	str("AVDCAPTURE_AVD", &c.Emulator.AVD)
	str("AVDCAPTURE_APK", &c.Install.APK)
	str("AVDCAPTURE_RECORDS", &c.Records)
	str("AVDCAPTURE_ROOT_SCRIPT", &c.Root.Script)
	str("AVDCAPTURE_INTERCEPT_URL", &c.Intercept.URL)
	str("AVDCAPTURE_METRICS_ADDR", &c.MetricsAddr)
	str("AVDCAPTURE_BROWSER_BIN", &c.Intercept.BrowserBin)
	if v, ok := lookup("AVDCAPTURE_HEADLESS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AVDCAPTURE_HEADLESS: %w: %w", err, errdefs.ErrInvalidArgument)
		}
		c.Intercept.Headless = b
	}
	if v, ok := lookup("AVDCAPTURE_INSTALL_MAX_ATTEMPTS"); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("AVDCAPTURE_INSTALL_MAX_ATTEMPTS: %w: %w", err, errdefs.ErrInvalidArgument)
		}
		c.Install.MaxAttempts = uint(n)
	}
	return nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var problems []string
	need := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}
	need(c.SDKRoot != "", "sdk_root is required")
	need(c.Emulator.AVD != "", "emulator.avd is required")
	need(!strings.HasPrefix(c.Emulator.AVD, "@"), "emulator.avd must not start with @")
	need(c.Emulator.BootTimeout > 0, "emulator.boot_timeout must be positive")
	need(c.Emulator.StopWait > 0 && c.Emulator.StopInterval > 0, "emulator stop wait and interval must be positive")
	need(c.Root.Script != "", "root.script is required")
	need(c.Root.Timeout > 0, "root.timeout must be positive")
	need(c.Install.APK != "", "install.apk is required")
	need(c.Install.Package != "", "install.package is required")
	need(c.Install.Interval > 0, "install.interval must be positive")
	need(c.Intercept.URL != "", "intercept.url is required")
	need(c.Intercept.CounterAttempts > 0, "intercept.counter_attempts must be positive")
	need(c.Intercept.CounterInterval > 0, "intercept.counter_interval must be positive")
	need(c.Intercept.RowTimeout >= 0, "intercept.row_timeout must not be negative")
	need(c.Intercept.WaitTimeout > 0, "intercept.wait_timeout must be positive")
	need(c.Records != "", "records is required")
	need(c.Cleanup.Timeout > 0, "cleanup.timeout must be positive")
	need(c.Cleanup.StopWait > 0 && c.Cleanup.StopInterval > 0, "cleanup stop wait and interval must be positive")
	need(c.Cleanup.KillWait > 0, "cleanup.kill_wait must be positive")
	for i, d := range c.Cleanup.Terminate {
		need(d > 0, "cleanup.terminate[%d] must be positive", i)
	}
	need(c.Supervisor.Delay >= 0, "supervisor.delay must not be negative")
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %s: %w", strings.Join(problems, "; "), errdefs.ErrInvalidArgument)
}

// Resolve makes file paths absolute against the working directory so they
// survive child processes started elsewhere.
func (c *Config) Resolve() error {
	for _, p := range []*string{&c.Root.Script, &c.Install.APK, &c.Records} {
		if *p == "" || filepath.IsAbs(*p) {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return err
		}
		*p = abs
	}
	return nil
}

// Env derives the tool locations of the configured SDK.
func (c Config) Env() avd.Env {
	env := avd.NewEnv(c.SDKRoot)
	if c.AVDHome != "" {
		env.AVDHome = c.AVDHome
	}
	return env
}
