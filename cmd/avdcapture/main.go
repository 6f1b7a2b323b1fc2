// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forkbombeu/avdcapture/internal/config"
	"github.com/forkbombeu/avdcapture/internal/fault"
	"github.com/forkbombeu/avdcapture/pkg/capture"
)

type flags struct {
	config      string
	records     string
	apk         string
	avd         string
	metricsAddr string
	headless    bool
	noSweep     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tracing disabled:", err)
	}

	err = newRootCmd().ExecuteContext(ctx)
	if shutdownTracing != nil {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = shutdownTracing(tctx)
		cancel()
	}
	if err != nil {
		reportError(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// reportError prints the message and, for anything but an interrupt, the
// stack recorded where the fault was raised.
func reportError(w io.Writer, err error) {
	if fault.KindOf(err) == fault.KindInterrupted {
		fmt.Fprintln(w, "Interrupted by user.")
		return
	}
	fmt.Fprintf(w, "An error occurred: %v\n%+v\n", err, err)
}

func newRootCmd() *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:   "avdcapture [SDK_ROOT]",
		Short: "Capture TikTok device registrations from a rooted Android emulator, forever",
		Long: `Runs capture after capture until interrupted: boot a wiped emulator, root it,
install the app, intercept its device_register call and append the identifiers
to a JSON Lines file. A failed run is logged and the next one starts a second later.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager(cmd, f, args)
			if err != nil {
				return err
			}
			shutdown, err := serveMetrics(cmd, mgr)
			if err != nil {
				return err
			}
			defer shutdown()
			return mgr.Loop(cmd.Context())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.config, "config", os.Getenv("AVDCAPTURE_CONFIG"), "YAML configuration file")
	pf.StringVar(&f.records, "records", "", "record log (JSON Lines)")
	pf.StringVar(&f.apk, "apk", "", "APK to install")
	pf.StringVar(&f.avd, "avd", "", "AVD name")
	pf.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9464)")
	pf.BoolVar(&f.headless, "headless", true, "run the browser headless")
	pf.BoolVar(&f.noSweep, "no-sweep", false, "do not kill stray emulator processes during cleanup")

	root.AddCommand(newOnceCmd(&f), newRecordsCmd(&f), newCleanupCmd(&f), newSweepCmd(&f))
	return root
}

// once
func newOnceCmd(f *flags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "once [SDK_ROOT]",
		Short: "Run a single capture, then clean up and exit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager(cmd, *f, args)
			if err != nil {
				return err
			}
			shutdown, err := serveMetrics(cmd, mgr)
			if err != nil {
				return err
			}
			defer shutdown()

			res, err := mgr.Once(cmd.Context())
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				_ = enc.Encode(res)
			}
			for _, a := range res.Cleanup.Failed() {
				fmt.Fprintf(cmd.ErrOrStderr(), "cleanup: %s: %s\n", a.Name, a.Error)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run result as JSON")
	return cmd
}

// records
func newRecordsCmd(f *flags) *cobra.Command {
	var follow, asJSON bool
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Print captured records; --follow waits for new ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager(cmd, *f, nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			emit := func(r capture.Record) error {
				if asJSON {
					return enc.Encode(r)
				}
				_, err := fmt.Fprintf(out, "%-20s new_user=%d install=%s\n", r.DeviceIDStr, r.NewUser, r.InstallIDStr)
				return err
			}
			if follow {
				err := mgr.Follow(cmd.Context(), true, emit)
				if cmd.Context().Err() != nil {
					return nil
				}
				return err
			}
			recs, err := mgr.Records()
			if err != nil {
				return err
			}
			if len(recs) == 0 && !asJSON {
				fmt.Fprintln(out, "(no records)")
				return nil
			}
			for _, r := range recs {
				if err := emit(r); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "keep printing records as they are appended")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON Lines")
	return cmd
}

// cleanup
func newCleanupCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup [SDK_ROOT]",
		Short: "Stop adb and the emulator left over by a crashed run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager(cmd, *f, args)
			if err != nil {
				return err
			}
			report := mgr.Cleanup(cmd.Context())
			for _, a := range report.Actions {
				state := "ok"
				if !a.OK() {
					state = a.Error
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", a.Name, state)
			}
			return report.Err()
		},
	}
}

// sweep
func newSweepCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Force-kill every emulator process on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager(cmd, *f, nil)
			if err != nil {
				return err
			}
			res, err := mgr.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Killed %d emulator process(es) via %s\n", len(res.PIDs), res.Method)
			return nil
		},
	}
}

func newManager(cmd *cobra.Command, f flags, args []string) (*capture.Manager, error) {
	cfg, err := loadConfig(cmd, f, args)
	if err != nil {
		return nil, err
	}
	return capture.New(cfg, capture.WithOutput(cmd.OutOrStdout())), nil
}

// loadConfig layers defaults, environment, the config file, flags and the
// positional SDK root, in that order.
func loadConfig(cmd *cobra.Command, f flags, args []string) (config.Config, error) {
	cfg, err := config.Load(f.config)
	if err != nil {
		return cfg, err
	}
	changed := cmd.Flags().Changed
	if changed("records") {
		cfg.Records = f.records
	}
	if changed("apk") {
		cfg.Install.APK = f.apk
	}
	if changed("avd") {
		cfg.Emulator.AVD = f.avd
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if changed("headless") {
		cfg.Intercept.Headless = f.headless
	}
	if f.noSweep {
		cfg.Cleanup.Sweep = false
	}
	if len(args) == 1 {
		cfg.SDKRoot = args[0]
	}
	if err := cfg.Resolve(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func serveMetrics(cmd *cobra.Command, mgr *capture.Manager) (func(), error) {
	addr := mgr.Config().MetricsAddr
	if addr == "" {
		return func() {}, nil
	}
	bound, shutdown, err := mgr.ServeMetrics(addr)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "metrics: http://%s/metrics\n", bound)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}, nil
}
