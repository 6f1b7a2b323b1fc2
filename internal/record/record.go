// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package record persists extracted device registration values as
// line-delimited JSON.
package record

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"

	"github.com/forkbombeu/avdcapture/internal/fault"
)

// DeviceRegisterEvent holds the three values read from the captured
// device_register request body.
type DeviceRegisterEvent struct {
	DeviceIDStr  string `json:"device_id_str"`
	NewUser      int    `json:"new_user"`
	InstallIDStr string `json:"install_id_str"`
}

// Validate rejects records whose id fields are not digit strings.
func (e DeviceRegisterEvent) Validate() error {
	if !isDigits(e.DeviceIDStr) {
		return fault.DataIntegrity("device_id_str %q is not a digit string", e.DeviceIDStr)
	}
	if !isDigits(e.InstallIDStr) {
		return fault.DataIntegrity("install_id_str %q is not a digit string", e.InstallIDStr)
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Log is an append-only NDJSON file of DeviceRegisterEvent.
type Log struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

func Open(path string, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{path: path, logger: logger}
}

func (l *Log) Path() string { return l.path }

// Append writes ev as a single line. The line goes out in one write on an
// O_APPEND descriptor, so concurrent writers never interleave.
func (l *Log) Append(ctx context.Context, ev DeviceRegisterEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open record log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append record: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close record log: %w", err)
	}

	l.logger.Info("record appended", "path", l.path, "device_id_str", ev.DeviceIDStr, "install_id_str", ev.InstallIDStr)
	emit(ctx, ev)
	return nil
}

// emit mirrors the record as an OpenTelemetry log record; it is a no-op
// unless a logger provider has been installed.
func emit(ctx context.Context, ev DeviceRegisterEvent) {
	var rec otellog.Record
	rec.SetTimestamp(time.Now())
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("device register event"))
	rec.AddAttributes(
		otellog.String("device_id_str", ev.DeviceIDStr),
		otellog.Int("new_user", ev.NewUser),
		otellog.String("install_id_str", ev.InstallIDStr),
	)
	global.Logger("avdcapture/record").Emit(ctx, rec)
}
