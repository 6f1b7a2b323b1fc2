// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

var avdLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// Logger returns the JSON logger shared by the capture pipeline.
func Logger() *slog.Logger { return avdLogger }

func (env Env) logger() *slog.Logger {
	if env.Logger != nil {
		return env.Logger
	}
	return avdLogger
}

func baseFields(env Env, fields []any) []any {
	all := []any{"timestamp_ns", time.Now().UTC().UnixNano()}
	if env.CorrelationID != "" {
		all = append(all, "correlation_id", env.CorrelationID)
	}
	return append(all, fields...)
}

func logEvent(env Env, message string, fields ...any) {
	env.logger().Info(message, baseFields(env, fields)...)
}

func logWarn(env Env, message string, fields ...any) {
	env.logger().Warn(message, baseFields(env, fields)...)
}

type lineLogWriter struct {
	env    Env
	fields []any
	msg    string

	mu     sync.Mutex
	buffer []byte
}

func (writer *lineLogWriter) Write(payload []byte) (int, error) {
	writer.mu.Lock()
	defer writer.mu.Unlock()
	writer.buffer = append(writer.buffer, payload...)
	for {
		newlineIndex := bytes.IndexByte(writer.buffer, '\n')
		if newlineIndex == -1 {
			break
		}
		line := strings.TrimSpace(string(writer.buffer[:newlineIndex]))
		writer.buffer = writer.buffer[newlineIndex+1:]
		if line != "" {
			logEvent(writer.env, writer.msg, append(writer.fields, "line", line)...)
		}
	}
	return len(payload), nil
}

// Flush logs a trailing line that never got its newline.
func (writer *lineLogWriter) Flush() {
	writer.mu.Lock()
	defer writer.mu.Unlock()
	line := strings.TrimSpace(string(writer.buffer))
	writer.buffer = nil
	if line != "" {
		logEvent(writer.env, writer.msg, append(writer.fields, "line", line)...)
	}
}

func newLineLogWriterWithMessage(env Env, message string, fields ...any) *lineLogWriter {
	return &lineLogWriter{
		env:    env,
		fields: fields,
		msg:    message,
	}
}

func newCommandLogWriter(env Env, command string, args []string) *lineLogWriter {
	fields := []any{"command", command, "stream", "stderr"}
	if len(args) > 0 {
		fields = append(fields, "args", strings.Join(args, " "))
	}
	return newLineLogWriterWithMessage(env, "command stderr", fields...)
}
