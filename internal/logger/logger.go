// Copyright 2024 The lnxdrive Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the process-wide leveled logger. All components
// log through the package-level functions; none of them take a logger as a
// dependency.
package logger

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// LevelTrace sits below slog.LevelDebug, which has no trace level of its
// own.
const LevelTrace = slog.LevelDebug - 4

var (
	programLevel = new(slog.LevelVar)
	defaultLog   atomic.Pointer[slog.Logger]
)

func init() {
	programLevel.Set(slog.LevelInfo)
	defaultLog.Store(newLogger(os.Stderr))
}

func newLogger(w *os.File) *slog.Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: programLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Surface the synthetic trace level by name.
			if a.Key == slog.LevelKey && a.Value.Any() == LevelTrace {
				a.Value = slog.StringValue("TRACE")
			}
			return a
		},
	})
	return slog.New(h)
}

// Setup points the package at the given log file (empty means stderr) and
// severity. It may be called at most once, before the mount is served.
func Setup(filename string, level string) error {
	if err := SetLevel(level); err != nil {
		return err
	}

	if filename == "" {
		return nil
	}
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file %q: %w", filename, err)
	}
	defaultLog.Store(newLogger(f))
	return nil
}

// SetLevel parses and applies a severity name: trace, debug, info, warn or
// error.
func SetLevel(level string) error {
	switch strings.ToLower(level) {
	case "trace":
		programLevel.Set(LevelTrace)
	case "debug":
		programLevel.Set(slog.LevelDebug)
	case "", "info":
		programLevel.Set(slog.LevelInfo)
	case "warn", "warning":
		programLevel.Set(slog.LevelWarn)
	case "error":
		programLevel.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	return nil
}

// NewErrorLogger returns a *log.Logger that forwards to the error level,
// for handing to libraries (e.g. the fuse mount) that want the stdlib type.
func NewErrorLogger(prefix string) *log.Logger {
	return log.New(&levelWriter{level: slog.LevelError, prefix: prefix}, "", 0)
}

// NewDebugLogger is NewErrorLogger at debug severity.
func NewDebugLogger(prefix string) *log.Logger {
	return log.New(&levelWriter{level: slog.LevelDebug, prefix: prefix}, "", 0)
}

type levelWriter struct {
	level  slog.Level
	prefix string
}

func (w *levelWriter) Write(p []byte) (int, error) {
	defaultLog.Load().Log(context.Background(), w.level, w.prefix+strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func logf(level slog.Level, format string, v ...any) {
	l := defaultLog.Load()
	if !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...any) { logf(LevelTrace, format, v...) }

func Debugf(format string, v ...any) { logf(slog.LevelDebug, format, v...) }

func Infof(format string, v ...any) { logf(slog.LevelInfo, format, v...) }

func Warnf(format string, v ...any) { logf(slog.LevelWarn, format, v...) }

func Errorf(format string, v ...any) { logf(slog.LevelError, format, v...) }
