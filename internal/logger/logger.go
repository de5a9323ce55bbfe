// Copyright 2024 Google Inc. All Rights Reserved.
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

// Package logger provides the process-wide structured logger. All packages
// log through the severity helpers below; the only other write to stderr
// is the command line's final error report.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelTrace sits below slog's predefined levels; we keep the extra
// severity because the cache's per-flush-cycle logging is far too chatty
// for debug builds otherwise.
const LevelTrace = slog.Level(-8)

// Config describes where and how verbosely to log.
type Config struct {
	// Path of the log file. Empty means stderr.
	FilePath string

	// "text" or "json".
	Format string

	// One of "trace", "debug", "info", "warning", "error", "off".
	Severity string

	// Rotation policy, used only when FilePath is set.
	MaxFileSizeMB int
	MaxBackups    int
}

var (
	defaultLogger = slog.New(newHandler(os.Stderr, "text", slog.LevelInfo))
	programLevel  = new(slog.LevelVar)
)

// Init replaces the default logger according to the given config. Not safe
// to call concurrently with logging; call it once during startup.
func Init(c Config) error {
	var w io.Writer = os.Stderr
	if c.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   c.FilePath,
			MaxSize:    max(c.MaxFileSizeMB, 1),
			MaxBackups: c.MaxBackups,
		}
	}

	if err := setLevel(c.Severity); err != nil {
		return err
	}

	defaultLogger = slog.New(newHandler(w, c.Format, programLevel))
	return nil
}

func setLevel(severity string) error {
	switch strings.ToLower(severity) {
	case "", "info":
		programLevel.Set(slog.LevelInfo)
	case "trace":
		programLevel.Set(LevelTrace)
	case "debug":
		programLevel.Set(slog.LevelDebug)
	case "warning":
		programLevel.Set(slog.LevelWarn)
	case "error":
		programLevel.Set(slog.LevelError)
	case "off":
		programLevel.Set(slog.Level(100))
	default:
		return fmt.Errorf("unknown log severity %q", severity)
	}

	return nil
}

func newHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Render the custom trace level by name rather than "DEBUG-4".
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}

	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}

	return slog.NewTextHandler(w, opts)
}

////////////////////////////////////////////////////////////////////////
// Severity helpers
////////////////////////////////////////////////////////////////////////

func Tracef(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...interface{}) {
	defaultLogger.Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...interface{}) {
	defaultLogger.Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...interface{}) {
	defaultLogger.Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...interface{}) {
	defaultLogger.Error(fmt.Sprintf(format, v...))
}
