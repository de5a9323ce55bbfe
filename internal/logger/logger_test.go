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

package logger

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Point the package logger at a buffer for the duration of a test.
func capture(t *testing.T, severity string) *bytes.Buffer {
	t.Cleanup(func() {
		defaultLogger = slog.New(newHandler(io.Discard, "text", slog.LevelInfo))
	})

	var buf bytes.Buffer
	require.NoError(t, setLevel(severity))
	defaultLogger = slog.New(newHandler(&buf, "text", programLevel))
	return &buf
}

func emitAll() {
	Tracef("trace message")
	Debugf("debug message")
	Infof("info message")
	Warnf("warn message")
	Errorf("error message")
}

func TestSeverityFiltering(t *testing.T) {
	cases := []struct {
		severity string
		want     []string
		wantNot  []string
	}{
		{
			severity: "trace",
			want:     []string{"trace", "debug", "info", "warn", "error"},
		},
		{
			severity: "info",
			want:     []string{"info", "warn", "error"},
			wantNot:  []string{"trace message", "debug message"},
		},
		{
			severity: "error",
			want:     []string{"error"},
			wantNot:  []string{"info message", "warn message"},
		},
		{
			severity: "off",
			wantNot:  []string{"message"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.severity, func(t *testing.T) {
			buf := capture(t, tc.severity)
			emitAll()

			out := buf.String()
			for _, w := range tc.want {
				assert.Contains(t, out, w+" message")
			}
			for _, w := range tc.wantNot {
				assert.NotContains(t, out, w)
			}
		})
	}
}

func TestTraceLevelRendersByName(t *testing.T) {
	buf := capture(t, "trace")
	Tracef("finding the way")

	assert.Contains(t, buf.String(), "level=TRACE")
}

func TestJSONFormat(t *testing.T) {
	t.Cleanup(func() {
		defaultLogger = slog.New(newHandler(io.Discard, "text", slog.LevelInfo))
	})

	var buf bytes.Buffer
	require.NoError(t, setLevel("info"))
	defaultLogger = slog.New(newHandler(&buf, "json", programLevel))

	Infof("structured %d", 42)

	line := strings.TrimSpace(buf.String())
	assert.True(t, strings.HasPrefix(line, "{"), "got %q", line)
	assert.Contains(t, line, `"msg":"structured 42"`)
}

func TestInitRejectsUnknownSeverity(t *testing.T) {
	assert.Error(t, Init(Config{Severity: "loud"}))
}
