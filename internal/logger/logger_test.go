// Copyright 2024 The Container-Native FS Interposer Authors
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
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	jsonInfoString  = `^\{"timestamp":\{"seconds":\d{10},"nanos":\d{0,9}\},"severity":"INFO","message":"TestLogs: www.infoExample.com"\}`
	jsonErrorString = `^\{"timestamp":\{"seconds":\d{10},"nanos":\d{0,9}\},"severity":"ERROR","message":"TestLogs: www.errorExample.com"\}`
)

func redirectLogsToGivenBuffer(buf *bytes.Buffer, level string) {
	var programLevel = new(slog.LevelVar)
	defaultLogger = slog.New(
		defaultLoggerFactory.createJsonOrTextHandler(buf, programLevel, "TestLogs: "),
	)
	setLoggingLevel(level, programLevel)
}

// fetchLogOutputForSpecifiedSeverityLevel runs the given log writers with a
// logger configured at level and returns each one's output.
func fetchLogOutputForSpecifiedSeverityLevel(level string, functions []func()) []string {
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, level)

	var output []string
	for _, f := range functions {
		f()
		output = append(output, buf.String())
		buf.Reset()
	}
	return output
}

func getTestLoggingFunctions() []func() {
	return []func(){
		func() { Tracef("www.traceExample.com") },
		func() { Debugf("www.debugExample.com") },
		func() { Infof("www.infoExample.com") },
		func() { Warnf("www.warningExample.com") },
		func() { Errorf("www.errorExample.com") },
	}
}

func validateOutput(t *testing.T, expected []string, output []string) {
	t.Helper()
	for i := range output {
		if expected[i] == "" {
			assert.Equal(t, expected[i], output[i])
		} else {
			expectedRegexp := regexp.MustCompile(expected[i])
			assert.True(t, expectedRegexp.MatchString(output[i]), "unexpected output %q", output[i])
		}
	}
}

func TestJsonOutputAtInfoSeverity(t *testing.T) {
	defaultLoggerFactory.format = "json"

	output := fetchLogOutputForSpecifiedSeverityLevel("INFO", getTestLoggingFunctions())

	validateOutput(t, []string{"", "", jsonInfoString, `"severity":"WARNING"`, jsonErrorString}, output)
}

func TestJsonOutputAtErrorSeverity(t *testing.T) {
	defaultLoggerFactory.format = "json"

	output := fetchLogOutputForSpecifiedSeverityLevel("ERROR", getTestLoggingFunctions())

	validateOutput(t, []string{"", "", "", "", jsonErrorString}, output)
}

func TestTextOutputIncludesSeverityNames(t *testing.T) {
	defaultLoggerFactory.format = "text"

	output := fetchLogOutputForSpecifiedSeverityLevel("TRACE", getTestLoggingFunctions())

	for i, severity := range []string{"TRACE", "DEBUG", "INFO", "WARNING", "ERROR"} {
		assert.Contains(t, output[i], "severity="+severity)
	}
}

func TestOffSeveritySilencesEverything(t *testing.T) {
	defaultLoggerFactory.format = "json"

	output := fetchLogOutputForSpecifiedSeverityLevel("OFF", getTestLoggingFunctions())

	for _, s := range output {
		assert.Empty(t, s)
	}
}

func TestNewLegacyLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, "INFO")

	assert.Nil(t, NewLegacyLogger(slog.LevelDebug, "fuse_debug: "))

	l := NewLegacyLogger(slog.LevelError, "fuse: ")
	assert.NotNil(t, l)
	l.Printf("boom")
	assert.Contains(t, buf.String(), "boom")
}
