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
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/container-native-fs/interposer/cfg"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Output format name, the levels added below and above slog's own, and the
// attribute keys written in place of slog's defaults.
const (
	textFormat = "text"

	// LevelTrace sits below slog.LevelDebug; slog has no built-in trace level.
	LevelTrace = slog.Level(-8)
	LevelOff   = slog.Level(12)

	messageKey   = "message"
	timestampKey = "timestamp"
	severityKey  = "severity"
)

var (
	defaultLoggerFactory *loggerFactory
	defaultLogger        *slog.Logger
	defaultLevel         = new(slog.LevelVar)
)

func init() {
	defaultLoggerFactory = &loggerFactory{
		file:   nil,
		format: "json",
		level:  string(cfg.InfoLogSeverity),
	}
	defaultLogger = defaultLoggerFactory.newLogger(defaultLevel)
}

// InitLogFile initializes the logger factory to create loggers that print to
// a log file, rotated by lumberjack. In case of the empty file path, it
// creates loggers that print to stdout.
func InitLogFile(logConfig cfg.LoggingConfig) error {
	var f *lumberjack.Logger
	if logConfig.FilePath != "" {
		f = &lumberjack.Logger{
			Filename:   string(logConfig.FilePath),
			MaxSize:    int(logConfig.LogRotate.MaxFileSizeMb),
			MaxBackups: int(logConfig.LogRotate.BackupFileCount),
			Compress:   logConfig.LogRotate.Compress,
		}
	}

	defaultLoggerFactory = &loggerFactory{
		file:      f,
		format:    logConfig.Format,
		level:     string(logConfig.Severity),
		logRotate: logConfig.LogRotate,
	}
	defaultLogger = defaultLoggerFactory.newLogger(defaultLevel)

	return nil
}

// Close flushes and closes the underlying log file, if any.
func Close() {
	if f := defaultLoggerFactory.file; f != nil {
		_ = f.Close()
	}
}

// Tracef prints the message with TRACE severity in the specified format.
func Tracef(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...))
}

// Debugf prints the message with DEBUG severity in the specified format.
func Debugf(format string, v ...interface{}) {
	defaultLogger.Debug(fmt.Sprintf(format, v...))
}

// Infof prints the message with INFO severity in the specified format.
func Infof(format string, v ...interface{}) {
	defaultLogger.Info(fmt.Sprintf(format, v...))
}

// Warnf prints the message with WARNING severity in the specified format.
func Warnf(format string, v ...interface{}) {
	defaultLogger.Warn(fmt.Sprintf(format, v...))
}

// Errorf prints the message with ERROR severity in the specified format.
func Errorf(format string, v ...interface{}) {
	defaultLogger.Error(fmt.Sprintf(format, v...))
}

// Fatal prints an error log and exits with non-zero exit code.
func Fatal(format string, v ...interface{}) {
	Errorf(format, v...)
	Close()
	os.Exit(1)
}

type loggerFactory struct {
	// If nil, log to stdout.
	file      *lumberjack.Logger
	format    string
	level     string
	logRotate cfg.LogRotateLoggingConfig
}

func (f *loggerFactory) newLogger(levelVar *slog.LevelVar) *slog.Logger {
	setLoggingLevel(f.level, levelVar)
	return slog.New(f.createJsonOrTextHandler(f.writer(), levelVar, ""))
}

func (f *loggerFactory) writer() io.Writer {
	if f.file != nil {
		return f.file
	}
	return os.Stdout
}

func (f *loggerFactory) createJsonOrTextHandler(writer io.Writer, levelVar *slog.LevelVar, prefix string) slog.Handler {
	options := &slog.HandlerOptions{
		Level:       levelVar,
		ReplaceAttr: replaceAttr(prefix, f.format == textFormat),
	}
	if f.format == textFormat {
		return slog.NewTextHandler(writer, options)
	}
	return slog.NewJSONHandler(writer, options)
}

func setLoggingLevel(level string, programLevel *slog.LevelVar) {
	switch cfg.LogSeverity(level) {
	case cfg.TraceLogSeverity:
		programLevel.Set(LevelTrace)
	case cfg.DebugLogSeverity:
		programLevel.Set(slog.LevelDebug)
	case cfg.InfoLogSeverity:
		programLevel.Set(slog.LevelInfo)
	case cfg.WarningLogSeverity:
		programLevel.Set(slog.LevelWarn)
	case cfg.ErrorLogSeverity:
		programLevel.Set(slog.LevelError)
	case cfg.OffLogSeverity:
		programLevel.Set(LevelOff)
	default:
		programLevel.Set(slog.LevelInfo)
	}
}

func severityName(l slog.Level) string {
	switch {
	case l <= LevelTrace:
		return "TRACE"
	case l <= slog.LevelDebug:
		return "DEBUG"
	case l <= slog.LevelInfo:
		return "INFO"
	case l <= slog.LevelWarn:
		return "WARNING"
	default:
		return "ERROR"
	}
}

// replaceAttr renames the built-in slog keys to the fluentd-compatible ones
// and, for the JSON format, splits the timestamp into seconds and nanos.
func replaceAttr(prefix string, text bool) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.TimeKey:
			t := a.Value.Time()
			if text {
				return slog.String("time", t.Round(time.Microsecond).Format("02/01/2006 03:04:05.000000"))
			}
			return slog.Attr{
				Key: timestampKey,
				Value: slog.GroupValue(
					slog.Int64("seconds", t.Unix()),
					slog.Int64("nanos", int64(t.Nanosecond())),
				),
			}

		case slog.LevelKey:
			return slog.String(severityKey, severityName(a.Value.Any().(slog.Level)))

		case slog.MessageKey:
			return slog.String(messageKey, prefix+a.Value.String())

		default:
			return a
		}
	}
}

// NewLegacyLogger returns a *log.Logger for libraries that only accept the
// standard library's logger (e.g. the FUSE mount config). Returns nil when
// the given level is disabled, so callers skip formatting entirely.
func NewLegacyLogger(level slog.Level, prefix string) *log.Logger {
	if !defaultLogger.Enabled(context.Background(), level) {
		return nil
	}
	return log.New(&slogWriter{level: level}, prefix, 0)
}

type slogWriter struct {
	level slog.Level
}

func (w *slogWriter) Write(p []byte) (int, error) {
	defaultLogger.Log(context.Background(), w.level, string(p))
	return len(p), nil
}
