/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging provides shared logger initialization for costflow binaries.
package logging

import (
	"log"
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// EnvLogLevel names the environment variable consulted by NewLogger.
const EnvLogLevel = "LOG_LEVEL"

// NewLogger creates a logr.Logger backed by Zap, configured from LOG_LEVEL.
// "debug" or "trace" selects the development config; anything else selects
// production. The returned function flushes buffered entries.
func NewLogger() (logr.Logger, func(), error) {
	return NewLoggerForLevel(os.Getenv(EnvLogLevel))
}

// NewLoggerForLevel is NewLogger with an explicit level, used when a CLI flag
// overrides the environment.
func NewLoggerForLevel(level string) (logr.Logger, func(), error) {
	zapLog, err := newZapLogger(level)
	if err != nil {
		return logr.Logger{}, nil, err
	}
	sync := func() { _ = zapLog.Sync() }
	return zapr.NewLogger(zapLog), sync, nil
}

// NewZapLogger creates a *zap.Logger configured via LOG_LEVEL. Use it when a
// library needs a stdlib or slog logger sharing the same core.
func NewZapLogger() (*zap.Logger, error) {
	return newZapLogger(os.Getenv(EnvLogLevel))
}

// NewZapLoggerForLevel is NewZapLogger with an explicit level.
func NewZapLoggerForLevel(level string) (*zap.Logger, error) {
	return newZapLogger(level)
}

// SlogFromZap creates an *slog.Logger that writes directly to the Zap core.
func SlogFromZap(z *zap.Logger) *slog.Logger {
	return slog.New(zapslog.NewHandler(z.Core(), zapslog.WithCaller(true)))
}

// StdFromZap returns a *log.Logger writing at info level to the Zap core. The
// Kafka client accepts this as its package logger.
func StdFromZap(z *zap.Logger, component string) *log.Logger {
	return zap.NewStdLog(z.Named(component))
}

// NewObserved returns a logger whose entries are captured in memory, for
// asserting on log output in tests.
func NewObserved(level zapcore.Level) (logr.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zapr.NewLogger(zap.New(core)), logs
}

func newZapLogger(level string) (*zap.Logger, error) {
	switch level {
	case "debug", "trace":
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		return cfg.Build()
	default:
		return zap.NewProduction()
	}
}
