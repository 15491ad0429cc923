/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package lifecycle builds component loggers and runs long-lived services until signalled.
package lifecycle

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/carverauto/agentradar/pkg/logger"
)

// LoggerImpl implements logger.Logger on top of a zerolog.Logger without global state.
type LoggerImpl struct {
	logger zerolog.Logger
}

// NewLoggerImpl builds a logger from config, attaching an OTLP writer when enabled.
func NewLoggerImpl(ctx context.Context, config *logger.Config) (*LoggerImpl, error) {
	return newLoggerImpl(ctx, config, nil)
}

func newLoggerImpl(ctx context.Context, config *logger.Config, override io.Writer) (*LoggerImpl, error) {
	if config == nil {
		config = logger.DefaultConfig()
	}

	var output io.Writer = os.Stdout
	if config.Output == "stderr" {
		output = os.Stderr
	}

	if override != nil {
		output = override
	}

	level := zerolog.InfoLevel
	if config.Debug {
		level = zerolog.DebugLevel
	} else if config.Level != "" {
		var err error

		level, err = zerolog.ParseLevel(config.Level)
		if err != nil {
			return nil, err
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	if config.TimeFormat != "" {
		zerolog.TimeFieldFormat = config.TimeFormat
	}

	if config.OTel.Enabled && config.OTel.Endpoint != "" {
		otelWriter, err := logger.NewOTELWriter(ctx, config.OTel)
		if err != nil {
			return nil, err
		}

		output = logger.NewMultiWriter(output, otelWriter)
	}

	zlog := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &LoggerImpl{logger: zlog}, nil
}

func (l *LoggerImpl) Trace() *zerolog.Event { return l.logger.Trace() }
func (l *LoggerImpl) Debug() *zerolog.Event { return l.logger.Debug() }
func (l *LoggerImpl) Info() *zerolog.Event  { return l.logger.Info() }
func (l *LoggerImpl) Warn() *zerolog.Event  { return l.logger.Warn() }
func (l *LoggerImpl) Error() *zerolog.Event { return l.logger.Error() }
func (l *LoggerImpl) Fatal() *zerolog.Event { return l.logger.Fatal() }
func (l *LoggerImpl) Panic() *zerolog.Event { return l.logger.Panic() }
func (l *LoggerImpl) With() zerolog.Context { return l.logger.With() }

func (l *LoggerImpl) WithComponent(component string) zerolog.Logger {
	return l.logger.With().Str("component", component).Logger()
}

func (l *LoggerImpl) WithFields(fields map[string]interface{}) zerolog.Logger {
	return l.logger.With().Fields(fields).Logger()
}

func (l *LoggerImpl) SetLevel(level zerolog.Level) {
	l.logger = l.logger.Level(level)
}

func (l *LoggerImpl) SetDebug(debug bool) {
	if debug {
		l.SetLevel(zerolog.DebugLevel)
	} else {
		l.SetLevel(zerolog.InfoLevel)
	}
}

// CreateComponentLogger returns a logger stamped with component=<component>.
func CreateComponentLogger(ctx context.Context, component string, config *logger.Config) (logger.Logger, error) {
	impl, err := NewLoggerImpl(ctx, config)
	if err != nil {
		return nil, err
	}

	return &LoggerImpl{logger: impl.logger.With().Str("component", component).Logger()}, nil
}

// ShutdownLogger flushes any pending OTLP log batches.
func ShutdownLogger() error {
	return logger.ShutdownOTEL()
}
