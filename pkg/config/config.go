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

// Package config loads agentradar configuration from files or the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/carverauto/agentradar/pkg/logger"
)

var (
	errInvalidConfigSource = errors.New("invalid CONFIG_SOURCE value")
	errInvalidConfigPtr    = errors.New("config must be a non-nil pointer")
)

const (
	configSourceFile = "file"
	configSourceEnv  = "env"

	// DefaultEnvPrefix is used by the env loader unless CONFIG_ENV_PREFIX overrides it.
	DefaultEnvPrefix = "AGENTRADAR_"
)

// ConfigLoader populates dst from some source. path is ignored by sources that do not use it.
type ConfigLoader interface {
	Load(ctx context.Context, path string, dst interface{}) error
}

// Validator is implemented by config structs that fill defaults and check invariants.
type Validator interface {
	Validate() error
}

// Config holds the configuration loading dependencies.
type Config struct {
	defaultLoader ConfigLoader
	logger        logger.Logger
}

// NewConfig returns a loader that reads files by default. A nil logger gets a
// stderr logger at warn level, since the real logger is built from the config being loaded.
func NewConfig(log logger.Logger) *Config {
	if log == nil {
		log = newBootstrapLogger()
	}

	return &Config{
		defaultLoader: &FileConfigLoader{logger: log},
		logger:        log,
	}
}

// ValidateConfig validates a configuration if it implements Validator.
func ValidateConfig(cfg interface{}) error {
	v, ok := cfg.(Validator)
	if !ok {
		return nil
	}

	return v.Validate()
}

// LoadAndValidate loads cfg from the source selected by CONFIG_SOURCE and validates it.
func (c *Config) LoadAndValidate(ctx context.Context, path string, cfg interface{}) error {
	if cfg == nil {
		return errInvalidConfigPtr
	}

	loader, err := c.loaderFor(strings.ToLower(os.Getenv("CONFIG_SOURCE")))
	if err != nil {
		return err
	}

	if err := loader.Load(ctx, path, cfg); err != nil {
		return err
	}

	return ValidateConfig(cfg)
}

func (c *Config) loaderFor(source string) (ConfigLoader, error) {
	switch source {
	case configSourceEnv:
		prefix := os.Getenv("CONFIG_ENV_PREFIX")
		if prefix == "" {
			prefix = DefaultEnvPrefix
		}

		return NewEnvConfigLoader(c.logger, prefix), nil
	case configSourceFile, "":
		return c.defaultLoader, nil
	default:
		return nil, fmt.Errorf("%w: %s (expected '%s' or '%s')",
			errInvalidConfigSource, source, configSourceFile, configSourceEnv)
	}
}

type bootstrapLogger struct {
	zerolog.Logger
}

func newBootstrapLogger() logger.Logger {
	return &bootstrapLogger{
		Logger: zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger(),
	}
}

func (b *bootstrapLogger) With() zerolog.Context { return b.Logger.With() }

func (b *bootstrapLogger) WithComponent(component string) zerolog.Logger {
	return b.Logger.With().Str("component", component).Logger()
}

func (b *bootstrapLogger) WithFields(fields map[string]interface{}) zerolog.Logger {
	return b.Logger.With().Fields(fields).Logger()
}

func (b *bootstrapLogger) SetLevel(level zerolog.Level) { b.Logger = b.Logger.Level(level) }

func (b *bootstrapLogger) SetDebug(debug bool) {
	if debug {
		b.SetLevel(zerolog.DebugLevel)
	} else {
		b.SetLevel(zerolog.InfoLevel)
	}
}
