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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/carverauto/agentradar/pkg/config"
	"github.com/carverauto/agentradar/pkg/engine"
	"github.com/carverauto/agentradar/pkg/lifecycle"
	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/version"
)

var errFailedToLoadConfig = errors.New("failed to load config")

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "agentradar.yaml"
	}

	return filepath.Join(dir, "agentradar", "agentradar.yaml")
}

func run() error {
	configPath := flag.String("config", defaultConfigPath(), "Path to engine config file (.yaml or .json)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetFullVersion())
		return nil
	}

	ctx := context.Background()

	var cfg engine.Config

	if err := loadConfig(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	logConfig := cfg.Logging
	if logConfig == nil {
		logConfig = logger.DefaultConfig()
	}

	engineLogger, err := lifecycle.CreateComponentLogger(ctx, "engine", logConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	defer func() { _ = lifecycle.ShutdownLogger() }()

	e, err := engine.New(ctx, &cfg, engineLogger)
	if err != nil {
		return err
	}

	return lifecycle.RunServer(ctx, &lifecycle.ServerOptions{
		ServiceName: "agentradar",
		Service:     e,
		Logger:      engineLogger,
	})
}

// loadConfig reads path when it exists or CONFIG_SOURCE selects another source;
// a missing default file runs on defaults.
func loadConfig(ctx context.Context, path string, cfg *engine.Config) error {
	if os.Getenv("CONFIG_SOURCE") == "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return cfg.Validate()
		}
	}

	return config.NewConfig(nil).LoadAndValidate(ctx, path, cfg)
}
