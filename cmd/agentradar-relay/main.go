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

	"github.com/carverauto/agentradar/pkg/config"
	"github.com/carverauto/agentradar/pkg/lifecycle"
	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/metrics"
	"github.com/carverauto/agentradar/pkg/relay"
	"github.com/carverauto/agentradar/pkg/version"
)

var errFailedToLoadConfig = errors.New("failed to load config")

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/agentradar/relay.yaml", "Path to relay config file (.yaml or .json)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetFullVersion())
		return nil
	}

	ctx := context.Background()

	var cfg relay.ServerConfig

	if err := config.NewConfig(nil).LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	logConfig := cfg.Logging
	if logConfig == nil {
		logConfig = logger.DefaultConfig()
	}

	relayLogger, err := lifecycle.CreateComponentLogger(ctx, "relay", logConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	defer func() { _ = lifecycle.ShutdownLogger() }()

	server, err := relay.NewServer(&cfg, relayLogger, relay.WithMetrics(metrics.New()))
	if err != nil {
		return err
	}

	return lifecycle.RunServer(ctx, &lifecycle.ServerOptions{
		ServiceName: "agentradar-relay",
		Service:     server,
		Logger:      relayLogger,
	})
}
