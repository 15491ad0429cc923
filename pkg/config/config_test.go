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

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

var errNoName = errors.New("name is required")

type relaySection struct {
	URL   string `json:"url" yaml:"url"`
	Token string `json:"token" yaml:"token"`
}

type sampleConfig struct {
	Name         string            `json:"name" yaml:"name"`
	PollInterval models.Duration   `json:"poll_interval" yaml:"poll_interval"`
	Timeout      time.Duration     `json:"timeout" yaml:"timeout"`
	Ports        []int             `json:"ports" yaml:"ports"`
	Tags         []string          `json:"tags" yaml:"tags"`
	Enabled      *bool             `json:"enabled" yaml:"enabled"`
	Relay        *relaySection     `json:"relay,omitempty" yaml:"relay,omitempty"`
	Labels       map[string]string `json:"labels" yaml:"labels"`
}

func (c *sampleConfig) Validate() error {
	if c.Name == "" {
		return errNoName
	}

	return nil
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadAndValidateJSONFile(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "")

	path := writeFile(t, "agentradar.json", `{"name":"dev","poll_interval":"5s","ports":[19851]}`)

	var cfg sampleConfig
	require.NoError(t, NewConfig(logger.NewTestLogger()).LoadAndValidate(context.Background(), path, &cfg))

	assert.Equal(t, "dev", cfg.Name)
	assert.Equal(t, 5*time.Second, cfg.PollInterval.Std())
	assert.Equal(t, []int{19851}, cfg.Ports)
}

func TestLoadAndValidateYAMLFile(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "file")

	path := writeFile(t, "agentradar.yaml", "name: laptop\npoll_interval: 2s\nrelay:\n  url: https://relay.example\n")

	var cfg sampleConfig
	require.NoError(t, NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg))

	assert.Equal(t, "laptop", cfg.Name)
	assert.Equal(t, 2*time.Second, cfg.PollInterval.Std())
	require.NotNil(t, cfg.Relay)
	assert.Equal(t, "https://relay.example", cfg.Relay.URL)
}

func TestLoadAndValidateRunsValidator(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "")

	path := writeFile(t, "empty.json", `{}`)

	var cfg sampleConfig
	err := NewConfig(logger.NewTestLogger()).LoadAndValidate(context.Background(), path, &cfg)
	require.ErrorIs(t, err, errNoName)
}

func TestLoadAndValidateMissingFile(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "")

	var cfg sampleConfig
	err := NewConfig(logger.NewTestLogger()).LoadAndValidate(context.Background(), "/nonexistent/agentradar.json", &cfg)
	require.Error(t, err)
}

func TestLoadAndValidateRejectsUnknownSource(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "kv")

	var cfg sampleConfig
	err := NewConfig(logger.NewTestLogger()).LoadAndValidate(context.Background(), "", &cfg)
	require.ErrorIs(t, err, errInvalidConfigSource)
}

func TestEnvLoaderMapsNestedFields(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "env")
	t.Setenv("AGENTRADAR_NAME", "from-env")
	t.Setenv("AGENTRADAR_POLL_INTERVAL", "4s")
	t.Setenv("AGENTRADAR_TIMEOUT", "250ms")
	t.Setenv("AGENTRADAR_PORTS", "19850, 19852")
	t.Setenv("AGENTRADAR_TAGS", "a,b")
	t.Setenv("AGENTRADAR_ENABLED", "false")
	t.Setenv("AGENTRADAR_RELAY_TOKEN", "s3cret")
	t.Setenv("AGENTRADAR_LABELS", `{"team":"infra"}`)

	var cfg sampleConfig
	require.NoError(t, NewConfig(logger.NewTestLogger()).LoadAndValidate(context.Background(), "", &cfg))

	assert.Equal(t, "from-env", cfg.Name)
	assert.Equal(t, 4*time.Second, cfg.PollInterval.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout)
	assert.Equal(t, []int{19850, 19852}, cfg.Ports)
	assert.Equal(t, []string{"a", "b"}, cfg.Tags)
	require.NotNil(t, cfg.Enabled)
	assert.False(t, *cfg.Enabled)
	require.NotNil(t, cfg.Relay)
	assert.Equal(t, "s3cret", cfg.Relay.Token)
	assert.Equal(t, map[string]string{"team": "infra"}, cfg.Labels)
}

func TestEnvLoaderLeavesUnsetPointersNil(t *testing.T) {
	t.Setenv("XTEST_NAME", "only-name")

	var cfg sampleConfig
	require.NoError(t, NewEnvConfigLoader(logger.NewTestLogger(), "XTEST_").Load(context.Background(), "", &cfg))

	assert.Equal(t, "only-name", cfg.Name)
	assert.Nil(t, cfg.Relay)
}

func TestEnvLoaderConfigJSON(t *testing.T) {
	t.Setenv("YTEST_CONFIG_JSON", `{"name":"blob","poll_interval":"1s"}`)

	var cfg sampleConfig
	require.NoError(t, NewEnvConfigLoader(logger.NewTestLogger(), "YTEST_").Load(context.Background(), "", &cfg))

	assert.Equal(t, "blob", cfg.Name)
	assert.Equal(t, time.Second, cfg.PollInterval.Std())
}

func TestEnvLoaderRejectsNonPointer(t *testing.T) {
	loader := NewEnvConfigLoader(logger.NewTestLogger(), "ZTEST_")

	require.ErrorIs(t, loader.Load(context.Background(), "", sampleConfig{}), ErrDstMustBeNonNilPointer)

	s := "x"
	require.ErrorIs(t, loader.Load(context.Background(), "", &s), ErrDstMustBePointerToStruct)
}
