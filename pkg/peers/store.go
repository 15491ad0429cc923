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

package peers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

// Store is the host-local keyed registry of instance heartbeats. Implementations
// only persist entries; staleness is judged by the Registry.
type Store interface {
	Put(ctx context.Context, peer models.PeerInstance) error
	List(ctx context.Context) ([]models.PeerInstance, error)
	Delete(ctx context.Context, instanceID string) error
	Close() error
}

// NewStore builds the store selected by cfg.Store.
func NewStore(ctx context.Context, cfg *Config, log logger.Logger) (Store, error) {
	switch cfg.Store {
	case StoreNATS:
		return DialNATSStore(ctx, cfg.NATSURL, cfg.NATSBucket, cfg.TTL.Std(), log)
	case StoreFile, "":
		return NewFileStore(cfg.RegistryDir, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, cfg.Store)
	}
}

// FileStore keeps one JSON file per instance in a shared directory.
type FileStore struct {
	dir    string
	logger logger.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates dir when needed.
func NewFileStore(dir string, log logger.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create peer registry dir: %w", err)
	}

	return &FileStore{dir: dir, logger: log}, nil
}

func (s *FileStore) path(instanceID string) string {
	return filepath.Join(s.dir, instanceID+".json")
}

// Put writes through a temp file and rename so readers never see a partial entry.
func (s *FileStore) Put(_ context.Context, peer models.PeerInstance) error {
	if peer.InstanceID == "" {
		return errEmptyInstanceID
	}

	data, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("failed to marshal peer entry: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".peer-*")
	if err != nil {
		return fmt.Errorf("failed to create peer entry: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write peer entry: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write peer entry: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path(peer.InstanceID)); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to publish peer entry: %w", err)
	}

	return nil
}

// List skips entries that cannot be decoded; a peer mid-write or a foreign file
// must not hide the others.
func (s *FileStore) List(_ context.Context) ([]models.PeerInstance, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read peer registry: %w", err)
	}

	out := make([]models.PeerInstance, 0, len(entries))

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}

		var peer models.PeerInstance
		if err := json.Unmarshal(data, &peer); err != nil || peer.InstanceID == "" {
			s.logger.Debug().Str("file", name).Msg("Skipping unreadable peer entry")
			continue
		}

		out = append(out, peer)
	}

	return out, nil
}

func (s *FileStore) Delete(_ context.Context, instanceID string) error {
	if err := os.Remove(s.path(instanceID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove peer entry: %w", err)
	}

	return nil
}

func (*FileStore) Close() error { return nil }
