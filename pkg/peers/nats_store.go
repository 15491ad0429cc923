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
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/agentradar/pkg/logger"
	"github.com/carverauto/agentradar/pkg/models"
)

const natsSetupTimeout = 5 * time.Second

// NATSStore keeps heartbeats in a JetStream KV bucket. The bucket TTL expires
// entries of instances that died without deregistering.
type NATSStore struct {
	nc     *nats.Conn
	kv     jetstream.KeyValue
	bucket string
	logger logger.Logger
	ownsNC bool
}

var _ Store = (*NATSStore)(nil)

// DialNATSStore connects to url and opens (or creates) bucket.
func DialNATSStore(ctx context.Context, url, bucket string, ttl time.Duration, log logger.Logger) (*NATSStore, error) {
	nc, err := nats.Connect(url,
		nats.Name("agentradar-peers"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	s, err := NewNATSStore(ctx, nc, bucket, ttl, log)
	if err != nil {
		nc.Close()

		return nil, err
	}

	s.ownsNC = true

	return s, nil
}

// NewNATSStore uses an existing connection; the caller keeps ownership of nc.
func NewNATSStore(ctx context.Context, nc *nats.Conn, bucket string, ttl time.Duration, log logger.Logger) (*NATSStore, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, natsSetupTimeout)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
		TTL:     ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open peer bucket %s: %w", bucket, err)
	}

	return &NATSStore{nc: nc, kv: kv, bucket: bucket, logger: log}, nil
}

func (s *NATSStore) Put(ctx context.Context, peer models.PeerInstance) error {
	if peer.InstanceID == "" {
		return errEmptyInstanceID
	}

	data, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("failed to marshal peer entry: %w", err)
	}

	_, err = s.kv.Put(ctx, peer.InstanceID, data)

	return err
}

func (s *NATSStore) List(ctx context.Context) ([]models.PeerInstance, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}

		return nil, err
	}
	defer func() { _ = lister.Stop() }()

	var out []models.PeerInstance

	for key := range lister.Keys() {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}

			return nil, err
		}

		var peer models.PeerInstance
		if err := json.Unmarshal(entry.Value(), &peer); err != nil || peer.InstanceID == "" {
			s.logger.Debug().Str("key", key).Msg("Skipping unreadable peer entry")
			continue
		}

		out = append(out, peer)
	}

	return out, nil
}

func (s *NATSStore) Delete(ctx context.Context, instanceID string) error {
	if err := s.kv.Delete(ctx, instanceID); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return err
	}

	return nil
}

func (s *NATSStore) Close() error {
	if s.ownsNC {
		s.nc.Close()
	}

	return nil
}
