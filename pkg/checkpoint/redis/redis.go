// Copyright 2025 Tom Barlow
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

// Package redis provides a Redis checkpoint saver.
//
// Keys:
//
//	<prefix>:cp:<thread>:<ns>:<id>  checkpoint JSON
//	<prefix>:idx:<thread>:<ns>      sorted set of checkpoint IDs (score 0, lexical order)
//	<prefix>:ns:<thread>            set of namespaces used by the thread
//
// Thread IDs, namespaces and checkpoint IDs are escaped so that ':' only
// ever appears as a key separator; namespaces such as "node:task" would
// otherwise let two distinct (thread, ns) pairs share a key.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tombee/stepgraph/pkg/checkpoint"
)

// Compile-time interface assertions.
var (
	_ checkpoint.Saver = (*Saver)(nil)
	_ io.Closer        = (*Saver)(nil)
)

// DefaultPrefix namespaces every key written by the saver.
const DefaultPrefix = "stepgraph"

// Saver is a Redis checkpoint store.
type Saver struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	owned  bool
}

// Config contains Redis connection configuration.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password authenticates with the server (optional).
	Password string

	// DB selects the logical database.
	DB int

	// Prefix overrides DefaultPrefix.
	Prefix string

	// TTL expires thread keys after inactivity. Zero keeps them forever.
	TTL time.Duration
}

// New connects to Redis.
func New(ctx context.Context, cfg Config) (*Saver, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewWithClient(client, cfg.Prefix, cfg.TTL)
	s.owned = true
	return s, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client goredis.UniversalClient, prefix string, ttl time.Duration) *Saver {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Saver{client: client, prefix: prefix, ttl: ttl}
}

var keyEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

func escapeKey(part string) string {
	return keyEscaper.Replace(part)
}

func (s *Saver) cpKey(threadID, ns, id string) string {
	return fmt.Sprintf("%s:cp:%s:%s:%s", s.prefix, escapeKey(threadID), escapeKey(ns), escapeKey(id))
}

func (s *Saver) indexKey(threadID, ns string) string {
	return fmt.Sprintf("%s:idx:%s:%s", s.prefix, escapeKey(threadID), escapeKey(ns))
}

func (s *Saver) namespacesKey(threadID string) string {
	return fmt.Sprintf("%s:ns:%s", s.prefix, escapeKey(threadID))
}

// Put stores a checkpoint and indexes it.
func (s *Saver) Put(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if err := checkpoint.Validate(cp); err != nil {
		return err
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	data, err := checkpoint.Marshal(cp)
	if err != nil {
		return err
	}

	idx := s.indexKey(cp.ThreadID, cp.Namespace)
	nsKey := s.namespacesKey(cp.ThreadID)

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.cpKey(cp.ThreadID, cp.Namespace, cp.ID), data, s.ttl)
		pipe.ZAdd(ctx, idx, goredis.Z{Score: 0, Member: cp.ID})
		pipe.SAdd(ctx, nsKey, cp.Namespace)
		if s.ttl > 0 {
			pipe.Expire(ctx, idx, s.ttl)
			pipe.Expire(ctx, nsKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Get retrieves a checkpoint, or the latest one when id is empty.
func (s *Saver) Get(ctx context.Context, threadID, ns, id string) (*checkpoint.Checkpoint, error) {
	if id == "" {
		ids, err := s.client.ZRevRangeByLex(ctx, s.indexKey(threadID, ns), &goredis.ZRangeBy{
			Min: "-", Max: "+", Count: 1,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint index: %w", err)
		}
		if len(ids) == 0 {
			return nil, checkpoint.NotFound(threadID, ns, "")
		}
		id = ids[0]
	}

	data, err := s.client.Get(ctx, s.cpKey(threadID, ns, id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, checkpoint.NotFound(threadID, ns, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return checkpoint.Unmarshal(data)
}

// List returns checkpoints newest first.
func (s *Saver) List(ctx context.Context, threadID, ns string, opts checkpoint.ListOptions) ([]*checkpoint.Checkpoint, error) {
	rng := &goredis.ZRangeBy{Min: "-", Max: "+"}
	if opts.Before != "" {
		rng.Max = "(" + opts.Before
	}
	if opts.Limit > 0 {
		rng.Count = int64(opts.Limit)
	}

	ids, err := s.client.ZRevRangeByLex(ctx, s.indexKey(threadID, ns), rng).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.cpKey(threadID, ns, id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoints: %w", err)
	}

	out := make([]*checkpoint.Checkpoint, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			// expired between index read and fetch
			continue
		}
		cp, err := checkpoint.Unmarshal([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// DeleteThread removes every key of a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	nsKey := s.namespacesKey(threadID)
	namespaces, err := s.client.SMembers(ctx, nsKey).Result()
	if err != nil {
		return fmt.Errorf("failed to read thread namespaces: %w", err)
	}

	keys := []string{nsKey}
	for _, ns := range namespaces {
		idx := s.indexKey(threadID, ns)
		ids, err := s.client.ZRange(ctx, idx, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("failed to read checkpoint index: %w", err)
		}
		keys = append(keys, idx)
		for _, id := range ids {
			keys = append(keys, s.cpKey(threadID, ns, id))
		}
	}

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

// Close closes the client when the saver created it.
func (s *Saver) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
