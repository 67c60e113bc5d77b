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

// Package backend opens the checkpoint saver selected by configuration.
//
// Every saver is wrapped with checkpoint.Instrument so persistence latency
// and failures are reported the same way whichever store is in use.
package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tombee/stepgraph/internal/config"
	"github.com/tombee/stepgraph/pkg/checkpoint"
	"github.com/tombee/stepgraph/pkg/checkpoint/file"
	"github.com/tombee/stepgraph/pkg/checkpoint/memory"
	"github.com/tombee/stepgraph/pkg/checkpoint/postgres"
	"github.com/tombee/stepgraph/pkg/checkpoint/redis"
	"github.com/tombee/stepgraph/pkg/checkpoint/sqlite"
	sgerrors "github.com/tombee/stepgraph/pkg/errors"
)

// Saver is an opened checkpoint store. Close releases its connections.
type Saver interface {
	checkpoint.Saver
	io.Closer
}

// ThreadLister is implemented by stores that can enumerate their threads.
type ThreadLister interface {
	Threads(ctx context.Context) ([]string, error)
}

// Open connects to the backend named in cfg.
func Open(ctx context.Context, cfg config.CheckpointConfig) (Saver, error) {
	var (
		inner checkpoint.Saver
		err   error
	)

	switch cfg.Backend {
	case config.BackendMemory:
		inner = memory.New()
	case config.BackendFile:
		inner, err = file.New(file.Config{Dir: cfg.Dir})
	case config.BackendSQLite:
		if err = os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0700); err == nil {
			inner, err = sqlite.New(sqlite.Config{Path: cfg.SQLite.Path, WAL: cfg.SQLite.WAL})
		}
	case config.BackendPostgres:
		inner, err = postgres.New(ctx, postgres.Config{
			ConnectionString: cfg.Postgres.ConnectionString,
			MaxOpenConns:     cfg.Postgres.MaxOpenConns,
			MaxIdleConns:     cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime:  cfg.Postgres.ConnMaxLifetime,
		})
	case config.BackendRedis:
		inner, err = redis.New(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		})
	default:
		return nil, &sgerrors.ConfigError{
			Key:    "checkpoint.backend",
			Reason: fmt.Sprintf("unknown backend %q", cfg.Backend),
		}
	}
	if err != nil {
		return nil, &sgerrors.StorageError{Backend: cfg.Backend, Operation: "open", Cause: err}
	}

	return checkpoint.Instrument(inner, cfg.Backend), nil
}

// Threads lists the threads in s when the underlying store supports it.
// ok is false otherwise.
func Threads(ctx context.Context, s checkpoint.Saver) (threads []string, ok bool, err error) {
	if in, isWrapped := s.(*checkpoint.Instrumented); isWrapped {
		s = in.Unwrap()
	}
	switch v := s.(type) {
	case ThreadLister:
		threads, err = v.Threads(ctx)
		return threads, true, err
	case *memory.Saver:
		return v.Threads(), true, nil
	default:
		return nil, false, nil
	}
}
