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

// Package postgres provides a PostgreSQL checkpoint saver for deployments
// where several processes resume the same threads.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/tombee/stepgraph/pkg/checkpoint"
)

// Compile-time interface assertions.
var (
	_ checkpoint.Saver = (*Saver)(nil)
	_ io.Closer        = (*Saver)(nil)
)

// Saver is a PostgreSQL checkpoint store.
type Saver struct {
	db *sql.DB
}

// Config contains PostgreSQL connection configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum connection lifetime.
	ConnMaxLifetime time.Duration
}

// New connects to PostgreSQL and creates the checkpoint table.
func New(ctx context.Context, cfg Config) (*Saver, error) {
	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Saver{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Saver) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS stepgraph_checkpoints (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			parent_id TEXT,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stepgraph_checkpoints_thread ON stepgraph_checkpoints(thread_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Put stores a checkpoint.
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stepgraph_checkpoints (thread_id, checkpoint_ns, checkpoint_id, parent_id, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			parent_id = EXCLUDED.parent_id,
			data = EXCLUDED.data
	`, cp.ThreadID, cp.Namespace, cp.ID, nullString(cp.ParentID), data, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Get retrieves a checkpoint, or the latest one when id is empty.
func (s *Saver) Get(ctx context.Context, threadID, ns, id string) (*checkpoint.Checkpoint, error) {
	var row *sql.Row
	if id == "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT data FROM stepgraph_checkpoints
			WHERE thread_id = $1 AND checkpoint_ns = $2
			ORDER BY checkpoint_id DESC LIMIT 1
		`, threadID, ns)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT data FROM stepgraph_checkpoints
			WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3
		`, threadID, ns, id)
	}

	var data []byte
	err := row.Scan(&data)
	if err == sql.ErrNoRows {
		return nil, checkpoint.NotFound(threadID, ns, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return checkpoint.Unmarshal(data)
}

// List returns checkpoints newest first.
func (s *Saver) List(ctx context.Context, threadID, ns string, opts checkpoint.ListOptions) ([]*checkpoint.Checkpoint, error) {
	var b strings.Builder
	b.WriteString("SELECT data FROM stepgraph_checkpoints WHERE thread_id = $1 AND checkpoint_ns = $2")
	args := []any{threadID, ns}

	if opts.Before != "" {
		args = append(args, opts.Before)
		fmt.Fprintf(&b, " AND checkpoint_id < $%d", len(args))
	}
	b.WriteString(" ORDER BY checkpoint_id DESC")
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*checkpoint.Checkpoint
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp, err := checkpoint.Unmarshal(data)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DeleteThread removes every checkpoint of a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stepgraph_checkpoints WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

// Close closes the database connection pool.
func (s *Saver) Close() error {
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
