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

// Package sqlite provides a SQLite checkpoint saver for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tombee/stepgraph/pkg/checkpoint"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ checkpoint.Saver = (*Saver)(nil)
	_ io.Closer        = (*Saver)(nil)
)

// Saver is a SQLite checkpoint store.
type Saver struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens (and migrates) a SQLite checkpoint database.
func New(cfg Config) (*Saver, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Saver{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *Saver) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Saver) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			parent_id TEXT,
			data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id)`,
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

	query := `
		INSERT INTO checkpoints (thread_id, checkpoint_ns, checkpoint_id, parent_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			parent_id = excluded.parent_id,
			data = excluded.data
	`
	_, err = s.db.ExecContext(ctx, query,
		cp.ThreadID, cp.Namespace, cp.ID, nullString(cp.ParentID),
		string(data), cp.CreatedAt.Format(time.RFC3339Nano),
	)
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
			SELECT data FROM checkpoints
			WHERE thread_id = ? AND checkpoint_ns = ?
			ORDER BY checkpoint_id DESC LIMIT 1
		`, threadID, ns)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT data FROM checkpoints
			WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
		`, threadID, ns, id)
	}

	var data string
	err := row.Scan(&data)
	if err == sql.ErrNoRows {
		return nil, checkpoint.NotFound(threadID, ns, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return checkpoint.Unmarshal([]byte(data))
}

// List returns checkpoints newest first.
func (s *Saver) List(ctx context.Context, threadID, ns string, opts checkpoint.ListOptions) ([]*checkpoint.Checkpoint, error) {
	var b strings.Builder
	b.WriteString("SELECT data FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ?")
	args := []any{threadID, ns}

	if opts.Before != "" {
		b.WriteString(" AND checkpoint_id < ?")
		args = append(args, opts.Before)
	}
	b.WriteString(" ORDER BY checkpoint_id DESC")
	if opts.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*checkpoint.Checkpoint
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp, err := checkpoint.Unmarshal([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DeleteThread removes every checkpoint of a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

// Threads lists thread IDs that have checkpoints, most recently active first.
func (s *Saver) Threads(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id FROM checkpoints
		GROUP BY thread_id
		ORDER BY MAX(checkpoint_id) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *Saver) Close() error {
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
