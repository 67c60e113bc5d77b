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

// Package file provides a checkpoint saver that writes one JSON file per
// checkpoint under a directory tree:
//
//	<dir>/<thread>/<namespace>/<checkpoint-id>.json
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tombee/stepgraph/pkg/checkpoint"
)

// Compile-time interface assertion.
var _ checkpoint.Saver = (*Saver)(nil)

const rootNamespaceDir = "_root"

// Saver stores checkpoints as files.
type Saver struct {
	mu  sync.RWMutex
	dir string
}

// Config contains file saver configuration.
type Config struct {
	// Dir is the directory to store checkpoint files.
	Dir string
}

// New creates a new file saver, creating the directory if needed.
func New(cfg Config) (*Saver, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Saver{dir: cfg.Dir}, nil
}

// Put writes a checkpoint file.
func (s *Saver) Put(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if err := checkpoint.Validate(cp); err != nil {
		return err
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nsDir := s.namespaceDir(cp.ThreadID, cp.Namespace)
	if err := os.MkdirAll(nsDir, 0700); err != nil {
		return fmt.Errorf("failed to create namespace directory: %w", err)
	}

	// Write to a temp file and rename so readers never see a partial file.
	name := url.PathEscape(cp.ID)
	tmp := filepath.Join(nsDir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(nsDir, name+".json")); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Get reads a checkpoint file, or the latest one when id is empty.
func (s *Saver) Get(ctx context.Context, threadID, ns, id string) (*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id == "" {
		ids, err := s.ids(threadID, ns)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, checkpoint.NotFound(threadID, ns, "")
		}
		id = ids[0]
	}

	return s.read(threadID, ns, id)
}

// List returns checkpoints newest first.
func (s *Saver) List(ctx context.Context, threadID, ns string, opts checkpoint.ListOptions) ([]*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, err := s.ids(threadID, ns)
	if err != nil {
		return nil, err
	}

	var out []*checkpoint.Checkpoint
	for _, id := range ids {
		if opts.Before != "" && id >= opts.Before {
			continue
		}
		cp, err := s.read(threadID, ns, id)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// DeleteThread removes a thread's directory.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.threadDir(threadID)); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

// ids returns checkpoint IDs of a namespace, newest first.
func (s *Saver) ids(threadID, ns string) ([]string, error) {
	entries, err := os.ReadDir(s.namespaceDir(threadID, ns))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".") {
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

func (s *Saver) read(threadID, ns, id string) (*checkpoint.Checkpoint, error) {
	path := filepath.Join(s.namespaceDir(threadID, ns), url.PathEscape(id)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, checkpoint.NotFound(threadID, ns, id)
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return checkpoint.Unmarshal(data)
}

func (s *Saver) threadDir(threadID string) string {
	return filepath.Join(s.dir, url.PathEscape(threadID))
}

func (s *Saver) namespaceDir(threadID, ns string) string {
	seg := rootNamespaceDir
	if ns != "" {
		seg = url.PathEscape(ns)
	}
	return filepath.Join(s.threadDir(threadID), seg)
}
