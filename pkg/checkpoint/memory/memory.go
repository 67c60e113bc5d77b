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

// Package memory provides an in-memory checkpoint saver.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tombee/stepgraph/pkg/checkpoint"
)

// Compile-time interface assertion.
var _ checkpoint.Saver = (*Saver)(nil)

// Saver is an in-memory checkpoint store. Checkpoints are stored encoded so
// callers can never alias the saved state.
type Saver struct {
	mu      sync.RWMutex
	threads map[string]map[string]map[string][]byte // thread -> ns -> id -> data
}

// New creates a new in-memory saver.
func New() *Saver {
	return &Saver{
		threads: make(map[string]map[string]map[string][]byte),
	}
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

	s.mu.Lock()
	defer s.mu.Unlock()

	nss, ok := s.threads[cp.ThreadID]
	if !ok {
		nss = make(map[string]map[string][]byte)
		s.threads[cp.ThreadID] = nss
	}
	ids, ok := nss[cp.Namespace]
	if !ok {
		ids = make(map[string][]byte)
		nss[cp.Namespace] = ids
	}
	ids[cp.ID] = data
	return nil
}

// Get retrieves a checkpoint, or the latest one when id is empty.
func (s *Saver) Get(ctx context.Context, threadID, ns, id string) (*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.threads[threadID][ns]
	if len(ids) == 0 {
		return nil, checkpoint.NotFound(threadID, ns, id)
	}

	if id == "" {
		for k := range ids {
			if k > id {
				id = k
			}
		}
	}

	data, ok := ids[id]
	if !ok {
		return nil, checkpoint.NotFound(threadID, ns, id)
	}
	return checkpoint.Unmarshal(data)
}

// List returns checkpoints newest first.
func (s *Saver) List(ctx context.Context, threadID, ns string, opts checkpoint.ListOptions) ([]*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.threads[threadID][ns]
	keys := make([]string, 0, len(ids))
	for k := range ids {
		if opts.Before != "" && k >= opts.Before {
			continue
		}
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}

	out := make([]*checkpoint.Checkpoint, 0, len(keys))
	for _, k := range keys {
		cp, err := checkpoint.Unmarshal(ids[k])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// DeleteThread removes all checkpoints for a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.threads, threadID)
	return nil
}

// Threads returns the IDs of every thread with at least one checkpoint.
func (s *Saver) Threads() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.threads))
	for id := range s.threads {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
