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

package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tombee/stepgraph/pkg/checkpoint"
	"github.com/tombee/stepgraph/pkg/checkpoint/checkpointtest"
)

func TestFileSaver_Conformance(t *testing.T) {
	checkpointtest.Run(t, func(t *testing.T) checkpoint.Saver {
		s, err := New(Config{Dir: t.TempDir()})
		if err != nil {
			t.Fatalf("failed to create saver: %v", err)
		}
		return s
	})
}

func TestFileSaver_RequiresDir(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty directory")
	}
}

func TestFileSaver_Layout(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("failed to create saver: %v", err)
	}

	cp := &checkpoint.Checkpoint{ID: checkpoint.NewID(), ThreadID: "thread/1", Namespace: "sub:abc"}
	if err := s.Put(context.Background(), cp); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "thread%2F1" {
		t.Fatalf("expected one escaped thread directory, got %v", entries)
	}

	path := filepath.Join(dir, "thread%2F1", "sub:abc", cp.ID+".json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected checkpoint file at %s: %v", path, err)
	}
}

func TestFileSaver_IgnoresTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("failed to create saver: %v", err)
	}
	ctx := context.Background()

	cp := &checkpoint.Checkpoint{ID: checkpoint.NewID(), ThreadID: "t1"}
	if err := s.Put(ctx, cp); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	stray := filepath.Join(dir, "t1", rootNamespaceDir, ".zzzz.tmp")
	if err := os.WriteFile(stray, []byte("{"), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got, err := s.Get(ctx, "t1", "", "")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ID != cp.ID {
		t.Errorf("expected %s, got %s", cp.ID, got.ID)
	}
}
