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

package graph

import (
	"context"
	"errors"
	"iter"
)

// Stream runs the graph like Run and yields events as they happen: node
// updates, state values and checkpoints, and a final interrupt event if the
// run pauses. Events from subgraphs carry their namespace. Breaking out of
// the loop stops the run after the current checkpoint; a failure is yielded
// as the last element.
func (g *CompiledGraph) Stream(ctx context.Context, input any, cfg Config) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		emit := func(ev Event) error {
			if !yield(ev, nil) {
				return errStreamStopped
			}
			return nil
		}

		_, err := g.invoke(ctx, input, cfg, emit)
		if err != nil && !errors.Is(err, errStreamStopped) {
			yield(Event{}, err)
		}
	}
}
