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
	"reflect"
	"slices"
)

// Clone returns a deep copy of the state. Nested maps and slices are copied;
// other values are shared.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case State:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}

// writesOf returns what a node changed: keys it mutated in its copy of
// before, overlaid with the update it returned.
func writesOf(before, local, update State) State {
	writes := State{}
	for k, v := range local {
		old, ok := before[k]
		if !ok || !reflect.DeepEqual(old, v) {
			writes[k] = v
		}
	}
	for k, v := range update {
		writes[k] = v
	}
	return writes
}

// apply merges writes into values using the graph's reducers.
func apply(values, writes State, reducers map[string]Reducer) {
	for k, v := range writes {
		if r, ok := reducers[k]; ok {
			values[k] = r(values[k], v)
			continue
		}
		values[k] = v
	}
}

// AppendReducer appends updates to a list. A slice update is appended
// element by element; any other value is appended as one element.
func AppendReducer(current, update any) any {
	var out []any
	switch c := current.(type) {
	case nil:
	case []any:
		out = append(out, c...)
	default:
		out = append(out, toList(c)...)
	}
	return append(out, toList(update)...)
}

func toList(v any) []any {
	if v == nil {
		return nil
	}
	if l, ok := v.([]any); ok {
		return l
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{v}
}

// SumReducer adds numeric updates to the current value. Values that have
// passed through a checkpoint are float64, so the sum is a float64.
func SumReducer(current, update any) any {
	return toFloat(current) + toFloat(update)
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}
