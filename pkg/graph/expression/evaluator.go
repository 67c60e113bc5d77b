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

// Package expression evaluates expr-lang routing expressions against graph state.
//
// State keys are visible at the top level and under "state":
//
//	len(input) > 5
//	state.attempts >= 3 ? "give_up" : "retry"
package expression

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/stepgraph/pkg/errors"
)

// Evaluator compiles and evaluates expressions, caching compiled programs.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate evaluates a boolean expression. An empty expression is true.
func (e *Evaluator) Evaluate(expression string, state map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	result, err := e.run(expression, state)
	if err != nil {
		return false, err
	}

	b, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression must return boolean, got %T (%v)", result, result),
			Suggestion: "use comparison operators (==, !=, <, >, etc.) or boolean functions",
		}
	}
	return b, nil
}

// Route evaluates an expression that yields a node name.
func (e *Evaluator) Route(expression string, state map[string]any) (string, error) {
	result, err := e.run(expression, state)
	if err != nil {
		return "", err
	}

	s, ok := result.(string)
	if !ok {
		return "", &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("routing expression must return a node name, got %T (%v)", result, result),
			Suggestion: `use a conditional such as: len(input) > 5 ? "long" : "short"`,
		}
	}
	return s, nil
}

func (e *Evaluator) run(expression string, state map[string]any) (any, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "check expression syntax",
		}
	}

	result, err := expr.Run(program, buildEnv(state))
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression evaluation failed: %s", err.Error()),
			Suggestion: "verify that all referenced state keys exist",
		}
	}
	return result, nil
}

// compile compiles an expression and caches the result.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(expression,
		expr.Env(functions()),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}

// CacheSize returns the number of cached expressions.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func buildEnv(state map[string]any) map[string]any {
	env := functions()
	for k, v := range state {
		if _, reserved := env[k]; !reserved {
			env[k] = v
		}
	}
	env["state"] = state
	return env
}

// functions returns helpers available to every expression.
// "contains" is a reserved string operator in expr, so membership is "has".
func functions() map[string]any {
	return map[string]any{
		"has":   hasFunc,
		"empty": emptyFunc,
	}
}

func hasFunc(collection any, target any) bool {
	if collection == nil {
		return false
	}
	v := reflect.ValueOf(collection)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if reflect.DeepEqual(v.Index(i).Interface(), target) {
				return true
			}
		}
	case reflect.Map:
		tv := reflect.ValueOf(target)
		if tv.IsValid() && tv.Type().AssignableTo(v.Type().Key()) {
			return v.MapIndex(tv).IsValid()
		}
	}
	return false
}

func emptyFunc(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	}
	return false
}
