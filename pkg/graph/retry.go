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
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/tombee/stepgraph/internal/log"
	sgerrors "github.com/tombee/stepgraph/pkg/errors"
)

// RetryPolicy controls how a failing node is retried. Interrupts are never
// retried.
type RetryPolicy struct {
	// InitialInterval is the wait before the first retry.
	InitialInterval time.Duration

	// BackoffFactor multiplies the interval after each retry.
	BackoffFactor float64

	// MaxInterval caps the wait between retries, before jitter.
	MaxInterval time.Duration

	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Jitter adds up to one second of random wait to each retry.
	Jitter bool

	// RetryOn decides whether an error is worth retrying. Defaults to
	// errors.IsRetryable.
	RetryOn func(error) bool
}

// DefaultRetryPolicy returns the policy used when a node asks for retries
// without tuning them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		BackoffFactor:   2,
		MaxInterval:     128 * time.Second,
		MaxAttempts:     3,
		Jitter:          true,
	}
}

func (p *RetryPolicy) shouldRetry(err error) bool {
	if p.RetryOn != nil {
		return p.RetryOn(err)
	}
	return sgerrors.IsRetryable(err)
}

// backoff returns the wait before retry number attempt (1-based).
func (p *RetryPolicy) backoff(attempt int) time.Duration {
	interval := float64(p.InitialInterval)
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	for i := 1; i < attempt; i++ {
		interval *= factor
		if p.MaxInterval > 0 && interval >= float64(p.MaxInterval) {
			break
		}
	}
	wait := time.Duration(interval)
	if p.MaxInterval > 0 && wait > p.MaxInterval {
		wait = p.MaxInterval
	}
	if p.Jitter {
		wait += time.Duration(rand.Float64() * float64(time.Second))
	}
	return wait
}

// TaskError annotates a node failure with the task that produced it.
type TaskError struct {
	Node     string
	TaskID   string
	Attempts int
	Cause    error
}

func (e *TaskError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("task %q (id %s) failed after %d attempts: %v", e.Node, e.TaskID, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("task %q (id %s) failed: %v", e.Node, e.TaskID, e.Cause)
}

func (e *TaskError) Unwrap() error { return e.Cause }

// runWithRetry calls attempt until it succeeds, pauses, or the policy gives
// up. Each attempt starts from fresh input, so writes from a failed attempt
// never leak into the next.
func runWithRetry(ctx context.Context, logger *slog.Logger, policy *RetryPolicy, name, taskID string, attempt func(ctx context.Context, n int) (State, error)) (State, error) {
	attempts := 0
	for {
		attempts++
		update, err := attempt(ctx, attempts)
		if err == nil || IsInterrupt(err) || errors.Is(err, errStreamStopped) {
			return update, err
		}
		if ctx.Err() != nil {
			return nil, &TaskError{Node: name, TaskID: taskID, Attempts: attempts, Cause: err}
		}
		if policy == nil || attempts >= policy.MaxAttempts || !policy.shouldRetry(err) {
			return nil, &TaskError{Node: name, TaskID: taskID, Attempts: attempts, Cause: err}
		}

		wait := policy.backoff(attempts)
		logger.Warn("retrying task",
			slog.String(log.NodeKey, name),
			slog.String(log.TaskIDKey, taskID),
			slog.Int("attempt", attempts),
			slog.Duration("wait", wait),
			log.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &TaskError{Node: name, TaskID: taskID, Attempts: attempts, Cause: ctx.Err()}
		case <-timer.C:
		}
	}
}
