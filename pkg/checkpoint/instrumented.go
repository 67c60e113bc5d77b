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

package checkpoint

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	sgerrors "github.com/tombee/stepgraph/pkg/errors"
)

var (
	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stepgraph_checkpoint_errors_total",
			Help: "Total checkpoint persistence errors by backend, operation and error type",
		},
		[]string{"backend", "operation", "error_type"},
	)

	persistenceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stepgraph_checkpoint_operation_seconds",
			Help:    "Checkpoint persistence latency by backend and operation",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		},
		[]string{"backend", "operation"},
	)
)

var _ Saver = (*Instrumented)(nil)

// Instrumented wraps a Saver, recording latency and failures and wrapping
// backend failures in *errors.StorageError. Not-found and validation errors
// pass through unchanged.
type Instrumented struct {
	inner   Saver
	backend string
}

// Instrument wraps s. backend labels the metrics (e.g. "sqlite").
func Instrument(s Saver, backend string) *Instrumented {
	return &Instrumented{inner: s, backend: backend}
}

// Unwrap returns the wrapped saver.
func (i *Instrumented) Unwrap() Saver { return i.inner }

// Put implements Saver.
func (i *Instrumented) Put(ctx context.Context, cp *Checkpoint) error {
	defer i.observe("put", time.Now())
	return i.wrap("put", i.inner.Put(ctx, cp))
}

// Get implements Saver.
func (i *Instrumented) Get(ctx context.Context, threadID, ns, id string) (*Checkpoint, error) {
	defer i.observe("get", time.Now())
	cp, err := i.inner.Get(ctx, threadID, ns, id)
	return cp, i.wrap("get", err)
}

// List implements Saver.
func (i *Instrumented) List(ctx context.Context, threadID, ns string, opts ListOptions) ([]*Checkpoint, error) {
	defer i.observe("list", time.Now())
	cps, err := i.inner.List(ctx, threadID, ns, opts)
	return cps, i.wrap("list", err)
}

// DeleteThread implements Saver.
func (i *Instrumented) DeleteThread(ctx context.Context, threadID string) error {
	defer i.observe("delete", time.Now())
	return i.wrap("delete", i.inner.DeleteThread(ctx, threadID))
}

// Close closes the wrapped saver if it holds resources.
func (i *Instrumented) Close() error {
	if c, ok := i.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (i *Instrumented) observe(op string, start time.Time) {
	persistenceLatency.WithLabelValues(i.backend, op).Observe(time.Since(start).Seconds())
}

func (i *Instrumented) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var nf *sgerrors.NotFoundError
	var ve *sgerrors.ValidationError
	if errors.As(err, &nf) || errors.As(err, &ve) {
		return err
	}

	persistenceErrors.WithLabelValues(i.backend, op, classify(err)).Inc()
	return &sgerrors.StorageError{Backend: i.backend, Operation: op, Cause: err}
}

func classify(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "context_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	default:
		return "unknown"
	}
}
