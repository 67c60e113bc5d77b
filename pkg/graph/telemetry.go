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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/tombee/stepgraph/pkg/graph"

// Task outcomes recorded on stepgraph_tasks_total.
const (
	statusSuccess     = "success"
	statusError       = "error"
	statusInterrupted = "interrupted"
	statusReplayed    = "replayed"
)

// instruments holds the graph's otel metric instruments.
type instruments struct {
	steps        metric.Int64Counter
	tasks        metric.Int64Counter
	interrupts   metric.Int64Counter
	stepDuration metric.Float64Histogram
}

func newInstruments(mp metric.MeterProvider) (*instruments, error) {
	meter := mp.Meter(instrumentationName)
	in := &instruments{}

	var err error
	in.steps, err = meter.Int64Counter(
		"stepgraph_steps_total",
		metric.WithDescription("Total number of super-steps executed"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	in.tasks, err = meter.Int64Counter(
		"stepgraph_tasks_total",
		metric.WithDescription("Total number of node tasks by outcome"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	in.interrupts, err = meter.Int64Counter(
		"stepgraph_interrupts_total",
		metric.WithDescription("Total number of graph halts by reason"),
		metric.WithUnit("{interrupt}"),
	)
	if err != nil {
		return nil, err
	}

	in.stepDuration, err = meter.Float64Histogram(
		"stepgraph_step_duration_seconds",
		metric.WithDescription("Super-step duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return in, nil
}

// noopInstruments is used when the configured provider cannot create
// instruments.
func noopInstruments() *instruments {
	in, _ := newInstruments(noop.NewMeterProvider())
	return in
}

func (in *instruments) recordStep(ctx context.Context, graph string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("graph", graph))
	in.steps.Add(ctx, 1, attrs)
	in.stepDuration.Record(ctx, d.Seconds(), attrs)
}

func (in *instruments) recordTask(ctx context.Context, graph, node, status string) {
	in.tasks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("graph", graph),
		attribute.String("node", node),
		attribute.String("status", status),
	))
}

func (in *instruments) recordHalt(ctx context.Context, graph, halt string) {
	in.interrupts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("graph", graph),
		attribute.String("halt", halt),
	))
}
