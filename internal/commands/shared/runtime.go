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

package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/tombee/stepgraph/internal/backend"
	"github.com/tombee/stepgraph/internal/config"
	"github.com/tombee/stepgraph/internal/examples"
	"github.com/tombee/stepgraph/internal/log"
	"github.com/tombee/stepgraph/internal/tracing"
	"github.com/tombee/stepgraph/pkg/graph"
)

// Runtime is what a command needs to build and drive a graph: the loaded
// configuration, a logger, the checkpoint store, and telemetry when enabled.
type Runtime struct {
	Config *config.Config
	Logger *slog.Logger
	Saver  backend.Saver

	telemetry *tracing.Provider
	metrics   *http.Server
}

// LoadConfig loads --config, or the default config file when it exists.
func LoadConfig() (*config.Config, error) {
	path := GetConfigPath()
	if path == "" {
		if p, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}
	return config.Load(path)
}

// NewRuntime loads configuration and opens the checkpoint store.
func NewRuntime(ctx context.Context) (*Runtime, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	logCfg := &log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	}
	switch {
	case GetVerbose():
		logCfg.Level = "debug"
	case GetQuiet():
		logCfg.Level = "error"
	}
	logger := log.New(logCfg)

	saver, err := backend.Open(ctx, cfg.Checkpoint)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg, Logger: logger, Saver: saver}

	if cfg.Tracing.Exporter != config.ExporterNone || cfg.Tracing.MetricsAddr != "" {
		version, _, _ := GetVersion()
		rt.telemetry, err = tracing.New(ctx, cfg.Tracing, version)
		if err != nil {
			_ = saver.Close()
			return nil, err
		}
		if cfg.Tracing.MetricsAddr != "" {
			if err := rt.serveMetrics(cfg.Tracing.MetricsAddr); err != nil {
				_ = rt.Close(ctx)
				return nil, err
			}
		}
	}

	logger.Debug("runtime ready",
		slog.String("backend", cfg.Checkpoint.Backend),
		slog.String("exporter", cfg.Tracing.Exporter))
	return rt, nil
}

// serveMetrics exposes /metrics for the lifetime of the command.
func (r *Runtime) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.telemetry.MetricsHandler())
	r.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := r.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.Logger.Error("metrics server stopped", log.Error(err))
		}
	}()
	r.Logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))
	return nil
}

// Graph compiles the built-in graph called name against the runtime's
// store and telemetry.
func (r *Runtime) Graph(name string) (*graph.CompiledGraph, error) {
	ex, err := examples.Get(name)
	if err != nil {
		return nil, NewInvalidInputError(fmt.Sprintf("unknown graph %q (available: %v)", name, examples.Names()), err)
	}

	opts := examples.Options{
		Saver:  r.Saver,
		Logger: r.Logger,
		Retry:  r.Config.RetryPolicy(),
	}
	if r.telemetry != nil {
		opts.TracerProvider = r.telemetry.TracerProvider()
		opts.MeterProvider = r.telemetry.MeterProvider()
	}
	return ex.Build(opts)
}

// Context bounds ctx by the configured execution timeout.
func (r *Runtime) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.Config.Execution.Timeout > 0 {
		return context.WithTimeout(ctx, r.Config.Execution.Timeout)
	}
	return context.WithCancel(ctx)
}

// GraphConfig returns the invocation config for a thread with the
// configured recursion limit.
func (r *Runtime) GraphConfig(threadID string) graph.Config {
	return graph.Config{
		ThreadID:       threadID,
		RecursionLimit: r.Config.Execution.RecursionLimit,
	}
}

// Close flushes telemetry and closes the checkpoint store.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if r.metrics != nil {
		errs = append(errs, r.metrics.Shutdown(ctx))
	}
	if r.telemetry != nil {
		errs = append(errs, r.telemetry.Shutdown(ctx))
	}
	errs = append(errs, r.Saver.Close())
	return errors.Join(errs...)
}
