/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package lifecycle owns the per-process state of the read-only layer.
//
// A Runtime is built once per process. It wires the tracker, the
// interceptor, metrics and logging around a real driver, and opens the
// shared registry after the first successful Init. Close unmaps the segment
// and leaves it in place for other processes.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/srediag/gpu-roshare/api"
	"github.com/srediag/gpu-roshare/internal/audit"
	"github.com/srediag/gpu-roshare/internal/logging"
	"github.com/srediag/gpu-roshare/pkg/config"
	"github.com/srediag/gpu-roshare/pkg/interceptor"
	"github.com/srediag/gpu-roshare/pkg/registry"
	"github.com/srediag/gpu-roshare/pkg/tracker"
)

var (
	// ErrSharedInit wraps failures to open the shared registry during Init.
	ErrSharedInit = errors.New("lifecycle: shared registry unavailable")
	// ErrClosed is returned by Init after Close.
	ErrClosed = errors.New("lifecycle: runtime closed")
)

// Options configures New.
type Options struct {
	Config *config.Config
	// Driver is the real driver being wrapped.
	Driver api.Driver
	// Logger defaults to one built from Config.
	Logger *zap.Logger
	// Metrics defaults to a private registry.
	Metrics *prometheus.Registry
}

// Runtime is the process-wide context object.
type Runtime struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *prometheus.Registry

	regMetrics  *registry.Metrics
	trail       *audit.Trail
	tracker     *tracker.Tracker
	interceptor *interceptor.Interceptor

	mu       sync.Mutex
	registry *registry.Registry
	closed   bool
}

// New builds a Runtime around opts.Driver. Nothing is mapped until the
// first successful Init.
func New(opts Options) (*Runtime, error) {
	if opts.Driver == nil {
		return nil, errors.New("lifecycle: nil driver")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		var err error
		if log, err = logging.New(cfg.Logging()); err != nil {
			return nil, fmt.Errorf("lifecycle: logger: %w", err)
		}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = prometheus.NewRegistry()
	}

	r := &Runtime{
		cfg:        cfg,
		log:        log,
		metrics:    metrics,
		regMetrics: registry.NewMetrics(metrics),
		trail:      audit.NewTrail(cfg.Interceptor.AuditCapacity),
		tracker:    tracker.New(),
	}
	r.interceptor = interceptor.New(opts.Driver, interceptor.Options{
		Tracker:  r.tracker,
		Strict:   cfg.Interceptor.Strict,
		Logger:   log,
		Metrics:  interceptor.NewMetrics(metrics),
		Trail:    r.trail,
		InitHook: r.openShared,
	})
	r.trail.RegisterMetrics(metrics)
	return r, nil
}

func (r *Runtime) registryOptions() registry.Options {
	return registry.Options{
		Name:        r.cfg.Registry.Name,
		Dir:         r.cfg.Registry.Dir,
		Capacity:    r.cfg.Registry.Capacity,
		InitTimeout: r.cfg.Registry.InitTimeout.Std(),
		Logger:      r.log,
		Metrics:     r.regMetrics,
	}
}

// openShared runs once, from the interceptor, after the first successful
// Init.
func (r *Runtime) openShared() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Registry.InitTimeout.Std())
	defer cancel()
	reg, err := registry.Open(ctx, r.registryOptions())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSharedInit, err)
	}
	r.registry = reg
	r.interceptor.SetShared(reg)
	r.log.Info("read-only layer ready",
		zap.String("segment", reg.Path()),
		zap.Bool("initialized", reg.Initialized()),
		zap.Bool("strict", r.cfg.Interceptor.Strict))
	return nil
}

// Driver returns the intercepting driver to hand to callers.
func (r *Runtime) Driver() *interceptor.Interceptor { return r.interceptor }

// Registry returns the shared registry, or nil before the first Init.
func (r *Runtime) Registry() *registry.Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry
}

// Tracker returns the process-local bookkeeping.
func (r *Runtime) Tracker() *tracker.Tracker { return r.tracker }

// Trail returns the audit trail.
func (r *Runtime) Trail() *audit.Trail { return r.trail }

// Logger returns the runtime logger.
func (r *Runtime) Logger() *zap.Logger { return r.log }

// Metrics returns the registry holding every collector of the runtime.
func (r *Runtime) Metrics() *prometheus.Registry { return r.metrics }

// Config returns the configuration in use.
func (r *Runtime) Config() *config.Config { return r.cfg }

// FlushAudit writes every buffered audit event to the runtime logger.
func (r *Runtime) FlushAudit() int { return r.trail.Flush(r.log.Named("audit")) }

// Close flushes the audit trail, then detaches and unmaps the shared
// registry. The segment is not removed.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.interceptor.SetShared(nil)
	var err error
	if r.registry != nil {
		err = r.registry.Close()
	}
	r.FlushAudit()
	r.trail.Close()
	_ = r.log.Sync()
	return err
}
