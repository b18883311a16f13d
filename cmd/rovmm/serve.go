//go:build linux

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

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/srediag/gpu-roshare/pkg/health"
	"github.com/srediag/gpu-roshare/pkg/registry"
)

const observeInterval = 5 * time.Second

// newServeMux wires metrics and health for reg onto one mux.
func newServeMux(reg *registry.Registry, metrics *prometheus.Registry) *http.ServeMux {
	hc := health.NewHandler(reg, metrics, "rovmm")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{Registry: metrics}))
	mux.HandleFunc("/live", hc.LiveEndpoint)
	mux.HandleFunc("/ready", hc.ReadyEndpoint)
	return mux
}

func runServe(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", e.cfg.Serve.MetricsAddr, "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := e.registryOptions()
	opts.Metrics = registry.NewMetrics(metrics)
	reg, err := registry.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer reg.Close()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newServeMux(reg, metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		tick := time.NewTicker(observeInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
				return
			case <-tick.C:
				reg.Observe()
			}
		}
	}()

	e.log.Info("serving", zap.String("addr", *addr), zap.String("segment", reg.Path()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
