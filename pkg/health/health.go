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

// Package health exposes liveness and readiness of the shared read-only
// registry over HTTP.
//
// /live fails when the segment is not mapped or not published. /ready also
// fails once a mark has been dropped for lack of room, or when no room is
// left for the next one.
package health

import (
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/gpu-roshare/pkg/registry"
)

const checkTimeout = time.Second

var (
	ErrSegmentDown = errors.New("health: shared segment not ready")
	ErrOverflowed  = errors.New("health: read-only marks were dropped")
	ErrFull        = errors.New("health: shared registry full")
)

// Source is the registry view the checks inspect. *registry.Registry
// implements it.
type Source interface {
	Ready() bool
	Stats() registry.Stats
}

// NewHandler builds the endpoint. A non-nil reg also exports the check
// results as Prometheus gauges under namespace.
func NewHandler(src Source, reg prometheus.Registerer, namespace string) healthcheck.Handler {
	var h healthcheck.Handler
	if reg != nil {
		h = healthcheck.NewMetricsHandler(reg, namespace)
	} else {
		h = healthcheck.NewHandler()
	}
	h.AddLivenessCheck("shared-segment", healthcheck.Timeout(SegmentLive(src), checkTimeout))
	h.AddReadinessCheck("registry-overflow", NoOverflow(src))
	h.AddReadinessCheck("registry-capacity", CapacityLeft(src))
	return h
}

// SegmentLive passes while the segment is mapped and published.
func SegmentLive(src Source) healthcheck.Check {
	return func() error {
		if !src.Ready() {
			return ErrSegmentDown
		}
		return nil
	}
}

// NoOverflow passes until a mark is dropped.
func NoOverflow(src Source) healthcheck.Check {
	return func() error {
		if st := src.Stats(); st.Overflow > 0 {
			return fmt.Errorf("%w: %d", ErrOverflowed, st.Overflow)
		}
		return nil
	}
}

// CapacityLeft passes while at least one slot is free.
func CapacityLeft(src Source) healthcheck.Check {
	return func() error {
		if st := src.Stats(); st.Count >= st.Capacity {
			return fmt.Errorf("%w: %d/%d", ErrFull, st.Count, st.Capacity)
		}
		return nil
	}
}
