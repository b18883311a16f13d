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

package interceptor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the interception layer's Prometheus collectors.
type Metrics struct {
	Calls            *prometheus.CounterVec
	PolicyRejections prometheus.Counter
	TrackingFaults   *prometheus.CounterVec
	ReadOnlyExports  prometheus.Counter
	ReadOnlyImports  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rovmm",
			Subsystem: "interceptor",
			Name:      "calls_total",
			Help:      "Intercepted calls by operation and result code.",
		}, []string{"op", "result"}),
		PolicyRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rovmm",
			Subsystem: "interceptor",
			Name:      "policy_rejections_total",
			Help:      "Write access requests rejected on read-only allocations.",
		}),
		TrackingFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rovmm",
			Subsystem: "interceptor",
			Name:      "tracking_faults_total",
			Help:      "Read-only bookkeeping failures by kind.",
		}, []string{"kind"}),
		ReadOnlyExports: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rovmm",
			Subsystem: "interceptor",
			Name:      "readonly_exports_total",
			Help:      "Allocations exported with the read-only flag.",
		}),
		ReadOnlyImports: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rovmm",
			Subsystem: "interceptor",
			Name:      "readonly_imports_total",
			Help:      "Imports that resolved to a read-only allocation.",
		}),
	}
}
