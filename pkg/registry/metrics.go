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

package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the registry's Prometheus collectors.
type Metrics struct {
	Entries         prometheus.Gauge
	Marks           *prometheus.CounterVec
	Overflow        prometheus.Counter
	Initializations prometheus.Counter
	Lookups         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Entries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rovmm",
			Subsystem: "shared_registry",
			Name:      "entries",
			Help:      "Entries in the cross-process registry as last observed by this process.",
		}),
		Marks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rovmm",
			Subsystem: "shared_registry",
			Name:      "marks_total",
			Help:      "Read-only marks by outcome.",
		}, []string{"outcome"}),
		Overflow: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rovmm",
			Subsystem: "shared_registry",
			Name:      "overflow_total",
			Help:      "Read-only marks dropped by this process because the registry was full.",
		}),
		Initializations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rovmm",
			Subsystem: "shared_registry",
			Name:      "initializations_total",
			Help:      "Times this process constructed the shared table.",
		}),
		Lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rovmm",
			Subsystem: "shared_registry",
			Name:      "lookups_total",
			Help:      "Read-only lookups by result.",
		}, []string{"result"}),
	}
}
