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

// Package audit keeps a bounded, in-memory trail of policy decisions and
// tracking faults. When the trail is full the oldest event is dropped.
package audit

import (
	"sync/atomic"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	// DefaultCapacity is rounded up to a power of two by the ring.
	DefaultCapacity = 256

	pollTimeout = time.Microsecond
)

// Kind classifies an audit event.
type Kind int

const (
	KindPolicyRejection Kind = iota
	KindTrackingFault
	KindReadOnlyExport
	KindReadOnlyImport
)

func (k Kind) String() string {
	switch k {
	case KindPolicyRejection:
		return "policy-rejection"
	case KindTrackingFault:
		return "tracking-fault"
	case KindReadOnlyExport:
		return "readonly-export"
	case KindReadOnlyImport:
		return "readonly-import"
	default:
		return "unknown"
	}
}

// Event is one audit record.
type Event struct {
	Time     time.Time
	Kind     Kind
	Op       string
	Handle   uint64
	Ptr      uint64
	Identity string
	Detail   string
}

// Trail is a fixed-size ring of events, safe for concurrent use.
type Trail struct {
	ring    *queuepkg.RingBuffer
	dropped atomic.Uint64
}

// NewTrail creates a trail holding at least capacity events.
func NewTrail(capacity int) *Trail {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Trail{ring: queuepkg.NewRingBuffer(uint64(capacity))}
}

// Record appends e, evicting the oldest event when the ring is full.
func (t *Trail) Record(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for {
		ok, err := t.ring.Offer(e)
		if err != nil || ok {
			return
		}
		if _, err := t.ring.Poll(pollTimeout); err == nil {
			t.dropped.Add(1)
		}
	}
}

// Drain removes and returns every buffered event, oldest first.
func (t *Trail) Drain() []Event {
	n := t.ring.Len()
	events := make([]Event, 0, n)
	for i := uint64(0); i < n; i++ {
		item, err := t.ring.Poll(pollTimeout)
		if err != nil {
			break
		}
		if e, ok := item.(Event); ok {
			events = append(events, e)
		}
	}
	return events
}

// Len returns the number of buffered events.
func (t *Trail) Len() int { return int(t.ring.Len()) }

// Cap returns the ring capacity.
func (t *Trail) Cap() int { return int(t.ring.Cap()) }

// Dropped returns how many events were evicted to make room.
func (t *Trail) Dropped() uint64 { return t.dropped.Load() }

// RegisterMetrics exports the buffered and dropped counts on reg.
func (t *Trail) RegisterMetrics(reg prometheus.Registerer) {
	factory := promauto.With(reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "rovmm",
		Subsystem: "audit",
		Name:      "buffered_events",
		Help:      "Audit events waiting to be flushed.",
	}, func() float64 { return float64(t.Len()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "rovmm",
		Subsystem: "audit",
		Name:      "dropped_events_total",
		Help:      "Audit events evicted before they were flushed.",
	}, func() float64 { return float64(t.Dropped()) })
}

// Flush drains the trail into log and returns how many events it wrote.
// Policy rejections and tracking faults are logged at warn level.
func (t *Trail) Flush(log *zap.Logger) int {
	events := t.Drain()
	for _, e := range events {
		fields := []zap.Field{
			zap.Time("at", e.Time),
			zap.Stringer("kind", e.Kind),
			zap.String("op", e.Op),
		}
		if e.Handle != 0 {
			fields = append(fields, zap.Uint64("handle", e.Handle))
		}
		if e.Ptr != 0 {
			fields = append(fields, zap.Uint64("ptr", e.Ptr))
		}
		if e.Identity != "" {
			fields = append(fields, zap.String("identity", e.Identity))
		}
		if e.Detail != "" {
			fields = append(fields, zap.String("detail", e.Detail))
		}
		switch e.Kind {
		case KindPolicyRejection, KindTrackingFault:
			log.Warn("audit", fields...)
		default:
			log.Info("audit", fields...)
		}
	}
	if n := t.Dropped(); n > 0 {
		log.Warn("audit events were dropped", zap.Uint64("dropped", n))
	}
	return len(events)
}

// Close releases goroutines blocked on the ring.
func (t *Trail) Close() { t.ring.Dispose() }
