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

// Package interceptor wraps a driver and enforces read-only exports.
//
// An allocation exported with api.ExportFlagReadOnly is marked read-only in
// this process and, for POSIX descriptors, under its filesystem identity in
// the cross-process registry. Importers consult the registry before
// delegating, and any later request for write access to a range mapped from
// a read-only allocation is refused with api.ErrorInvalidValue.
//
// Bookkeeping failures never turn a successful driver call into a failure
// unless Options.Strict is set; they are logged, counted and audited, and the
// allocation is treated as not read-only.
package interceptor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/srediag/gpu-roshare/api"
	"github.com/srediag/gpu-roshare/internal/audit"
	"github.com/srediag/gpu-roshare/pkg/identity"
	"github.com/srediag/gpu-roshare/pkg/registry"
	"github.com/srediag/gpu-roshare/pkg/tracker"
)

const instrumentationName = "github.com/srediag/gpu-roshare/pkg/interceptor"

// ErrSharedUnavailable is recorded when the cross-process registry has not
// been attached yet.
var ErrSharedUnavailable = errors.New("interceptor: shared registry unavailable")

// SharedRegistry is the cross-process side of the read-only bookkeeping.
// *registry.Registry implements it.
type SharedRegistry interface {
	MarkReadOnly(id identity.Identity) error
	IsReadOnly(id identity.Identity) bool
}

// Options configures an Interceptor. Zero values select defaults.
type Options struct {
	Tracker *tracker.Tracker
	Resolve identity.Resolver
	// Strict turns tracking faults on read-only paths into call failures.
	Strict  bool
	Logger  *zap.Logger
	Metrics *Metrics
	Trail   *audit.Trail
	Tracer  trace.Tracer
	Meter   metric.Meter
	// InitHook runs once, after the first successful Init.
	InitHook func() error
}

const (
	opInit      = "init"
	opCreate    = "mem_create"
	opRelease   = "mem_release"
	opMap       = "mem_map"
	opUnmap     = "mem_unmap"
	opSetAccess = "mem_set_access"
	opExport    = "mem_export"
	opImport    = "mem_import"

	faultIdentity     = "identity"
	faultSegment      = "segment_unavailable"
	faultRegistryFull = "registry_full"
	faultSharedMark   = "shared_mark"
)

// Interceptor implements api.Driver on top of another api.Driver.
type Interceptor struct {
	next    api.Driver
	tracker *tracker.Tracker
	resolve identity.Resolver
	strict  bool
	log     *zap.Logger
	metrics *Metrics
	trail   *audit.Trail
	tracer  trace.Tracer

	delegated metric.Int64Counter
	shared    atomic.Pointer[sharedRef]

	initHook func() error
	initOnce sync.Once
	initErr  error
}

type sharedRef struct{ SharedRegistry }

var _ api.Driver = (*Interceptor)(nil)

// New wraps next.
func New(next api.Driver, opts Options) *Interceptor {
	if opts.Tracker == nil {
		opts.Tracker = tracker.New()
	}
	if opts.Resolve == nil {
		opts.Resolve = identity.Resolve
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Trail == nil {
		opts.Trail = audit.NewTrail(audit.DefaultCapacity)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(instrumentationName)
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter(instrumentationName)
	}

	i := &Interceptor{
		next:     next,
		tracker:  opts.Tracker,
		resolve:  opts.Resolve,
		strict:   opts.Strict,
		log:      opts.Logger.Named("interceptor"),
		metrics:  opts.Metrics,
		trail:    opts.Trail,
		tracer:   opts.Tracer,
		initHook: opts.InitHook,
	}
	counter, err := opts.Meter.Int64Counter("rovmm.interceptor.delegated_calls",
		metric.WithDescription("Calls forwarded to the wrapped driver."))
	if err != nil {
		i.log.Warn("delegated call counter unavailable", zap.Error(err))
		counter = metricnoop.Int64Counter{}
	}
	i.delegated = counter
	return i
}

// SetShared attaches the cross-process registry. Until it is attached every
// identity lookup degrades to "not read-only".
func (i *Interceptor) SetShared(reg SharedRegistry) {
	if reg == nil {
		i.shared.Store(nil)
		return
	}
	i.shared.Store(&sharedRef{reg})
}

// Tracker returns the process-local bookkeeping.
func (i *Interceptor) Tracker() *tracker.Tracker { return i.tracker }

// Trail returns the audit trail.
func (i *Interceptor) Trail() *audit.Trail { return i.trail }

// Next returns the wrapped driver.
func (i *Interceptor) Next() api.Driver { return i.next }

func (i *Interceptor) Init(flags uint) error {
	err := i.next.Init(flags)
	i.observe(context.Background(), opInit, err)
	if err != nil || i.initHook == nil {
		return err
	}
	i.initOnce.Do(func() {
		if hookErr := i.initHook(); hookErr != nil {
			i.initErr = fmt.Errorf("interceptor: init hook: %w", hookErr)
			i.log.Error("init hook failed", zap.Error(hookErr))
		}
	})
	return i.initErr
}

func (i *Interceptor) MemCreate(size uint64, prop *api.AllocationProp, flags uint64) (api.AllocationHandle, error) {
	h, err := i.next.MemCreate(size, prop, flags)
	i.observe(context.Background(), opCreate, err)
	if err != nil {
		return h, err
	}
	i.tracker.RegisterAllocation(h, size)
	i.log.Debug("allocation created", zap.Stringer("handle", h), zap.Uint64("size", size))
	return h, nil
}

func (i *Interceptor) MemRelease(h api.AllocationHandle) error {
	i.tracker.Unregister(h)
	err := i.next.MemRelease(h)
	i.observe(context.Background(), opRelease, err)
	return err
}

func (i *Interceptor) MemMap(ptr api.DevicePtr, size, offset uint64, h api.AllocationHandle, flags uint64) error {
	err := i.next.MemMap(ptr, size, offset, h, flags)
	i.observe(context.Background(), opMap, err)
	if err != nil {
		return err
	}
	i.tracker.RegisterMapping(ptr, h, size)
	return nil
}

func (i *Interceptor) MemUnmap(ptr api.DevicePtr, size uint64) error {
	i.tracker.UnregisterMapping(ptr)
	err := i.next.MemUnmap(ptr, size)
	i.observe(context.Background(), opUnmap, err)
	return err
}

// MemSetAccess refuses the whole batch when the range is backed by a
// read-only allocation and any descriptor asks for write access.
func (i *Interceptor) MemSetAccess(ptr api.DevicePtr, size uint64, desc []api.AccessDesc) error {
	ctx, span := i.tracer.Start(context.Background(), "rovmm.MemSetAccess",
		trace.WithAttributes(
			attribute.String("rovmm.ptr", ptr.String()),
			attribute.Int64("rovmm.size", int64(size)),
			attribute.Int("rovmm.descriptors", len(desc)),
		))
	defer span.End()

	readOnly := i.tracker.IsRangeReadOnly(ptr, size)
	span.SetAttributes(attribute.Bool("rovmm.readonly", readOnly))
	if readOnly {
		for _, d := range desc {
			if !d.Flags.Writable() {
				continue
			}
			i.metrics.PolicyRejections.Inc()
			i.metrics.Calls.WithLabelValues(opSetAccess, api.ErrorInvalidValue.Error()).Inc()
			i.trail.Record(audit.Event{
				Kind:   audit.KindPolicyRejection,
				Op:     opSetAccess,
				Ptr:    uint64(ptr),
				Detail: fmt.Sprintf("requested %s on device %d", d.Flags, d.Location.ID),
			})
			i.log.Error("rejected write access to read-only allocation",
				zap.Stringer("ptr", ptr),
				zap.Uint64("size", size),
				zap.Stringer("flags", d.Flags))
			span.SetStatus(codes.Error, "write access to read-only allocation")
			return api.ErrorInvalidValue
		}
	}

	err := i.next.MemSetAccess(ptr, size, desc)
	i.observe(ctx, opSetAccess, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// MemExportToShareableHandle strips api.ExportFlagReadOnly before delegating
// and records the read-only intent once the export succeeded.
func (i *Interceptor) MemExportToShareableHandle(h api.AllocationHandle, t api.HandleType, flags uint64) (api.ShareableHandle, error) {
	readOnly := flags&api.ExportFlagReadOnly != 0
	ctx, span := i.tracer.Start(context.Background(), "rovmm.MemExportToShareableHandle",
		trace.WithAttributes(
			attribute.String("rovmm.handle", h.String()),
			attribute.String("rovmm.handle_type", t.String()),
			attribute.Bool("rovmm.readonly", readOnly),
		))
	defer span.End()

	osHandle, err := i.next.MemExportToShareableHandle(h, t, flags&^api.ExportFlagReadOnly)
	i.observe(ctx, opExport, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return osHandle, err
	}
	if t == api.HandleTypePosixFD {
		i.tracker.RecordExport(h, osHandle.FD())
	}
	if !readOnly {
		return osHandle, nil
	}

	if !i.tracker.MarkReadOnly(h) {
		// Allocated before interposition; track it from here on.
		i.tracker.RegisterAllocation(h, 0)
		i.tracker.MarkReadOnly(h)
	}
	i.metrics.ReadOnlyExports.Inc()

	event := audit.Event{Kind: audit.KindReadOnlyExport, Op: opExport, Handle: uint64(h)}
	if t == api.HandleTypePosixFD {
		id, markErr := i.markShared(osHandle.FD())
		event.Identity = id.String()
		if markErr != nil {
			i.fault(ctx, opExport, markErr, h, id)
			if i.strict {
				_ = unix.Close(osHandle.FD())
				span.SetStatus(codes.Error, markErr.Error())
				return 0, fmt.Errorf("%w: %w", api.ErrorUnknown, markErr)
			}
		}
	}
	i.trail.Record(event)
	i.log.Info("exported read-only allocation",
		zap.Stringer("handle", h),
		zap.Stringer("handle_type", t),
		zap.String("identity", event.Identity))
	return osHandle, nil
}

// MemImportFromShareableHandle checks the descriptor's identity against the
// shared registry before delegating and propagates the read-only flag to the
// imported handle.
func (i *Interceptor) MemImportFromShareableHandle(osHandle api.ShareableHandle, t api.HandleType) (api.AllocationHandle, error) {
	ctx, span := i.tracer.Start(context.Background(), "rovmm.MemImportFromShareableHandle",
		trace.WithAttributes(attribute.String("rovmm.handle_type", t.String())))
	defer span.End()

	var (
		readOnly bool
		id       identity.Identity
	)
	if t == api.HandleTypePosixFD {
		var checkErr error
		readOnly, id, checkErr = i.checkShared(osHandle.FD())
		if checkErr != nil {
			i.fault(ctx, opImport, checkErr, 0, id)
			if i.strict {
				i.metrics.Calls.WithLabelValues(opImport, api.ErrorInvalidValue.Error()).Inc()
				span.SetStatus(codes.Error, checkErr.Error())
				return 0, fmt.Errorf("%w: %w", api.ErrorInvalidValue, checkErr)
			}
		}
	}
	span.SetAttributes(attribute.Bool("rovmm.readonly", readOnly))

	h, err := i.next.MemImportFromShareableHandle(osHandle, t)
	i.observe(ctx, opImport, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return h, err
	}
	i.tracker.RegisterAllocation(h, 0)
	if readOnly {
		i.tracker.MarkReadOnly(h)
		i.metrics.ReadOnlyImports.Inc()
		i.trail.Record(audit.Event{
			Kind:     audit.KindReadOnlyImport,
			Op:       opImport,
			Handle:   uint64(h),
			Identity: id.String(),
		})
		i.log.Info("imported read-only allocation", zap.Stringer("handle", h), zap.Stringer("identity", id))
	}
	return h, nil
}

// MemAddressReserve is forwarded untouched when the wrapped driver supports it.
func (i *Interceptor) MemAddressReserve(size, alignment uint64) (api.DevicePtr, error) {
	r, ok := i.next.(api.AddressReserver)
	if !ok {
		return 0, api.ErrorNotSupported
	}
	return r.MemAddressReserve(size, alignment)
}

// MemAddressFree is forwarded untouched when the wrapped driver supports it.
func (i *Interceptor) MemAddressFree(ptr api.DevicePtr, size uint64) error {
	r, ok := i.next.(api.AddressReserver)
	if !ok {
		return api.ErrorNotSupported
	}
	return r.MemAddressFree(ptr, size)
}

// MemcpyHtoD is forwarded untouched when the wrapped driver supports it.
func (i *Interceptor) MemcpyHtoD(dst api.DevicePtr, src []byte) error {
	c, ok := i.next.(api.Copier)
	if !ok {
		return api.ErrorNotSupported
	}
	return c.MemcpyHtoD(dst, src)
}

// MemcpyDtoH is forwarded untouched when the wrapped driver supports it.
func (i *Interceptor) MemcpyDtoH(dst []byte, src api.DevicePtr) error {
	c, ok := i.next.(api.Copier)
	if !ok {
		return api.ErrorNotSupported
	}
	return c.MemcpyDtoH(dst, src)
}

func (i *Interceptor) sharedRegistry() SharedRegistry {
	ref := i.shared.Load()
	if ref == nil {
		return nil
	}
	return ref.SharedRegistry
}

func (i *Interceptor) markShared(fd int) (identity.Identity, error) {
	id, err := i.resolve(fd)
	if err != nil {
		return id, err
	}
	reg := i.sharedRegistry()
	if reg == nil {
		return id, ErrSharedUnavailable
	}
	return id, reg.MarkReadOnly(id)
}

func (i *Interceptor) checkShared(fd int) (bool, identity.Identity, error) {
	id, err := i.resolve(fd)
	if err != nil {
		return false, id, err
	}
	reg := i.sharedRegistry()
	if reg == nil {
		return false, id, ErrSharedUnavailable
	}
	return reg.IsReadOnly(id), id, nil
}

func (i *Interceptor) fault(ctx context.Context, op string, err error, h api.AllocationHandle, id identity.Identity) {
	kind := faultKind(err)
	i.metrics.TrackingFaults.WithLabelValues(kind).Inc()
	i.trail.Record(audit.Event{
		Kind:     audit.KindTrackingFault,
		Op:       op,
		Handle:   uint64(h),
		Identity: id.String(),
		Detail:   err.Error(),
	})
	trace.SpanFromContext(ctx).AddEvent("tracking fault", trace.WithAttributes(attribute.String("rovmm.fault", kind)))
	i.log.Warn("read-only tracking fault",
		zap.String("op", op),
		zap.String("kind", kind),
		zap.Stringer("handle", h),
		zap.Bool("strict", i.strict),
		zap.Error(err))
}

func faultKind(err error) string {
	switch {
	case errors.Is(err, identity.ErrIdentityUnavailable):
		return faultIdentity
	case errors.Is(err, ErrSharedUnavailable), errors.Is(err, registry.ErrClosed):
		return faultSegment
	case errors.Is(err, registry.ErrRegistryFull):
		return faultRegistryFull
	default:
		return faultSharedMark
	}
}

func (i *Interceptor) observe(ctx context.Context, op string, err error) {
	i.metrics.Calls.WithLabelValues(op, api.ResultOf(err).Error()).Inc()
	i.delegated.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
