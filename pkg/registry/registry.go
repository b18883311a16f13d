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

// Package registry implements the cross-process read-only table.
//
// The table is a fixed-capacity array in a named shared memory segment,
// mapped by every participating process and guarded by a futex mutex that
// lives in the segment header. Entries are keyed by filesystem identity and
// are append-only; the read-only flag only ever goes from false to true.
// The segment outlives every process and is removed only by Remove.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/srediag/gpu-roshare/internal/shm"
	"github.com/srediag/gpu-roshare/pkg/identity"
)

const (
	// DefaultName is the segment name under /dev/shm.
	DefaultName = "cuda_ro_wrapper_handles"
	// DefaultCapacity is the number of identities the table can hold.
	DefaultCapacity = 1024
	// DefaultInitTimeout bounds how long a late joiner waits for the
	// initializing process to finish constructing the table.
	DefaultInitTimeout = 5 * time.Second
)

var (
	// ErrRegistryFull is returned when a new identity cannot be appended.
	// The mark is lost; existing entries are untouched.
	ErrRegistryFull = errors.New("registry: full")
	// ErrNotReady is returned when the table never reached the ready state.
	ErrNotReady = errors.New("registry: segment not ready")
	// ErrLayoutMismatch is returned when the segment was built by an
	// incompatible version or with another capacity.
	ErrLayoutMismatch = errors.New("registry: layout mismatch")
	// ErrClosed is returned by operations on a closed registry.
	ErrClosed = errors.New("registry: closed")

	errInitPending = errors.New("registry: initialization pending")
)

// Options configures Open.
type Options struct {
	Name        string
	Dir         string
	Capacity    int
	InitTimeout time.Duration
	Logger      *zap.Logger
	Metrics     *Metrics
	// ProcessAlive reports whether pid is running. It decides whether a
	// stalled initialization may be taken over.
	ProcessAlive func(pid int32) bool
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = DefaultInitTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	if o.ProcessAlive == nil {
		o.ProcessAlive = pidAlive
	}
}

// Path returns the file backing the segment o names.
func (o Options) Path() string {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	return o.mapOptions().Path()
}

func (o Options) mapOptions() shm.MapOptions {
	return shm.MapOptions{
		Name:   o.Name,
		Dir:    o.Dir,
		Size:   SegmentSize(o.Capacity),
		Create: true,
	}
}

// Entry is a snapshot of one table slot.
type Entry struct {
	Identity identity.Identity
	ReadOnly bool
	OwnerPID int
	MarkedAt time.Time
}

// Stats summarizes the table.
type Stats struct {
	Count    int
	Capacity int
	Overflow uint64
	InitPID  int
}

// Registry is one process's view of the shared table.
type Registry struct {
	opts    Options
	log     *zap.Logger
	metrics *Metrics
	pid     uint32

	// closeMu keeps the mapping alive for in-flight operations.
	closeMu     sync.RWMutex
	region      *shm.MappedRegion
	mem         []byte
	lock        *shm.Mutex
	initialized bool
}

// Open maps the named segment, creating it when absent, and waits until the
// table is ready for use.
func Open(ctx context.Context, opts Options) (*Registry, error) {
	opts.setDefaults()
	region, err := shm.MapRegion(ctx, opts.mapOptions())
	if errors.Is(err, shm.ErrSizeMismatch) {
		return nil, fmt.Errorf("%w: %s: %w", ErrLayoutMismatch, opts.mapOptions().Path(), err)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: map %s: %w", opts.mapOptions().Path(), err)
	}
	r := &Registry{
		opts:    opts,
		log:     opts.Logger.Named("registry"),
		metrics: opts.Metrics,
		pid:     uint32(os.Getpid()),
		region:  region,
		mem:     region.Addr,
		lock:    shm.NewMutex(shm.Uint32At(region.Addr, offLock)),
	}
	if err := r.initialize(ctx); err != nil {
		_ = shm.UnmapRegion(ctx, region)
		return nil, err
	}
	r.metrics.Entries.Set(float64(r.Stats().Count))
	r.log.Debug("shared registry mapped",
		zap.String("path", region.Path),
		zap.Bool("initialized", r.initialized),
		zap.Int("capacity", opts.Capacity))
	return r, nil
}

// Remove unlinks the named segment. Mappings held by running processes stay
// valid; the next Open creates a fresh table.
func Remove(ctx context.Context, opts Options) error {
	opts.setDefaults()
	return shm.RemoveRegion(ctx, opts.mapOptions())
}

// initialize claims construction with a CAS on the state word. Exactly one
// opener moves it from uninitialized to initializing; everyone else waits
// for ready.
func (r *Registry) initialize(ctx context.Context) error {
	if r.claim() {
		r.construct()
		return r.validate()
	}
	return r.awaitReady(ctx)
}

// claim moves the state word to initializing and then stamps this process as
// the initializer. It fails if a waiter took over in between.
func (r *Registry) claim() bool {
	if !atomic.CompareAndSwapUint32(r.word(offState), stateUninitialized, stateInitializing) {
		return false
	}
	return atomic.CompareAndSwapUint32(r.word(offInitPID), 0, r.pid)
}

// construct expects the initializer pid to be claimed already.
func (r *Registry) construct() {
	clear(r.mem[headerSize:])
	r.lock.Reset()
	atomic.StoreUint32(r.word(offCount), 0)
	atomic.StoreUint64(r.dword(offOverflow), 0)
	atomic.StoreUint32(r.word(offCapacity), uint32(r.opts.Capacity))
	atomic.StoreUint32(r.word(offVersion), layoutVersion)
	atomic.StoreUint32(r.word(offMagic), layoutMagic)
	atomic.StoreUint32(r.word(offState), stateReady)
	r.initialized = true
	r.metrics.Initializations.Inc()
	r.log.Info("shared registry constructed", zap.String("path", r.region.Path), zap.Uint32("pid", r.pid))
}

func (r *Registry) awaitReady(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = r.opts.InitTimeout

	var unclaimedSince time.Time
	op := func() error {
		switch atomic.LoadUint32(r.word(offState)) {
		case stateReady:
			return nil
		case stateUninitialized:
			if r.claim() {
				r.construct()
				return nil
			}
		case stateInitializing:
			if r.takeOverStalledInit(&unclaimedSince) {
				return nil
			}
		default:
			return backoff.Permanent(fmt.Errorf("%w: state word %d", ErrLayoutMismatch, atomic.LoadUint32(r.word(offState))))
		}
		return errInitPending
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, ErrLayoutMismatch) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", ErrNotReady, r.region.Path, err)
	}
	return r.validate()
}

// takeOverStalledInit rebuilds the table when the process that claimed
// construction died before publishing it. An initializer that never stamped
// its pid is given half of InitTimeout. The pid word is swapped with a CAS
// so only one waiter takes over.
func (r *Registry) takeOverStalledInit(unclaimedSince *time.Time) bool {
	owner := atomic.LoadUint32(r.word(offInitPID))
	switch {
	case owner != 0:
		if r.opts.ProcessAlive(int32(owner)) {
			return false
		}
	case unclaimedSince.IsZero():
		*unclaimedSince = time.Now()
		return false
	case time.Since(*unclaimedSince) < r.opts.InitTimeout/2:
		return false
	}
	if !atomic.CompareAndSwapUint32(r.word(offInitPID), owner, r.pid) {
		return false
	}
	r.log.Warn("taking over stalled registry initialization", zap.Uint32("stalled_pid", owner))
	r.construct()
	return true
}

func (r *Registry) validate() error {
	magic := atomic.LoadUint32(r.word(offMagic))
	version := atomic.LoadUint32(r.word(offVersion))
	capacity := atomic.LoadUint32(r.word(offCapacity))
	if magic != layoutMagic || version != layoutVersion || int(capacity) != r.opts.Capacity {
		return fmt.Errorf("%w: %s magic=0x%x version=%d capacity=%d", ErrLayoutMismatch, r.region.Path, magic, version, capacity)
	}
	return nil
}

type markOutcome int

const (
	markExisting markOutcome = iota
	markAppended
	markOverflow
)

func (o markOutcome) String() string {
	switch o {
	case markExisting:
		return "existing"
	case markAppended:
		return "appended"
	default:
		return "overflow"
	}
}

// MarkReadOnly records id as read-only. Marking an identity twice has the
// same effect as marking it once. When the table is full the mark is
// dropped, the shared overflow counter is bumped and ErrRegistryFull is
// returned.
func (r *Registry) MarkReadOnly(id identity.Identity) error {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.mem == nil {
		return ErrClosed
	}

	r.lock.Lock()
	outcome, count := r.markLocked(id)
	r.lock.Unlock()

	r.metrics.Marks.WithLabelValues(outcome.String()).Inc()
	switch outcome {
	case markOverflow:
		r.metrics.Overflow.Inc()
		r.log.Error("shared registry full, read-only mark dropped",
			zap.Stringer("identity", id),
			zap.Int("capacity", r.opts.Capacity))
		return fmt.Errorf("%w: %d entries, identity %s", ErrRegistryFull, r.opts.Capacity, id)
	case markAppended:
		r.metrics.Entries.Set(float64(count))
		r.log.Info("identity marked read-only", zap.Stringer("identity", id), zap.Int("slot", count-1))
	default:
		r.log.Debug("identity already tracked, marked read-only", zap.Stringer("identity", id))
	}
	return nil
}

func (r *Registry) markLocked(id identity.Identity) (markOutcome, int) {
	count := r.countLocked()
	if i := r.findLocked(id, count); i >= 0 {
		atomic.StoreUint32(r.entryWord(i, entryOffFlags), flagReadOnly)
		return markExisting, count
	}
	if count >= r.opts.Capacity {
		atomic.AddUint64(r.dword(offOverflow), 1)
		return markOverflow, count
	}
	atomic.StoreUint64(r.entryDword(count, entryOffDev), id.Dev)
	atomic.StoreUint64(r.entryDword(count, entryOffIno), id.Ino)
	atomic.StoreUint32(r.entryWord(count, entryOffOwnerPID), r.pid)
	atomic.StoreUint64(r.entryDword(count, entryOffMarkedAt), uint64(time.Now().UnixNano()))
	atomic.StoreUint32(r.entryWord(count, entryOffFlags), flagReadOnly)
	atomic.StoreUint32(r.word(offCount), uint32(count+1))
	return markAppended, count + 1
}

// IsReadOnly reports whether id is marked read-only. Unknown identities are
// not read-only.
func (r *Registry) IsReadOnly(id identity.Identity) bool {
	e, ok := r.Lookup(id)
	readOnly := ok && e.ReadOnly
	if readOnly {
		r.metrics.Lookups.WithLabelValues("readonly").Inc()
	} else {
		r.metrics.Lookups.WithLabelValues("writable").Inc()
	}
	return readOnly
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id identity.Identity) (Entry, bool) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.mem == nil {
		return Entry{}, false
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	i := r.findLocked(id, r.countLocked())
	if i < 0 {
		return Entry{}, false
	}
	return r.entryLocked(i), true
}

// Entries returns a snapshot of every entry in slot order.
func (r *Registry) Entries() []Entry {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.mem == nil {
		return nil
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	count := r.countLocked()
	entries := make([]Entry, 0, count)
	for i := 0; i < count; i++ {
		entries = append(entries, r.entryLocked(i))
	}
	return entries
}

// Stats returns the table counters.
func (r *Registry) Stats() Stats {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.mem == nil {
		return Stats{Capacity: r.opts.Capacity}
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	return Stats{
		Count:    r.countLocked(),
		Capacity: r.opts.Capacity,
		Overflow: atomic.LoadUint64(r.dword(offOverflow)),
		InitPID:  int(atomic.LoadUint32(r.word(offInitPID))),
	}
}

// Observe refreshes the entries gauge and returns the stats it read.
func (r *Registry) Observe() Stats {
	st := r.Stats()
	r.metrics.Entries.Set(float64(st.Count))
	return st
}

// Initialized reports whether this process constructed the table.
func (r *Registry) Initialized() bool { return r.initialized }

// Path returns the segment path.
func (r *Registry) Path() string { return r.opts.mapOptions().Path() }

// Ready reports whether the mapping is open and the table is published.
func (r *Registry) Ready() bool {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	return r.mem != nil && atomic.LoadUint32(r.word(offState)) == stateReady
}

// Close unmaps the segment. It never unlinks it: other processes may still
// depend on the marks it holds.
func (r *Registry) Close() error {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if r.mem == nil {
		return nil
	}
	r.mem = nil
	return shm.UnmapRegion(context.Background(), r.region)
}

func (r *Registry) countLocked() int {
	count := int(atomic.LoadUint32(r.word(offCount)))
	if count > r.opts.Capacity {
		count = r.opts.Capacity
	}
	return count
}

func (r *Registry) findLocked(id identity.Identity, count int) int {
	for i := 0; i < count; i++ {
		if atomic.LoadUint64(r.entryDword(i, entryOffDev)) == id.Dev &&
			atomic.LoadUint64(r.entryDword(i, entryOffIno)) == id.Ino {
			return i
		}
	}
	return -1
}

func (r *Registry) entryLocked(i int) Entry {
	return Entry{
		Identity: identity.Identity{
			Dev: atomic.LoadUint64(r.entryDword(i, entryOffDev)),
			Ino: atomic.LoadUint64(r.entryDword(i, entryOffIno)),
		},
		ReadOnly: atomic.LoadUint32(r.entryWord(i, entryOffFlags))&flagReadOnly != 0,
		OwnerPID: int(atomic.LoadUint32(r.entryWord(i, entryOffOwnerPID))),
		MarkedAt: time.Unix(0, int64(atomic.LoadUint64(r.entryDword(i, entryOffMarkedAt)))),
	}
}

func (r *Registry) word(off int) *uint32  { return shm.Uint32At(r.mem, off) }
func (r *Registry) dword(off int) *uint64 { return shm.Uint64At(r.mem, off) }

func (r *Registry) entryWord(i, off int) *uint32  { return shm.Uint32At(r.mem, entryOffset(i)+off) }
func (r *Registry) entryDword(i, off int) *uint64 { return shm.Uint64At(r.mem, entryOffset(i)+off) }

func pidAlive(pid int32) bool {
	ok, err := process.PidExists(pid)
	// An unanswerable check must not license a takeover.
	return err != nil || ok
}
