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

// Package tracker keeps the per-process view of allocation handles and the
// virtual address ranges they are mapped at.
package tracker

import (
	"sync"

	"github.com/srediag/gpu-roshare/api"
)

// NoFD marks metadata that has not been exported.
const NoFD = -1

// Metadata describes one tracked allocation handle.
type Metadata struct {
	Handle api.AllocationHandle
	// Size is zero for imported handles.
	Size uint64
	// ReadOnly only ever goes from false to true.
	ReadOnly   bool
	ExportedFD int
}

// Mapping is a virtual range backed by a tracked handle.
type Mapping struct {
	Ptr    api.DevicePtr
	Size   uint64
	Handle api.AllocationHandle
	// ReadOnly is inherited from Handle when the handle is released while
	// the range is still mapped.
	ReadOnly bool
}

func (m Mapping) overlaps(ptr api.DevicePtr, size uint64) bool {
	if size == 0 {
		size = 1
	}
	mapSize := m.Size
	if mapSize == 0 {
		mapSize = 1
	}
	return uint64(ptr) < uint64(m.Ptr)+mapSize && uint64(m.Ptr) < uint64(ptr)+size
}

// Stats counts what the tracker currently holds.
type Stats struct {
	Handles  int
	ReadOnly int
	Mappings int
}

// Tracker is safe for concurrent use. A single mutex guards both tables and
// is never held while calling out of the package.
type Tracker struct {
	mu       sync.Mutex
	handles  map[api.AllocationHandle]*Metadata
	mappings map[api.DevicePtr]Mapping
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{
		handles:  make(map[api.AllocationHandle]*Metadata),
		mappings: make(map[api.DevicePtr]Mapping),
	}
}

// RegisterAllocation starts tracking h as read-write. A handle that is already
// tracked keeps its read-only flag; a non-zero size replaces the stored one.
func (t *Tracker) RegisterAllocation(h api.AllocationHandle, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if md, ok := t.handles[h]; ok {
		if size != 0 {
			md.Size = size
		}
		return
	}
	t.handles[h] = &Metadata{Handle: h, Size: size, ExportedFD: NoFD}
}

// MarkReadOnly flags h as read-only and reports whether h is tracked.
func (t *Tracker) MarkReadOnly(h api.AllocationHandle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	md, ok := t.handles[h]
	if ok {
		md.ReadOnly = true
	}
	return ok
}

// RecordExport remembers the descriptor h was last exported as.
func (t *Tracker) RecordExport(h api.AllocationHandle, fd int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	md, ok := t.handles[h]
	if ok {
		md.ExportedFD = fd
	}
	return ok
}

// Unregister stops tracking h. Mappings that still name h keep h's read-only
// flag, since the driver keeps the memory alive until they are unmapped.
func (t *Tracker) Unregister(h api.AllocationHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handleReadOnlyLocked(h) {
		for ptr, m := range t.mappings {
			if m.Handle == h {
				m.ReadOnly = true
				t.mappings[ptr] = m
			}
		}
	}
	delete(t.handles, h)
}

// RegisterMapping records that ptr is backed by h. Mapping the same address
// again replaces the previous record.
func (t *Tracker) RegisterMapping(ptr api.DevicePtr, h api.AllocationHandle, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mappings[ptr] = Mapping{Ptr: ptr, Size: size, Handle: h}
}

// UnregisterMapping forgets the mapping starting at ptr.
func (t *Tracker) UnregisterMapping(ptr api.DevicePtr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.mappings, ptr)
}

// IsHandleReadOnly reports whether h is tracked and read-only.
func (t *Tracker) IsHandleReadOnly(h api.AllocationHandle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handleReadOnlyLocked(h)
}

// IsAddressReadOnly resolves ptr to its handle and reports whether that
// handle is read-only. A missing mapping or handle yields false.
func (t *Tracker) IsAddressReadOnly(ptr api.DevicePtr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.mappings[ptr]
	return ok && t.mappingReadOnlyLocked(m)
}

// IsRangeReadOnly reports whether any tracked mapping overlapping
// [ptr, ptr+size) is backed by a read-only handle, released or not.
func (t *Tracker) IsRangeReadOnly(ptr api.DevicePtr, size uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.mappings[ptr]; ok && t.mappingReadOnlyLocked(m) {
		return true
	}
	for _, m := range t.mappings {
		if m.overlaps(ptr, size) && t.mappingReadOnlyLocked(m) {
			return true
		}
	}
	return false
}

// Lookup returns a copy of the metadata for h.
func (t *Tracker) Lookup(h api.AllocationHandle) (Metadata, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	md, ok := t.handles[h]
	if !ok {
		return Metadata{}, false
	}
	return *md, true
}

// HandleAt returns the mapping that starts at ptr.
func (t *Tracker) HandleAt(ptr api.DevicePtr) (Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.mappings[ptr]
	return m, ok
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Stats{Handles: len(t.handles), Mappings: len(t.mappings)}
	for _, md := range t.handles {
		if md.ReadOnly {
			st.ReadOnly++
		}
	}
	return st
}

func (t *Tracker) handleReadOnlyLocked(h api.AllocationHandle) bool {
	md, ok := t.handles[h]
	return ok && md.ReadOnly
}

func (t *Tracker) mappingReadOnlyLocked(m Mapping) bool {
	return m.ReadOnly || t.handleReadOnlyLocked(m.Handle)
}
