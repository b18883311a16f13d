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

// Package sim is a host-memory driver with the same virtual memory
// management surface as the GPU driver.
//
// Physical allocations are memfd objects, exports are duplicated memfd
// descriptors and mappings are shared mmaps placed inside reserved address
// ranges. Access flags are enforced with mprotect, so a range that was only
// granted read access faults on write exactly like device memory would.
package sim

import (
	"sync"
	"sync/atomic"
	"unsafe"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/srediag/gpu-roshare/api"
)

// Granularity is the allocation and mapping granularity.
const Granularity uint64 = 2 << 20

// DeviceCount is the number of simulated devices.
const DeviceCount = 1

type allocation struct {
	fd   int
	size uint64
}

// reservation owns an anonymous PROT_NONE region. Mappings are placed over
// parts of mem with MAP_FIXED, so mem stays valid for copies.
type reservation struct {
	mem  []byte
	ptr  api.DevicePtr
	size uint64
}

func (r *reservation) base() uintptr { return uintptr(unsafe.Pointer(&r.mem[0])) }

type mapping struct {
	ptr    api.DevicePtr
	size   uint64
	handle api.AllocationHandle
	prot   atomic.Int32
}

func (m *mapping) contains(ptr api.DevicePtr, size uint64) bool {
	return ptr >= m.ptr && uint64(ptr)+size <= uint64(m.ptr)+m.size
}

func (m *mapping) overlaps(ptr api.DevicePtr, size uint64) bool {
	return uint64(ptr) < uint64(m.ptr)+m.size && uint64(m.ptr) < uint64(ptr)+size
}

// Driver implements api.Driver, api.AddressReserver and api.Copier.
type Driver struct {
	log         *zap.Logger
	initialized atomic.Bool
	nextHandle  atomic.Uint64

	allocs       cmap.ConcurrentMap[api.AllocationHandle, *allocation]
	reservations cmap.ConcurrentMap[api.DevicePtr, *reservation]
	mappings     cmap.ConcurrentMap[api.DevicePtr, *mapping]

	// vaMu serializes changes to the reserved address space.
	vaMu sync.Mutex
}

var (
	_ api.Driver          = (*Driver)(nil)
	_ api.AddressReserver = (*Driver)(nil)
	_ api.Copier          = (*Driver)(nil)
)

// New returns an uninitialized driver. A nil logger disables logging.
func New(log *zap.Logger) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{
		log:          log.Named("sim"),
		allocs:       cmap.NewStringer[api.AllocationHandle, *allocation](),
		reservations: cmap.NewStringer[api.DevicePtr, *reservation](),
		mappings:     cmap.NewStringer[api.DevicePtr, *mapping](),
	}
}

func (d *Driver) Init(flags uint) error {
	if flags != 0 {
		return api.ErrorInvalidValue
	}
	d.initialized.Store(true)
	return nil
}

func (d *Driver) ready() error {
	if !d.initialized.Load() {
		return api.ErrorNotInitialized
	}
	return nil
}

func (d *Driver) MemCreate(size uint64, prop *api.AllocationProp, flags uint64) (api.AllocationHandle, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	if prop == nil || flags != 0 || size == 0 || size%Granularity != 0 {
		return 0, api.ErrorInvalidValue
	}
	if prop.Location.Type != api.LocationDevice || prop.Location.ID >= DeviceCount {
		return 0, api.ErrorInvalidValue
	}
	fd, err := unix.MemfdCreate("rovmm-sim", unix.MFD_CLOEXEC)
	if err != nil {
		d.log.Warn("memfd_create failed", zap.Error(err))
		return 0, api.ErrorOutOfMemory
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return 0, api.ErrorOutOfMemory
	}
	return d.track(fd, size), nil
}

func (d *Driver) track(fd int, size uint64) api.AllocationHandle {
	h := api.AllocationHandle(d.nextHandle.Add(1))
	d.allocs.Set(h, &allocation{fd: fd, size: size})
	d.log.Debug("allocation tracked", zap.Stringer("handle", h), zap.Uint64("size", size), zap.Int("fd", fd))
	return h
}

// MemRelease closes the backing object. Live mappings keep the memory alive
// until they are unmapped.
func (d *Driver) MemRelease(h api.AllocationHandle) error {
	if err := d.ready(); err != nil {
		return err
	}
	a, ok := d.allocs.Pop(h)
	if !ok {
		return api.ErrorInvalidHandle
	}
	_ = unix.Close(a.fd)
	return nil
}

func (d *Driver) MemAddressReserve(size, alignment uint64) (api.DevicePtr, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	if size == 0 || size%Granularity != 0 {
		return 0, api.ErrorInvalidValue
	}
	if alignment < Granularity {
		alignment = Granularity
	}
	mem, err := unix.Mmap(-1, 0, int(size+alignment), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return 0, api.ErrorOutOfMemory
	}
	r := &reservation{mem: mem, size: size}
	base := r.base()
	r.ptr = api.DevicePtr((base + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1))
	d.reservations.Set(r.ptr, r)
	return r.ptr, nil
}

func (d *Driver) MemAddressFree(ptr api.DevicePtr, size uint64) error {
	if err := d.ready(); err != nil {
		return err
	}
	d.vaMu.Lock()
	defer d.vaMu.Unlock()
	r, ok := d.reservations.Get(ptr)
	if !ok || r.size != size {
		return api.ErrorInvalidValue
	}
	for _, m := range d.mappings.Items() {
		if m.overlaps(ptr, size) {
			return api.ErrorInvalidValue
		}
	}
	d.reservations.Remove(ptr)
	if err := unix.Munmap(r.mem); err != nil {
		return api.ErrorUnknown
	}
	return nil
}

// MemMap places [offset, offset+size) of h at ptr with no access. Access is
// granted by MemSetAccess.
func (d *Driver) MemMap(ptr api.DevicePtr, size, offset uint64, h api.AllocationHandle, flags uint64) error {
	if err := d.ready(); err != nil {
		return err
	}
	if flags != 0 || size == 0 || size%Granularity != 0 || offset%Granularity != 0 {
		return api.ErrorInvalidValue
	}
	a, ok := d.allocs.Get(h)
	if !ok {
		return api.ErrorInvalidHandle
	}
	if offset+size > a.size {
		return api.ErrorInvalidValue
	}

	d.vaMu.Lock()
	defer d.vaMu.Unlock()
	if !d.reservedLocked(ptr, size) {
		return api.ErrorInvalidValue
	}
	for _, m := range d.mappings.Items() {
		if m.overlaps(ptr, size) {
			return api.ErrorInvalidValue
		}
	}
	if _, err := mmapRaw(uintptr(ptr), uintptr(size), unix.PROT_NONE, unix.MAP_SHARED|unix.MAP_FIXED, a.fd, int64(offset)); err != nil {
		d.log.Warn("fixed mmap failed", zap.Stringer("ptr", ptr), zap.Error(err))
		return api.ErrorUnknown
	}
	d.mappings.Set(ptr, &mapping{ptr: ptr, size: size, handle: h})
	return nil
}

func (d *Driver) MemUnmap(ptr api.DevicePtr, size uint64) error {
	if err := d.ready(); err != nil {
		return err
	}
	d.vaMu.Lock()
	defer d.vaMu.Unlock()
	m, ok := d.mappings.Get(ptr)
	if !ok || m.size != size {
		return api.ErrorInvalidValue
	}
	// Put the reservation back in place of the shared mapping.
	if _, err := mmapRaw(uintptr(ptr), uintptr(size), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE|unix.MAP_FIXED, -1, 0); err != nil {
		return api.ErrorUnknown
	}
	d.mappings.Remove(ptr)
	return nil
}

// MemSetAccess applies the union of the requested flags to every mapping in
// the range.
func (d *Driver) MemSetAccess(ptr api.DevicePtr, size uint64, desc []api.AccessDesc) error {
	if err := d.ready(); err != nil {
		return err
	}
	if len(desc) == 0 || size == 0 {
		return api.ErrorInvalidValue
	}
	prot := unix.PROT_NONE
	for _, ad := range desc {
		if ad.Location.Type != api.LocationDevice || ad.Location.ID >= DeviceCount {
			return api.ErrorInvalidValue
		}
		switch ad.Flags {
		case api.AccessNone:
		case api.AccessRead:
			prot |= unix.PROT_READ
		case api.AccessReadWrite:
			prot |= unix.PROT_READ | unix.PROT_WRITE
		default:
			return api.ErrorInvalidValue
		}
	}

	var hit []*mapping
	for _, m := range d.mappings.Items() {
		if m.overlaps(ptr, size) {
			hit = append(hit, m)
		}
	}
	if len(hit) == 0 {
		return api.ErrorInvalidValue
	}
	for _, m := range hit {
		if err := mprotectRaw(uintptr(m.ptr), uintptr(m.size), prot); err != nil {
			return api.ErrorUnknown
		}
		m.prot.Store(int32(prot))
	}
	return nil
}

// MemExportToShareableHandle returns a new descriptor for the allocation's
// memfd. The caller owns it.
func (d *Driver) MemExportToShareableHandle(h api.AllocationHandle, t api.HandleType, flags uint64) (api.ShareableHandle, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	if flags != 0 {
		return 0, api.ErrorInvalidValue
	}
	if t != api.HandleTypePosixFD {
		return 0, api.ErrorNotSupported
	}
	a, ok := d.allocs.Get(h)
	if !ok {
		return 0, api.ErrorInvalidHandle
	}
	fd, err := unix.FcntlInt(uintptr(a.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return 0, api.ErrorUnknown
	}
	return api.ShareableHandle(fd), nil
}

// MemImportFromShareableHandle wraps a received descriptor in a new handle.
// The descriptor stays owned by the caller.
func (d *Driver) MemImportFromShareableHandle(osHandle api.ShareableHandle, t api.HandleType) (api.AllocationHandle, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	if t != api.HandleTypePosixFD {
		return 0, api.ErrorNotSupported
	}
	var st unix.Stat_t
	if err := unix.Fstat(osHandle.FD(), &st); err != nil || st.Size <= 0 {
		return 0, api.ErrorInvalidValue
	}
	fd, err := unix.FcntlInt(uintptr(osHandle.FD()), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return 0, api.ErrorUnknown
	}
	return d.track(fd, uint64(st.Size)), nil
}

func (d *Driver) MemcpyHtoD(dst api.DevicePtr, src []byte) error {
	if err := d.ready(); err != nil {
		return err
	}
	if err := d.checkAccess(dst, uint64(len(src)), unix.PROT_WRITE); err != nil {
		return err
	}
	copy(d.deviceBytes(dst, len(src)), src)
	return nil
}

func (d *Driver) MemcpyDtoH(dst []byte, src api.DevicePtr) error {
	if err := d.ready(); err != nil {
		return err
	}
	if err := d.checkAccess(src, uint64(len(dst)), unix.PROT_READ); err != nil {
		return err
	}
	copy(dst, d.deviceBytes(src, len(dst)))
	return nil
}

// Close releases every allocation, mapping and reservation.
func (d *Driver) Close() error {
	d.vaMu.Lock()
	defer d.vaMu.Unlock()
	for ptr, r := range d.reservations.Items() {
		_ = unix.Munmap(r.mem)
		d.reservations.Remove(ptr)
	}
	d.mappings.Clear()
	for h, a := range d.allocs.Items() {
		_ = unix.Close(a.fd)
		d.allocs.Remove(h)
	}
	return nil
}

// Stats returns the number of live allocations and mappings.
func (d *Driver) Stats() (allocations, mappings int) {
	return d.allocs.Count(), d.mappings.Count()
}

func (d *Driver) reservedLocked(ptr api.DevicePtr, size uint64) bool {
	for _, r := range d.reservations.Items() {
		if ptr >= r.ptr && uint64(ptr)+size <= uint64(r.ptr)+r.size {
			return true
		}
	}
	return false
}

func (d *Driver) checkAccess(ptr api.DevicePtr, size uint64, want int) error {
	if size == 0 {
		return nil
	}
	for _, m := range d.mappings.Items() {
		if !m.contains(ptr, size) {
			continue
		}
		if int(m.prot.Load())&want != want {
			return api.ErrorInvalidValue
		}
		return nil
	}
	return api.ErrorInvalidValue
}

// deviceBytes slices the reservation backing [ptr, ptr+n). Callers check
// access first, so the range is always reserved and mapped.
func (d *Driver) deviceBytes(ptr api.DevicePtr, n int) []byte {
	for _, r := range d.reservations.Items() {
		if ptr >= r.ptr && uint64(ptr)+uint64(n) <= uint64(r.ptr)+r.size {
			off := uintptr(ptr) - r.base()
			return r.mem[off : off+uintptr(n)]
		}
	}
	return nil
}

func mmapRaw(addr, length uintptr, prot, flags, fd int, offset int64) (uintptr, error) {
	r, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length, uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func mprotectRaw(addr, length uintptr, prot int) error {
	if _, _, errno := unix.Syscall(unix.SYS_MPROTECT, addr, length, uintptr(prot)); errno != 0 {
		return errno
	}
	return nil
}
