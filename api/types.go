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

package api

import (
	"fmt"
	"unsafe"
)

// AllocationHandle identifies a physical allocation handed out by the driver.
type AllocationHandle uint64

func (h AllocationHandle) String() string { return fmt.Sprintf("0x%x", uint64(h)) }

// DevicePtr is a virtual address in the device address space.
type DevicePtr uint64

func (p DevicePtr) String() string { return fmt.Sprintf("0x%x", uint64(p)) }

// ShareableHandle is the OS-level handle produced by an export. For
// HandleTypePosixFD it holds the file descriptor number.
type ShareableHandle uintptr

// FD returns the handle as a file descriptor.
func (s ShareableHandle) FD() int { return int(s) }

// HandleType mirrors CUmemAllocationHandleType.
type HandleType int

const (
	HandleTypeNone     HandleType = 0x0
	HandleTypePosixFD  HandleType = 0x1
	HandleTypeWin32    HandleType = 0x2
	HandleTypeWin32KMT HandleType = 0x4
	HandleTypeFabric   HandleType = 0x8
)

// Has reports whether every bit of o is set in t.
func (t HandleType) Has(o HandleType) bool { return t&o == o }

func (t HandleType) String() string {
	switch t {
	case HandleTypeNone:
		return "none"
	case HandleTypePosixFD:
		return "posix-fd"
	case HandleTypeWin32:
		return "win32"
	case HandleTypeWin32KMT:
		return "win32-kmt"
	case HandleTypeFabric:
		return "fabric"
	default:
		return fmt.Sprintf("handle-type(%d)", int(t))
	}
}

// AccessFlags mirrors CUmemAccess_flags.
type AccessFlags int

const (
	AccessNone      AccessFlags = 0x0
	AccessRead      AccessFlags = 0x1
	AccessReadWrite AccessFlags = 0x3

	accessWriteBit AccessFlags = 0x2
)

// Writable reports whether the flags grant write access.
func (f AccessFlags) Writable() bool { return f&accessWriteBit != 0 }

func (f AccessFlags) String() string {
	switch f {
	case AccessNone:
		return "none"
	case AccessRead:
		return "read"
	case AccessReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("access(%d)", int(f))
	}
}

// LocationType mirrors CUmemLocationType.
type LocationType int

const (
	LocationInvalid LocationType = 0x0
	LocationDevice  LocationType = 0x1
)

// Location names the device an allocation or access descriptor refers to.
type Location struct {
	Type LocationType
	ID   int
}

// AccessDesc is one entry of a MemSetAccess batch.
type AccessDesc struct {
	Location Location
	Flags    AccessFlags
}

// AllocationType mirrors CUmemAllocationType.
type AllocationType int

const (
	AllocationInvalid AllocationType = 0x0
	AllocationPinned  AllocationType = 0x1
)

// AllocationProp describes a physical allocation request.
type AllocationProp struct {
	Type                 AllocationType
	RequestedHandleTypes HandleType
	Location             Location
	// Native, when set, points at a driver-native property struct and is
	// passed through verbatim by native adapters.
	Native unsafe.Pointer
}

// ExportFlagReadOnly asks the interception layer to export an allocation as
// read-only. It is stripped before the flags reach the wrapped driver.
const ExportFlagReadOnly uint64 = 1 << 63

// AlignSize rounds size up to a multiple of granularity.
func AlignSize(size, granularity uint64) uint64 {
	if granularity == 0 {
		return size
	}
	return ((size + granularity - 1) / granularity) * granularity
}
