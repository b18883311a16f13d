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

// Package api defines the memory-management surface shared by the real driver
// adapters and the read-only interception layer.
package api

// Driver is the set of virtual memory management entry points that are
// intercepted. Implementations return nil on success and a Result otherwise.
type Driver interface {
	// Init initializes the driver. Flags must be zero for CUDA.
	Init(flags uint) error
	// MemCreate creates a physical allocation of size bytes.
	MemCreate(size uint64, prop *AllocationProp, flags uint64) (AllocationHandle, error)
	// MemRelease releases a physical allocation handle.
	MemRelease(h AllocationHandle) error
	// MemMap maps [offset, offset+size) of h at ptr.
	MemMap(ptr DevicePtr, size, offset uint64, h AllocationHandle, flags uint64) error
	// MemUnmap unmaps the range [ptr, ptr+size).
	MemUnmap(ptr DevicePtr, size uint64) error
	// MemSetAccess applies every descriptor in desc to [ptr, ptr+size).
	MemSetAccess(ptr DevicePtr, size uint64, desc []AccessDesc) error
	// MemExportToShareableHandle exports h as an OS handle of type t.
	MemExportToShareableHandle(h AllocationHandle, t HandleType, flags uint64) (ShareableHandle, error)
	// MemImportFromShareableHandle imports an allocation from an OS handle.
	MemImportFromShareableHandle(osHandle ShareableHandle, t HandleType) (AllocationHandle, error)
}

// AddressReserver is implemented by drivers that manage virtual address ranges.
// It is not intercepted.
type AddressReserver interface {
	MemAddressReserve(size, alignment uint64) (DevicePtr, error)
	MemAddressFree(ptr DevicePtr, size uint64) error
}

// Copier is implemented by drivers that can move bytes between host memory
// and mapped device ranges.
type Copier interface {
	MemcpyHtoD(dst DevicePtr, src []byte) error
	MemcpyDtoH(dst []byte, src DevicePtr) error
}
