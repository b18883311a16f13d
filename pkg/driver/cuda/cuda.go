//go:build cuda && linux

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

package cuda

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stddef.h>
#include <stdint.h>
#include <stdlib.h>

typedef int rovmm_result;

typedef struct {
	int type;
	int id;
} rovmm_location;

typedef struct {
	rovmm_location location;
	int flags;
} rovmm_access_desc;

typedef struct {
	int type;
	int requestedHandleTypes;
	rovmm_location location;
	void *win32HandleMetaData;
	struct {
		unsigned char compressionType;
		unsigned char gpuDirectRDMACapable;
		unsigned short usage;
		unsigned char reserved[4];
	} allocFlags;
} rovmm_alloc_prop;

static void *rovmm_open(const char *path) {
	void *h = dlopen(path, RTLD_NOW | RTLD_NOLOAD);
	if (h == NULL) {
		h = dlopen(path, RTLD_NOW | RTLD_GLOBAL);
	}
	return h;
}

static void *rovmm_sym(void *lib, const char *name) { return dlsym(lib, name); }

static rovmm_result rovmm_init(void *fn, unsigned int flags) {
	return ((rovmm_result (*)(unsigned int))fn)(flags);
}

static rovmm_result rovmm_create(void *fn, unsigned long long *h, size_t size, const void *prop, unsigned long long flags) {
	return ((rovmm_result (*)(unsigned long long *, size_t, const void *, unsigned long long))fn)(h, size, prop, flags);
}

static rovmm_result rovmm_release(void *fn, unsigned long long h) {
	return ((rovmm_result (*)(unsigned long long))fn)(h);
}

static rovmm_result rovmm_map(void *fn, unsigned long long ptr, size_t size, size_t offset, unsigned long long h, unsigned long long flags) {
	return ((rovmm_result (*)(unsigned long long, size_t, size_t, unsigned long long, unsigned long long))fn)(ptr, size, offset, h, flags);
}

static rovmm_result rovmm_unmap(void *fn, unsigned long long ptr, size_t size) {
	return ((rovmm_result (*)(unsigned long long, size_t))fn)(ptr, size);
}

static rovmm_result rovmm_set_access(void *fn, unsigned long long ptr, size_t size, const rovmm_access_desc *desc, size_t count) {
	return ((rovmm_result (*)(unsigned long long, size_t, const rovmm_access_desc *, size_t))fn)(ptr, size, desc, count);
}

static rovmm_result rovmm_export(void *fn, void *out, unsigned long long h, int type, unsigned long long flags) {
	return ((rovmm_result (*)(void *, unsigned long long, int, unsigned long long))fn)(out, h, type, flags);
}

static rovmm_result rovmm_import(void *fn, unsigned long long *h, uintptr_t os_handle, int type) {
	return ((rovmm_result (*)(unsigned long long *, void *, int))fn)(h, (void *)os_handle, type);
}

static rovmm_result rovmm_reserve(void *fn, unsigned long long *ptr, size_t size, size_t alignment) {
	return ((rovmm_result (*)(unsigned long long *, size_t, size_t, unsigned long long, unsigned long long))fn)(ptr, size, alignment, 0, 0);
}

static rovmm_result rovmm_free(void *fn, unsigned long long ptr, size_t size) {
	return ((rovmm_result (*)(unsigned long long, size_t))fn)(ptr, size);
}

static rovmm_result rovmm_htod(void *fn, unsigned long long dst, const void *src, size_t n) {
	return ((rovmm_result (*)(unsigned long long, const void *, size_t))fn)(dst, src, n);
}

static rovmm_result rovmm_dtoh(void *fn, void *dst, unsigned long long src, size_t n) {
	return ((rovmm_result (*)(void *, unsigned long long, size_t))fn)(dst, src, n);
}
*/
import "C"

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/srediag/gpu-roshare/api"
)

// Driver calls the real libcuda entry points.
type Driver struct {
	path string
	lib  unsafe.Pointer
	syms map[string]unsafe.Pointer
}

var (
	_ api.Driver          = (*Driver)(nil)
	_ api.AddressReserver = (*Driver)(nil)
	_ api.Copier          = (*Driver)(nil)
)

// Load opens path (DefaultLibrary when empty) and resolves the entry points.
// The library handle is kept for the life of the process.
func Load(path string) (*Driver, error) {
	if path == "" {
		path = DefaultLibrary
	}
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	lib := C.rovmm_open(cpath)
	if lib == nil {
		return nil, fmt.Errorf("%w: dlopen %s: %s", ErrSymbolsUnavailable, path, C.GoString(C.dlerror()))
	}

	d := &Driver{path: path, lib: lib, syms: make(map[string]unsafe.Pointer)}
	var missing []string
	for _, name := range required {
		if sym := d.resolve(name); sym == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s missing %s", ErrSymbolsUnavailable, path, strings.Join(missing, ", "))
	}
	for _, name := range optional {
		d.resolve(name)
	}
	return d, nil
}

func (d *Driver) resolve(name string) unsafe.Pointer {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	sym := C.rovmm_sym(d.lib, cname)
	if sym != nil {
		d.syms[name] = sym
	}
	return sym
}

// Path returns the library that was loaded.
func (d *Driver) Path() string { return d.path }

// Has reports whether name was resolved.
func (d *Driver) Has(name string) bool { return d.syms[name] != nil }

func result(code C.rovmm_result) error { return api.Check(int(code)) }

func (d *Driver) Init(flags uint) error {
	return result(C.rovmm_init(d.syms["cuInit"], C.uint(flags)))
}

func (d *Driver) MemCreate(size uint64, prop *api.AllocationProp, flags uint64) (api.AllocationHandle, error) {
	if prop == nil {
		return 0, api.ErrorInvalidValue
	}
	var native unsafe.Pointer
	var cprop *C.rovmm_alloc_prop
	if prop.Native != nil {
		native = prop.Native
	} else {
		cprop = (*C.rovmm_alloc_prop)(C.calloc(1, C.size_t(unsafe.Sizeof(C.rovmm_alloc_prop{}))))
		defer C.free(unsafe.Pointer(cprop))
		cprop._type = C.int(prop.Type)
		cprop.requestedHandleTypes = C.int(prop.RequestedHandleTypes)
		cprop.location._type = C.int(prop.Location.Type)
		cprop.location.id = C.int(prop.Location.ID)
		native = unsafe.Pointer(cprop)
	}
	var h C.ulonglong
	err := result(C.rovmm_create(d.syms["cuMemCreate"], &h, C.size_t(size), native, C.ulonglong(flags)))
	return api.AllocationHandle(h), err
}

func (d *Driver) MemRelease(h api.AllocationHandle) error {
	return result(C.rovmm_release(d.syms["cuMemRelease"], C.ulonglong(h)))
}

func (d *Driver) MemMap(ptr api.DevicePtr, size, offset uint64, h api.AllocationHandle, flags uint64) error {
	return result(C.rovmm_map(d.syms["cuMemMap"], C.ulonglong(ptr), C.size_t(size), C.size_t(offset), C.ulonglong(h), C.ulonglong(flags)))
}

func (d *Driver) MemUnmap(ptr api.DevicePtr, size uint64) error {
	return result(C.rovmm_unmap(d.syms["cuMemUnmap"], C.ulonglong(ptr), C.size_t(size)))
}

func (d *Driver) MemSetAccess(ptr api.DevicePtr, size uint64, desc []api.AccessDesc) error {
	if len(desc) == 0 {
		return result(C.rovmm_set_access(d.syms["cuMemSetAccess"], C.ulonglong(ptr), C.size_t(size), nil, 0))
	}
	cdesc := make([]C.rovmm_access_desc, len(desc))
	for i, ad := range desc {
		cdesc[i].location._type = C.int(ad.Location.Type)
		cdesc[i].location.id = C.int(ad.Location.ID)
		cdesc[i].flags = C.int(ad.Flags)
	}
	return result(C.rovmm_set_access(d.syms["cuMemSetAccess"], C.ulonglong(ptr), C.size_t(size), &cdesc[0], C.size_t(len(cdesc))))
}

// MemExportToShareableHandle supports descriptor and Win32 handle types.
// Fabric handles are larger than a ShareableHandle and are refused.
func (d *Driver) MemExportToShareableHandle(h api.AllocationHandle, t api.HandleType, flags uint64) (api.ShareableHandle, error) {
	switch t {
	case api.HandleTypePosixFD:
		var fd C.int
		err := result(C.rovmm_export(d.syms["cuMemExportToShareableHandle"], unsafe.Pointer(&fd), C.ulonglong(h), C.int(t), C.ulonglong(flags)))
		return api.ShareableHandle(fd), err
	case api.HandleTypeWin32, api.HandleTypeWin32KMT:
		var out C.uintptr_t
		err := result(C.rovmm_export(d.syms["cuMemExportToShareableHandle"], unsafe.Pointer(&out), C.ulonglong(h), C.int(t), C.ulonglong(flags)))
		return api.ShareableHandle(out), err
	default:
		return 0, api.ErrorNotSupported
	}
}

// MemImportFromShareableHandle passes osHandle through as the driver's
// void* argument: a descriptor number, or the address of a handle struct.
func (d *Driver) MemImportFromShareableHandle(osHandle api.ShareableHandle, t api.HandleType) (api.AllocationHandle, error) {
	var h C.ulonglong
	err := result(C.rovmm_import(d.syms["cuMemImportFromShareableHandle"], &h, C.uintptr_t(osHandle), C.int(t)))
	return api.AllocationHandle(h), err
}

func (d *Driver) MemAddressReserve(size, alignment uint64) (api.DevicePtr, error) {
	fn := d.syms["cuMemAddressReserve"]
	if fn == nil {
		return 0, api.ErrorNotSupported
	}
	var ptr C.ulonglong
	err := result(C.rovmm_reserve(fn, &ptr, C.size_t(size), C.size_t(alignment)))
	return api.DevicePtr(ptr), err
}

func (d *Driver) MemAddressFree(ptr api.DevicePtr, size uint64) error {
	fn := d.syms["cuMemAddressFree"]
	if fn == nil {
		return api.ErrorNotSupported
	}
	return result(C.rovmm_free(fn, C.ulonglong(ptr), C.size_t(size)))
}

func (d *Driver) MemcpyHtoD(dst api.DevicePtr, src []byte) error {
	fn := d.syms["cuMemcpyHtoD_v2"]
	if fn == nil {
		return api.ErrorNotSupported
	}
	if len(src) == 0 {
		return nil
	}
	return result(C.rovmm_htod(fn, C.ulonglong(dst), unsafe.Pointer(&src[0]), C.size_t(len(src))))
}

func (d *Driver) MemcpyDtoH(dst []byte, src api.DevicePtr) error {
	fn := d.syms["cuMemcpyDtoH_v2"]
	if fn == nil {
		return api.ErrorNotSupported
	}
	if len(dst) == 0 {
		return nil
	}
	return result(C.rovmm_dtoh(fn, unsafe.Pointer(&dst[0]), C.ulonglong(src), C.size_t(len(dst))))
}
