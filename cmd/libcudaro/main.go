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

// Command libcudaro builds the interposer library:
//
//	go build -tags cuda -buildmode=c-shared -o libcudaro.so ./cmd/libcudaro
//	LD_PRELOAD=./libcudaro.so ./app
//
// The exported symbols shadow the driver's own. Each one forwards to the
// read-only interceptor, which calls the real libcuda resolved at load time.
package main

/*
#include <stddef.h>
#include <stdint.h>

typedef int CUresult;
typedef unsigned long long CUdeviceptr;
typedef unsigned long long CUmemGenericAllocationHandle;

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
	unsigned char allocFlags[8];
} rovmm_alloc_prop;
*/
import "C"

import (
	"errors"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/srediag/gpu-roshare/api"
	"github.com/srediag/gpu-roshare/internal/logging"
	"github.com/srediag/gpu-roshare/pkg/config"
	"github.com/srediag/gpu-roshare/pkg/driver/cuda"
	"github.com/srediag/gpu-roshare/pkg/lifecycle"
)

var (
	runtimeMu sync.RWMutex
	rt        *lifecycle.Runtime
)

// init runs when the library is loaded, before the host's main.
func init() {
	cfg, cfgErr := config.LoadOrDefault("")
	log := logging.NewOrNop(cfg.Logging())
	if cfgErr != nil {
		log.Error("invalid configuration, falling back to defaults", zap.Error(cfgErr))
	}
	drv, err := cuda.Load(cfg.CUDA.Library)
	if err != nil {
		log.Fatal("cannot resolve the real driver", zap.String("library", cfg.CUDA.Library), zap.Error(err))
	}
	r, err := lifecycle.New(lifecycle.Options{Config: cfg, Driver: drv, Logger: log})
	if err != nil {
		log.Fatal("cannot build the read-only runtime", zap.Error(err))
	}
	r.Logger().Debug("interposer loaded", zap.String("library", drv.Path()))
	runtimeMu.Lock()
	rt = r
	runtimeMu.Unlock()
}

func current() *lifecycle.Runtime {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	return rt
}

func code(err error) C.CUresult { return C.CUresult(api.ResultOf(err)) }

func notInitialized() C.CUresult { return C.CUresult(api.ErrorNotInitialized) }

//export rovmmShutdown
func rovmmShutdown() {
	runtimeMu.Lock()
	r := rt
	rt = nil
	runtimeMu.Unlock()
	if r != nil {
		_ = r.Close()
	}
}

//export cuInit
func cuInit(flags C.uint) C.CUresult {
	r := current()
	if r == nil {
		return notInitialized()
	}
	err := r.Driver().Init(uint(flags))
	if errors.Is(err, lifecycle.ErrSharedInit) {
		r.Logger().Fatal("cannot open shared read-only registry", zap.Error(err))
	}
	return code(err)
}

//export cuMemCreate
func cuMemCreate(handle *C.CUmemGenericAllocationHandle, size C.size_t, prop *C.rovmm_alloc_prop, flags C.ulonglong) C.CUresult {
	r := current()
	if r == nil {
		return notInitialized()
	}
	if handle == nil || prop == nil {
		return C.CUresult(api.ErrorInvalidValue)
	}
	p := &api.AllocationProp{
		Type:                 api.AllocationType(prop._type),
		RequestedHandleTypes: api.HandleType(prop.requestedHandleTypes),
		Location:             api.Location{Type: api.LocationType(prop.location._type), ID: int(prop.location.id)},
		Native:               unsafe.Pointer(prop),
	}
	h, err := r.Driver().MemCreate(uint64(size), p, uint64(flags))
	if err == nil {
		*handle = C.CUmemGenericAllocationHandle(h)
	}
	return code(err)
}

//export cuMemRelease
func cuMemRelease(handle C.CUmemGenericAllocationHandle) C.CUresult {
	r := current()
	if r == nil {
		return notInitialized()
	}
	return code(r.Driver().MemRelease(api.AllocationHandle(handle)))
}

//export cuMemMap
func cuMemMap(ptr C.CUdeviceptr, size, offset C.size_t, handle C.CUmemGenericAllocationHandle, flags C.ulonglong) C.CUresult {
	r := current()
	if r == nil {
		return notInitialized()
	}
	return code(r.Driver().MemMap(api.DevicePtr(ptr), uint64(size), uint64(offset), api.AllocationHandle(handle), uint64(flags)))
}

//export cuMemUnmap
func cuMemUnmap(ptr C.CUdeviceptr, size C.size_t) C.CUresult {
	r := current()
	if r == nil {
		return notInitialized()
	}
	return code(r.Driver().MemUnmap(api.DevicePtr(ptr), uint64(size)))
}

//export cuMemSetAccess
func cuMemSetAccess(ptr C.CUdeviceptr, size C.size_t, desc *C.rovmm_access_desc, count C.size_t) C.CUresult {
	r := current()
	if r == nil {
		return notInitialized()
	}
	var descs []api.AccessDesc
	if desc != nil && count > 0 {
		raw := unsafe.Slice(desc, int(count))
		descs = make([]api.AccessDesc, len(raw))
		for i, d := range raw {
			descs[i] = api.AccessDesc{
				Location: api.Location{Type: api.LocationType(d.location._type), ID: int(d.location.id)},
				Flags:    api.AccessFlags(d.flags),
			}
		}
	}
	return code(r.Driver().MemSetAccess(api.DevicePtr(ptr), uint64(size), descs))
}

//export cuMemExportToShareableHandle
func cuMemExportToShareableHandle(out unsafe.Pointer, handle C.CUmemGenericAllocationHandle, handleType C.int, flags C.ulonglong) C.CUresult {
	r := current()
	if r == nil {
		return notInitialized()
	}
	if out == nil {
		return C.CUresult(api.ErrorInvalidValue)
	}
	t := api.HandleType(handleType)
	sh, err := r.Driver().MemExportToShareableHandle(api.AllocationHandle(handle), t, uint64(flags))
	if err != nil {
		return code(err)
	}
	if t == api.HandleTypePosixFD {
		*(*C.int)(out) = C.int(sh.FD())
	} else {
		*(*C.uintptr_t)(out) = C.uintptr_t(sh)
	}
	return 0
}

//export cuMemImportFromShareableHandle
func cuMemImportFromShareableHandle(handle *C.CUmemGenericAllocationHandle, osHandle C.uintptr_t, handleType C.int) C.CUresult {
	r := current()
	if r == nil {
		return notInitialized()
	}
	if handle == nil {
		return C.CUresult(api.ErrorInvalidValue)
	}
	h, err := r.Driver().MemImportFromShareableHandle(api.ShareableHandle(osHandle), api.HandleType(handleType))
	if err == nil {
		*handle = C.CUmemGenericAllocationHandle(h)
	}
	return code(err)
}

func main() {}
