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

package interceptor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/srediag/gpu-roshare/api"
)

// fakeDriver backs every exported allocation with a file so descriptors carry
// a real filesystem identity.
type fakeDriver struct {
	dir string

	mu         sync.Mutex
	nextHandle api.AllocationHandle
	files      map[api.AllocationHandle]string

	initErr   error
	mapErr    error
	exportErr error
	importErr error

	initCalls      int
	released       []api.AllocationHandle
	exportFlags    []uint64
	setAccessCalls [][]api.AccessDesc
	imports        int
}

func newFakeDriver(dir string) *fakeDriver {
	return &fakeDriver{dir: dir, nextHandle: 0x100, files: make(map[api.AllocationHandle]string)}
}

func (f *fakeDriver) Init(flags uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return f.initErr
}

func (f *fakeDriver) MemCreate(size uint64, prop *api.AllocationProp, flags uint64) (api.AllocationHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextHandle++
	return f.nextHandle, nil
}

func (f *fakeDriver) MemRelease(h api.AllocationHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, h)
	return nil
}

func (f *fakeDriver) MemMap(ptr api.DevicePtr, size, offset uint64, h api.AllocationHandle, flags uint64) error {
	return f.mapErr
}

func (f *fakeDriver) MemUnmap(ptr api.DevicePtr, size uint64) error { return nil }

func (f *fakeDriver) MemSetAccess(ptr api.DevicePtr, size uint64, desc []api.AccessDesc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setAccessCalls = append(f.setAccessCalls, desc)
	return nil
}

func (f *fakeDriver) MemExportToShareableHandle(h api.AllocationHandle, t api.HandleType, flags uint64) (api.ShareableHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exportFlags = append(f.exportFlags, flags)
	if f.exportErr != nil {
		return 0, f.exportErr
	}
	if t != api.HandleTypePosixFD {
		return api.ShareableHandle(0xfab), nil
	}
	path, ok := f.files[h]
	if !ok {
		path = filepath.Join(f.dir, fmt.Sprintf("alloc-%d", uint64(h)))
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			return 0, api.ErrorUnknown
		}
		f.files[h] = path
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, api.ErrorUnknown
	}
	return api.ShareableHandle(fd), nil
}

func (f *fakeDriver) MemImportFromShareableHandle(osHandle api.ShareableHandle, t api.HandleType) (api.AllocationHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imports++
	if f.importErr != nil {
		return 0, f.importErr
	}
	f.nextHandle++
	return f.nextHandle, nil
}

func (f *fakeDriver) setAccessCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.setAccessCalls)
}

func (f *fakeDriver) importCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.imports
}

func (f *fakeDriver) lastExportFlags() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exportFlags[len(f.exportFlags)-1]
}
