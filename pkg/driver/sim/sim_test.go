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

package sim

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/srediag/gpu-roshare/api"
	"github.com/srediag/gpu-roshare/pkg/identity"
)

var (
	dev0 = api.Location{Type: api.LocationDevice, ID: 0}
	prop = &api.AllocationProp{Type: api.AllocationPinned, RequestedHandleTypes: api.HandleTypePosixFD, Location: dev0}
)

func newDriver(t *testing.T) *Driver {
	t.Helper()
	d := New(nil)
	require.NoError(t, d.Init(0))
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func mapped(t *testing.T, d *Driver, h api.AllocationHandle, flags api.AccessFlags) api.DevicePtr {
	t.Helper()
	ptr, err := d.MemAddressReserve(Granularity, 0)
	require.NoError(t, err)
	require.NoError(t, d.MemMap(ptr, Granularity, 0, h, 0))
	require.NoError(t, d.MemSetAccess(ptr, Granularity, []api.AccessDesc{{Location: dev0, Flags: flags}}))
	return ptr
}

func TestDriver_RequiresInit(t *testing.T) {
	d := New(nil)
	_, err := d.MemCreate(Granularity, prop, 0)
	assert.ErrorIs(t, err, api.ErrorNotInitialized)
	assert.ErrorIs(t, d.Init(1), api.ErrorInvalidValue)
}

func TestDriver_CreateValidation(t *testing.T) {
	d := newDriver(t)
	_, err := d.MemCreate(Granularity+1, prop, 0)
	assert.ErrorIs(t, err, api.ErrorInvalidValue)
	_, err = d.MemCreate(Granularity, nil, 0)
	assert.ErrorIs(t, err, api.ErrorInvalidValue)
	_, err = d.MemCreate(Granularity, &api.AllocationProp{Location: api.Location{Type: api.LocationDevice, ID: 3}}, 0)
	assert.ErrorIs(t, err, api.ErrorInvalidValue)
	assert.ErrorIs(t, d.MemRelease(42), api.ErrorInvalidHandle)
}

func TestDriver_CopyRoundTrip(t *testing.T) {
	d := newDriver(t)
	h, err := d.MemCreate(Granularity, prop, 0)
	require.NoError(t, err)
	ptr := mapped(t, d, h, api.AccessReadWrite)

	src := bytes.Repeat([]byte{0xab, 0xcd}, 4096)
	require.NoError(t, d.MemcpyHtoD(ptr, src))
	dst := make([]byte, len(src))
	require.NoError(t, d.MemcpyDtoH(dst, ptr))
	assert.Equal(t, src, dst)

	allocs, maps := d.Stats()
	assert.Equal(t, 1, allocs)
	assert.Equal(t, 1, maps)

	assert.ErrorIs(t, d.MemAddressFree(ptr, Granularity), api.ErrorInvalidValue, "still mapped")
	require.NoError(t, d.MemUnmap(ptr, Granularity))
	require.NoError(t, d.MemRelease(h))
	require.NoError(t, d.MemAddressFree(ptr, Granularity))
}

func TestDriver_CopyInsideAlignedReservation(t *testing.T) {
	d := newDriver(t)
	const align = 4 * Granularity
	ptr, err := d.MemAddressReserve(2*Granularity, align)
	require.NoError(t, err)
	assert.Zero(t, uint64(ptr)%align)

	h, err := d.MemCreate(Granularity, prop, 0)
	require.NoError(t, err)
	upper := ptr + api.DevicePtr(Granularity)
	require.NoError(t, d.MemMap(upper, Granularity, 0, h, 0))
	require.NoError(t, d.MemSetAccess(upper, Granularity, []api.AccessDesc{{Location: dev0, Flags: api.AccessReadWrite}}))

	assert.ErrorIs(t, d.MemcpyHtoD(ptr, []byte{1}), api.ErrorInvalidValue, "lower half is not mapped")
	require.NoError(t, d.MemcpyHtoD(upper+100, []byte("interior")))
	got := make([]byte, 8)
	require.NoError(t, d.MemcpyDtoH(got, upper+100))
	assert.Equal(t, []byte("interior"), got)

	require.NoError(t, d.MemUnmap(upper, Granularity))
	require.NoError(t, d.MemRelease(h))
	require.NoError(t, d.MemAddressFree(ptr, 2*Granularity))
	assert.ErrorIs(t, d.MemAddressFree(ptr, 2*Granularity), api.ErrorInvalidValue)
}

func TestDriver_MapValidation(t *testing.T) {
	d := newDriver(t)
	h, err := d.MemCreate(Granularity, prop, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, d.MemMap(0x1000_0000, Granularity, 0, h, 0), api.ErrorInvalidValue, "unreserved range")

	ptr, err := d.MemAddressReserve(2*Granularity, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, d.MemMap(ptr, 2*Granularity, 0, h, 0), api.ErrorInvalidValue, "larger than the allocation")
	assert.ErrorIs(t, d.MemMap(ptr, Granularity, 0, 999, 0), api.ErrorInvalidHandle)
	require.NoError(t, d.MemMap(ptr, Granularity, 0, h, 0))
	assert.ErrorIs(t, d.MemMap(ptr, Granularity, 0, h, 0), api.ErrorInvalidValue, "overlapping mapping")
	require.NoError(t, d.MemMap(ptr+api.DevicePtr(Granularity), Granularity, 0, h, 0))
}

func TestDriver_ExportImportSharesMemory(t *testing.T) {
	producer := newDriver(t)
	consumer := newDriver(t)

	h, err := producer.MemCreate(Granularity, prop, 0)
	require.NoError(t, err)
	pptr := mapped(t, producer, h, api.AccessReadWrite)
	require.NoError(t, producer.MemcpyHtoD(pptr, []byte("shared bytes")))

	_, err = producer.MemExportToShareableHandle(h, api.HandleTypeFabric, 0)
	assert.ErrorIs(t, err, api.ErrorNotSupported)

	fd, err := producer.MemExportToShareableHandle(h, api.HandleTypePosixFD, 0)
	require.NoError(t, err)
	defer unix.Close(fd.FD())
	again, err := producer.MemExportToShareableHandle(h, api.HandleTypePosixFD, 0)
	require.NoError(t, err)
	defer unix.Close(again.FD())

	id1, err := identity.Resolve(fd.FD())
	require.NoError(t, err)
	id2, err := identity.Resolve(again.FD())
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "every export names the same object")

	imported, err := consumer.MemImportFromShareableHandle(fd, api.HandleTypePosixFD)
	require.NoError(t, err)
	cptr := mapped(t, consumer, imported, api.AccessRead)

	got := make([]byte, len("shared bytes"))
	require.NoError(t, consumer.MemcpyDtoH(got, cptr))
	assert.Equal(t, "shared bytes", string(got))
	assert.ErrorIs(t, consumer.MemcpyHtoD(cptr, []byte("x")), api.ErrorInvalidValue, "read-only mapping")

	require.NoError(t, producer.MemcpyHtoD(pptr, []byte("updated")))
	require.NoError(t, consumer.MemcpyDtoH(got[:7], cptr))
	assert.Equal(t, "updated", string(got[:7]))
}

func TestDriver_SetAccessValidation(t *testing.T) {
	d := newDriver(t)
	ptr, err := d.MemAddressReserve(Granularity, 0)
	require.NoError(t, err)
	rw := []api.AccessDesc{{Location: dev0, Flags: api.AccessReadWrite}}
	assert.ErrorIs(t, d.MemSetAccess(ptr, Granularity, rw), api.ErrorInvalidValue, "nothing mapped")
	assert.ErrorIs(t, d.MemSetAccess(ptr, Granularity, nil), api.ErrorInvalidValue)

	h, err := d.MemCreate(Granularity, prop, 0)
	require.NoError(t, err)
	require.NoError(t, d.MemMap(ptr, Granularity, 0, h, 0))
	assert.ErrorIs(t, d.MemcpyHtoD(ptr, []byte{1}), api.ErrorInvalidValue, "no access granted yet")
	bad := []api.AccessDesc{{Location: api.Location{Type: api.LocationDevice, ID: 1}, Flags: api.AccessRead}}
	assert.ErrorIs(t, d.MemSetAccess(ptr, Granularity, bad), api.ErrorInvalidValue)
	require.NoError(t, d.MemSetAccess(ptr, Granularity, rw))
	require.NoError(t, d.MemcpyHtoD(ptr, []byte{1}))
}
