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

package lifecycle

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"

	"github.com/srediag/gpu-roshare/api"
	"github.com/srediag/gpu-roshare/pkg/config"
	"github.com/srediag/gpu-roshare/pkg/driver/sim"
)

var (
	dev0 = api.Location{Type: api.LocationDevice, ID: 0}
	prop = &api.AllocationProp{Type: api.AllocationPinned, RequestedHandleTypes: api.HandleTypePosixFD, Location: dev0}
	rw   = []api.AccessDesc{{Location: dev0, Flags: api.AccessReadWrite}}
	ro   = []api.AccessDesc{{Location: dev0, Flags: api.AccessRead}}
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Registry.Dir = t.TempDir()
	cfg.Registry.Capacity = 64
	return cfg
}

func newRuntime(t *testing.T, cfg *config.Config) *Runtime {
	t.Helper()
	drv := sim.New(nil)
	t.Cleanup(func() { _ = drv.Close() })
	rt, err := New(Options{Config: cfg, Driver: drv, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func mapRange(t *testing.T, rt *Runtime, h api.AllocationHandle) api.DevicePtr {
	t.Helper()
	ptr, err := rt.Driver().MemAddressReserve(sim.Granularity, 0)
	require.NoError(t, err)
	require.NoError(t, rt.Driver().MemMap(ptr, sim.Granularity, 0, h, 0))
	return ptr
}

func TestRuntime_ReadOnlyShareEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	producer := newRuntime(t, cfg)
	consumer := newRuntime(t, cfg)

	assert.Nil(t, producer.Registry(), "nothing is mapped before Init")
	require.NoError(t, producer.Driver().Init(0))
	require.NoError(t, consumer.Driver().Init(0))
	require.NotNil(t, producer.Registry())
	require.NotNil(t, consumer.Registry())
	assert.True(t, producer.Registry().Initialized())
	assert.False(t, consumer.Registry().Initialized())

	pd := producer.Driver()
	h, err := pd.MemCreate(sim.Granularity, prop, 0)
	require.NoError(t, err)
	pptr := mapRange(t, producer, h)
	require.NoError(t, pd.MemSetAccess(pptr, sim.Granularity, rw))
	payload := bytes.Repeat([]byte{0x5a, 0xa5}, 512)
	require.NoError(t, pd.MemcpyHtoD(pptr, payload))

	fd, err := pd.MemExportToShareableHandle(h, api.HandleTypePosixFD, api.ExportFlagReadOnly)
	require.NoError(t, err)
	defer unix.Close(fd.FD())
	assert.Equal(t, 1, producer.Registry().Stats().Count)

	received, err := unix.Dup(fd.FD())
	require.NoError(t, err)
	defer unix.Close(received)

	cd := consumer.Driver()
	imported, err := cd.MemImportFromShareableHandle(api.ShareableHandle(received), api.HandleTypePosixFD)
	require.NoError(t, err)
	assert.True(t, consumer.Tracker().IsHandleReadOnly(imported))

	cptr := mapRange(t, consumer, imported)
	assert.ErrorIs(t, cd.MemSetAccess(cptr, sim.Granularity, rw), api.ErrorInvalidValue)
	require.NoError(t, cd.MemSetAccess(cptr, sim.Granularity, ro))

	got := make([]byte, len(payload))
	require.NoError(t, cd.MemcpyDtoH(got, cptr))
	assert.Equal(t, payload, got)
	assert.ErrorIs(t, cd.MemcpyHtoD(cptr, payload[:1]), api.ErrorInvalidValue)

	assert.ErrorIs(t, pd.MemSetAccess(pptr, sim.Granularity, rw), api.ErrorInvalidValue,
		"the exporter loses write access too")

	n, err := testutil.GatherAndCount(consumer.Metrics(), "rovmm_interceptor_policy_rejections_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, cd.MemUnmap(cptr, sim.Granularity))
	require.NoError(t, cd.MemRelease(imported))
	require.NoError(t, consumer.Close())
	require.NoError(t, producer.Close())
	_, err = os.Stat(filepath.Join(cfg.Registry.Dir, cfg.Registry.Name))
	assert.NoError(t, err, "segment survives every runtime")
}

func TestRuntime_CloseFlushesAudit(t *testing.T) {
	drv := sim.New(nil)
	t.Cleanup(func() { _ = drv.Close() })
	core, logs := observer.New(zapcore.InfoLevel)
	rt, err := New(Options{Config: testConfig(t), Driver: drv, Logger: zap.New(core)})
	require.NoError(t, err)

	d := rt.Driver()
	require.NoError(t, d.Init(0))
	h, err := d.MemCreate(sim.Granularity, prop, 0)
	require.NoError(t, err)
	ptr := mapRange(t, rt, h)
	fd, err := d.MemExportToShareableHandle(h, api.HandleTypePosixFD, api.ExportFlagReadOnly)
	require.NoError(t, err)
	defer unix.Close(fd.FD())
	assert.ErrorIs(t, d.MemSetAccess(ptr, sim.Granularity, rw), api.ErrorInvalidValue)

	n, err := testutil.GatherAndCount(rt.Metrics(), "rovmm_audit_buffered_events")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, rt.Trail().Len())

	require.NoError(t, rt.Close())
	assert.Equal(t, 0, rt.Trail().Len())
	audited := logs.FilterLoggerName("audit").All()
	require.Len(t, audited, 2)
	assert.Equal(t, "readonly-export", audited[0].ContextMap()["kind"])
	assert.Equal(t, "policy-rejection", audited[1].ContextMap()["kind"])
	assert.Equal(t, zapcore.WarnLevel, audited[1].Level)
}

func TestRuntime_SharedInitFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Registry.Dir = filepath.Join(cfg.Registry.Dir, "missing")
	rt := newRuntime(t, cfg)

	err := rt.Driver().Init(0)
	assert.ErrorIs(t, err, ErrSharedInit)
	assert.Nil(t, rt.Registry())
	assert.ErrorIs(t, rt.Driver().Init(0), ErrSharedInit, "failure is reported on every Init")
}

func TestRuntime_DriverInitFailureDefersShared(t *testing.T) {
	rt := newRuntime(t, testConfig(t))
	assert.ErrorIs(t, rt.Driver().Init(7), api.ErrorInvalidValue)
	assert.Nil(t, rt.Registry())
	require.NoError(t, rt.Driver().Init(0))
	assert.NotNil(t, rt.Registry())
}

func TestRuntime_InitAfterClose(t *testing.T) {
	rt := newRuntime(t, testConfig(t))
	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())
	assert.ErrorIs(t, rt.Driver().Init(0), ErrClosed)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	cfg := config.Default()
	cfg.Registry.Capacity = 0
	_, err = New(Options{Config: cfg, Driver: sim.New(nil)})
	assert.ErrorIs(t, err, config.ErrInvalid)
}
