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

package registry

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/gpu-roshare/internal/shm"
	"github.com/srediag/gpu-roshare/pkg/identity"
)

type RegistryTestSuite struct {
	suite.Suite
	dir string
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func (s *RegistryTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
}

func (s *RegistryTestSuite) options() Options {
	return Options{Name: "handles", Dir: s.dir, Capacity: 16, InitTimeout: time.Second}
}

func (s *RegistryTestSuite) open(opts Options) *Registry {
	r, err := Open(context.Background(), opts)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = r.Close() })
	return r
}

func (s *RegistryTestSuite) TestMarkAndLookup() {
	r := s.open(s.options())
	s.True(r.Initialized())
	s.True(r.Ready())

	id := identity.Identity{Dev: 7, Ino: 42}
	s.False(r.IsReadOnly(id))
	s.Require().NoError(r.MarkReadOnly(id))
	s.True(r.IsReadOnly(id))
	s.False(r.IsReadOnly(identity.Identity{Dev: 7, Ino: 43}))

	e, ok := r.Lookup(id)
	s.Require().True(ok)
	s.True(e.ReadOnly)
	s.Equal(os.Getpid(), e.OwnerPID)
	s.WithinDuration(time.Now(), e.MarkedAt, time.Minute)
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

func (s *RegistryTestSuite) TestMarkIsIdempotent() {
	opts := s.options()
	opts.Metrics = NewMetrics(prometheus.NewRegistry())
	r := s.open(opts)
	id := identity.Identity{Dev: 1, Ino: 1}
	for i := 0; i < 5; i++ {
		s.Require().NoError(r.MarkReadOnly(id))
	}
	s.Equal(1, r.Stats().Count)
	s.Len(r.Entries(), 1)
	s.Equal(float64(1), counterValue(opts.Metrics.Marks.WithLabelValues("appended")))
	s.Equal(float64(4), counterValue(opts.Metrics.Marks.WithLabelValues("existing")))
}

func (s *RegistryTestSuite) TestConcurrentMarksOfSameIdentity() {
	r := s.open(s.options())
	pool, err := ants.NewPool(8)
	s.Require().NoError(err)
	defer pool.Release()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		s.Require().NoError(pool.Submit(func() {
			defer wg.Done()
			s.NoError(r.MarkReadOnly(identity.Identity{Dev: 3, Ino: 9}))
		}))
	}
	wg.Wait()
	s.Equal(1, r.Stats().Count)
}

func (s *RegistryTestSuite) TestMarksVisibleAcrossMappings() {
	writer := s.open(s.options())
	reader := s.open(s.options())
	s.True(writer.Initialized())
	s.False(reader.Initialized())

	id := identity.Identity{Dev: 99, Ino: 100}
	s.False(reader.IsReadOnly(id))
	s.Require().NoError(writer.MarkReadOnly(id))
	s.True(reader.IsReadOnly(id))

	s.Require().NoError(reader.MarkReadOnly(identity.Identity{Dev: 99, Ino: 101}))
	s.Equal(2, writer.Stats().Count)
}

func (s *RegistryTestSuite) TestOverflowKeepsExistingEntries() {
	reg := prometheus.NewRegistry()
	opts := Options{Name: "full", Dir: s.dir, Capacity: DefaultCapacity, Metrics: NewMetrics(reg)}
	r := s.open(opts)

	for i := 0; i < DefaultCapacity; i++ {
		s.Require().NoError(r.MarkReadOnly(identity.Identity{Dev: 1, Ino: uint64(i + 1)}))
	}
	err := r.MarkReadOnly(identity.Identity{Dev: 2, Ino: 1})
	s.ErrorIs(err, ErrRegistryFull)
	s.False(r.IsReadOnly(identity.Identity{Dev: 2, Ino: 1}))

	for i := 0; i < DefaultCapacity; i++ {
		s.True(r.IsReadOnly(identity.Identity{Dev: 1, Ino: uint64(i + 1)}))
	}
	st := r.Stats()
	s.Equal(DefaultCapacity, st.Count)
	s.Equal(uint64(1), st.Overflow)
	s.Equal(float64(1), testutil.ToFloat64(opts.Metrics.Overflow))
	s.Equal(float64(DefaultCapacity), testutil.ToFloat64(opts.Metrics.Entries))

	// Re-marking a stored identity still succeeds on a full table.
	s.NoError(r.MarkReadOnly(identity.Identity{Dev: 1, Ino: 1}))
}

func (s *RegistryTestSuite) TestConcurrentOpenInitializesOnce() {
	const openers = 16
	regs := make([]*Registry, openers)
	errs := make([]error, openers)
	var wg sync.WaitGroup
	for i := 0; i < openers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			regs[i], errs[i] = Open(context.Background(), s.options())
			if errs[i] == nil {
				_ = regs[i].MarkReadOnly(identity.Identity{Dev: 5, Ino: uint64(i + 1)})
			}
		}(i)
	}
	wg.Wait()

	initialized := 0
	for i := 0; i < openers; i++ {
		s.Require().NoError(errs[i])
		defer regs[i].Close()
		if regs[i].Initialized() {
			initialized++
		}
	}
	s.Equal(1, initialized)
	s.Equal(openers, regs[0].Stats().Count, "no mark may be lost to a late construction")
}

func (s *RegistryTestSuite) TestStalledInitializerIsTakenOver() {
	const deadPID = 0x7ffffff0
	opts := s.options()
	opts.setDefaults()
	region, err := shm.MapRegion(context.Background(), opts.mapOptions())
	s.Require().NoError(err)
	atomic.StoreUint32(shm.Uint32At(region.Addr, offInitPID), deadPID)
	atomic.StoreUint32(shm.Uint32At(region.Addr, offState), stateInitializing)
	s.Require().NoError(shm.UnmapRegion(context.Background(), region))

	opts.ProcessAlive = func(pid int32) bool { return pid != deadPID }
	r := s.open(opts)
	s.True(r.Initialized())
	s.Equal(os.Getpid(), r.Stats().InitPID)
	s.Require().NoError(r.MarkReadOnly(identity.Identity{Dev: 1, Ino: 2}))
}

func (s *RegistryTestSuite) TestUnclaimedInitializationIsTakenOver() {
	opts := s.options()
	opts.setDefaults()
	region, err := shm.MapRegion(context.Background(), opts.mapOptions())
	s.Require().NoError(err)
	// State flipped, pid never stamped.
	atomic.StoreUint32(shm.Uint32At(region.Addr, offState), stateInitializing)
	s.Require().NoError(shm.UnmapRegion(context.Background(), region))

	opts.InitTimeout = 400 * time.Millisecond
	start := time.Now()
	r := s.open(opts)
	s.GreaterOrEqual(time.Since(start), opts.InitTimeout/2)
	s.True(r.Initialized())
	s.Equal(os.Getpid(), r.Stats().InitPID)
	s.Require().NoError(r.MarkReadOnly(identity.Identity{Dev: 1, Ino: 3}))
}

func (s *RegistryTestSuite) TestLiveInitializerTimesOut() {
	opts := s.options()
	opts.setDefaults()
	region, err := shm.MapRegion(context.Background(), opts.mapOptions())
	s.Require().NoError(err)
	atomic.StoreUint32(shm.Uint32At(region.Addr, offInitPID), uint32(os.Getpid()))
	atomic.StoreUint32(shm.Uint32At(region.Addr, offState), stateInitializing)
	s.Require().NoError(shm.UnmapRegion(context.Background(), region))

	opts.InitTimeout = 50 * time.Millisecond
	_, err = Open(context.Background(), opts)
	s.ErrorIs(err, ErrNotReady)
}

func (s *RegistryTestSuite) TestCapacityMismatch() {
	s.open(s.options())

	opts := s.options()
	opts.Capacity = 8
	_, err := Open(context.Background(), opts)
	s.ErrorIs(err, ErrLayoutMismatch)
}

func (s *RegistryTestSuite) TestLayoutMismatch() {
	r := s.open(s.options())
	atomic.StoreUint32(shm.Uint32At(r.mem, offVersion), layoutVersion+1)

	_, err := Open(context.Background(), s.options())
	s.ErrorIs(err, ErrLayoutMismatch)
}

func (s *RegistryTestSuite) TestCloseAndRemove() {
	opts := s.options()
	r, err := Open(context.Background(), opts)
	s.Require().NoError(err)
	s.Require().NoError(r.MarkReadOnly(identity.Identity{Dev: 4, Ino: 4}))
	s.Require().NoError(r.Close())
	s.Require().NoError(r.Close())
	s.ErrorIs(r.MarkReadOnly(identity.Identity{Dev: 4, Ino: 5}), ErrClosed)
	s.False(r.Ready())

	_, statErr := os.Stat(r.Path())
	s.Require().NoError(statErr, "close must not unlink the segment")

	again := s.open(opts)
	s.True(again.IsReadOnly(identity.Identity{Dev: 4, Ino: 4}))
	s.Require().NoError(again.Close())

	s.Require().NoError(Remove(context.Background(), opts))
	fresh := s.open(opts)
	s.True(fresh.Initialized())
	s.False(fresh.IsReadOnly(identity.Identity{Dev: 4, Ino: 4}))
}
