// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache_test

import (
	"bytes"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/jacobsa/ogletest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"

	"github.com/minikern/blockfs/internal/blockdev"
	"github.com/minikern/blockfs/internal/cache"
	"github.com/minikern/blockfs/internal/monitor"
)

func TestCache(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

const deviceSectors = 256

// A device that counts its I/O, so tests can see write-back behavior.
type countingDevice struct {
	wrapped *blockdev.MemDevice
	reads   atomic.Int64
	writes  atomic.Int64
}

func (d *countingDevice) ReadSector(s blockdev.Sector, buf []byte) {
	d.reads.Add(1)
	d.wrapped.ReadSector(s, buf)
}

func (d *countingDevice) WriteSector(s blockdev.Sector, buf []byte) {
	d.writes.Add(1)
	d.wrapped.WriteSector(s, buf)
}

func (d *countingDevice) Size() blockdev.Sector {
	return d.wrapped.Size()
}

// Return a full sector filled with the given byte.
func sectorOf(b byte) []byte {
	return bytes.Repeat([]byte{b}, blockdev.SectorSize)
}

func rawSector(d *blockdev.MemDevice, s blockdev.Sector) []byte {
	buf := make([]byte, blockdev.SectorSize)
	d.ReadSector(s, buf)
	return buf
}

type CacheTest struct {
	dev   *countingDevice
	cache *cache.Cache
}

func init() { RegisterTestSuite(&CacheTest{}) }

func (t *CacheTest) SetUp(ti *TestInfo) {
	t.dev = &countingDevice{wrapped: blockdev.NewMemDevice(deviceSectors)}

	// A long flush interval keeps the background flusher out of the way;
	// tests that want write-back trigger it explicitly or via eviction.
	t.cache = cache.New(t.dev, cache.Options{
		FlushInterval: time.Hour,
	})
}

func (t *CacheTest) TearDown() {
	t.cache.Close()
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *CacheTest) ReadFaultsInFromDevice() {
	t.dev.wrapped.WriteSector(17, sectorOf(0xab))

	buf := make([]byte, blockdev.SectorSize)
	t.cache.Read(17, buf)

	ExpectEq(0, bytes.Compare(sectorOf(0xab), buf))
	ExpectEq(1, t.dev.reads.Load())
}

func (t *CacheTest) RepeatedReadsHitTheBuffer() {
	buf := make([]byte, blockdev.SectorSize)
	for i := 0; i < 10; i++ {
		t.cache.Read(3, buf)
	}

	ExpectEq(1, t.dev.reads.Load())
}

func (t *CacheTest) WriteIsDeferred() {
	t.cache.Write(5, sectorOf(0x5a))

	// The device must not have seen the write yet.
	ExpectEq(0, t.dev.writes.Load())
	ExpectEq(0, bytes.Compare(sectorOf(0x00), rawSector(t.dev.wrapped, 5)))
}

func (t *CacheTest) WriteThenReadRoundTrips() {
	t.cache.Write(5, sectorOf(0x5a))

	buf := make([]byte, blockdev.SectorSize)
	t.cache.Read(5, buf)

	ExpectEq(0, bytes.Compare(sectorOf(0x5a), buf))
}

func (t *CacheTest) FlushWritesDirtyBuffers() {
	t.cache.Write(5, sectorOf(0x5a))
	t.cache.Write(9, sectorOf(0x9b))

	t.cache.Flush()

	ExpectEq(2, t.dev.writes.Load())
	ExpectEq(0, bytes.Compare(sectorOf(0x5a), rawSector(t.dev.wrapped, 5)))
	ExpectEq(0, bytes.Compare(sectorOf(0x9b), rawSector(t.dev.wrapped, 9)))
}

func (t *CacheTest) FlushTwiceWritesOnce() {
	t.cache.Write(5, sectorOf(0x5a))

	t.cache.Flush()
	t.cache.Flush()

	ExpectEq(1, t.dev.writes.Load())
}

func (t *CacheTest) RereadAfterFlushRoundTrips() {
	t.cache.Write(5, sectorOf(0x5a))
	t.cache.Flush()

	buf := make([]byte, blockdev.SectorSize)
	t.cache.Read(5, buf)

	ExpectEq(0, bytes.Compare(sectorOf(0x5a), buf))
}

func (t *CacheTest) SaturationEvictsTheColdestBuffer() {
	// Dirty sector 0, then touch pool-many other sectors. The pool must
	// evict sector 0, the coldest buffer, writing it back on the way out.
	t.cache.Write(0, sectorOf(0xcd))

	buf := make([]byte, blockdev.SectorSize)
	for s := blockdev.Sector(1); s <= cache.PoolSize; s++ {
		t.cache.Read(s, buf)
	}

	ExpectEq(1, t.dev.writes.Load())
	ExpectEq(0, bytes.Compare(sectorOf(0xcd), rawSector(t.dev.wrapped, 0)))

	// Faulting sector 0 back in must hit the device again.
	reads := t.dev.reads.Load()
	t.cache.Read(0, buf)
	ExpectEq(reads+1, t.dev.reads.Load())
	ExpectEq(0, bytes.Compare(sectorOf(0xcd), buf))
}

func (t *CacheTest) RecentlyUsedBufferSurvivesEviction() {
	t.cache.Write(0, sectorOf(0xcd))

	// Keep re-touching sector 0 while walking enough other sectors to force
	// evictions. Sector 0 must stay resident throughout.
	buf := make([]byte, blockdev.SectorSize)
	for s := blockdev.Sector(1); s <= 3*cache.PoolSize/2; s++ {
		t.cache.Read(s, buf)
		t.cache.Read(0, buf)
	}

	reads := t.dev.reads.Load()
	t.cache.Read(0, buf)
	ExpectEq(reads, t.dev.reads.Load())
}

func (t *CacheTest) NoTornSectors() {
	// One writer repeatedly flips a sector between two full-sector
	// patterns; several readers must only ever observe one of the two.
	const duration = 100 * time.Millisecond

	var group errgroup.Group
	stop := time.Now().Add(duration)

	group.Go(func() error {
		for n := byte(0); time.Now().Before(stop); n++ {
			t.cache.Write(40, sectorOf(n%2*0xff))
		}
		return nil
	})

	for i := 0; i < 4; i++ {
		group.Go(func() error {
			buf := make([]byte, blockdev.SectorSize)
			for time.Now().Before(stop) {
				t.cache.Read(40, buf)
				for _, b := range buf {
					if b != buf[0] {
						AddFailure("torn sector: %#x vs %#x", b, buf[0])
						return nil
					}
				}
			}
			return nil
		})
	}

	AssertEq(nil, group.Wait())
}

func (t *CacheTest) ConcurrentDistinctSectors() {
	// Writers on disjoint sectors must not interfere.
	var group errgroup.Group
	for i := 0; i < 4; i++ {
		s := blockdev.Sector(100 + i)
		fill := byte(0x10 + i)
		group.Go(func() error {
			for n := 0; n < 50; n++ {
				t.cache.Write(s, sectorOf(fill))
			}
			return nil
		})
	}
	AssertEq(nil, group.Wait())

	buf := make([]byte, blockdev.SectorSize)
	for i := 0; i < 4; i++ {
		t.cache.Read(blockdev.Sector(100+i), buf)
		ExpectEq(0, bytes.Compare(sectorOf(byte(0x10+i)), buf))
	}
}

func (t *CacheTest) BackgroundFlusherWritesBack() {
	dev := &countingDevice{wrapped: blockdev.NewMemDevice(deviceSectors)}
	c := cache.New(dev, cache.Options{FlushInterval: 10 * time.Millisecond})
	defer c.Close()

	c.Write(7, sectorOf(0x77))

	deadline := time.Now().Add(5 * time.Second)
	for dev.writes.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	ExpectEq(0, bytes.Compare(sectorOf(0x77), rawSector(dev.wrapped, 7)))

	// The buffer stays resident after a background write-back.
	reads := dev.reads.Load()
	buf := make([]byte, blockdev.SectorSize)
	c.Read(7, buf)
	ExpectEq(reads, dev.reads.Load())
}

func (t *CacheTest) ReadAheadPullsInTheNextSector() {
	dev := &countingDevice{wrapped: blockdev.NewMemDevice(deviceSectors)}
	dev.wrapped.WriteSector(31, sectorOf(0x31))
	c := cache.New(dev, cache.Options{
		FlushInterval: time.Hour,
		ReadAhead:     true,
	})
	defer c.Close()

	buf := make([]byte, blockdev.SectorSize)
	c.Read(30, buf)

	// The helper runs concurrently; wait for it to have loaded sector 31.
	deadline := time.Now().Add(5 * time.Second)
	for dev.reads.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	AssertEq(2, dev.reads.Load())

	// Reading sector 31 now must not touch the device.
	c.Read(31, buf)
	ExpectEq(2, dev.reads.Load())
	ExpectEq(0, bytes.Compare(sectorOf(0x31), buf))
}

func (t *CacheTest) CountersTrackHitsMissesAndEvictions() {
	dev := &countingDevice{wrapped: blockdev.NewMemDevice(deviceSectors)}
	m := monitor.NewCacheMetrics(prometheus.NewRegistry())
	c := cache.New(dev, cache.Options{
		FlushInterval: time.Hour,
		Metrics:       m,
	})
	defer c.Close()

	buf := make([]byte, blockdev.SectorSize)
	c.Read(1, buf)
	c.Read(1, buf)
	c.Read(1, buf)

	ExpectEq(1, testutil.ToFloat64(m.Misses))
	ExpectEq(2, testutil.ToFloat64(m.Hits))

	// Saturate the pool to force an eviction.
	for s := blockdev.Sector(2); s < 2+cache.PoolSize; s++ {
		c.Read(s, buf)
	}
	ExpectEq(1, testutil.ToFloat64(m.Evictions))
}

func (t *CacheTest) ReadAheadStopsAtDeviceEnd() {
	dev := &countingDevice{wrapped: blockdev.NewMemDevice(deviceSectors)}
	c := cache.New(dev, cache.Options{
		FlushInterval: time.Hour,
		ReadAhead:     true,
	})
	defer c.Close()

	// Reading the last sector must not fault past the end.
	buf := make([]byte, blockdev.SectorSize)
	c.Read(deviceSectors-1, buf)

	time.Sleep(20 * time.Millisecond)
	ExpectEq(1, dev.reads.Load())
}
