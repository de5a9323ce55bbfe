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

// Package cache implements the write-back buffer cache between the inode
// layer and the block device: a fixed pool of sector buffers with LRU
// eviction, per-buffer reader/writer synchronization, speculative
// read-ahead, and a background flusher.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	"golang.org/x/sync/semaphore"

	"github.com/minikern/blockfs/internal/blockdev"
	"github.com/minikern/blockfs/internal/monitor"
)

// PoolSize is the number of sector buffers in the cache.
const PoolSize = 64

// readAheadWorkers bounds how many speculative loads may run at once.
const readAheadWorkers = 8

// Options configure a Cache beyond its device.
type Options struct {
	// How often the background flusher writes dirty buffers out. Zero means
	// the default of a few seconds.
	FlushInterval time.Duration

	// Whether loads speculatively pull in the following sector.
	ReadAhead bool

	// Counters to maintain. Nil means a throwaway set.
	Metrics *monitor.CacheMetrics

	// Clock used for flush-cycle accounting. Nil means the real clock.
	Clock timeutil.Clock
}

const defaultFlushInterval = 5 * time.Second

type Cache struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	dev     blockdev.Device
	metrics *monitor.CacheMetrics
	clock   timeutil.Clock

	/////////////////////////
	// Constant data
	/////////////////////////

	pool      [PoolSize]*entry
	readAhead bool

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The LRU order over the whole pool, most recently used at the front.
	// Every entry is always on the list, free ones included.
	lruMu sync.Mutex
	lru   *list.List // GUARDED_BY(lruMu)

	// Serializes the miss path so that two concurrent misses on the same
	// sector cannot claim two buffers for it.
	loadMu sync.Mutex

	readAheadSem *semaphore.Weighted

	stop        chan struct{}
	flusherDone chan struct{}
}

// Create a cache over the given device and start its background flusher.
// The caller must Close the cache before releasing the device.
func New(dev blockdev.Device, opts Options) (c *Cache) {
	if opts.FlushInterval == 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = monitor.NewUnregisteredCacheMetrics()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock()
	}

	c = &Cache{
		dev:          dev,
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		readAhead:    opts.ReadAhead,
		lru:          list.New(),
		readAheadSem: semaphore.NewWeighted(readAheadWorkers),
		stop:         make(chan struct{}),
		flusherDone:  make(chan struct{}),
	}

	for i := range c.pool {
		e := newEntry()
		e.elem = c.lru.PushBack(e)
		c.pool[i] = e
	}

	go c.runFlusher(opts.FlushInterval)
	return
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

// Read copies the sector's current contents into dst, loading it from the
// device if it is not resident.
//
// REQUIRES: len(dst) == blockdev.SectorSize
func (c *Cache) Read(sector blockdev.Sector, dst []byte) {
	e := c.acquire(sector, false)
	// slotMu has been dropped; we hold the reader side.
	copy(dst, e.data[:])
	e.unlockShared()
}

// Write copies src over the sector's contents and marks the buffer dirty.
// The device is not touched until eviction, a flush, or shutdown.
//
// REQUIRES: len(src) == blockdev.SectorSize
func (c *Cache) Write(sector blockdev.Sector, src []byte) {
	e := c.acquire(sector, true)
	// slotMu has been dropped; we hold the writer side and dirty is set.
	copy(e.data[:], src)
	e.unlockExclusive()
}

// Flush writes every dirty buffer to the device and releases it. Intended
// for shutdown; concurrent users of the flushed sectors will fault them
// back in.
func (c *Cache) Flush() {
	for _, e := range c.pool {
		e.slotMu.Lock()
		if !e.busy || !e.dirty {
			e.slotMu.Unlock()
			continue
		}

		e.lockShared()
		sector := e.heldSector()
		c.dev.WriteSector(sector, e.data[:])
		c.metrics.WriteBacks.Inc()
		e.release()
		e.slotMu.Unlock()
		e.unlockShared()
	}
}

// Close stops the background flusher and flushes the cache. The cache must
// not be used afterward.
func (c *Cache) Close() {
	close(c.stop)
	<-c.flusherDone
	c.Flush()
}

////////////////////////////////////////////////////////////////////////
// Lookup and load
////////////////////////////////////////////////////////////////////////

// Find the resident entry for the sector and return it with slotMu held,
// or nil. The initial probe of the sector field is deliberately racy; a
// match is re-validated after taking the slot lock, which defeats
// concurrent reassignment.
func (c *Cache) lookup(sector blockdev.Sector) *entry {
	for _, e := range c.pool {
		if e.heldSector() != sector {
			continue
		}

		e.slotMu.Lock()
		if e.busy && e.heldSector() == sector {
			return e
		}
		e.slotMu.Unlock()
	}

	return nil
}

// Return the sector's entry with the requested side of its rw-lock held
// and its slot lock released, loading the sector if necessary. For
// exclusive acquisition the entry is already marked dirty and promoted to
// MRU; shared acquisition promotes only.
func (c *Cache) acquire(sector blockdev.Sector, exclusive bool) *entry {
	hit := true
	for {
		if e := c.lookup(sector); e != nil {
			if hit {
				c.metrics.Hits.Inc()
			}

			// Acquiring under slotMu means the entry cannot be reassigned
			// underneath us: eviction takes slot locks non-blockingly and will
			// simply skip this one.
			if exclusive {
				e.lockExclusive()
				e.dirty = true
			} else {
				e.lockShared()
			}
			c.touch(e)
			e.slotMu.Unlock()
			return e
		}

		hit = false
		c.load(sector)
	}
}

// Bring the sector into the cache if some other thread has not already
// done so. On return the sector was resident at some instant; the caller
// re-runs its lookup.
func (c *Cache) load(sector blockdev.Sector) {
	c.loadMu.Lock()

	if e := c.lookup(sector); e != nil {
		e.slotMu.Unlock()
		c.loadMu.Unlock()
		return
	}

	c.metrics.Misses.Inc()

	// Claim a free buffer. BUSY goes on before the slot lock is dropped, so
	// no one else can claim the entry, and the exclusive lock cannot contend
	// because the entry was free.
	e := c.getFree()
	e.setSector(sector)
	e.busy = true
	e.lockExclusive()
	c.touch(e)
	e.slotMu.Unlock()
	c.loadMu.Unlock()

	// Let the next sector trail in behind us. The handshake inside only
	// waits for slot reservation, not for the helper's device read.
	if c.readAhead {
		c.spawnReadAhead(sector + 1)
	}

	c.dev.ReadSector(sector, e.data[:])
	e.unlockExclusive()
}

// Return a free entry (one holding no sector) with its slot lock held,
// evicting if the pool is exhausted. Cannot fail: if every buffer is in
// use the eviction scan cycles until one comes free.
func (c *Cache) getFree() *entry {
	for {
		for _, e := range c.pool {
			if !e.slotMu.TryLock() {
				continue
			}
			if !e.busy {
				return e
			}
			e.slotMu.Unlock()
		}

		c.evict()
	}
}

// Walk the LRU chain from coldest to hottest and release the first entry
// that is not in use, writing it back first if dirty. Entries whose slot
// lock cannot be taken immediately, or which have active readers or a
// writer, are skipped.
func (c *Cache) evict() {
	c.lruMu.Lock()
	victims := make([]*entry, 0, PoolSize)
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		victims = append(victims, el.Value.(*entry))
	}
	c.lruMu.Unlock()

	for _, e := range victims {
		if !e.slotMu.TryLock() {
			continue
		}
		if !e.busy || e.inUse() {
			e.slotMu.Unlock()
			continue
		}

		if e.dirty {
			c.dev.WriteSector(e.heldSector(), e.data[:])
			c.metrics.WriteBacks.Inc()
		}
		e.release()
		e.slotMu.Unlock()
		c.metrics.Evictions.Inc()
		return
	}
}

// Move the entry to the MRU end of the list.
//
// LOCKS_REQUIRED(e.slotMu)
func (c *Cache) touch(e *entry) {
	c.lruMu.Lock()
	c.lru.MoveToFront(e.elem)
	c.lruMu.Unlock()
}
