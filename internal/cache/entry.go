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

package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/minikern/blockfs/internal/blockdev"
)

// A single buffer in the pool, mapping at most one sector.
//
// Two locks with distinct jobs:
//
//   - slotMu protects the entry's identity (which sector it holds, whether
//     it holds one at all, whether it is dirty). Claiming and releasing a
//     slot happens under slotMu, and all reader/writer acquisitions start
//     under it, so holding slotMu guarantees the set of active users can
//     only shrink.
//
//   - rwMu + cond implement the readers-writer protocol over data: writers
//     are serialized, readers run concurrently, and the two never overlap.
//     Releases happen without slotMu.
//
// Lock order is always slotMu before rwMu; the LRU list mutex is taken
// while holding slotMu, never the other way around.
type entry struct {
	/////////////////////////
	// Identity, GUARDED_BY(slotMu)
	/////////////////////////

	slotMu sync.Mutex

	// The sector this buffer holds, or blockdev.None when free. Stored
	// atomically so that the lookup scan may probe it without the lock; any
	// match is re-validated under slotMu before use.
	sector atomic.Uint32

	// busy is set while the entry holds a sector; dirty while its data is
	// newer than the device's copy.
	busy  bool
	dirty bool

	// Position in the cache-wide LRU list. GUARDED_BY(Cache.lruMu).
	elem *list.Element

	/////////////////////////
	// Readers-writer state, GUARDED_BY(rwMu)
	/////////////////////////

	rwMu    sync.Mutex
	cond    *sync.Cond
	readers int
	writer  bool

	// Sector contents. Written only while holding the writer side, read
	// while holding either side.
	data [blockdev.SectorSize]byte
}

func newEntry() *entry {
	e := &entry{}
	e.cond = sync.NewCond(&e.rwMu)
	e.sector.Store(uint32(blockdev.None))
	return e
}

func (e *entry) heldSector() blockdev.Sector {
	return blockdev.Sector(e.sector.Load())
}

func (e *entry) setSector(s blockdev.Sector) {
	e.sector.Store(uint32(s))
}

// Forget the held sector. The caller must have written back any dirty data.
//
// LOCKS_REQUIRED(e.slotMu)
func (e *entry) release() {
	e.setSector(blockdev.None)
	e.busy = false
	e.dirty = false
}

////////////////////////////////////////////////////////////////////////
// Readers-writer protocol
////////////////////////////////////////////////////////////////////////

// Wait until no writer is active, then join the readers.
func (e *entry) lockShared() {
	e.rwMu.Lock()
	for e.writer {
		e.cond.Wait()
	}
	e.readers++
	e.rwMu.Unlock()
}

// Leave the readers, waking a waiting writer if we were the last.
func (e *entry) unlockShared() {
	e.rwMu.Lock()
	e.readers--
	if e.readers == 0 {
		e.cond.Signal()
	}
	e.rwMu.Unlock()
}

// Wait until neither a writer nor any reader is active, then become the
// writer.
func (e *entry) lockExclusive() {
	e.rwMu.Lock()
	for e.writer || e.readers > 0 {
		e.cond.Wait()
	}
	e.writer = true
	e.rwMu.Unlock()
}

// Stop being the writer and wake everyone waiting.
func (e *entry) unlockExclusive() {
	e.rwMu.Lock()
	e.writer = false
	e.cond.Broadcast()
	e.rwMu.Unlock()
}

// Report whether any reader or writer is active right now. Only meaningful
// while holding slotMu, which blocks new acquisitions.
//
// LOCKS_REQUIRED(e.slotMu)
func (e *entry) inUse() bool {
	e.rwMu.Lock()
	defer e.rwMu.Unlock()
	return e.writer || e.readers > 0
}
