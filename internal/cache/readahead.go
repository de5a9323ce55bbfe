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
	"sync"

	"github.com/minikern/blockfs/internal/blockdev"
)

// Kick off a helper that pulls the given sector into the cache, and wait
// only until the helper has claimed (or declined) its slot. The helper's
// device read happens after the rendezvous, so the primary request is
// never delayed by it.
//
// Read-ahead is best-effort throughout: a sector past the end of the
// device starts no helper at all, and an already-resident sector or worker
// exhaustion makes the helper signal immediately and exit.
func (c *Cache) spawnReadAhead(sector blockdev.Sector) {
	if sector >= c.dev.Size() {
		return
	}

	claimed := make(chan struct{})
	var once sync.Once
	signal := func() { once.Do(func() { close(claimed) }) }

	go func() {
		defer signal()

		if !c.readAheadSem.TryAcquire(1) {
			return
		}
		defer c.readAheadSem.Release(1)

		c.loadMu.Lock()
		if e := c.lookup(sector); e != nil {
			e.slotMu.Unlock()
			c.loadMu.Unlock()
			return
		}

		e := c.getFree()
		e.setSector(sector)
		e.busy = true
		e.lockExclusive()
		c.touch(e)
		e.slotMu.Unlock()
		c.loadMu.Unlock()

		// Slot reserved; release the spawner before touching the device.
		signal()

		c.dev.ReadSector(sector, e.data[:])
		e.unlockExclusive()
		c.metrics.ReadAheads.Inc()
	}()

	<-claimed
}
