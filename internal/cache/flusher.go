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
	"time"

	"github.com/minikern/blockfs/internal/logger"
)

// The background flusher: wake on a fixed interval and write out every
// dirty buffer, narrowing the window a crash can lose.
func (c *Cache) runFlusher(interval time.Duration) {
	defer close(c.flusherDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			start := c.clock.Now()
			n := c.writeBackDirty()
			c.metrics.FlushRuns.Inc()
			if n > 0 {
				logger.Tracef(
					"cache: flushed %d dirty buffers in %v",
					n,
					c.clock.Now().Sub(start))
			}
		}
	}
}

// Write every dirty buffer to the device and clear its dirty bit, keeping
// the buffer resident. The write happens under the buffer's reader side,
// so concurrent readers proceed and writers wait their turn.
func (c *Cache) writeBackDirty() (n int) {
	for _, e := range c.pool {
		e.slotMu.Lock()
		if !e.busy || !e.dirty {
			e.slotMu.Unlock()
			continue
		}

		e.lockShared()
		e.dirty = false
		sector := e.heldSector()
		e.slotMu.Unlock()

		c.dev.WriteSector(sector, e.data[:])
		e.unlockShared()
		c.metrics.WriteBacks.Inc()
		n++
	}

	return
}
