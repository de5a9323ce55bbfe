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

// Package inode implements the multi-level indexed inode layer: the
// on-disk map from file offset to device sector, growth on write, the
// registry of open inodes, and sector release on removal. All sector I/O
// flows through the buffer cache.
package inode

import (
	"fmt"

	"github.com/jacobsa/syncutil"

	"github.com/minikern/blockfs/internal/blockdev"
	"github.com/minikern/blockfs/internal/cache"
)

// An Allocator hands out and takes back device sectors. Implemented by the
// free-map; an interface here so the free-map can itself be persisted as a
// file without an import cycle.
type Allocator interface {
	// Allocate n consecutive sectors, returning the first. ok is false when
	// the device is full.
	Allocate(n uint32) (s blockdev.Sector, ok bool)

	// Release n consecutive sectors starting at s.
	//
	// REQUIRES: the sectors are currently allocated.
	Release(s blockdev.Sector, n uint32)
}

// Registry tracks the open inodes. Opening a sector that is already open
// returns the same *Inode with its reference count bumped, so two
// in-memory inodes never share a sector.
type Registry struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	cache *cache.Cache
	alloc Allocator

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// The open-inode table, keyed by inode sector.
	//
	// INVARIANT: For each k, open[k].sector == k
	// INVARIANT: For each v, v.openCount > 0
	// INVARIANT: For each v, 0 <= v.denyWriteCount <= v.openCount
	open map[blockdev.Sector]*Inode // GUARDED_BY(mu)
}

func NewRegistry(c *cache.Cache, alloc Allocator) (r *Registry) {
	r = &Registry{
		cache: c,
		alloc: alloc,
		open:  make(map[blockdev.Sector]*Inode),
	}

	r.mu = syncutil.NewInvariantMutex(r.checkInvariants)
	return
}

func (r *Registry) checkInvariants() {
	for k, in := range r.open {
		if in.sector != k {
			panic(fmt.Sprintf("inode at key %d has sector %d", k, in.sector))
		}
		if in.openCount <= 0 {
			panic(fmt.Sprintf("open inode %d with count %d", k, in.openCount))
		}
		if in.denyWriteCount < 0 || in.denyWriteCount > in.openCount {
			panic(fmt.Sprintf(
				"inode %d: deny count %d, open count %d",
				k,
				in.denyWriteCount,
				in.openCount))
		}
	}
}

// OpenCount returns the number of inodes currently open, for use by
// shutdown checks and tests.
func (r *Registry) OpenCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.open)
}

// Create initializes an inode of the given length at the given sector,
// allocating and zeroing all of its data sectors up front. parent is the
// sector of the containing directory's inode for directories, or
// blockdev.None for regular files.
//
// Returns false when sector allocation fails partway; sectors already
// handed out are not rolled back, and the inode sector itself is left
// unwritten.
//
// REQUIRES: 0 <= length <= MaxLength
// REQUIRES: the inode sector is already allocated in the free-map.
func (r *Registry) Create(
	sector blockdev.Sector,
	length int64,
	parent blockdev.Sector) bool {
	if length < 0 || length > MaxLength {
		panic(fmt.Sprintf("inode.Create: length %d", length))
	}

	d := &diskInode{
		Length: length,
		Parent: parent,
	}
	for i := range d.Direct {
		d.Direct[i] = blockdev.None
	}
	for i := range d.Indirect {
		d.Indirect[i] = blockdev.None
	}
	d.Double = blockdev.None

	if !r.growData(d, bytesToSectors(length), 0) {
		return false
	}

	var buf [blockdev.SectorSize]byte
	d.encode(buf[:])
	r.cache.Write(sector, buf[:])

	return true
}

// Open returns the in-memory inode for the given sector, reading it from
// disk if no one else has it open, and bumps its reference count. Every
// Open must be paired with a Close.
func (r *Registry) Open(sector blockdev.Sector) *Inode {
	r.mu.Lock()
	defer r.mu.Unlock()

	if in, ok := r.open[sector]; ok {
		in.openCount++
		return in
	}

	in := &Inode{
		reg:       r,
		sector:    sector,
		openCount: 1,
	}

	var buf [blockdev.SectorSize]byte
	r.cache.Read(sector, buf[:])
	in.disk.decode(buf[:])

	r.open[sector] = in
	return in
}
