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

// Package freemap tracks which device sectors are allocated. The bitmap
// lives in memory while the filesystem is mounted and is persisted as a
// regular file whose inode sits at a reserved sector, written back on
// unmount.
package freemap

import (
	"fmt"

	"github.com/jacobsa/syncutil"

	"github.com/minikern/blockfs/internal/blockdev"
	"github.com/minikern/blockfs/internal/inode"
)

// InodeSector is the reserved sector holding the free-map file's inode.
const InodeSector blockdev.Sector = 0

// FreeMap is a bitmap over the device's sectors. It implements
// inode.Allocator.
type FreeMap struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	size blockdev.Sector

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// One bit per sector, set when allocated.
	//
	// INVARIANT: len(bits) == (size+7)/8
	bits []byte // GUARDED_BY(mu)

	// Open handle on the free-map file while mounted.
	file *inode.Inode // GUARDED_BY(mu)
}

var _ inode.Allocator = &FreeMap{}

// Create a free-map for a device of the given geometry. The reserved
// sectors (the free-map's own inode and the root directory's) start out
// allocated.
func New(size blockdev.Sector, reserved ...blockdev.Sector) (f *FreeMap) {
	f = &FreeMap{
		size: size,
		bits: make([]byte, (int(size)+7)/8),
	}
	f.mu = syncutil.NewInvariantMutex(f.checkInvariants)

	for _, s := range reserved {
		f.set(s)
	}

	return
}

func (f *FreeMap) checkInvariants() {
	if len(f.bits) != (int(f.size)+7)/8 {
		panic(fmt.Sprintf(
			"freemap: %d bitmap bytes for %d sectors",
			len(f.bits),
			f.size))
	}
}

////////////////////////////////////////////////////////////////////////
// Bit twiddling
////////////////////////////////////////////////////////////////////////

// LOCKS_REQUIRED(f.mu) once the map is shared
func (f *FreeMap) set(s blockdev.Sector) {
	f.bits[s/8] |= 1 << (s % 8)
}

func (f *FreeMap) clear(s blockdev.Sector) {
	f.bits[s/8] &^= 1 << (s % 8)
}

func (f *FreeMap) isSet(s blockdev.Sector) bool {
	return f.bits[s/8]&(1<<(s%8)) != 0
}

////////////////////////////////////////////////////////////////////////
// Allocator interface
////////////////////////////////////////////////////////////////////////

// Allocate finds the first run of n consecutive free sectors, marks it
// allocated, and returns its first sector. ok is false when no such run
// exists.
func (f *FreeMap) Allocate(n uint32) (s blockdev.Sector, ok bool) {
	if n == 0 {
		panic("freemap: zero-length allocation")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	run := uint32(0)
	for cand := blockdev.Sector(0); cand < f.size; cand++ {
		if f.isSet(cand) {
			run = 0
			continue
		}

		run++
		if run == n {
			s = cand - blockdev.Sector(n-1)
			for i := blockdev.Sector(0); i < blockdev.Sector(n); i++ {
				f.set(s + i)
			}
			ok = true
			return
		}
	}

	return blockdev.None, false
}

// Release marks n consecutive sectors starting at s free again.
//
// REQUIRES: all n sectors are currently allocated.
func (f *FreeMap) Release(s blockdev.Sector, n uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := blockdev.Sector(0); i < blockdev.Sector(n); i++ {
		if !f.isSet(s + i) {
			panic(fmt.Sprintf("freemap: releasing free sector %d", s+i))
		}
		f.clear(s + i)
	}
}

// Allocated reports whether the given sector is currently allocated.
func (f *FreeMap) Allocated(s blockdev.Sector) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.isSet(s)
}

// CountFree returns the number of free sectors.
func (f *FreeMap) CountFree() (n int) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for s := blockdev.Sector(0); s < f.size; s++ {
		if !f.isSet(s) {
			n++
		}
	}

	return
}

////////////////////////////////////////////////////////////////////////
// Persistence
////////////////////////////////////////////////////////////////////////

// CreateFile writes the free-map out as a fresh file at the reserved
// sector, allocating the file's data sectors from the map itself, and
// leaves the file open. Used when formatting.
func (f *FreeMap) CreateFile(reg *inode.Registry) bool {
	if !reg.Create(InodeSector, int64(len(f.bits)), blockdev.None) {
		return false
	}

	f.mu.Lock()
	f.file = reg.Open(InodeSector)
	f.mu.Unlock()

	f.Save()
	return true
}

// OpenFile reads the persisted bitmap from the reserved sector and leaves
// the file open. Used when mounting an existing filesystem.
func (f *FreeMap) OpenFile(reg *inode.Registry) error {
	file := reg.Open(InodeSector)
	if n := file.ReadAt(f.bits, 0); n != len(f.bits) {
		file.Close()
		return fmt.Errorf(
			"freemap: bitmap file holds %d of %d bytes",
			n,
			len(f.bits))
	}

	f.mu.Lock()
	f.file = file
	f.mu.Unlock()

	return nil
}

// Save writes the current bitmap through the open free-map file.
func (f *FreeMap) Save() {
	f.mu.RLock()
	file := f.file
	snapshot := append([]byte(nil), f.bits...)
	f.mu.RUnlock()

	if file == nil {
		panic("freemap: Save before CreateFile/OpenFile")
	}

	if n := file.WriteAt(snapshot, 0); n != len(snapshot) {
		panic(fmt.Sprintf("freemap: short bitmap write: %d", n))
	}
}

// CloseFile saves the bitmap and drops the open handle.
func (f *FreeMap) CloseFile() {
	f.Save()

	f.mu.Lock()
	file := f.file
	f.file = nil
	f.mu.Unlock()

	file.Close()
}
