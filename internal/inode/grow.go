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

package inode

import (
	"github.com/minikern/blockfs/internal/blockdev"
)

// growData extends the inode's data mapping from start sectors to sectors,
// allocating each new data sector and zeroing it through the cache.
//
// The walk keeps at most one leaf index block in core at a time, plus the
// double-indirect block once the walk crosses into that region. A leaf is
// persisted when its 128-slot group fills or when allocation ends; the
// double-indirect block is allocated lazily on first use and persisted at
// the end.
//
// Returns false on free-map exhaustion. Sectors already allocated are not
// rolled back and nothing further is persisted, so d may be left holding
// pointers to index sectors whose contents were never written: d must be a
// scratch copy the caller discards on failure. (The inode sector itself is
// never written here.)
//
// REQUIRES: start <= sectors <= MaxSectors
func (r *Registry) growData(d *diskInode, sectors, start int) bool {
	w := &growWalk{reg: r, d: d}

	for i := start; i < sectors; i++ {
		if !w.place(i) {
			return false
		}
	}

	w.finish()
	return true
}

// growWalk carries the in-core index blocks across the logical walk.
type growWalk struct {
	reg *Registry
	d   *diskInode

	// The leaf index block being filled, its sector, and which group it
	// covers. group is the leaf's ordinal among all leaves: 0..9 for the
	// indirect slots, 10.. for double-indirect children.
	leaf       indexBlock
	leafSector blockdev.Sector
	leafGroup  int
	leafLoaded bool

	// The double-indirect block, once the walk reaches that region.
	dbl       indexBlock
	dblLoaded bool
}

// Allocate and zero one data sector and hook it into the mapping at
// logical index i.
func (w *growWalk) place(i int) bool {
	if i < DirectCount {
		s, ok := w.allocZeroed()
		if !ok {
			return false
		}
		w.d.Direct[i] = s
		return true
	}

	var group, slot int
	rel := i - DirectCount
	if rel < IndirectCount*PtrsPerBlock {
		group = rel / PtrsPerBlock
		slot = rel % PtrsPerBlock
	} else {
		rel -= IndirectCount * PtrsPerBlock
		group = IndirectCount + rel/PtrsPerBlock
		slot = rel % PtrsPerBlock
	}

	if !w.enterGroup(group) {
		return false
	}

	s, ok := w.allocZeroed()
	if !ok {
		return false
	}
	w.leaf[slot] = s

	// Group complete: persist the leaf now.
	if slot == PtrsPerBlock-1 {
		w.flushLeaf()
	}

	return true
}

// Make the leaf block for the given group current, persisting the previous
// one and allocating the new one (and the double-indirect block) as
// needed. A group entered mid-way, as happens when growth resumes at an
// arbitrary boundary, is read back from disk.
func (w *growWalk) enterGroup(group int) bool {
	if w.leafLoaded && w.leafGroup == group {
		return true
	}
	if w.leafLoaded {
		w.flushLeaf()
	}

	slotp, ok := w.leafSlot(group)
	if !ok {
		return false
	}

	if *slotp == blockdev.None {
		s, ok := w.reg.alloc.Allocate(1)
		if !ok {
			return false
		}
		*slotp = s
		w.leafSector = s
		w.leaf.clear()
	} else {
		w.leafSector = *slotp
		var buf [blockdev.SectorSize]byte
		w.reg.cache.Read(w.leafSector, buf[:])
		w.leaf.decode(buf[:])
	}

	w.leafGroup = group
	w.leafLoaded = true
	return true
}

// Return the slot that points at the given leaf group: an indirect slot of
// the inode itself, or a slot of the double-indirect block, which is
// faulted in or allocated on first use.
func (w *growWalk) leafSlot(group int) (*blockdev.Sector, bool) {
	if group < IndirectCount {
		return &w.d.Indirect[group], true
	}

	if !w.dblLoaded {
		if w.d.Double == blockdev.None {
			s, ok := w.reg.alloc.Allocate(1)
			if !ok {
				return nil, false
			}
			w.d.Double = s
			w.dbl.clear()
		} else {
			var buf [blockdev.SectorSize]byte
			w.reg.cache.Read(w.d.Double, buf[:])
			w.dbl.decode(buf[:])
		}
		w.dblLoaded = true
	}

	return &w.dbl[group-IndirectCount], true
}

func (w *growWalk) allocZeroed() (blockdev.Sector, bool) {
	s, ok := w.reg.alloc.Allocate(1)
	if !ok {
		return blockdev.None, false
	}

	var zero [blockdev.SectorSize]byte
	w.reg.cache.Write(s, zero[:])
	return s, true
}

func (w *growWalk) flushLeaf() {
	var buf [blockdev.SectorSize]byte
	w.leaf.encode(buf[:])
	w.reg.cache.Write(w.leafSector, buf[:])
	w.leafLoaded = false
}

// Persist whatever is still in core: a partially filled leaf and the
// double-indirect block.
func (w *growWalk) finish() {
	if w.leafLoaded {
		w.flushLeaf()
	}
	if w.dblLoaded {
		var buf [blockdev.SectorSize]byte
		w.dbl.encode(buf[:])
		w.reg.cache.Write(w.d.Double, buf[:])
	}
}
