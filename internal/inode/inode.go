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
	"sync"

	"github.com/minikern/blockfs/internal/blockdev"
)

// An Inode is the in-memory handle on an on-disk inode. Handles are
// reference counted and unique per sector; obtain them through
// Registry.Open and return them with Close.
type Inode struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	reg *Registry

	/////////////////////////
	// Constant data
	/////////////////////////

	// The sector holding the on-disk inode.
	sector blockdev.Sector

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Reference counting and removal, GUARDED_BY(reg.mu).
	openCount      int
	removed        bool
	denyWriteCount int

	// Guards disk. Held exclusively across an extension so that concurrent
	// writers racing to grow the file cannot interleave the length update;
	// held shared by offset-to-sector translation.
	metaMu sync.RWMutex

	// Cached copy of the on-disk inode. GUARDED_BY(metaMu)
	disk diskInode
}

////////////////////////////////////////////////////////////////////////
// Reference counting
////////////////////////////////////////////////////////////////////////

// Reopen bumps the reference count and returns the same inode.
func (in *Inode) Reopen() *Inode {
	r := in.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	in.openCount++
	return in
}

// Close drops one reference. On the last close of a removed inode, every
// sector the inode owns is released.
func (in *Inode) Close() {
	r := in.reg

	r.mu.Lock()
	in.openCount--
	last := in.openCount == 0
	if last {
		delete(r.open, in.sector)
	}
	removed := in.removed
	r.mu.Unlock()

	if last && removed {
		in.destroy()
	}
}

// Remove marks the inode to be destroyed when the last reference is
// closed. The data stays readable through existing handles.
func (in *Inode) Remove() {
	r := in.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	in.removed = true
}

// Sector returns the inode's identity: the sector holding its on-disk
// form.
func (in *Inode) Sector() blockdev.Sector {
	return in.sector
}

// Length returns the current file size in bytes.
func (in *Inode) Length() int64 {
	in.metaMu.RLock()
	defer in.metaMu.RUnlock()
	return in.disk.Length
}

// Parent returns the sector of the parent directory's inode, or
// blockdev.None for a regular file.
func (in *Inode) Parent() blockdev.Sector {
	in.metaMu.RLock()
	defer in.metaMu.RUnlock()
	return in.disk.Parent
}

// IsDir reports whether the inode represents a directory.
func (in *Inode) IsDir() bool {
	return in.Parent() != blockdev.None
}

// DenyWrite blocks writes through any handle until a matching AllowWrite.
func (in *Inode) DenyWrite() {
	r := in.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	in.denyWriteCount++
}

// AllowWrite undoes one DenyWrite.
func (in *Inode) AllowWrite() {
	r := in.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	in.denyWriteCount--
}

func (in *Inode) writesDenied() bool {
	r := in.reg
	r.mu.RLock()
	defer r.mu.RUnlock()
	return in.denyWriteCount > 0
}

////////////////////////////////////////////////////////////////////////
// Offset translation
////////////////////////////////////////////////////////////////////////

// byteToSector maps a byte offset within the file to the device sector
// holding it, or blockdev.None when the offset is at or past EOF.
//
// SHARED_LOCKS_REQUIRED(in.metaMu)
func (in *Inode) byteToSector(pos int64) blockdev.Sector {
	if pos >= in.disk.Length {
		return blockdev.None
	}

	idx := int(pos / blockdev.SectorSize)

	// Direct slots.
	if idx < DirectCount {
		return in.disk.Direct[idx]
	}
	idx -= DirectCount

	// Indirect blocks.
	if idx < IndirectCount*PtrsPerBlock {
		var blk indexBlock
		in.readIndex(in.disk.Indirect[idx/PtrsPerBlock], &blk)
		return blk[idx%PtrsPerBlock]
	}
	idx -= IndirectCount * PtrsPerBlock

	// Double-indirect region.
	var dbl indexBlock
	in.readIndex(in.disk.Double, &dbl)
	var blk indexBlock
	in.readIndex(dbl[idx/PtrsPerBlock], &blk)
	return blk[idx%PtrsPerBlock]
}

func (in *Inode) readIndex(sector blockdev.Sector, blk *indexBlock) {
	if sector == blockdev.None {
		panic("inode: index block missing below EOF")
	}

	var buf [blockdev.SectorSize]byte
	in.reg.cache.Read(sector, buf[:])
	blk.decode(buf[:])
}

////////////////////////////////////////////////////////////////////////
// Reading and writing
////////////////////////////////////////////////////////////////////////

// ReadAt copies up to len(p) bytes starting at byte offset off into p and
// returns the number copied. Reads at or past EOF return 0.
func (in *Inode) ReadAt(p []byte, off int64) (n int) {
	if off < 0 {
		return 0
	}

	in.metaMu.RLock()
	defer in.metaMu.RUnlock()

	var bounce [blockdev.SectorSize]byte
	for n < len(p) {
		pos := off + int64(n)
		left := in.disk.Length - pos
		if left <= 0 {
			break
		}

		sector := in.byteToSector(pos)
		sectorOff := int(pos % blockdev.SectorSize)
		chunk := blockdev.SectorSize - sectorOff
		if int64(chunk) > left {
			chunk = int(left)
		}
		if chunk > len(p)-n {
			chunk = len(p) - n
		}

		in.reg.cache.Read(sector, bounce[:])
		copy(p[n:n+chunk], bounce[sectorOff:sectorOff+chunk])
		n += chunk
	}

	return
}

// WriteAt copies p into the file starting at byte offset off, extending
// the file if the write lands at or past EOF. A write past EOF allocates
// and zeroes every sector in the gap, so later reads of the hole see
// zeros. Returns the number of bytes written, which is short only when
// writes are denied (0), when sector allocation fails during growth, or
// when the write would run past MaxLength.
func (in *Inode) WriteAt(p []byte, off int64) (n int) {
	if off < 0 || in.writesDenied() {
		return 0
	}

	end := off + int64(len(p))
	if end > MaxLength {
		end = MaxLength
	}

	if end > in.Length() {
		in.extend(end)
	}

	in.metaMu.RLock()
	defer in.metaMu.RUnlock()

	var bounce [blockdev.SectorSize]byte
	for n < len(p) {
		pos := off + int64(n)
		left := in.disk.Length - pos
		if left <= 0 {
			break
		}

		sector := in.byteToSector(pos)
		sectorOff := int(pos % blockdev.SectorSize)
		chunk := blockdev.SectorSize - sectorOff
		if int64(chunk) > left {
			chunk = int(left)
		}
		if chunk > len(p)-n {
			chunk = len(p) - n
		}

		if sectorOff == 0 && chunk == blockdev.SectorSize {
			in.reg.cache.Write(sector, p[n:n+chunk])
		} else {
			// Partial sector: read-modify-write through the cache.
			in.reg.cache.Read(sector, bounce[:])
			copy(bounce[sectorOff:], p[n:n+chunk])
			in.reg.cache.Write(sector, bounce[:])
		}

		n += chunk
	}

	return
}

// Grow the file so that its length becomes newLength, allocating and
// zeroing the missing data sectors. On allocation failure the length is
// left as it was and the attempted growth is abandoned; the caller
// observes a short write.
func (in *Inode) extend(newLength int64) {
	in.metaMu.Lock()
	defer in.metaMu.Unlock()

	// Someone may have extended past us while we waited.
	if newLength <= in.disk.Length {
		return
	}

	// Grow a scratch copy. The walk records freshly allocated index sectors
	// in the copy before their contents are flushed, so an abandoned walk
	// must not leave those pointers behind in the live inode: a later retry
	// would fault the never-written leaf back in and adopt garbage slots.
	// On failure the copy is discarded and everything it allocated leaks,
	// which is the documented no-rollback behavior.
	d := in.disk
	have := bytesToSectors(d.Length)
	want := bytesToSectors(newLength)
	if want > have {
		if !in.reg.growData(&d, want, have) {
			return
		}
	}

	in.disk = d
	in.disk.Length = newLength

	var buf [blockdev.SectorSize]byte
	in.disk.encode(buf[:])
	in.reg.cache.Write(in.sector, buf[:])
}

////////////////////////////////////////////////////////////////////////
// Destruction
////////////////////////////////////////////////////////////////////////

// Release every sector the inode owns: the inode sector itself, then the
// direct data sectors, then each indirect block's data sectors followed by
// the block, then the double-indirect children and finally the
// double-indirect block. Allocation is contiguous in logical order, so
// each scan stops at the first NONE slot.
func (in *Inode) destroy() {
	r := in.reg
	d := &in.disk

	r.alloc.Release(in.sector, 1)

	for _, s := range d.Direct {
		if s == blockdev.None {
			return
		}
		r.alloc.Release(s, 1)
	}

	for _, s := range d.Indirect {
		if s == blockdev.None {
			return
		}
		if !in.destroyIndex(s) {
			return
		}
	}

	if d.Double == blockdev.None {
		return
	}

	var dbl indexBlock
	in.readIndex(d.Double, &dbl)
	for _, s := range dbl {
		if s == blockdev.None {
			break
		}
		if !in.destroyIndex(s) {
			break
		}
	}
	r.alloc.Release(d.Double, 1)
}

// Release an indirect block's data sectors and then the block itself.
// Returns false if the block was only partially filled, meaning the file
// ends inside it.
func (in *Inode) destroyIndex(sector blockdev.Sector) (full bool) {
	var blk indexBlock
	in.readIndex(sector, &blk)

	full = true
	for _, s := range blk {
		if s == blockdev.None {
			full = false
			break
		}
		in.reg.alloc.Release(s, 1)
	}

	in.reg.alloc.Release(sector, 1)
	return
}
