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
	"encoding/binary"
	"fmt"

	"github.com/minikern/blockfs/internal/blockdev"
)

const (
	// Magic identifies a sector as an inode.
	Magic = 0x494e4f53

	// DirectCount is the number of direct slots in an inode.
	DirectCount = 10

	// IndirectCount is the number of indirect slots in an inode.
	IndirectCount = 10

	// PtrsPerBlock is the number of sector indices in an index block.
	PtrsPerBlock = blockdev.SectorSize / 4

	// MaxSectors is the largest number of data sectors one inode can map.
	MaxSectors = DirectCount +
		IndirectCount*PtrsPerBlock +
		PtrsPerBlock*PtrsPerBlock

	// MaxLength is the largest file size in bytes.
	MaxLength = MaxSectors * blockdev.SectorSize
)

// Byte offsets of the fields within an inode sector. The layout is
//
//	start (4) | length (4) | magic (4) | unused (412) |
//	parent_dir (4) | direct[10] (40) | indirect[10] (40) | double (4)
//
// start is a legacy extent field: written as NONE, ignored on read.
const (
	offStart    = 0
	offLength   = 4
	offMagic    = 8
	offParent   = 424
	offDirect   = 428
	offIndirect = 468
	offDouble   = 508
)

// The on-disk representation of an inode, exactly one sector.
type diskInode struct {
	// File size in bytes.
	//
	// INVARIANT: Length >= 0
	// INVARIANT: Length <= MaxLength
	Length int64

	// Sector of the parent directory's inode, or blockdev.None if this
	// inode is a regular file rather than a directory.
	Parent blockdev.Sector

	// Sector indices, blockdev.None where unallocated. Slots fill in
	// logical order: all direct slots before the first indirect block, each
	// indirect block completely before the next, the double-indirect region
	// last.
	Direct   [DirectCount]blockdev.Sector
	Indirect [IndirectCount]blockdev.Sector
	Double   blockdev.Sector
}

func (d *diskInode) encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[offStart:], uint32(blockdev.None))
	le.PutUint32(buf[offLength:], uint32(d.Length))
	le.PutUint32(buf[offMagic:], Magic)
	le.PutUint32(buf[offParent:], uint32(d.Parent))
	for i, s := range d.Direct {
		le.PutUint32(buf[offDirect+4*i:], uint32(s))
	}
	for i, s := range d.Indirect {
		le.PutUint32(buf[offIndirect+4*i:], uint32(s))
	}
	le.PutUint32(buf[offDouble:], uint32(d.Double))
}

func (d *diskInode) decode(buf []byte) {
	le := binary.LittleEndian
	if m := le.Uint32(buf[offMagic:]); m != Magic {
		panic(fmt.Sprintf("inode: bad magic %#x", m))
	}

	d.Length = int64(int32(le.Uint32(buf[offLength:])))
	d.Parent = blockdev.Sector(le.Uint32(buf[offParent:]))
	for i := range d.Direct {
		d.Direct[i] = blockdev.Sector(le.Uint32(buf[offDirect+4*i:]))
	}
	for i := range d.Indirect {
		d.Indirect[i] = blockdev.Sector(le.Uint32(buf[offIndirect+4*i:]))
	}
	d.Double = blockdev.Sector(le.Uint32(buf[offDouble:]))

	if d.Length < 0 || d.Length > MaxLength {
		panic(fmt.Sprintf("inode: implausible length %d", d.Length))
	}
}

// An index block: one sector of sector indices, used for both indirect and
// double-indirect blocks.
type indexBlock [PtrsPerBlock]blockdev.Sector

func (b *indexBlock) encode(buf []byte) {
	for i, s := range b {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(s))
	}
}

func (b *indexBlock) decode(buf []byte) {
	for i := range b {
		b[i] = blockdev.Sector(binary.LittleEndian.Uint32(buf[4*i:]))
	}
}

func (b *indexBlock) clear() {
	for i := range b {
		b[i] = blockdev.None
	}
}

// bytesToSectors returns how many data sectors a file of the given size
// occupies.
func bytesToSectors(length int64) int {
	return int((length + blockdev.SectorSize - 1) / blockdev.SectorSize)
}
