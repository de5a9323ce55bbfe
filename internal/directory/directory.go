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

// Package directory implements directories as files of fixed-size entries
// over the inode layer. A directory's inode is distinguished by having a
// parent; the root's parent is itself. Mutations of a single directory are
// serialized by the filesystem-level lock, not here.
package directory

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/minikern/blockfs/internal/blockdev"
	"github.com/minikern/blockfs/internal/fserr"
	"github.com/minikern/blockfs/internal/inode"
)

// NameMax is the longest permitted entry name, in bytes.
const NameMax = 14

// One on-disk entry: inode sector (4), NUL-padded name (NameMax+1), in-use
// flag (1).
const entrySize = 4 + (NameMax + 1) + 1

// A Dir is an open handle on a directory. Each handle carries its own
// readdir cursor.
type Dir struct {
	in *inode.Inode

	// Byte offset of the next entry ReadNext will consider.
	pos int64
}

// Create initializes a directory inode at the given sector with room for
// the given number of entries before its file must grow. parent is the
// sector of the containing directory's inode; for the root that is the
// root's own sector.
func Create(
	reg *inode.Registry,
	sector blockdev.Sector,
	entries int,
	parent blockdev.Sector) bool {
	return reg.Create(sector, int64(entries)*entrySize, parent)
}

// Open the directory whose inode lives at the given sector.
func Open(reg *inode.Registry, sector blockdev.Sector) (*Dir, error) {
	in := reg.Open(sector)
	if !in.IsDir() {
		in.Close()
		return nil, fserr.ErrNotDir
	}

	return &Dir{in: in}, nil
}

// FromInode wraps an inode the caller already holds a reference to. The
// Dir takes over that reference.
func FromInode(in *inode.Inode) (*Dir, error) {
	if !in.IsDir() {
		return nil, fserr.ErrNotDir
	}

	return &Dir{in: in}, nil
}

// Reopen returns an independent handle (with its own cursor) on the same
// directory.
func (d *Dir) Reopen() *Dir {
	return &Dir{in: d.in.Reopen()}
}

func (d *Dir) Close() {
	d.in.Close()
}

// Inode returns the directory's inode, still owned by the Dir.
func (d *Dir) Inode() *inode.Inode {
	return d.in
}

// Inumber returns the sector of the directory's inode.
func (d *Dir) Inumber() blockdev.Sector {
	return d.in.Sector()
}

// ParentSector returns the sector of the parent directory's inode. For the
// root directory this is the root itself.
func (d *Dir) ParentSector() blockdev.Sector {
	return d.in.Parent()
}

////////////////////////////////////////////////////////////////////////
// Entries
////////////////////////////////////////////////////////////////////////

type entry struct {
	sector blockdev.Sector
	name   string
	inUse  bool
}

func decodeEntry(buf []byte) (e entry) {
	e.sector = blockdev.Sector(binary.LittleEndian.Uint32(buf))
	raw := buf[4 : 4+NameMax+1]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	e.name = string(raw)
	e.inUse = buf[entrySize-1] != 0
	return
}

func encodeEntry(e entry, buf []byte) {
	for i := range buf[:entrySize] {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf, uint32(e.sector))
	copy(buf[4:4+NameMax], e.name)
	if e.inUse {
		buf[entrySize-1] = 1
	}
}

// Scan entries, returning the byte offset and decoded entry for which the
// predicate holds, or ok == false.
func (d *Dir) scan(pred func(entry) bool) (off int64, e entry, ok bool) {
	var buf [entrySize]byte
	for off = 0; ; off += entrySize {
		if n := d.in.ReadAt(buf[:], off); n < entrySize {
			return 0, entry{}, false
		}

		e = decodeEntry(buf[:])
		if pred(e) {
			return off, e, true
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Operations
////////////////////////////////////////////////////////////////////////

// Lookup finds the named entry and returns its inode sector.
func (d *Dir) Lookup(name string) (blockdev.Sector, bool) {
	_, e, ok := d.scan(func(e entry) bool {
		return e.inUse && e.name == name
	})
	if !ok {
		return blockdev.None, false
	}

	return e.sector, true
}

// Add records name -> sector in the directory, reusing a dead slot when
// one exists and extending the directory file otherwise.
func (d *Dir) Add(name string, sector blockdev.Sector) error {
	if err := CheckName(name); err != nil {
		return err
	}
	if _, ok := d.Lookup(name); ok {
		return fserr.ErrExists
	}

	e := entry{sector: sector, name: name, inUse: true}
	var buf [entrySize]byte
	encodeEntry(e, buf[:])

	// Prefer a gap left by a removal.
	off, _, ok := d.scan(func(e entry) bool { return !e.inUse })
	if !ok {
		off = d.in.Length()
	}

	if n := d.in.WriteAt(buf[:], off); n < entrySize {
		return fserr.ErrNoSpace
	}

	return nil
}

// Remove deletes the named entry and marks its inode removed, so its
// sectors come back once the last handle closes. Removing `.`, `..`, or a
// non-empty directory is rejected.
func (d *Dir) Remove(reg *inode.Registry, name string) error {
	if name == "." || name == ".." {
		return fserr.ErrBadName
	}

	off, e, ok := d.scan(func(e entry) bool {
		return e.inUse && e.name == name
	})
	if !ok {
		return fserr.ErrNotFound
	}

	target := reg.Open(e.sector)
	if target.IsDir() {
		sub := &Dir{in: target}
		if !sub.IsEmpty() {
			target.Close()
			return fserr.ErrNotEmpty
		}
	}

	// Kill the entry first so no new opens can reach the inode.
	e.inUse = false
	var buf [entrySize]byte
	encodeEntry(e, buf[:])
	if n := d.in.WriteAt(buf[:], off); n < entrySize {
		target.Close()
		return fserr.ErrNoSpace
	}

	target.Remove()
	target.Close()
	return nil
}

// IsEmpty reports whether the directory holds no live entries.
func (d *Dir) IsEmpty() bool {
	_, _, ok := d.scan(func(e entry) bool { return e.inUse })
	return !ok
}

// ReadNext returns the next live entry name after the handle's cursor, or
// ok == false when the directory is exhausted.
func (d *Dir) ReadNext() (name string, ok bool) {
	var buf [entrySize]byte
	for {
		if n := d.in.ReadAt(buf[:], d.pos); n < entrySize {
			return "", false
		}
		d.pos += entrySize

		if e := decodeEntry(buf[:]); e.inUse {
			return e.name, true
		}
	}
}

// Rewind resets the handle's readdir cursor.
func (d *Dir) Rewind() {
	d.pos = 0
}

// CheckName validates an entry name: non-empty, within NameMax, no
// separator, and not one of the reserved components.
func CheckName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return fserr.ErrBadName
	case strings.ContainsRune(name, '/'):
		return fserr.ErrBadName
	case len(name) > NameMax:
		return fserr.ErrNameTooLong
	}

	return nil
}
