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

package filesys

import (
	"github.com/minikern/blockfs/internal/blockdev"
	"github.com/minikern/blockfs/internal/directory"
	"github.com/minikern/blockfs/internal/inode"
)

// A File is an open handle on a file or directory: an inode reference
// plus a seek position, and for directories a readdir cursor. A handle is
// not safe for concurrent use; the dispatcher's per-process descriptor
// table serializes access to each one.
type File struct {
	in  *inode.Inode
	dir *directory.Dir // non-nil iff the inode is a directory
	pos int64

	denied bool
}

func newFile(in *inode.Inode) (f *File) {
	f = &File{in: in}
	if in.IsDir() {
		// Share the reference: the Dir borrows f.in and is not closed
		// separately.
		f.dir = mustDir(in)
	}
	return
}

func mustDir(in *inode.Inode) *directory.Dir {
	d, err := directory.FromInode(in)
	if err != nil {
		panic(err)
	}
	return d
}

// Close releases the handle's inode reference and re-enables writes if
// this handle denied them.
func (f *File) Close() {
	if f.denied {
		f.in.AllowWrite()
	}
	f.in.Close()
}

// Read copies up to len(p) bytes from the current position, advancing it.
// Returns 0 at EOF.
func (f *File) Read(p []byte) (n int) {
	n = f.in.ReadAt(p, f.pos)
	f.pos += int64(n)
	return
}

// ReadAt copies up to len(p) bytes from the given offset without moving
// the position.
func (f *File) ReadAt(p []byte, off int64) (n int) {
	return f.in.ReadAt(p, off)
}

// Write copies p at the current position, growing the file as needed, and
// advances the position. Returns 0 when the handle is a directory or when
// writes are denied.
func (f *File) Write(p []byte) (n int) {
	if f.dir != nil {
		return 0
	}

	n = f.in.WriteAt(p, f.pos)
	f.pos += int64(n)
	return
}

// WriteAt copies p at the given offset without moving the position.
func (f *File) WriteAt(p []byte, off int64) (n int) {
	if f.dir != nil {
		return 0
	}

	return f.in.WriteAt(p, off)
}

// Seek sets the position for the next Read or Write. Seeking past EOF is
// legal; a later write there fills the gap with zeros.
func (f *File) Seek(pos int64) {
	if pos < 0 {
		pos = 0
	}
	f.pos = pos
}

// Tell returns the current position.
func (f *File) Tell() int64 {
	return f.pos
}

// Length returns the file's size in bytes.
func (f *File) Length() int64 {
	return f.in.Length()
}

// IsDir reports whether the handle is on a directory.
func (f *File) IsDir() bool {
	return f.dir != nil
}

// Inumber returns the sector of the handle's inode, its stable identity.
func (f *File) Inumber() blockdev.Sector {
	return f.in.Sector()
}

// ReadDir returns the next entry name in the directory, advancing this
// handle's cursor. ok is false at the end, or if the handle is not a
// directory.
func (f *File) ReadDir() (name string, ok bool) {
	if f.dir == nil {
		return "", false
	}

	return f.dir.ReadNext()
}

// DenyWrite blocks writes to the underlying inode through any handle
// until this handle closes or calls AllowWrite.
func (f *File) DenyWrite() {
	if f.denied {
		return
	}
	f.denied = true
	f.in.DenyWrite()
}

// AllowWrite undoes this handle's DenyWrite.
func (f *File) AllowWrite() {
	if !f.denied {
		return
	}
	f.denied = false
	f.in.AllowWrite()
}
