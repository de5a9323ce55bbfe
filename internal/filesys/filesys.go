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

// Package filesys glues the layers into the filesystem service an external
// syscall dispatcher consumes: format/mount/unmount, path resolution, and
// the create/open/remove/mkdir/chdir operations binding directory entries
// to inodes.
package filesys

import (
	"fmt"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"

	"github.com/minikern/blockfs/internal/blockdev"
	"github.com/minikern/blockfs/internal/cache"
	"github.com/minikern/blockfs/internal/directory"
	"github.com/minikern/blockfs/internal/freemap"
	"github.com/minikern/blockfs/internal/fserr"
	"github.com/minikern/blockfs/internal/inode"
	"github.com/minikern/blockfs/internal/logger"
	"github.com/minikern/blockfs/internal/monitor"
)

// RootSector is the fixed sector of the root directory's inode.
const RootSector blockdev.Sector = 1

// How many entries a new directory holds before its file must grow.
const defaultDirEntries = 16

// Options configure a filesystem service.
type Options struct {
	// Background flush cadence for the buffer cache. Zero for the default.
	FlushInterval time.Duration

	// Whether the cache speculatively loads the sector after each miss.
	ReadAhead bool

	// Cache counters. Nil for a throwaway set.
	Metrics *monitor.CacheMetrics

	// Clock for flush accounting. Nil for the real clock.
	Clock timeutil.Clock
}

// Filesys owns the mounted filesystem's state: the cache over the device,
// the free-map, and the open-inode registry. There are no package-level
// globals; everything hangs off this object.
type Filesys struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	dev   blockdev.Device
	cache *cache.Cache
	fmap  *freemap.FreeMap
	reg   *inode.Registry

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Serializes the directory-mutating operations (create, remove, mkdir,
	// chdir) so a name lookup and the entry insertion it guards cannot
	// interleave with another mutation. Read-only operations do not take it.
	mu syncutil.InvariantMutex
}

// New assembles the service over the given device and either formats a
// fresh filesystem on it or mounts the one already there.
func New(dev blockdev.Device, format bool, opts Options) (fs *Filesys, err error) {
	c := cache.New(dev, cache.Options{
		FlushInterval: opts.FlushInterval,
		ReadAhead:     opts.ReadAhead,
		Metrics:       opts.Metrics,
		Clock:         opts.Clock,
	})

	fm := freemap.New(dev.Size(), freemap.InodeSector, RootSector)
	fs = &Filesys{
		dev:   dev,
		cache: c,
		fmap:  fm,
		reg:   inode.NewRegistry(c, fm),
	}
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)

	if format {
		err = fs.format()
	} else {
		err = fs.fmap.OpenFile(fs.reg)
	}

	if err != nil {
		c.Close()
		return nil, err
	}

	return fs, nil
}

func (fs *Filesys) checkInvariants() {
	if !fs.fmap.Allocated(freemap.InodeSector) || !fs.fmap.Allocated(RootSector) {
		panic("filesys: reserved sectors not allocated")
	}
}

func (fs *Filesys) format() error {
	if !directory.Create(fs.reg, RootSector, defaultDirEntries, RootSector) {
		return fserr.ErrNoSpace
	}
	if !fs.fmap.CreateFile(fs.reg) {
		return fserr.ErrNoSpace
	}

	logger.Infof("filesys: formatted %d sectors", fs.dev.Size())
	return nil
}

// Close tears the service down: the free-map is written back, the flusher
// stopped, and every dirty buffer flushed. All files and working
// directories must already be closed.
func (fs *Filesys) Close() {
	fs.fmap.CloseFile()
	fs.cache.Close()

	if n := fs.reg.OpenCount(); n != 0 {
		logger.Warnf("filesys: closed with %d inodes still open", n)
	}
}

// Flush forces every dirty buffer to the device without unmounting.
func (fs *Filesys) Flush() {
	fs.fmap.Save()
	fs.cache.Flush()
}

// FreeSectors reports the number of unallocated sectors.
func (fs *Filesys) FreeSectors() int {
	return fs.fmap.CountFree()
}

////////////////////////////////////////////////////////////////////////
// Operations
////////////////////////////////////////////////////////////////////////

// Create makes a regular file of the given initial size. Fails if the
// name exists, is empty or reserved, is too long, or if space runs out.
func (fs *Filesys) Create(wd *WorkingDir, path string, size int64) error {
	if size < 0 || size > inode.MaxLength {
		return fserr.ErrNoSpace
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir, base, err := fs.resolveParent(wd, path)
	if err != nil {
		return err
	}
	defer dir.Close()

	if base == "" {
		return fserr.ErrExists // the root
	}
	if err := directory.CheckName(base); err != nil {
		return err
	}

	sector, ok := fs.fmap.Allocate(1)
	if !ok {
		return fserr.ErrNoSpace
	}

	if !fs.reg.Create(sector, size, blockdev.None) {
		fs.fmap.Release(sector, 1)
		return fserr.ErrNoSpace
	}

	if err := dir.Add(base, sector); err != nil {
		// Take the half-made file down with its data sectors.
		in := fs.reg.Open(sector)
		in.Remove()
		in.Close()
		return err
	}

	return nil
}

// Mkdir makes an empty directory.
func (fs *Filesys) Mkdir(wd *WorkingDir, path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir, base, err := fs.resolveParent(wd, path)
	if err != nil {
		return err
	}
	defer dir.Close()

	if base == "" {
		return fserr.ErrExists
	}
	if err := directory.CheckName(base); err != nil {
		return err
	}

	sector, ok := fs.fmap.Allocate(1)
	if !ok {
		return fserr.ErrNoSpace
	}

	if !directory.Create(fs.reg, sector, defaultDirEntries, dir.Inumber()) {
		fs.fmap.Release(sector, 1)
		return fserr.ErrNoSpace
	}

	if err := dir.Add(base, sector); err != nil {
		in := fs.reg.Open(sector)
		in.Remove()
		in.Close()
		return err
	}

	return nil
}

// Remove unlinks a file or an empty directory. The object's sectors come
// back once the last open handle closes.
func (fs *Filesys) Remove(wd *WorkingDir, path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir, base, err := fs.resolveParent(wd, path)
	if err != nil {
		return err
	}
	defer dir.Close()

	if base == "" {
		return fserr.ErrBadName // the root itself
	}

	return dir.Remove(fs.reg, base)
}

// Open returns a handle on the file or directory at path.
func (fs *Filesys) Open(wd *WorkingDir, path string) (*File, error) {
	dir, base, err := fs.resolveParent(wd, path)
	if err != nil {
		return nil, err
	}
	defer dir.Close()

	if base == "" {
		// The path named a directory outright ("/", ".", "d/..").
		return newFile(dir.Inode().Reopen()), nil
	}

	sector, ok := dir.Lookup(base)
	if !ok {
		return nil, fmt.Errorf("%q: %w", path, fserr.ErrNotFound)
	}

	return newFile(fs.reg.Open(sector)), nil
}

// ChangeDir rebinds the working directory to the directory at path.
func (fs *Filesys) ChangeDir(wd *WorkingDir, path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	d, err := fs.resolveDir(wd, path)
	if err != nil {
		return err
	}

	if wd.dir != nil {
		wd.dir.Close()
	}
	wd.dir = d
	return nil
}

////////////////////////////////////////////////////////////////////////
// Working directories
////////////////////////////////////////////////////////////////////////

// A WorkingDir is a caller-owned current directory, the anchor for
// relative paths. The zero value means the root.
type WorkingDir struct {
	dir *directory.Dir // nil means the root
}

// Close releases the working directory's handle, if any.
func (wd *WorkingDir) Close() {
	if wd != nil && wd.dir != nil {
		wd.dir.Close()
		wd.dir = nil
	}
}
