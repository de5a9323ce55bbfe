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

// Package blockdev defines the sector-addressed block device that the rest
// of the filesystem is built on, together with the two concrete devices we
// ship: a disk-image file and an in-memory device for tests.
package blockdev

import (
	"fmt"
	"os"
)

// SectorSize is the fixed unit of device I/O, in bytes.
const SectorSize = 512

// Sector is the index of a sector on a device.
type Sector uint32

// None is the sentinel marking an unallocated sector reference. It is
// serialized as 0xFFFFFFFF on disk and must be preserved exactly.
const None Sector = 0xFFFFFFFF

// A Device is a fixed-geometry sector-addressed store. Implementations must
// be safe for concurrent use by multiple goroutines.
//
// Device I/O failure is fatal to the filesystem: implementations panic
// rather than return an error, matching the kernel's treatment of a dying
// disk.
type Device interface {
	// Read the given sector into buf.
	//
	// REQUIRES: len(buf) == SectorSize
	// REQUIRES: sector < Size()
	ReadSector(sector Sector, buf []byte)

	// Write buf to the given sector.
	//
	// REQUIRES: len(buf) == SectorSize
	// REQUIRES: sector < Size()
	WriteSector(sector Sector, buf []byte)

	// Return the number of sectors on the device.
	Size() Sector
}

////////////////////////////////////////////////////////////////////////
// File-backed device
////////////////////////////////////////////////////////////////////////

// A FileDevice adapts a disk-image file to the Device interface.
type FileDevice struct {
	f    *os.File
	size Sector
}

var _ Device = &FileDevice{}

// Open the disk image at the given path.
func OpenFileDevice(path string) (d *FileDevice, err error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		err = fmt.Errorf("opening image: %w", err)
		return
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		err = fmt.Errorf("statting image: %w", err)
		return
	}

	if fi.Size()%SectorSize != 0 {
		f.Close()
		err = fmt.Errorf(
			"image size %d is not a multiple of the sector size",
			fi.Size())
		return
	}

	d = &FileDevice{
		f:    f,
		size: Sector(fi.Size() / SectorSize),
	}

	return
}

// Create a zero-filled disk image of the given geometry at path, failing if
// the file already exists.
func CreateFileDevice(path string, sectors Sector) (d *FileDevice, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		err = fmt.Errorf("creating image: %w", err)
		return
	}

	if err = f.Truncate(int64(sectors) * SectorSize); err != nil {
		f.Close()
		os.Remove(path)
		err = fmt.Errorf("sizing image: %w", err)
		return
	}

	d = &FileDevice{
		f:    f,
		size: sectors,
	}

	return
}

func (d *FileDevice) ReadSector(sector Sector, buf []byte) {
	checkAccess(sector, d.size, buf)
	if _, err := d.f.ReadAt(buf, int64(sector)*SectorSize); err != nil {
		panic(fmt.Sprintf("blockdev: reading sector %d: %v", sector, err))
	}
}

func (d *FileDevice) WriteSector(sector Sector, buf []byte) {
	checkAccess(sector, d.size, buf)
	if _, err := d.f.WriteAt(buf, int64(sector)*SectorSize); err != nil {
		panic(fmt.Sprintf("blockdev: writing sector %d: %v", sector, err))
	}
}

func (d *FileDevice) Size() Sector {
	return d.size
}

// Close the underlying image file. The device must not be used afterward.
func (d *FileDevice) Close() error {
	return d.f.Close()
}

////////////////////////////////////////////////////////////////////////
// In-memory device
////////////////////////////////////////////////////////////////////////

// A MemDevice is a Device backed by an in-memory byte slice, for tests and
// for scratch filesystems.
type MemDevice struct {
	data []byte
	size Sector
}

var _ Device = &MemDevice{}

func NewMemDevice(sectors Sector) *MemDevice {
	return &MemDevice{
		data: make([]byte, int(sectors)*SectorSize),
		size: sectors,
	}
}

func (d *MemDevice) ReadSector(sector Sector, buf []byte) {
	checkAccess(sector, d.size, buf)
	copy(buf, d.data[int(sector)*SectorSize:])
}

func (d *MemDevice) WriteSector(sector Sector, buf []byte) {
	checkAccess(sector, d.size, buf)
	copy(d.data[int(sector)*SectorSize:(int(sector)+1)*SectorSize], buf)
}

func (d *MemDevice) Size() Sector {
	return d.size
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func checkAccess(sector Sector, size Sector, buf []byte) {
	if sector >= size {
		panic(fmt.Sprintf(
			"blockdev: sector %d out of range for device of %d sectors",
			sector,
			size))
	}

	if len(buf) != SectorSize {
		panic(fmt.Sprintf("blockdev: buffer of length %d", len(buf)))
	}
}
