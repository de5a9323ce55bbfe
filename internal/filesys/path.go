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
	"fmt"
	"strings"

	"github.com/minikern/blockfs/internal/directory"
	"github.com/minikern/blockfs/internal/fserr"
)

// Break a path into its components. Empty components (leading, trailing,
// or doubled separators) are dropped, so a trailing slash is tolerated.
func splitPath(path string) (components []string, absolute bool) {
	absolute = strings.HasPrefix(path, "/")
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			components = append(components, c)
		}
	}
	return
}

// Walk the given components from the starting directory. Every component
// must resolve to a directory; `.` is a no-op and `..` moves to the
// parent, which at the root is the root itself. Returns a fresh handle the
// caller closes.
func (fs *Filesys) walk(
	start *directory.Dir,
	components []string) (*directory.Dir, error) {
	cur := start
	for _, c := range components {
		var next *directory.Dir
		var err error

		switch c {
		case ".":
			continue

		case "..":
			next, err = directory.Open(fs.reg, cur.ParentSector())

		default:
			sector, ok := cur.Lookup(c)
			if !ok {
				err = fmt.Errorf("%q: %w", c, fserr.ErrNotFound)
			} else {
				next, err = directory.Open(fs.reg, sector)
				if err != nil {
					err = fmt.Errorf("%q: %w", c, err)
				}
			}
		}

		cur.Close()
		if err != nil {
			return nil, err
		}
		cur = next
	}

	return cur, nil
}

// Return a fresh handle on the directory a walk of the whole path lands
// in.
func (fs *Filesys) resolveDir(
	wd *WorkingDir,
	path string) (*directory.Dir, error) {
	components, absolute := splitPath(path)
	start, err := fs.startDir(wd, absolute)
	if err != nil {
		return nil, err
	}

	return fs.walk(start, components)
}

// Split the path into (directory handle, final component) with everything
// up to the final component resolved. A path naming the root returns a
// root handle and an empty final component.
func (fs *Filesys) resolveParent(
	wd *WorkingDir,
	path string) (dir *directory.Dir, base string, err error) {
	components, absolute := splitPath(path)

	// `.` and `..` cannot be a final component for create/remove; push them
	// into the walk so that "a/.." resolves and names the walked-to
	// directory itself.
	for len(components) > 0 {
		last := components[len(components)-1]
		if last != "." && last != ".." {
			break
		}
		start, err := fs.startDir(wd, absolute)
		if err != nil {
			return nil, "", err
		}
		d, err := fs.walk(start, components)
		if err != nil {
			return nil, "", err
		}
		return d, "", nil
	}

	if len(components) == 0 {
		d, err := fs.startDir(wd, absolute)
		return d, "", err
	}

	base = components[len(components)-1]
	start, err := fs.startDir(wd, absolute)
	if err != nil {
		return nil, "", err
	}

	dir, err = fs.walk(start, components[:len(components)-1])
	if err != nil {
		return nil, "", err
	}

	return dir, base, nil
}

// Return a fresh handle on the directory resolution starts from: the root
// for absolute paths or when no working directory is bound, the working
// directory otherwise.
func (fs *Filesys) startDir(
	wd *WorkingDir,
	absolute bool) (*directory.Dir, error) {
	if absolute || wd == nil || wd.dir == nil {
		return directory.Open(fs.reg, RootSector)
	}

	return wd.dir.Reopen(), nil
}
