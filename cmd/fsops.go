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

package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/minikern/blockfs/internal/filesys"
)

var lsCmd = &cobra.Command{
	Use:   "ls <image> [path]",
	Short: "List a directory",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/"
		if len(args) == 2 {
			path = args[1]
		}

		return withFilesys(args[0], func(fs *filesys.Filesys) error {
			f, err := fs.Open(nil, path)
			if err != nil {
				return err
			}
			defer f.Close()

			if !f.IsDir() {
				fmt.Println(path)
				return nil
			}

			for {
				name, ok := f.ReadDir()
				if !ok {
					return nil
				}
				fmt.Println(name)
			}
		})
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <image> <path>",
	Short: "Copy a file's contents to stdout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFilesys(args[0], func(fs *filesys.Filesys) error {
			f, err := fs.Open(nil, args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			buf := make([]byte, 64*1024)
			for {
				n := f.Read(buf)
				if n == 0 {
					return nil
				}
				if _, err := os.Stdout.Write(buf[:n]); err != nil {
					return err
				}
			}
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put <image> <host-src> <path>",
	Short: "Copy a host file into the image",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer src.Close()

		return withFilesys(args[0], func(fs *filesys.Filesys) error {
			if err := fs.Create(nil, args[2], 0); err != nil {
				return err
			}

			f, err := fs.Open(nil, args[2])
			if err != nil {
				return err
			}
			defer f.Close()

			buf := make([]byte, 64*1024)
			for {
				n, err := src.Read(buf)
				if n > 0 {
					if w := f.Write(buf[:n]); w < n {
						return fmt.Errorf(
							"short write at offset %d: image full?", f.Tell())
					}
				}
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
			}
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <image> <path> <host-dst>",
	Short: "Copy a file out of the image",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		dst, err := os.Create(args[2])
		if err != nil {
			return err
		}
		defer dst.Close()

		return withFilesys(args[0], func(fs *filesys.Filesys) error {
			f, err := fs.Open(nil, args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			buf := make([]byte, 64*1024)
			for {
				n := f.Read(buf)
				if n == 0 {
					return nil
				}
				if _, err := dst.Write(buf[:n]); err != nil {
					return err
				}
			}
		})
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <image> <path>",
	Short: "Create a directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFilesys(args[0], func(fs *filesys.Filesys) error {
			return fs.Mkdir(nil, args[1])
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <image> <path>",
	Short: "Remove a file or empty directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFilesys(args[0], func(fs *filesys.Filesys) error {
			return fs.Remove(nil, args[1])
		})
	},
}

var statCmd = &cobra.Command{
	Use:   "stat <image> <path>",
	Short: "Show a file's metadata",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFilesys(args[0], func(fs *filesys.Filesys) error {
			f, err := fs.Open(nil, args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			kind := "file"
			if f.IsDir() {
				kind = "directory"
			}
			fmt.Printf(
				"%s: %s, %d bytes, inode sector %d, %d sectors free\n",
				args[1],
				kind,
				f.Length(),
				f.Inumber(),
				fs.FreeSectors())
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(lsCmd, catCmd, putCmd, getCmd, mkdirCmd, rmCmd, statCmd)
}
