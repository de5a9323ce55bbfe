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

	"github.com/spf13/cobra"

	"github.com/minikern/blockfs/internal/blockdev"
	"github.com/minikern/blockfs/internal/filesys"
)

var mkfsSectors uint32

var mkfsCmd = &cobra.Command{
	Use:   "mkfs <image>",
	Short: "Create and format a new disk image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if mkfsSectors < 16 {
			return fmt.Errorf("%d sectors is too small for a filesystem", mkfsSectors)
		}

		dev, err := blockdev.CreateFileDevice(args[0], blockdev.Sector(mkfsSectors))
		if err != nil {
			return err
		}
		defer dev.Close()

		fs, err := filesys.New(dev, true, filesys.Options{
			FlushInterval: config.Cache.FlushInterval,
			ReadAhead:     config.Cache.ReadAhead,
		})
		if err != nil {
			return fmt.Errorf("formatting %s: %w", args[0], err)
		}
		free := fs.FreeSectors()
		fs.Close()

		fmt.Printf("%s: %d sectors, %d free\n", args[0], mkfsSectors, free)
		return nil
	},
}

func init() {
	mkfsCmd.Flags().Uint32Var(
		&mkfsSectors, "sectors", 4096, "Device size in 512-byte sectors")
	rootCmd.AddCommand(mkfsCmd)
}
