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

// Package cmd implements the blockfs command line: formatting disk images
// and moving data in and out of them.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/minikern/blockfs/cfg"
	"github.com/minikern/blockfs/internal/blockdev"
	"github.com/minikern/blockfs/internal/filesys"
	"github.com/minikern/blockfs/internal/logger"
)

var (
	cfgFile string
	bindErr error
	config  cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "blockfs",
	Short: "Operate on blockfs disk images",
	Long: `blockfs formats sector-addressed disk images with an indexed-inode
filesystem and copies files in and out of them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}

		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("reading config file: %w", err)
			}
		}

		if err := viper.Unmarshal(&config); err != nil {
			return fmt.Errorf("unmarshalling config: %w", err)
		}
		if err := config.Validate(); err != nil {
			return err
		}

		return logger.Init(logger.Config{
			FilePath: config.Logging.FilePath,
			Format:   config.Logging.Format,
			Severity: config.Logging.Severity,
		})
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config-file", "", "Path to the config file")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

// Mount the image and run fn against the filesystem, unmounting on the
// way out.
func withFilesys(image string, fn func(fs *filesys.Filesys) error) error {
	dev, err := blockdev.OpenFileDevice(image)
	if err != nil {
		return err
	}
	defer dev.Close()

	fs, err := filesys.New(dev, false, filesys.Options{
		FlushInterval: config.Cache.FlushInterval,
		ReadAhead:     config.Cache.ReadAhead,
	})
	if err != nil {
		return fmt.Errorf("mounting %s: %w", image, err)
	}
	defer fs.Close()

	return fn(fs)
}
