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

// Package cfg defines the tool configuration and its binding to flags and
// the optional YAML config file.
package cfg

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type LoggingConfig struct {
	// Path of the log file; empty logs to stderr.
	FilePath string `mapstructure:"file-path"`

	// "text" or "json".
	Format string `mapstructure:"format"`

	// "trace", "debug", "info", "warning", "error", or "off".
	Severity string `mapstructure:"severity"`
}

type CacheConfig struct {
	// Cadence of the background flusher.
	FlushInterval time.Duration `mapstructure:"flush-interval"`

	// Whether loads speculatively pull in the next sector.
	ReadAhead bool `mapstructure:"read-ahead"`
}

type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Cache   CacheConfig   `mapstructure:"cache"`
}

// BindFlags declares the shared flags on the given flag set and binds them
// into viper so the config file and flags resolve through one path.
func BindFlags(flags *pflag.FlagSet) error {
	flags.String("log-file", "", "Log to this file instead of stderr")
	flags.String("log-format", "text", "Log format: text or json")
	flags.String("log-severity", "info", "Minimum log severity")
	flags.Duration(
		"flush-interval",
		5*time.Second,
		"How often the background flusher writes dirty buffers out")
	flags.Bool("read-ahead", true, "Speculatively load the next sector on a miss")

	for name, key := range map[string]string{
		"log-file":       "logging.file-path",
		"log-format":     "logging.format",
		"log-severity":   "logging.severity",
		"flush-interval": "cache.flush-interval",
		"read-ahead":     "cache.read-ahead",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("binding --%s: %w", name, err)
		}
	}

	return nil
}

// Validate rejects configurations the filesystem cannot run with.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}

	if c.Cache.FlushInterval < 0 {
		return fmt.Errorf("negative flush interval %v", c.Cache.FlushInterval)
	}

	return nil
}
