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

package cfg

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindFlagsDefaults(t *testing.T) {
	viper.Reset()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(flags))

	var c Config
	require.NoError(t, viper.Unmarshal(&c))

	assert.Equal(t, "text", c.Logging.Format)
	assert.Equal(t, "info", c.Logging.Severity)
	assert.Equal(t, 5*time.Second, c.Cache.FlushInterval)
	assert.True(t, c.Cache.ReadAhead)
}

func TestFlagsOverrideDefaults(t *testing.T) {
	viper.Reset()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(flags))

	require.NoError(t, flags.Parse([]string{
		"--log-severity=debug",
		"--flush-interval=250ms",
		"--read-ahead=false",
	}))

	var c Config
	require.NoError(t, viper.Unmarshal(&c))

	assert.Equal(t, "debug", c.Logging.Severity)
	assert.Equal(t, 250*time.Millisecond, c.Cache.FlushInterval)
	assert.False(t, c.Cache.ReadAhead)
}

func TestValidate(t *testing.T) {
	c := Config{}
	assert.NoError(t, c.Validate())

	c.Logging.Format = "yaml"
	assert.Error(t, c.Validate())

	c = Config{}
	c.Cache.FlushInterval = -time.Second
	assert.Error(t, c.Validate())
}
