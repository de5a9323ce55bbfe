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

package freemap_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/minikern/blockfs/internal/blockdev"
	"github.com/minikern/blockfs/internal/cache"
	"github.com/minikern/blockfs/internal/freemap"
	"github.com/minikern/blockfs/internal/inode"
)

const deviceSectors = 1024

type FreeMapTest struct {
	suite.Suite

	dev   *blockdev.MemDevice
	cache *cache.Cache
	fmap  *freemap.FreeMap
	reg   *inode.Registry
}

func TestFreeMapSuite(t *testing.T) {
	suite.Run(t, new(FreeMapTest))
}

func (t *FreeMapTest) SetupTest() {
	t.dev = blockdev.NewMemDevice(deviceSectors)
	t.cache = cache.New(t.dev, cache.Options{FlushInterval: time.Hour})
	t.fmap = freemap.New(deviceSectors, freemap.InodeSector, 1)
	t.reg = inode.NewRegistry(t.cache, t.fmap)
}

func (t *FreeMapTest) TearDownTest() {
	t.cache.Close()
}

func (t *FreeMapTest) TestReservedSectorsStartAllocated() {
	assert.True(t.T(), t.fmap.Allocated(freemap.InodeSector))
	assert.True(t.T(), t.fmap.Allocated(1))
	assert.False(t.T(), t.fmap.Allocated(2))
	assert.Equal(t.T(), deviceSectors-2, t.fmap.CountFree())
}

func (t *FreeMapTest) TestAllocateMarksAndReleaseClears() {
	s, ok := t.fmap.Allocate(1)
	require.True(t.T(), ok)
	assert.True(t.T(), t.fmap.Allocated(s))

	t.fmap.Release(s, 1)
	assert.False(t.T(), t.fmap.Allocated(s))
}

func (t *FreeMapTest) TestAllocateFindsRuns() {
	// Fragment the low end of the map, then ask for a run that only fits
	// beyond the fragmentation.
	a, ok := t.fmap.Allocate(4)
	require.True(t.T(), ok)
	b, ok := t.fmap.Allocate(4)
	require.True(t.T(), ok)
	require.Equal(t.T(), a+4, b)

	t.fmap.Release(a+1, 2)

	run, ok := t.fmap.Allocate(3)
	require.True(t.T(), ok)
	assert.GreaterOrEqual(t.T(), uint32(run), uint32(b+4))
	for i := blockdev.Sector(0); i < 3; i++ {
		assert.True(t.T(), t.fmap.Allocated(run+i))
	}
}

func (t *FreeMapTest) TestAllocateFailsWhenFull() {
	free := t.fmap.CountFree()
	for i := 0; i < free; i++ {
		_, ok := t.fmap.Allocate(1)
		require.True(t.T(), ok)
	}

	_, ok := t.fmap.Allocate(1)
	assert.False(t.T(), ok)
	assert.Equal(t.T(), 0, t.fmap.CountFree())
}

func (t *FreeMapTest) TestPersistenceRoundTrip() {
	require.True(t.T(), t.fmap.CreateFile(t.reg))

	// Allocate some scattered sectors and persist.
	var taken []blockdev.Sector
	for i := 0; i < 17; i++ {
		s, ok := t.fmap.Allocate(1)
		require.True(t.T(), ok)
		taken = append(taken, s)
	}
	t.fmap.CloseFile()
	t.cache.Flush()

	// A second map read back from the same device agrees bit for bit.
	other := freemap.New(deviceSectors)
	reg2 := inode.NewRegistry(t.cache, other)
	require.NoError(t.T(), other.OpenFile(reg2))
	defer other.CloseFile()

	for _, s := range taken {
		assert.True(t.T(), other.Allocated(s))
	}
	assert.Equal(t.T(), t.fmap.CountFree(), other.CountFree())
}
