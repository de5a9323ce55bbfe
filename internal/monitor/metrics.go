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

// Package monitor holds the prometheus instrumentation for the buffer
// cache. Counters are cheap enough to keep on by default; callers that do
// not care pass NewCacheMetrics a fresh registry and never scrape it.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CacheMetrics counts the interesting events inside the buffer cache.
type CacheMetrics struct {
	Hits       prometheus.Counter
	Misses     prometheus.Counter
	Evictions  prometheus.Counter
	WriteBacks prometheus.Counter
	ReadAheads prometheus.Counter
	FlushRuns  prometheus.Counter
}

// Create cache metrics registered on the given registerer.
func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	m := &CacheMetrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockfs_cache_hits_total",
			Help: "Lookups served from a resident buffer.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockfs_cache_misses_total",
			Help: "Lookups that had to load a sector from the device.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockfs_cache_evictions_total",
			Help: "Buffers reclaimed by the LRU eviction scan.",
		}),
		WriteBacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockfs_cache_writebacks_total",
			Help: "Dirty buffers written to the device.",
		}),
		ReadAheads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockfs_cache_readaheads_total",
			Help: "Speculative next-sector loads issued.",
		}),
		FlushRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockfs_cache_flush_runs_total",
			Help: "Background flusher cycles completed.",
		}),
	}

	reg.MustRegister(
		m.Hits,
		m.Misses,
		m.Evictions,
		m.WriteBacks,
		m.ReadAheads,
		m.FlushRuns)

	return m
}

// NewUnregisteredCacheMetrics returns metrics registered only on a fresh
// private registry that nothing scrapes, for callers that only want the
// counting side effects (tests, tools).
func NewUnregisteredCacheMetrics() *CacheMetrics {
	return NewCacheMetrics(prometheus.NewRegistry())
}
