// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nbs_cache_hits_total",
			Help: "Block cache lookups served from memory",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nbs_cache_misses_total",
			Help: "Block cache lookups that went to the storage backend",
		},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nbs_cache_evictions_total",
			Help: "Cache entries dropped to stay within capacity",
		},
	)

	CacheWritebacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nbs_cache_writebacks_total",
			Help: "Dirty blocks persisted by flush or eviction",
		},
	)

	StorageOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nbs_storage_ops_total",
			Help: "Storage backend calls by operation",
		},
		[]string{"op"},
	)

	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nbs_storage_errors_total",
			Help: "Failed storage backend calls by operation",
		},
		[]string{"op"},
	)
)
