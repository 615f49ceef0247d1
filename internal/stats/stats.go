// Package stats accumulates merge, relocate, cache, and conflict counters
// as plain atomic adds behind named fields, with no locking, exported as
// Prometheus collectors rather than a one-off stats dump.
package stats

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MergeKind identifies which of the three NSSM merge strategies ran.
type MergeKind int

const (
	MergeShortCircuit MergeKind = iota
	MergeQuick
	MergeCore
)

func (k MergeKind) String() string {
	switch k {
	case MergeShortCircuit:
		return "short_circuit"
	case MergeQuick:
		return "quick"
	default:
		return "core"
	}
}

// Counters holds every counter the CORE reports. The zero value is usable.
type Counters struct {
	mergeCount      [3]int64
	mergeNanosTotal [3]int64

	badBlocks      int64
	relocateTasks  int64
	nssmCacheHits  int64
	nssmCacheMiss  int64
	conflictsFound int64

	mergeCountDesc  *prometheus.Desc
	mergeNanosDesc  *prometheus.Desc
	badBlocksDesc   *prometheus.Desc
	relocateDesc    *prometheus.Desc
	cacheHitDesc    *prometheus.Desc
	cacheMissDesc   *prometheus.Desc
	conflictsDesc   *prometheus.Desc
}

// New builds a Counters instance with its Prometheus descriptors bound to
// namespace "nandftl".
func New() *Counters {
	return &Counters{
		mergeCountDesc: prometheus.NewDesc("nandftl_merge_total", "NSSM merges performed, by kind.", []string{"kind"}, nil),
		mergeNanosDesc: prometheus.NewDesc("nandftl_merge_nanoseconds_total", "Cumulative merge duration, by kind.", []string{"kind"}, nil),
		badBlocksDesc:  prometheus.NewDesc("nandftl_bad_blocks_total", "Blocks newly marked bad.", nil, nil),
		relocateDesc:   prometheus.NewDesc("nandftl_relocate_tasks_total", "Deferred relocate tasks executed.", nil, nil),
		cacheHitDesc:   prometheus.NewDesc("nandftl_nssm_cache_hits_total", "NssmManager lookups served from cache.", nil, nil),
		cacheMissDesc:  prometheus.NewDesc("nandftl_nssm_cache_misses_total", "NssmManager lookups that rebuilt an NSSM.", nil, nil),
		conflictsDesc:  prometheus.NewDesc("nandftl_conflicts_resolved_total", "Zone-map LBA conflicts resolved at mount.", nil, nil),
	}
}

// RecordMerge adds one occurrence of kind and its duration.
func (c *Counters) RecordMerge(kind MergeKind, d time.Duration) {
	atomic.AddInt64(&c.mergeCount[kind], 1)
	atomic.AddInt64(&c.mergeNanosTotal[kind], int64(d))
}

// MergeCount returns how many merges of kind have run.
func (c *Counters) MergeCount(kind MergeKind) int64 { return atomic.LoadInt64(&c.mergeCount[kind]) }

// MergeAverage returns the mean merge duration for kind, or 0 if none ran.
func (c *Counters) MergeAverage(kind MergeKind) time.Duration {
	n := atomic.LoadInt64(&c.mergeCount[kind])
	if n == 0 {
		return 0
	}
	return time.Duration(atomic.LoadInt64(&c.mergeNanosTotal[kind]) / n)
}

func (c *Counters) IncBadBlock()      { atomic.AddInt64(&c.badBlocks, 1) }
func (c *Counters) IncRelocateTask()  { atomic.AddInt64(&c.relocateTasks, 1) }
func (c *Counters) IncCacheHit()      { atomic.AddInt64(&c.nssmCacheHits, 1) }
func (c *Counters) IncCacheMiss()     { atomic.AddInt64(&c.nssmCacheMiss, 1) }
func (c *Counters) IncConflict()      { atomic.AddInt64(&c.conflictsFound, 1) }
func (c *Counters) BadBlocks() int64  { return atomic.LoadInt64(&c.badBlocks) }
func (c *Counters) CacheHits() int64  { return atomic.LoadInt64(&c.nssmCacheHits) }
func (c *Counters) CacheMisses() int64 { return atomic.LoadInt64(&c.nssmCacheMiss) }
func (c *Counters) ConflictCount() int64 { return atomic.LoadInt64(&c.conflictsFound) }

// Describe implements prometheus.Collector.
func (c *Counters) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.mergeCountDesc
	ch <- c.mergeNanosDesc
	ch <- c.badBlocksDesc
	ch <- c.relocateDesc
	ch <- c.cacheHitDesc
	ch <- c.cacheMissDesc
	ch <- c.conflictsDesc
}

// Collect implements prometheus.Collector.
func (c *Counters) Collect(ch chan<- prometheus.Metric) {
	for _, k := range []MergeKind{MergeShortCircuit, MergeQuick, MergeCore} {
		ch <- prometheus.MustNewConstMetric(c.mergeCountDesc, prometheus.CounterValue, float64(c.MergeCount(k)), k.String())
		ch <- prometheus.MustNewConstMetric(c.mergeNanosDesc, prometheus.CounterValue, float64(atomic.LoadInt64(&c.mergeNanosTotal[k])), k.String())
	}
	ch <- prometheus.MustNewConstMetric(c.badBlocksDesc, prometheus.CounterValue, float64(c.BadBlocks()))
	ch <- prometheus.MustNewConstMetric(c.relocateDesc, prometheus.CounterValue, float64(atomic.LoadInt64(&c.relocateTasks)))
	ch <- prometheus.MustNewConstMetric(c.cacheHitDesc, prometheus.CounterValue, float64(c.CacheHits()))
	ch <- prometheus.MustNewConstMetric(c.cacheMissDesc, prometheus.CounterValue, float64(c.CacheMisses()))
	ch <- prometheus.MustNewConstMetric(c.conflictsDesc, prometheus.CounterValue, float64(atomic.LoadInt64(&c.conflictsFound)))
}
