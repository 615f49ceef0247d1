// Package media bundles the HAL chip, Mapper, NssmManager, and
// DeferredTaskQueue behind a single coarse lock, wiring together the narrow
// interfaces the lower packages expose so none of them import each other
// directly.
package media

import (
	"sync"

	"github.com/sirupsen/logrus"

	"nandftl/internal/config"
	"nandftl/internal/deferred"
	"nandftl/internal/hal"
	"nandftl/internal/mapper"
	"nandftl/internal/nssmmgr"
	"nandftl/internal/stats"
)

// Media is the root object a DataDrive is built on: one NAND chip, its
// mapping layer, its NSSM cache, and its background worker, all guarded by
// one coarse driver lock.
type Media struct {
	mu sync.Mutex

	chip hal.Chip
	geom hal.Geometry
	cfg  config.Config
	log  *logrus.Entry
	st   *stats.Counters

	mp    *mapper.Mapper
	nsMgr *nssmmgr.Manager
	queue *deferred.Queue
}

// New constructs a Media without initializing it; call Init before use.
func New(chip hal.Chip, cfg config.Config, log *logrus.Logger) *Media {
	if log == nil {
		log = logrus.New()
	}
	entry := log.WithField("component", "nandftl")
	st := stats.New()
	geom := chip.Geometry()

	m := &Media{chip: chip, geom: geom, cfg: cfg, log: entry, st: st}
	m.mp = mapper.New(chip, cfg, entry.WithField("subsystem", "mapper"), st, nil)
	m.mp.SetRelocator(m)

	planes := geom.PlanesPerBlockGroup()
	if planes < 1 {
		planes = 1
	}
	m.queue = deferred.New(m, entry.WithField("subsystem", "deferred"))
	m.nsMgr = nssmmgr.New(chip, m.mp, m.queue, st, entry.WithField("subsystem", "nssm"),
		planes, geom.PagesPerBlock, cfg.NssmPoolBase128, cfg.MergeRetryBudget)
	m.queue.SetRelocator(m.nsMgr)

	return m
}

// Lock/Unlock implement sync.Locker so the deferred worker can take the
// same coarse lock foreground API calls use.
func (m *Media) Lock()   { m.mu.Lock() }
func (m *Media) Unlock() { m.mu.Unlock() }

// Init brings up the mapper (reserved-range computation, trust-vs-rebuild,
// evacuation) under the coarse lock.
func (m *Media) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mp.Init()
}

// Mapper exposes the underlying Mapper for components built on top of
// Media (internal/drive).
func (m *Media) Mapper() *mapper.Mapper { return m.mp }

// NssmManager exposes the NSSM pool.
func (m *Media) NssmManager() *nssmmgr.Manager { return m.nsMgr }

// Queue exposes the deferred-task worker.
func (m *Media) Queue() *deferred.Queue { return m.queue }

// Stats exposes the statistics collector (a prometheus.Collector).
func (m *Media) Stats() *stats.Counters { return m.st }

// Geometry returns the chip geometry.
func (m *Media) Geometry() hal.Geometry { return m.geom }

// Chip exposes the underlying HAL chip for components built on top of
// Media that need raw page access (internal/drive's read/write path).
func (m *Media) Chip() hal.Chip { return m.chip }

// Flush drains the deferred queue and flushes the NSSM pool and the
// mapper's persistent maps, in that order, so nothing dirties the maps
// again after they are written.
func (m *Media) Flush() error {
	m.queue.Drain()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.nsMgr.FlushAll(); err != nil {
		return err
	}
	return m.mp.Flush()
}

// RelocateDataBlock implements mapper.Relocator: move the virtual block a
// stray reserved-range data block claims out to ordinary data space. Data
// pages carry the plane-qualified mapper key (v+p) in their LBA field;
// virtual block numbers are always allocated plane-count-aligned, so the
// owning virtual block is recovered by rounding down.
func (m *Media) RelocateDataBlock(mapperKey int, pbn hal.BlockAddress) error {
	planes := m.geom.PlanesPerBlockGroup()
	if planes < 1 {
		planes = 1
	}
	vbn := (mapperKey / planes) * planes
	return m.nsMgr.RelocateVirtualBlock(vbn)
}
