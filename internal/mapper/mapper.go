// Package mapper implements the Mapper: virtual-to-physical block
// translation plus free-block bookkeeping, persisted crash-safely to the
// NAND itself. It owns the reserved-range lifecycle, the zone-map and
// phy-map persistent stores, and the block allocators, split across
// mapper.go (core API), scan.go (power-loss recovery scan), reserved.go
// (reserved-range sizing and evacuation), and conflict.go (conflicting
// physical block resolution).
package mapper

import (
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"nandftl/internal/blockalloc"
	"nandftl/internal/config"
	"nandftl/internal/hal"
	"nandftl/internal/persist"
	"nandftl/internal/phymap"
	"nandftl/internal/phypersist"
	"nandftl/internal/stats"
	"nandftl/internal/zonemap"
)

// Relocator lets the mapper hand off data motion it cannot itself perform
// (NSSM state, page copies) to the owner that wires together the mapper and
// the NssmManager — internal/media. Kept as an interface here so mapper
// never imports nssm/nssmmgr (they in turn depend on mapper via vblock's
// narrower interface).
type Relocator interface {
	// RelocateDataBlock moves the virtual block identified by lba (the
	// mapper-key / zone-map index found in a stray data block's metadata)
	// off of pbn, onto a block outside the reserved range.
	RelocateDataBlock(lba int, pbn hal.BlockAddress) error
}

// Mapper is the top-level mapping and free-space authority.
type Mapper struct {
	mu sync.Mutex

	chip hal.Chip
	geom hal.Geometry
	cfg  config.Config
	log  *logrus.Entry
	st   *stats.Counters

	phy        *phymap.PhyMap
	phyPM      *persist.PersistentMap
	zonePM     *persist.PersistentMap
	zoneCache  *zonemap.ZoneMapCache
	phyPersist *phypersist.PersistentPhyMap

	reserved     blockalloc.Range
	dataRange    blockalloc.Range
	reservedAlloc *blockalloc.LinearBlockAllocator
	dataAlloc     *blockalloc.RandomBlockAllocator

	cleanShutdownBit bool
	inited           bool

	relocator Relocator
}

// New constructs a Mapper. phy may be nil, in which case the mapper
// allocates its own PhyMap.
func New(chip hal.Chip, cfg config.Config, log *logrus.Entry, st *stats.Counters, phy *phymap.PhyMap) *Mapper {
	geom := chip.Geometry()
	if phy == nil {
		phy = phymap.New(geom.TotalBlocks())
	}
	return &Mapper{
		chip: chip, geom: geom, cfg: cfg, log: log, st: st, phy: phy,
	}
}

// SetRelocator installs the callback used during reserved-range evacuation
// to move stray data out of the reserved range. The conflict resolver does
// not call it: pages whose metadata names another virtual block are folded
// into the merged block like any other page. internal/media must call this
// before Init.
func (m *Mapper) SetRelocator(r Relocator) { m.relocator = r }

// Geometry exposes the chip geometry used for address arithmetic.
func (m *Mapper) Geometry() hal.Geometry { return m.geom }

// ReservedRange returns the computed reserved block range.
func (m *Mapper) ReservedRange() blockalloc.Range { return m.reserved }

type mapHooks struct {
	m          *Mapper
	allocRange func() blockalloc.Range
	allocator  blockalloc.Allocator
	zone       *zonemap.ZoneMapCache // non-nil only for the zone-map's hooks
}

func (h *mapHooks) AllocateMapBlock() (hal.BlockAddress, error) {
	h.allocator.SetRange(h.allocRange())
	b, ok := h.allocator.AllocateBlock()
	if !ok {
		return hal.InvalidBlock, hal.ErrMapFull
	}
	status, err := h.m.chip.EraseBlock(b)
	if err != nil {
		return hal.InvalidBlock, err
	}
	if status == hal.StatusEraseFailed {
		if err := h.m.HandleNewBadBlock(b); err != nil {
			return hal.InvalidBlock, err
		}
		return h.AllocateMapBlock()
	}
	h.m.phy.MarkUsed(b)
	return b, nil
}

func (h *mapHooks) HandleNewBadBlock(b hal.BlockAddress) error { return h.m.HandleNewBadBlock(b) }

func (h *mapHooks) FreeAndErase(b hal.BlockAddress) error {
	_, newBad, err := h.m.phy.MarkFreeAndErase(h.m.chip, b)
	if err != nil {
		return err
	}
	if newBad {
		return h.m.HandleNewBadBlock(b)
	}
	return nil
}

func (h *mapHooks) GetSectionForConsolidate(start, count int) ([]byte, bool) {
	if h.zone == nil {
		return nil, false
	}
	return h.zone.SectionForConsolidate(start, count)
}

// Init computes the reserved range, builds or loads the persistent maps,
// evacuates stray data blocks, and marks the mapper ready.
func (m *Mapper) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inited {
		return hal.ErrAlreadyInitialized
	}

	rng, err := m.computeReservedRange()
	if err != nil {
		return err
	}
	rangeMoved := m.reserved != rng
	m.reserved = rng
	m.dataRange = blockalloc.Range{Low: rng.High, High: m.geom.TotalBlocks()}

	m.reservedAlloc = blockalloc.NewLinear(m.geom, m.phy)
	seed := m.cfg.AllocatorSeed
	if seed == 0 {
		seed = -0x61C8864680B583EB // 0x9E3779B97F4A7C15 as a two's-complement int64
	}
	m.dataAlloc = blockalloc.NewRandom(m.geom, m.phy, rand.NewSource(seed))
	m.dataAlloc.SetRange(m.dataRange)

	m.phyPM = persist.New(m.chip, m.geom, hal.MapTypePhy, nil, 1, (m.phy.Len()+7)/8, m.log)
	m.phyPM.SetReservedRange(rng.Low, rng.High)
	m.phyPM.SetHooks(&mapHooks{m: m, allocRange: func() blockalloc.Range { return m.reserved }, allocator: m.reservedAlloc})
	m.phyPersist = phypersist.New(m.phyPM, m.phy)

	totalZoneEntries := m.geom.TotalBlocks()
	m.zonePM = persist.New(m.chip, m.geom, hal.MapTypeZone, nil, zoneEntryWidth(totalZoneEntries), totalZoneEntries, m.log)
	m.zonePM.SetReservedRange(rng.Low, rng.High)
	m.zoneCache = zonemap.New(m.zonePM, totalZoneEntries, 2, m.Rebuild)
	m.zonePM.SetHooks(&mapHooks{m: m, allocRange: func() blockalloc.Range { return m.reserved }, allocator: m.reservedAlloc, zone: m.zoneCache})

	trustMedia := m.cleanShutdownBit && !rangeMoved
	if trustMedia {
		if err := m.phyPersist.Load(); err != nil {
			trustMedia = false
		} else if err := m.zonePM.FindMapBlock(); err != nil {
			trustMedia = false
		}
	}
	if !trustMedia {
		if err := m.scanAndRebuild(); err != nil {
			return err
		}
	}

	if err := m.evacuateReservedRange(); err != nil {
		return err
	}

	m.inited = true
	return nil
}

func zoneEntryWidth(totalBlocks int) int {
	if totalBlocks < 32768 {
		return 2
	}
	return 3
}

// GetBlockInfo delegates to the zone-map cache.
func (m *Mapper) GetBlockInfo(vbn int) (hal.BlockAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inited {
		return hal.InvalidBlock, hal.ErrNotInitialized
	}
	return m.zoneCache.GetBlockInfo(vbn)
}

// SetBlockInfo delegates to the zone-map cache and marks the block used.
func (m *Mapper) SetBlockInfo(vbn int, pbn hal.BlockAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inited {
		return hal.ErrNotInitialized
	}
	if err := m.zoneCache.SetBlockInfo(vbn, pbn); err != nil {
		return err
	}
	if pbn != hal.InvalidBlock {
		m.phy.MarkUsed(pbn)
	}
	return nil
}

// GetBlock allocates and erases a fresh block under the given constraints,
// retrying on erase failure and marking each failure as a new bad block.
// typ selects which allocator (and hence range) to use.
func (m *Mapper) GetBlock(typ hal.Signature, constraints blockalloc.Constraints) (hal.BlockAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getBlockLocked(typ, constraints)
}

func (m *Mapper) getBlockLocked(typ hal.Signature, constraints blockalloc.Constraints) (hal.BlockAddress, error) {
	var alloc blockalloc.Allocator
	switch typ {
	case hal.SigZoneMap, hal.SigPhyMap:
		alloc = m.reservedAlloc
	default:
		alloc = m.dataAlloc
	}
	alloc.SetConstraints(constraints)
	defer alloc.ClearConstraints()

	for {
		b, ok := alloc.AllocateBlock()
		if !ok {
			return hal.InvalidBlock, hal.ErrMapFull
		}
		status, err := m.chip.EraseBlock(b)
		if err != nil {
			return hal.InvalidBlock, err
		}
		if status == hal.StatusEraseFailed {
			if err := m.handleNewBadBlockLocked(b); err != nil {
				return hal.InvalidBlock, err
			}
			continue
		}
		m.phy.MarkUsed(b)
		return b, nil
	}
}

// GetBlockAndAssign allocates then assigns the block to vbn in one step.
func (m *Mapper) GetBlockAndAssign(vbn int, typ hal.Signature, constraints blockalloc.Constraints) (hal.BlockAddress, error) {
	m.mu.Lock()
	b, err := m.getBlockLocked(typ, constraints)
	if err != nil {
		m.mu.Unlock()
		return hal.InvalidBlock, err
	}
	if err := m.zoneCache.SetBlockInfo(vbn, b); err != nil {
		m.mu.Unlock()
		return hal.InvalidBlock, err
	}
	m.mu.Unlock()
	return b, nil
}

// MarkBlock updates the phy-map and, when freeing, also clears the
// zone-map entry for vbn.
func (m *Mapper) MarkBlock(vbn int, pbn hal.BlockAddress, used bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if used {
		m.phy.MarkUsed(pbn)
		return nil
	}
	_, newBad, err := m.phy.MarkFreeAndErase(m.chip, pbn)
	if err != nil {
		return err
	}
	if newBad {
		return m.handleNewBadBlockLocked(pbn)
	}
	return m.zoneCache.SetBlockInfo(vbn, hal.InvalidBlock)
}

// HandleNewBadBlock marks pbn used, writes the bad-block marker, and
// notifies the containing region. Here "notify" means counting it in stats;
// the discovered-bad-block table itself is the HAL's concern.
func (m *Mapper) HandleNewBadBlock(pbn hal.BlockAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handleNewBadBlockLocked(pbn)
}

func (m *Mapper) handleNewBadBlockLocked(pbn hal.BlockAddress) error {
	m.phy.MarkUsed(pbn)
	if err := m.chip.MarkBlockBad(pbn); err != nil {
		return err
	}
	if m.st != nil {
		m.st.IncBadBlock()
	}
	m.log.WithField("block", pbn).Warn("new bad block")
	return nil
}

// Flush flushes the zone-map cache, saves the phy-map if dirty, looping
// until neither re-dirties, then sets the clean-shutdown bit.
func (m *Mapper) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if err := m.zoneCache.Flush(); err != nil {
			return err
		}
		dirtyBefore := m.phy.IsDirty()
		if dirtyBefore {
			if err := m.phyPersist.Save(); err != nil {
				return err
			}
			m.phy.ClearDirty()
		}
		if !m.phy.IsDirty() {
			break
		}
	}
	m.cleanShutdownBit = true
	return nil
}

// Rebuild tears down in-RAM maps, clears the clean-shutdown bit, and runs a
// full scan. It is also the ZoneMapCache rebuild trigger fired on
// uncorrectable ECC.
func (m *Mapper) Rebuild() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanShutdownBit = false
	return m.scanAndRebuild()
}
