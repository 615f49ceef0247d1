// Package nssmmgr implements NssmManager: a fixed-size pool of nssm.NSSM
// instances indexed by virtual-block number for O(log n) lookup, with LRU
// eviction of idle, unreferenced entries via a container/list-based
// cache-with-refcounted-entries shape (scan from the LRU end for the first
// unreferenced entry).
package nssmmgr

import (
	"container/list"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"nandftl/internal/hal"
	"nandftl/internal/nssm"
	"nandftl/internal/stats"
)

// TaskPoster lets the manager hand a relocation request to whatever runs
// the deferred-task queue, without nssmmgr importing internal/deferred
// (which depends on the manager to execute the task).
type TaskPoster interface {
	PostRelocateTask(vbn int)
}

type vbnItem struct {
	vbn  int
	slot int
}

func (a vbnItem) Less(than btree.Item) bool { return a.vbn < than.(vbnItem).vbn }

type slot struct {
	n    *nssm.NSSM
	vbn  int // -1 when the slot has never been assigned
	elem *list.Element
}

// Manager owns the pool, tree index, and LRU list.
type Manager struct {
	chip   hal.Chip
	mapper nssm.Mapper
	poster TaskPoster
	st     *stats.Counters
	log    *logrus.Entry

	planes, pagesPerBlock, mergeBudget int

	slots []slot
	tree  *btree.BTree
	lru   *list.List // front = MRU, back = LRU
}

// New builds a Manager sized for baseCount128 NSSMs per 128 pages-per-block
// of geometry, scaled by the actual pagesPerBlock so cache RAM stays
// roughly constant across NAND generations.
func New(chip hal.Chip, mapper nssm.Mapper, poster TaskPoster, st *stats.Counters, log *logrus.Entry, planes, pagesPerBlock, baseCount128, mergeRetryBudget int) *Manager {
	m := &Manager{
		chip: chip, mapper: mapper, poster: poster, st: st, log: log,
		planes: planes, pagesPerBlock: pagesPerBlock, mergeBudget: mergeRetryBudget,
	}
	m.resize(poolSize(baseCount128, pagesPerBlock))
	return m
}

func poolSize(baseCount128, pagesPerBlock int) int {
	size := baseCount128 * pagesPerBlock / 128
	if size < 1 {
		size = 1
	}
	return size
}

// PostRelocate implements nssm.TaskPoster: each NSSM this manager owns is
// constructed with the manager itself as its poster.
func (m *Manager) PostRelocate(vbn int) {
	if m.poster != nil {
		m.poster.PostRelocateTask(vbn)
	}
}

func (m *Manager) resize(size int) {
	m.slots = make([]slot, size)
	m.tree = btree.New(32)
	m.lru = list.New()
	for i := range m.slots {
		m.slots[i] = slot{
			n:   nssm.New(m.chip, m.mapper, m, m.st, m.log, m.planes, m.pagesPerBlock, m.mergeBudget),
			vbn: -1,
		}
		m.slots[i].elem = m.lru.PushBack(i)
	}
}

// Resize changes the pool size, flushing every current NSSM first.
func (m *Manager) Resize(size int) error {
	if err := m.FlushAll(); err != nil {
		return err
	}
	m.resize(size)
	return nil
}

// GetMapForVirtualBlock resolves (building on miss) the NSSM for vbn and
// retains it against eviction; the caller must Release it when done.
func (m *Manager) GetMapForVirtualBlock(vbn int) (*nssm.NSSM, error) {
	if item := m.tree.Get(vbnItem{vbn: vbn}); item != nil {
		idx := item.(vbnItem).slot
		s := &m.slots[idx]
		m.lru.MoveToFront(s.elem)
		s.n.Retain()
		return s.n, nil
	}

	idx, ok := m.selectEvictable()
	if !ok {
		return nil, hal.ErrCantRecycleSectorMap
	}
	s := &m.slots[idx]
	if s.vbn >= 0 {
		m.tree.Delete(vbnItem{vbn: s.vbn})
		if s.n.HasBackup() {
			if err := s.n.Flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := s.n.PrepareForBlock(vbn); err != nil {
		return nil, err
	}
	s.vbn = vbn
	m.tree.ReplaceOrInsert(vbnItem{vbn: vbn, slot: idx})
	m.lru.MoveToFront(s.elem)
	s.n.Retain()
	return s.n, nil
}

// selectEvictable scans from the LRU end of the list for the first
// unreferenced slot.
func (m *Manager) selectEvictable() (int, bool) {
	for e := m.lru.Back(); e != nil; e = e.Prev() {
		idx := e.Value.(int)
		if m.slots[idx].n.RefCount() == 0 {
			return idx, true
		}
	}
	return 0, false
}

// InvalidateAll clears every NSSM and rebuilds the LRU list, for use after a
// whole-media erase.
func (m *Manager) InvalidateAll() {
	m.tree = btree.New(32)
	m.lru = list.New()
	for i := range m.slots {
		m.slots[i].n.Invalidate()
		m.slots[i].vbn = -1
		m.slots[i].elem = m.lru.PushBack(i)
	}
}

// InvalidateRange invalidates only the NSSMs whose virtual-block number
// falls in [lo, hi); region partitioning lives above this package.
func (m *Manager) InvalidateRange(lo, hi int) {
	for i := range m.slots {
		s := &m.slots[i]
		if s.vbn < 0 || s.vbn < lo || s.vbn >= hi {
			continue
		}
		m.tree.Delete(vbnItem{vbn: s.vbn})
		s.n.Invalidate()
		s.vbn = -1
	}
}

// FlushAll flushes every valid NSSM without invalidating it.
func (m *Manager) FlushAll() error {
	for i := range m.slots {
		s := &m.slots[i]
		if s.vbn < 0 {
			continue
		}
		if err := s.n.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// RelocateVirtualBlock satisfies internal/deferred's narrow relocation
// interface: fetch (or rebuild) the NSSM for vbn and ask it to relocate.
func (m *Manager) RelocateVirtualBlock(vbn int) error {
	n, err := m.GetMapForVirtualBlock(vbn)
	if err != nil {
		return err
	}
	defer n.Release()
	return n.RelocateVirtualBlock()
}
