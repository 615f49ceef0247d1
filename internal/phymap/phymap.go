// Package phymap implements PhyMap: a fixed-length bit-sequence with one bit
// per physical block, 0 = free, 1 = used. It is word-oriented so that
// allocation scans work a machine word at a time rather than bit by bit.
package phymap

import (
	"sync"

	"nandftl/internal/hal"
)

const wordBits = 64

// DirtyCallback is fired exactly once on the clean->dirty transition.
type DirtyCallback func()

// PhyMap is the bitmap of free vs used blocks across every chip.
type PhyMap struct {
	mu      sync.Mutex
	words   []uint64
	nblocks int
	dirty   bool
	onDirty DirtyCallback
}

// New allocates a PhyMap sized for nblocks, initially all free.
func New(nblocks int) *PhyMap {
	return &PhyMap{
		words:   make([]uint64, (nblocks+wordBits-1)/wordBits),
		nblocks: nblocks,
	}
}

// SetDirtyCallback installs fn to be called on the next clean->dirty
// transition.
func (m *PhyMap) SetDirtyCallback(fn DirtyCallback) {
	m.mu.Lock()
	m.onDirty = fn
	m.mu.Unlock()
}

func (m *PhyMap) markDirtyLocked() {
	if !m.dirty {
		m.dirty = true
		if m.onDirty != nil {
			m.onDirty()
		}
	}
}

// IsDirty reports whether the map has changed since the last ClearDirty.
func (m *PhyMap) IsDirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// ClearDirty resets the dirty flag, typically right after a successful save.
func (m *PhyMap) ClearDirty() {
	m.mu.Lock()
	m.dirty = false
	m.mu.Unlock()
}

func wordIdx(b int) (int, uint) { return b / wordBits, uint(b % wordBits) }

// IsBlockUsed reports whether b is marked used.
func (m *PhyMap) IsBlockUsed(b hal.BlockAddress) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, bit := wordIdx(int(b))
	return m.words[w]&(1<<bit) != 0
}

// MarkUsed marks b used.
func (m *PhyMap) MarkUsed(b hal.BlockAddress) {
	m.mu.Lock()
	w, bit := wordIdx(int(b))
	if m.words[w]&(1<<bit) == 0 {
		m.words[w] |= 1 << bit
		m.markDirtyLocked()
	}
	m.mu.Unlock()
}

// MarkFree marks b free unconditionally. Invariant: callers must only do
// this once the block is erased, or erasable without further recovery —
// PhyMap itself does not enforce that, MarkFreeAndErase does.
func (m *PhyMap) MarkFree(b hal.BlockAddress) {
	m.mu.Lock()
	w, bit := wordIdx(int(b))
	if m.words[w]&(1<<bit) != 0 {
		m.words[w] &^= 1 << bit
		m.markDirtyLocked()
	}
	m.mu.Unlock()
}

// MarkFreeAndErase erases b via chip and marks it free only if the erase
// succeeds. On erase failure the block is left marked used and the caller
// gets (false, newBadBlock=true) so it can route to handleNewBadBlock.
func (m *PhyMap) MarkFreeAndErase(chip hal.Chip, b hal.BlockAddress) (freed bool, newBadBlock bool, err error) {
	status, err := chip.EraseBlock(b)
	if err != nil {
		return false, false, err
	}
	if status == hal.StatusEraseFailed {
		m.MarkUsed(b)
		return false, true, nil
	}
	m.MarkFree(b)
	return true, false, nil
}

// MarkAll sets every bit in the map to the given state.
func (m *PhyMap) MarkAll(used bool) {
	m.mu.Lock()
	var fill uint64
	if used {
		fill = ^uint64(0)
	}
	for i := range m.words {
		m.words[i] = fill
	}
	m.markDirtyLocked()
	m.mu.Unlock()
}

// AllocateFirstFreeInRange scans [lo, hi) word-wise for a zero bit.
func (m *PhyMap) AllocateFirstFreeInRange(lo, hi int) (hal.BlockAddress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scan(lo, hi)
}

// AllocateFirstFreeFromPositionWithWrap scans forward from pos to hi, then
// wraps to [lo, pos).
func (m *PhyMap) AllocateFirstFreeFromPositionWithWrap(pos, hi, lo int) (hal.BlockAddress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.scan(pos, hi); ok {
		return b, true
	}
	return m.scan(lo, pos)
}

// scan must be called with mu held.
func (m *PhyMap) scan(lo, hi int) (hal.BlockAddress, bool) {
	if lo < 0 {
		lo = 0
	}
	if hi > m.nblocks {
		hi = m.nblocks
	}
	for b := lo; b < hi; {
		w, bit := wordIdx(b)
		if bit == 0 && m.words[w] == ^uint64(0) {
			b += wordBits // whole word used: skip it in one step
			continue
		}
		if m.words[w]&(1<<bit) == 0 {
			return hal.BlockAddress(b), true
		}
		b++
	}
	return 0, false
}

// Len returns the number of blocks tracked.
func (m *PhyMap) Len() int { return m.nblocks }

// Bytes returns a snapshot of the raw bit-packed storage, used by
// internal/phypersist to serialise the map to media.
func (m *PhyMap) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.words)*8)
	for i, w := range m.words {
		for j := 0; j < 8; j++ {
			out[i*8+j] = byte(w >> (8 * j))
		}
	}
	return out
}

// LoadBytes replaces the map contents from a serialised snapshot produced by
// Bytes, clearing the dirty flag (the caller just loaded a trusted copy).
func (m *PhyMap) LoadBytes(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.words {
		var w uint64
		for j := 0; j < 8; j++ {
			off := i*8 + j
			if off < len(b) {
				w |= uint64(b[off]) << (8 * j)
			}
		}
		m.words[i] = w
	}
	m.dirty = false
}
