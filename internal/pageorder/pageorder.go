// Package pageorder implements PageOrderMap: a fixed-size array mapping
// logical-page index to virtual offset, plus an occupied bitmap. The
// occupied bitmap reuses phymap's word-at-a-time bitset idiom rather than a
// []bool, since this type sits on the hot write path; a primary and its
// backup alias one backing value array and differ only in which entries
// are marked occupied, to keep RAM use down.
package pageorder

// bitset is a small fixed-size bit vector, same technique as phymap.PhyMap.
type bitset struct {
	words []uint64
	n     int
}

func newBitset(n int) bitset {
	return bitset{words: make([]uint64, (n+63)/64), n: n}
}

func (b *bitset) set(i int)   { b.words[i/64] |= 1 << uint(i%64) }
func (b *bitset) clear(i int) { b.words[i/64] &^= 1 << uint(i%64) }
func (b *bitset) test(i int) bool {
	return b.words[i/64]&(1<<uint(i%64)) != 0
}
func (b *bitset) clearAll() {
	for i := range b.words {
		b.words[i] = 0
	}
}
func (b *bitset) count() int {
	c := 0
	for _, w := range b.words {
		for w != 0 {
			w &= w - 1
			c++
		}
	}
	return c
}
func (b *bitset) forEach(f func(i int)) {
	for i := 0; i < b.n; i++ {
		if b.test(i) {
			f(i)
		}
	}
}
func (b *bitset) copyFrom(o bitset) {
	copy(b.words, o.words)
}

// entryWidth picks the smallest element width (in bytes) that fits maxVal.
func entryWidth(maxVal int) int {
	switch {
	case maxVal < 1<<8:
		return 1
	case maxVal < 1<<16:
		return 2
	default:
		return 4
	}
}

// PageOrderMap stores, for logical page i, the virtual offset it currently
// lives at within whichever physical block the owning role (primary or
// backup) currently points to.
type PageOrderMap struct {
	occupied bitset
	entries  []uint32 // may be shared with a sibling map; see NewPair
	size     int
}

// New allocates a standalone PageOrderMap (not sharing storage with any
// sibling) sized for `size` logical pages.
func New(size int) *PageOrderMap {
	return &PageOrderMap{
		occupied: newBitset(size),
		entries:  make([]uint32, size),
		size:     size,
	}
}

// NewPair allocates a primary and backup map that share one entries array,
// a RAM-saving trick, but keep independent occupancy.
func NewPair(size int) (primary, backup *PageOrderMap) {
	shared := make([]uint32, size)
	primary = &PageOrderMap{occupied: newBitset(size), entries: shared, size: size}
	backup = &PageOrderMap{occupied: newBitset(size), entries: shared, size: size}
	return
}

// Size returns the number of logical page slots.
func (m *PageOrderMap) Size() int { return m.size }

// Get returns the virtual offset stored for logical page i, if occupied.
func (m *PageOrderMap) Get(i int) (voff int, ok bool) {
	if !m.occupied.test(i) {
		return 0, false
	}
	return int(m.entries[i]), true
}

// Set records that logical page i now lives at virtual offset voff.
func (m *PageOrderMap) Set(i, voff int) {
	m.entries[i] = uint32(voff)
	m.occupied.set(i)
}

// Clear marks logical page i unoccupied. It does not touch the shared
// entries array value; only occupancy is per-map.
func (m *PageOrderMap) Clear(i int) { m.occupied.clear(i) }

// Reset clears every occupied bit, leaving shared entry values untouched.
func (m *PageOrderMap) Reset() { m.occupied.clearAll() }

// Count returns the number of occupied logical pages.
func (m *PageOrderMap) Count() int { return m.occupied.count() }

// IsFull reports whether every logical page slot is occupied.
func (m *PageOrderMap) IsFull() bool { return m.Count() == m.size }

// ForEachOccupied calls f(logicalPage, virtualOffset) for every occupied
// entry, in ascending logical-page order.
func (m *PageOrderMap) ForEachOccupied(f func(logical, voff int)) {
	m.occupied.forEach(func(i int) { f(i, int(m.entries[i])) })
}

// AdoptOccupancyFrom copies another map's occupied bitset onto this one,
// used when promoting primary to backup: occupied bits only, values are
// shared already.
func (m *PageOrderMap) AdoptOccupancyFrom(o *PageOrderMap) {
	m.occupied.copyFrom(o.occupied)
}

// UniqueTo returns the logical page indices occupied in m but not in other —
// used to size and drive the quick-merge in-place copy.
func (m *PageOrderMap) UniqueTo(other *PageOrderMap) []int {
	var out []int
	m.occupied.forEach(func(i int) {
		if !other.occupied.test(i) {
			out = append(out, i)
		}
	})
	return out
}

// EntryWidth reports the on-media byte width needed to hold offsets up to
// maxVal: 1, 2, or 4 bytes.
func EntryWidth(maxVal int) int { return entryWidth(maxVal) }
