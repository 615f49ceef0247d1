// Package zonemap implements ZoneMapCache: a small in-RAM cache of
// virtual-block -> physical-block sections backed by a persist.PersistentMap.
package zonemap

import (
	"sync"

	"nandftl/internal/hal"
	"nandftl/internal/persist"
)

// RebuildTrigger is invoked when an uncorrectable ECC error is seen while
// reading any section and a rebuild is not already underway.
type RebuildTrigger func() error

type cacheLine struct {
	valid     bool
	dirty     bool
	timestamp uint64
	firstLBA  int
	count     int
	entries   []int // decoded values, unallocated sentinel = -1
}

// ZoneMapCache owns the small (1-2 line) cache and the PersistentMap
// holding the on-media zone map.
type ZoneMapCache struct {
	mu sync.Mutex

	pm          *persist.PersistentMap
	entryWidth  int // 2 (16-bit) or 3 (24-bit), chosen by totalBlocks
	totalBlocks int
	sectionSize int

	lines []cacheLine
	clock uint64

	rebuilding  bool
	onRebuild   RebuildTrigger
}

// Unallocated is the sentinel zone-map value meaning "no physical block".
const Unallocated = -1

func unallocatedRaw(width int) int {
	if width == 2 {
		return 0xFFFF
	}
	return 0xFFFFFF
}

// New builds a ZoneMapCache of `lines` cache lines over pm, which must
// already know its section size. totalBlocks is the total number of virtual
// blocks (and hence zone map entries).
func New(pm *persist.PersistentMap, totalBlocks int, lines int, onRebuild RebuildTrigger) *ZoneMapCache {
	width := 2
	if totalBlocks >= 32768 {
		width = 3
	}
	return &ZoneMapCache{
		pm: pm, entryWidth: width, totalBlocks: totalBlocks,
		sectionSize: pm.SectionSize(),
		lines:       make([]cacheLine, lines),
		onRebuild:   onRebuild,
	}
}

func (z *ZoneMapCache) sectionOf(vbn int) (firstLBA, count int) {
	sec := vbn / z.sectionSize
	firstLBA = sec * z.sectionSize
	count = z.sectionSize
	if firstLBA+count > z.totalBlocks {
		count = z.totalBlocks - firstLBA
	}
	return
}

// SectionForConsolidate implements the subclass hook persist.Hooks needs:
// if a dirty line covers [start, start+count), flush its decoded bytes
// instead of letting Consolidate re-read a stale on-media copy.
func (z *ZoneMapCache) SectionForConsolidate(start, count int) ([]byte, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	for i := range z.lines {
		l := &z.lines[i]
		if l.valid && l.dirty && l.firstLBA == start && l.count == count {
			return z.encode(l.entries), true
		}
	}
	return nil, false
}

func (z *ZoneMapCache) encode(entries []int) []byte {
	out := make([]byte, len(entries)*z.entryWidth)
	for i, v := range entries {
		raw := unallocatedRaw(z.entryWidth)
		if v != Unallocated {
			raw = v
		}
		if z.entryWidth == 2 {
			out[i*2] = byte(raw)
			out[i*2+1] = byte(raw >> 8)
		} else {
			out[i*3] = byte(raw)
			out[i*3+1] = byte(raw >> 8)
			out[i*3+2] = byte(raw >> 16)
		}
	}
	return out
}

func (z *ZoneMapCache) decode(buf []byte, count int) []int {
	out := make([]int, count)
	for i := 0; i < count; i++ {
		var raw int
		if z.entryWidth == 2 {
			raw = int(buf[i*2]) | int(buf[i*2+1])<<8
		} else {
			raw = int(buf[i*3]) | int(buf[i*3+1])<<8 | int(buf[i*3+2])<<16
		}
		if raw == unallocatedRaw(z.entryWidth) {
			out[i] = Unallocated
		} else {
			out[i] = raw
		}
	}
	return out
}

// pickVictim selects the cache line to evict: an invalid line wins outright;
// otherwise the oldest by timestamp, ties broken by scan order.
func (z *ZoneMapCache) pickVictim() int {
	for i := range z.lines {
		if !z.lines[i].valid {
			return i
		}
	}
	victim := 0
	for i := 1; i < len(z.lines); i++ {
		if z.lines[i].timestamp < z.lines[victim].timestamp {
			victim = i
		}
	}
	return victim
}

// lineFor finds or loads the cache line covering vbn. Must be called with
// z.mu held.
func (z *ZoneMapCache) lineFor(vbn int) (*cacheLine, error) {
	firstLBA, count := z.sectionOf(vbn)
	for i := range z.lines {
		l := &z.lines[i]
		if l.valid && l.firstLBA == firstLBA {
			return l, nil
		}
	}

	idx := z.pickVictim()
	l := &z.lines[idx]
	if l.valid && l.dirty {
		if err := z.pm.AddSection(z.encode(l.entries), l.firstLBA, l.count); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, count*z.entryWidth)
	if err := z.pm.RetrieveSection(firstLBA, buf, true); err != nil {
		if err == hal.ErrECCFixFailed && !z.rebuilding && z.onRebuild != nil {
			z.rebuilding = true
			defer func() { z.rebuilding = false }()
			if rerr := z.onRebuild(); rerr != nil {
				return nil, rerr
			}
		}
		return nil, err
	}
	z.clock++
	*l = cacheLine{valid: true, dirty: false, timestamp: z.clock, firstLBA: firstLBA, count: count, entries: z.decode(buf, count)}
	return l, nil
}

// GetBlockInfo returns the physical block mapped for virtual block vbn, or
// Unallocated.
func (z *ZoneMapCache) GetBlockInfo(vbn int) (hal.BlockAddress, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	l, err := z.lineFor(vbn)
	if err != nil {
		return hal.InvalidBlock, err
	}
	v := l.entries[vbn-l.firstLBA]
	if v == Unallocated {
		return hal.InvalidBlock, nil
	}
	return hal.BlockAddress(v), nil
}

// SetBlockInfo records that virtual block vbn now maps to pbn.
func (z *ZoneMapCache) SetBlockInfo(vbn int, pbn hal.BlockAddress) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	l, err := z.lineFor(vbn)
	if err != nil {
		return err
	}
	v := int(pbn)
	if pbn == hal.InvalidBlock {
		v = Unallocated
	}
	if z.entryWidth == 2 && v != Unallocated && v >= 0xFFFF {
		panic("zonemap: value does not fit 16-bit entry width")
	}
	if z.entryWidth == 3 && v != Unallocated && v >= 0xFFFFFF {
		panic("zonemap: value does not fit 24-bit entry width")
	}
	l.entries[vbn-l.firstLBA] = v
	l.dirty = true
	z.clock++
	l.timestamp = z.clock
	return nil
}

// Flush add-sections every valid+dirty line. Because consolidating one map
// can dirty the sibling phy-map through allocation, Flush restarts if a
// consolidation happened mid-pass.
func (z *ZoneMapCache) Flush() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	for {
		dirtyFound := false
		for i := range z.lines {
			l := &z.lines[i]
			if l.valid && l.dirty {
				dirtyFound = true
				if err := z.pm.AddSection(z.encode(l.entries), l.firstLBA, l.count); err != nil {
					return err
				}
				l.dirty = false
			}
		}
		if !dirtyFound {
			return nil
		}
	}
}

// WriteEmptyMap writes one all-unallocated section per logical section,
// establishing a valid anchor at first-boot or after a rebuild.
func (z *ZoneMapCache) WriteEmptyMap() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	for i := range z.lines {
		z.lines[i] = cacheLine{}
	}
	for start := 0; start < z.totalBlocks; start += z.sectionSize {
		count := z.sectionSize
		if start+count > z.totalBlocks {
			count = z.totalBlocks - start
		}
		entries := make([]int, count)
		for i := range entries {
			entries[i] = Unallocated
		}
		if err := z.pm.AddSection(z.encode(entries), start, count); err != nil {
			return err
		}
	}
	return nil
}
