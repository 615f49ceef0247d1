// Package persist implements the shared consolidation engine: a persistent
// map occupying one NAND block, where each page is one section carrying a
// sequence number, consolidated into a fresh block once the current one
// fills. ZoneMapCache and PersistentPhyMap both build on this package with
// a different signature and a different GetSectionForConsolidate override.
package persist

import (
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"nandftl/internal/hal"
)

// Hooks lets the owner (internal/mapper) supply the block-lifecycle
// operations persist itself has no business performing directly, since it
// must not depend on the mapper package (which depends on persist).
type Hooks interface {
	// AllocateMapBlock allocates and erases a fresh block from the
	// reserved-range allocator.
	AllocateMapBlock() (hal.BlockAddress, error)
	// HandleNewBadBlock marks b bad in the phy-map and records it as a
	// newly-discovered bad block.
	HandleNewBadBlock(b hal.BlockAddress) error
	// FreeAndErase frees b in the phy-map and erases it.
	FreeAndErase(b hal.BlockAddress) error
	// GetSectionForConsolidate optionally supplies the bytes to write for
	// the section covering [entryStart, entryStart+count) during
	// consolidation, e.g. a dirty in-RAM cache line, instead of re-reading
	// a stale on-media copy. ok=false means "read from media as usual".
	GetSectionForConsolidate(entryStart, count int) (entries []byte, ok bool)
}

type sectionLoc struct {
	page    int
	version uint32
	present bool
}

// PersistentMap is the shared machinery described above.
type PersistentMap struct {
	chip  hal.Chip
	geom  hal.Geometry
	typ   hal.MapType
	hooks Hooks
	log   *logrus.Entry

	reservedLo, reservedHi int // reserved-range bounds to search in FindMapBlock

	entrySize    int // bytes per logical entry (1, 2, 3, or 4)
	totalEntries int
	sectionSize  int // logical entries per section (one page's worth)

	block    hal.BlockAddress // current map block, hal.InvalidBlock if none
	nextPage int
	version  uint32
	offsets  []sectionLoc // index = logical section number
}

// New constructs a PersistentMap. sectionSize is computed internally from
// the page data size and entrySize, minus the section header.
func New(chip hal.Chip, geom hal.Geometry, typ hal.MapType, hooks Hooks, entrySize, totalEntries int, log *logrus.Entry) *PersistentMap {
	avail := geom.PageDataSize - hal.SectionHeaderLen()
	sectionSize := avail / entrySize
	if sectionSize <= 0 {
		panic("persist: page too small for even one entry")
	}
	numSections := (totalEntries + sectionSize - 1) / sectionSize
	return &PersistentMap{
		chip: chip, geom: geom, typ: typ, hooks: hooks, log: log,
		entrySize: entrySize, totalEntries: totalEntries, sectionSize: sectionSize,
		block:   hal.InvalidBlock,
		offsets: make([]sectionLoc, numSections),
	}
}

// SetReservedRange restricts FindMapBlock's scan to [lo, hi).
func (p *PersistentMap) SetReservedRange(lo, hi int) { p.reservedLo, p.reservedHi = lo, hi }

// SetHooks installs the hooks implementation. It exists separately from New
// because some hooks (e.g. ZoneMapCache's GetSectionForConsolidate) need a
// reference back to a type that itself needs the PersistentMap to exist
// first, so construction happens in two steps to avoid an import cycle.
func (p *PersistentMap) SetHooks(h Hooks) { p.hooks = h }

// Block returns the map's current physical block, or hal.InvalidBlock.
func (p *PersistentMap) Block() hal.BlockAddress { return p.block }

// ForgetBlock drops any known map block without freeing it, so the next
// AddSection allocates a brand new one. Used by PersistentPhyMap.SaveNewCopy
// during rebuild, where the caller deliberately skips FindMapBlock.
func (p *PersistentMap) ForgetBlock() {
	p.block = hal.InvalidBlock
	p.nextPage = 0
	p.version = 0
	for i := range p.offsets {
		p.offsets[i] = sectionLoc{}
	}
}

// SectionSize returns how many logical entries fit in one section/page.
func (p *PersistentMap) SectionSize() int { return p.sectionSize }

// FindMapBlock scans the reserved range for a block whose first-page
// metadata signature matches this map's type. On success it adopts the
// block and rebuilds the section offset table.
func (p *PersistentMap) FindMapBlock() error {
	sig := p.typ.Signature()
	for b := p.reservedLo; b < p.reservedHi; b++ {
		ba := hal.BlockAddress(b)
		bad, err := p.chip.IsBlockBad(ba, false)
		if err != nil {
			return err
		}
		if bad {
			continue
		}
		_, meta, err := p.chip.ReadMetadata(ba, 0)
		if err != nil {
			return err
		}
		if meta.Signature == sig {
			p.block = ba
			return p.BuildSectionOffsetTable()
		}
	}
	return hal.ErrFindLBAMapBlockFailed
}

// BuildSectionOffsetTable is the one-shot mount-time scan of the map block
// recording, per logical section, the page offset of the newest version.
func (p *PersistentMap) BuildSectionOffsetTable() error {
	for i := range p.offsets {
		p.offsets[i] = sectionLoc{}
	}
	p.nextPage = 0
	p.version = 0
	for page := 0; page < p.geom.PagesPerBlock; page++ {
		status, meta, err := p.chip.ReadMetadata(p.block, page)
		if err != nil {
			return err
		}
		if status == hal.StatusECCFixFailed {
			continue // unreadable section; leave gap, treat as superseded
		}
		if meta.Signature != p.typ.Signature() {
			break // erased tail of the block
		}
		data := make([]byte, p.geom.PageDataSize)
		if _, _, err := p.chip.ReadPage(p.block, page, data, nil); err != nil {
			return err
		}
		hdr := hal.DecodeSectionHeader(data)
		sec := hdr.EntryStart / p.sectionSize
		if sec >= len(p.offsets) {
			continue
		}
		if !p.offsets[sec].present || hdr.Version >= p.offsets[sec].version {
			p.offsets[sec] = sectionLoc{page: page, version: hdr.Version, present: true}
		}
		if hdr.Version >= p.version {
			p.version = hdr.Version + 1
		}
		p.nextPage = page + 1
	}
	return nil
}

// AddSection appends a new section covering [firstEntry, firstEntry+count)
// to the current map block, consolidating first if the block has no free
// page.
func (p *PersistentMap) AddSection(entries []byte, firstEntry, count int) error {
	if p.block == hal.InvalidBlock {
		b, err := p.hooks.AllocateMapBlock()
		if err != nil {
			return err
		}
		p.block = b
		p.nextPage = 0
		p.version = 0
	}
	if p.nextPage >= p.geom.PagesPerBlock {
		if err := p.Consolidate(); err != nil {
			return err
		}
	}
	return p.writeSection(entries, firstEntry, count)
}

func (p *PersistentMap) writeSection(entries []byte, firstEntry, count int) error {
	hdr := hal.NandMapSectionHeader{
		Type: p.typ, EntrySize: p.entrySize,
		EntryStart: firstEntry, EntryCount: count, Version: p.version,
	}
	buf := make([]byte, p.geom.PageDataSize)
	hdr.Encode(buf)
	copy(buf[hal.SectionHeaderLen():], entries)
	meta := hal.PageMetadata{Signature: p.typ.Signature(), LSI: int32(firstEntry)}

	status, err := p.chip.WritePage(p.block, p.nextPage, buf, meta)
	if err != nil {
		return err
	}
	if status == hal.StatusWriteFailed {
		if err := p.hooks.HandleNewBadBlock(p.block); err != nil {
			return err
		}
		p.block = hal.InvalidBlock
		return p.AddSection(entries, firstEntry, count)
	}
	sec := firstEntry / p.sectionSize
	if sec < len(p.offsets) {
		p.offsets[sec] = sectionLoc{page: p.nextPage, version: p.version, present: true}
	}
	p.nextPage++
	p.version++
	return nil
}

// Consolidate allocates a fresh block, writes the freshest copy of every
// logical section into it in order, then frees the old block. It completes
// atomically from the caller's view: either fully populated and the old
// block freed, or nothing observable changes.
func (p *PersistentMap) Consolidate() error {
	const maxAttempts = 8
	op := func() error { return p.consolidateOnce() }
	return backoff.Retry(op, backoff.WithMaxRetries(backoff.NewConstantBackOff(0), maxAttempts-1))
}

func (p *PersistentMap) consolidateOnce() error {
	newBlock, err := p.hooks.AllocateMapBlock()
	if err != nil {
		return err
	}

	oldBlock := p.block
	oldOffsets := p.offsets

	newOffsets := make([]sectionLoc, len(oldOffsets))
	page := 0
	for sec := 0; sec < len(oldOffsets); sec++ {
		start := sec * p.sectionSize
		count := p.sectionSize
		if start+count > p.totalEntries {
			count = p.totalEntries - start
		}
		if count <= 0 {
			continue
		}

		var entries []byte
		if b, ok := p.hooks.GetSectionForConsolidate(start, count); ok {
			entries = b
		} else if oldOffsets[sec].present {
			buf := make([]byte, p.geom.PageDataSize)
			if _, _, err := p.chip.ReadPage(oldBlock, oldOffsets[sec].page, buf, nil); err != nil {
				return err
			}
			entries = buf[hal.SectionHeaderLen() : hal.SectionHeaderLen()+count*p.entrySize]
		} else {
			entries = make([]byte, count*p.entrySize)
		}

		hdr := hal.NandMapSectionHeader{Type: p.typ, EntrySize: p.entrySize, EntryStart: start, EntryCount: count, Version: 0}
		buf := make([]byte, p.geom.PageDataSize)
		hdr.Encode(buf)
		copy(buf[hal.SectionHeaderLen():], entries)
		meta := hal.PageMetadata{Signature: p.typ.Signature(), LSI: int32(start)}

		status, err := p.chip.WritePage(newBlock, page, buf, meta)
		if err != nil {
			return err
		}
		if status == hal.StatusWriteFailed {
			if err := p.hooks.HandleNewBadBlock(newBlock); err != nil {
				return err
			}
			return fmt.Errorf("persist: consolidate target write failed, retrying: %w", hal.ErrWriteFailed)
		}
		newOffsets[sec] = sectionLoc{page: page, version: 0, present: true}
		page++
	}

	if err := p.hooks.FreeAndErase(oldBlock); err != nil {
		return err
	}

	p.block = newBlock
	p.nextPage = page
	p.version = 1
	p.offsets = newOffsets
	p.log.WithFields(logrus.Fields{"type": p.typ, "old_block": oldBlock, "new_block": newBlock}).Debug("consolidated persistent map")
	return nil
}

// RetrieveSection locates the newest section containing entryIndex and
// reads it into buf (which must be at least SectionSize()*entrySize bytes).
// If autoConsolidate is true and the read comes back
// ECC_FIXED_REWRITE_SECTOR, the map is consolidated before returning.
func (p *PersistentMap) RetrieveSection(entryIndex int, buf []byte, autoConsolidate bool) error {
	sec := entryIndex / p.sectionSize
	if sec >= len(p.offsets) || !p.offsets[sec].present {
		for i := range buf {
			buf[i] = 0xFF
		}
		return nil
	}
	page := make([]byte, p.geom.PageDataSize)
	status, _, err := p.chip.ReadPage(p.block, p.offsets[sec].page, page, nil)
	if err != nil {
		return err
	}
	if status == hal.StatusECCFixFailed {
		return hal.ErrECCFixFailed
	}
	hdr := hal.DecodeSectionHeader(page)
	n := hdr.EntryCount * p.entrySize
	copy(buf, page[hal.SectionHeaderLen():hal.SectionHeaderLen()+n])
	if autoConsolidate && status == hal.StatusECCFixedRewrite {
		return p.Consolidate()
	}
	return nil
}
