// Package nssm implements the NonsequentialSectorsMap: per virtual-block
// logical-to-physical page tracking backed by a primary and an optional
// backup VirtualBlock, reconciled by one of three merge strategies as the
// primary fills.
package nssm

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"nandftl/internal/blockalloc"
	"nandftl/internal/hal"
	"nandftl/internal/pageorder"
	"nandftl/internal/stats"
	"nandftl/internal/vblock"
)

// Mapper is the subset of internal/mapper.Mapper's contract NSSM needs:
// everything vblock.Mapper already wants, plus the ability to report a
// block gone bad mid-merge.
type Mapper interface {
	vblock.Mapper
	HandleNewBadBlock(pbn hal.BlockAddress) error
}

// TaskPoster lets NSSM schedule a background relocation without importing
// internal/deferred (which in turn depends on the manager that owns NSSM
// instances). internal/nssmmgr implements this and supplies itself.
type TaskPoster interface {
	PostRelocate(vbn int)
}

// NSSM is one virtual block's placement tracker. Its exported surface
// assumes the caller (internal/nssmmgr, ultimately internal/drive) already
// holds the single coarse drive lock — NSSM does no locking of its own.
type NSSM struct {
	vbn           int
	planes        int
	pagesPerBlock int
	mergeBudget   int

	chip   hal.Chip
	mapper Mapper
	poster TaskPoster
	st     *stats.Counters
	log    *logrus.Entry

	primary *vblock.VirtualBlock
	backup  *vblock.VirtualBlock

	primaryMap *pageorder.PageOrderMap
	backupMap  *pageorder.PageOrderMap

	currentPageCount int
	sequential       bool // true while every write so far has had voff == lo
	valid            bool
	refCount         int32
}

// New allocates one NSSM slot. It is not usable for reads or writes until
// PrepareForBlock is called.
func New(chip hal.Chip, mapper Mapper, poster TaskPoster, st *stats.Counters, log *logrus.Entry, planes, pagesPerBlock, mergeRetryBudget int) *NSSM {
	primaryMap, backupMap := pageorder.NewPair(planes * pagesPerBlock)
	if mergeRetryBudget <= 0 {
		mergeRetryBudget = 10
	}
	return &NSSM{
		planes: planes, pagesPerBlock: pagesPerBlock, mergeBudget: mergeRetryBudget,
		chip: chip, mapper: mapper, poster: poster, st: st, log: log,
		primaryMap: primaryMap, backupMap: backupMap,
	}
}

func (n *NSSM) virtualPagesPerBlock() int { return n.planes * n.pagesPerBlock }

// VBN returns the virtual block number this NSSM currently tracks.
func (n *NSSM) VBN() int { return n.vbn }

// IsValid reports whether PrepareForBlock has populated this instance.
func (n *NSSM) IsValid() bool { return n.valid }

// HasBackup reports whether a backup block is currently held.
func (n *NSSM) HasBackup() bool { return n.backup != nil }

// CurrentPageCount is the next free virtual offset in the primary: the
// number of pages written to it. It exceeds the population of the primary
// PageOrderMap once a logical page has been overwritten in place.
func (n *NSSM) CurrentPageCount() int { return n.currentPageCount }

// Retain pins this NSSM against eviction from the manager's pool.
func (n *NSSM) Retain() { n.refCount++ }

// Release unpins this NSSM. Panics on underflow, which indicates a
// Retain/Release imbalance.
func (n *NSSM) Release() {
	if n.refCount <= 0 {
		panic("nssm: release without matching retain")
	}
	n.refCount--
}

// RefCount reports the current pin count.
func (n *NSSM) RefCount() int32 { return n.refCount }

// Invalidate discards this NSSM's state without flushing, for use after a
// whole-media erase.
func (n *NSSM) Invalidate() {
	n.vbn = 0
	n.primary = nil
	n.backup = nil
	n.primaryMap.Reset()
	n.backupMap.Reset()
	n.currentPageCount = 0
	n.sequential = true
	n.valid = false
}

func (n *NSSM) readMetadataRetry(pbn hal.BlockAddress, page int) (hal.Status, hal.PageMetadata, error) {
	var status hal.Status
	var meta hal.PageMetadata
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		status, meta, err = n.chip.ReadMetadata(pbn, page)
		if err != nil {
			continue
		}
		if status.IsReadSuccess() || meta.Signature == hal.SigErased {
			return status, meta, nil
		}
	}
	return status, meta, err
}

// PrepareForBlock sets the virtual block and rebuilds the primary
// PageOrderMap from on-media metadata.
func (n *NSSM) PrepareForBlock(vbn int) error {
	n.vbn = vbn
	n.primary = vblock.New(vbn, n.planes, n.pagesPerBlock, n.mapper)
	n.backup = nil
	n.primaryMap.Reset()
	n.backupMap.Reset()
	n.currentPageCount = 0
	n.sequential = true
	n.valid = true

	vpb := n.virtualPagesPerBlock()

	if lastVoff := vpb - 1; lastVoff >= 0 {
		plane, page := vblock.PlaneAndPageOffset(lastVoff, n.planes)
		if pbn, err := n.primary.GetPhysicalBlockForPlane(plane); err == nil && pbn != hal.InvalidBlock {
			status, meta, rerr := n.readMetadataRetry(pbn, page)
			if rerr == nil && status.IsReadSuccess() && meta.Signature == hal.SigData && meta.HasFlag(hal.FlagInLogicalOrder) {
				for i := 0; i < vpb; i++ {
					n.primaryMap.Set(i, i)
				}
				n.currentPageCount = vpb
				n.sequential = true
				return nil
			}
		}
	}

	for voff := 0; voff < vpb; voff++ {
		plane, page := vblock.PlaneAndPageOffset(voff, n.planes)
		pbn, err := n.primary.GetPhysicalBlockForPlane(plane)
		if err != nil {
			return err
		}
		if pbn == hal.InvalidBlock {
			break
		}
		status, meta, err := n.readMetadataRetry(pbn, page)
		if err != nil {
			return err
		}
		if meta.Signature == hal.SigErased {
			break
		}
		if !status.IsReadSuccess() {
			continue
		}
		if status.NeedsRelocate() && n.poster != nil {
			n.poster.PostRelocate(vbn)
		}
		lsi := int(meta.LSI)
		if lsi < 0 || lsi >= vpb {
			return hal.ErrSectorIdxOutOfRange
		}
		owner := int(meta.LBA) - plane
		if owner != vbn {
			return hal.ErrLBAsInconsistent
		}
		n.primaryMap.Set(lsi, voff)
		if voff != lsi {
			n.sequential = false
		}
	}
	n.currentPageCount = n.primaryMap.Count()
	return nil
}

// GetPhysicalPageForLogicalOffset is the read path: primary first, then
// backup, then a miss.
func (n *NSSM) GetPhysicalPageForLogicalOffset(lo int) (hal.BlockAddress, int, error) {
	if lo < 0 || lo >= n.virtualPagesPerBlock() {
		return hal.InvalidBlock, 0, hal.ErrSectorIdxOutOfRange
	}
	if voff, ok := n.primaryMap.Get(lo); ok {
		return n.primary.GetPhysicalPageForVirtualOffset(voff)
	}
	if n.backup != nil {
		if voff, ok := n.backupMap.Get(lo); ok {
			return n.backup.GetPhysicalPageForVirtualOffset(voff)
		}
	}
	return hal.InvalidBlock, 0, nil
}

func (n *NSSM) copyFilter(mapperKey int32, lsi int, inOrder bool) hal.CopyFilter {
	return func(fromBlock, toBlock hal.BlockAddress, fromPage, toPage int, data []byte, meta *hal.PageMetadata) (bool, error) {
		meta.Signature = hal.SigData
		meta.LBA = mapperKey
		meta.LSI = int32(lsi)
		if inOrder {
			meta.Flags |= hal.FlagInLogicalOrder
		} else {
			meta.Flags &^= hal.FlagInLogicalOrder
		}
		return true, nil
	}
}

// WriteSector is the write path: preventThrashing when full, resolve or
// lazily allocate the target plane, issue the HAL write, and record the
// placement. A WRITE_FAILED status triggers recoverFromFailedWrite and a
// retry into the freshly merged block, repeated after each further
// WRITE_FAILED; an error is returned only when recovery itself fails.
func (n *NSSM) WriteSector(lo int, data []byte) error {
	vpb := n.virtualPagesPerBlock()
	if lo < 0 || lo >= vpb {
		return hal.ErrSectorIdxOutOfRange
	}
	if n.currentPageCount >= vpb {
		if err := n.preventThrashing(lo); err != nil {
			return err
		}
	}
	return n.writeSectorOnce(lo, data)
}

func (n *NSSM) writeSectorOnce(lo int, data []byte) error {
	voff := n.currentPageCount
	plane, pageOffset := vblock.PlaneAndPageOffset(voff, n.planes)
	pbn, err := n.primary.GetPhysicalBlockForPlane(plane)
	if err != nil {
		return err
	}
	if pbn == hal.InvalidBlock {
		if pbn, err = n.primary.AllocateBlockForPlane(plane, blockalloc.NoConstraints); err != nil {
			return err
		}
	}

	inOrder := n.sequential && voff == lo
	meta := hal.PageMetadata{Signature: hal.SigData, LBA: int32(n.vbn + plane), LSI: int32(lo)}
	if inOrder {
		meta.Flags |= hal.FlagInLogicalOrder
	}

	status, err := n.chip.WritePage(pbn, pageOffset, data, meta)
	if err != nil {
		return err
	}
	if status == hal.StatusWriteFailed {
		if err := n.recoverFromFailedWrite(voff, lo); err != nil {
			return err
		}
		return n.writeSectorOnce(lo, data)
	}

	n.addEntry(lo, voff)
	if voff != lo {
		n.sequential = false
	}
	return nil
}

func (n *NSSM) addEntry(lo, voff int) {
	n.primaryMap.Set(lo, voff)
	n.currentPageCount++
}

// preventThrashing branches three ways on a full primary: promote if there
// is no backup yet, short-circuit-then-promote if the primary already
// covers every logical page, otherwise merge.
func (n *NSSM) preventThrashing(excludeLo int) error {
	if n.backup == nil {
		return n.promote()
	}
	if len(n.backupMap.UniqueTo(n.primaryMap)) == 0 {
		if err := n.shortCircuitMerge(); err != nil {
			return err
		}
		return n.promote()
	}
	if err := n.merge(excludeLo); err != nil {
		return err
	}
	// Physical capacity, not logical occupancy, decides whether another
	// write can still land in this primary: a quick merge that copied
	// nothing (every unique backup entry was the excluded offset) leaves
	// currentPageCount exactly where it was, still at capacity.
	if n.currentPageCount >= n.virtualPagesPerBlock() {
		return n.promote()
	}
	return nil
}

// promote demotes the current primary to backup and allocates a fresh
// primary.
func (n *NSSM) promote() error {
	n.backupMap.AdoptOccupancyFrom(n.primaryMap)
	n.backup = n.primary
	n.primaryMap.Reset()
	n.currentPageCount = 0
	n.sequential = true
	n.primary = vblock.New(n.vbn, n.planes, n.pagesPerBlock, n.mapper)
	return n.primary.AllocateAllPlanes(blockalloc.NoConstraints)
}

func (n *NSSM) shortCircuitMerge() error {
	start := time.Now()
	if err := n.backup.FreeAndEraseAllPlanes(); err != nil {
		return err
	}
	n.backup = nil
	n.backupMap.Reset()
	if n.st != nil {
		n.st.RecordMerge(stats.MergeShortCircuit, time.Since(start))
	}
	return nil
}

// merge picks quick or core merge for the pages backup holds that primary
// does not, excluding excludeLo.
func (n *NSSM) merge(excludeLo int) error {
	unique := n.backupMap.UniqueTo(n.primaryMap)
	filtered := unique[:0]
	for _, lsi := range unique {
		if lsi != excludeLo {
			filtered = append(filtered, lsi)
		}
	}
	free := n.virtualPagesPerBlock() - n.primaryMap.Count()
	if len(filtered) <= free {
		return n.quickMerge(excludeLo, filtered)
	}
	return n.coreMerge(excludeLo)
}

// quickMerge copies backup's unique pages into the primary's remaining free
// slots in place. A copy failure falls through to core merge.
func (n *NSSM) quickMerge(excludeLo int, uniqueToBackup []int) error {
	start := time.Now()
	for _, lsi := range uniqueToBackup {
		srcVoff, ok := n.backupMap.Get(lsi)
		if !ok {
			continue
		}
		srcPlane, srcPage := vblock.PlaneAndPageOffset(srcVoff, n.planes)
		srcPbn, err := n.backup.GetPhysicalBlockForPlane(srcPlane)
		if err != nil {
			return err
		}

		dstVoff := n.currentPageCount
		dstPlane, dstPage := vblock.PlaneAndPageOffset(dstVoff, n.planes)
		dstPbn, err := n.primary.GetPhysicalBlockForPlane(dstPlane)
		if err != nil {
			return err
		}
		if dstPbn == hal.InvalidBlock {
			if dstPbn, err = n.primary.AllocateBlockForPlane(dstPlane, blockalloc.NoConstraints); err != nil {
				return err
			}
		}

		inOrder := n.sequential && dstVoff == lsi
		filter := n.copyFilter(int32(n.vbn+dstPlane), lsi, inOrder)
		successCount, cpErr := n.chip.CopyPages(srcPbn, dstPbn, srcPage, dstPage, 1, filter)
		if cpErr != nil || successCount < 1 {
			return n.coreMerge(excludeLo)
		}

		n.primaryMap.Set(lsi, dstVoff)
		if dstVoff != lsi {
			n.sequential = false
		}
		n.currentPageCount++
	}
	if n.backup != nil {
		if err := n.backup.FreeAndEraseAllPlanes(); err != nil {
			return err
		}
		n.backup = nil
		n.backupMap.Reset()
	}
	if n.st != nil {
		n.st.RecordMerge(stats.MergeQuick, time.Since(start))
	}
	return nil
}

func (n *NSSM) lookupSource(lsi int) (voff int, fromPrimary, ok bool) {
	if v, present := n.primaryMap.Get(lsi); present {
		return v, true, true
	}
	if n.backup != nil {
		if v, present := n.backupMap.Get(lsi); present {
			return v, false, true
		}
	}
	return 0, false, false
}

// coreMerge allocates a fresh target block and walks every logical page,
// preferring the primary's copy over the backup's, writing into the target
// in place on n.primaryMap. Every logical index's source location is looked
// up once before the first walk, so a restarted walk still reads the
// original locations even though n.primaryMap (whose entries array the
// backup map shares) has already been partly rewritten. On a mid-walk
// target write failure the failed plane is marked bad, its surviving
// siblings erased in place, the failed plane reallocated, and the walk
// restarted from page 0.
func (n *NSSM) coreMerge(excludeLo int) error {
	start := time.Now()
	vpb := n.virtualPagesPerBlock()

	target := vblock.New(n.vbn, n.planes, n.pagesPerBlock, n.mapper)
	if err := target.AllocateAllPlanes(blockalloc.NoConstraints); err != nil {
		return err
	}

	if excludeLo >= 0 && excludeLo < vpb {
		n.primaryMap.Clear(excludeLo)
	}

	srcVoffs := make([]int, vpb)
	srcFromPrimary := make([]bool, vpb)
	srcOK := make([]bool, vpb)
	for lsi := 0; lsi < vpb; lsi++ {
		srcVoffs[lsi], srcFromPrimary[lsi], srcOK[lsi] = n.lookupSource(lsi)
	}

	attempt := 0
	for {
		targetVoff := 0
		sequential := true
		failedPlane := -1
		var failErr error

		for lsi := 0; lsi < vpb; lsi++ {
			if lsi == excludeLo {
				continue
			}
			srcVoff, fromPrimary, ok := srcVoffs[lsi], srcFromPrimary[lsi], srcOK[lsi]
			if !ok {
				continue
			}
			srcBlock := n.backup
			if fromPrimary {
				srcBlock = n.primary
			}
			srcPlane, srcPage := vblock.PlaneAndPageOffset(srcVoff, n.planes)
			srcPbn, err := srcBlock.GetPhysicalBlockForPlane(srcPlane)
			if err != nil {
				return err
			}

			dstPlane, dstPage := vblock.PlaneAndPageOffset(targetVoff, n.planes)
			dstPbn, err := target.GetPhysicalBlockForPlane(dstPlane)
			if err != nil {
				return err
			}

			inOrder := sequential && targetVoff == lsi
			filter := n.copyFilter(int32(target.MapperKey(dstPlane)), lsi, inOrder)
			successCount, cpErr := n.chip.CopyPages(srcPbn, dstPbn, srcPage, dstPage, 1, filter)
			if cpErr != nil || successCount < 1 {
				failedPlane = dstPlane
				failErr = cpErr
				break
			}

			n.primaryMap.Set(lsi, targetVoff)
			if targetVoff != lsi {
				sequential = false
			}
			targetVoff++
		}

		if failedPlane < 0 {
			break
		}

		attempt++
		if attempt > n.mergeBudget {
			return fmt.Errorf("nssm: core merge exhausted retry budget: %w", failErr)
		}

		if badPbn, err := target.GetPhysicalBlockForPlane(failedPlane); err == nil && badPbn != hal.InvalidBlock {
			if err := n.mapper.HandleNewBadBlock(badPbn); err != nil {
				return err
			}
		}
		for p := 0; p < n.planes; p++ {
			if p == failedPlane {
				continue
			}
			pbn, err := target.GetPhysicalBlockForPlane(p)
			if err != nil {
				return err
			}
			if _, err := n.chip.EraseBlock(pbn); err != nil {
				return err
			}
		}
		if _, err := target.ReallocateAfterBadBlock(failedPlane); err != nil {
			return err
		}
	}

	if n.backup != nil {
		if err := n.backup.FreeAndEraseAllPlanes(); err != nil {
			return err
		}
	}
	if err := n.primary.FreeAndEraseAllPlanes(); err != nil {
		return err
	}

	n.primary = target
	n.backup = nil
	n.backupMap.Reset()
	n.currentPageCount = n.primaryMap.Count()

	if n.st != nil {
		n.st.RecordMerge(stats.MergeCore, time.Since(start))
	}
	return nil
}

// recoverFromFailedWrite core-merges around the excluded offset, then
// reports the block that failed the original write as bad. The caller must
// retry the write itself.
func (n *NSSM) recoverFromFailedWrite(voff, excludedLogicalOffset int) error {
	plane, _ := vblock.PlaneAndPageOffset(voff, n.planes)
	badPbn, err := n.primary.GetPhysicalBlockForPlane(plane)
	if err != nil {
		return err
	}
	if err := n.coreMerge(excludedLogicalOffset); err != nil {
		return err
	}
	if badPbn != hal.InvalidBlock {
		return n.mapper.HandleNewBadBlock(badPbn)
	}
	return nil
}

// RelocateVirtualBlock is the ECC-refresh path: core merge with no
// exclusion.
func (n *NSSM) RelocateVirtualBlock() error {
	return n.coreMerge(-1)
}

// Flush merges the backup away if one exists; otherwise it is a no-op.
func (n *NSSM) Flush() error {
	if n.backup == nil {
		return nil
	}
	return n.merge(-1)
}
