package mapper

import (
	"fmt"
	"sort"

	"nandftl/internal/blockalloc"
	"nandftl/internal/hal"
	"nandftl/internal/vblock"
)

// planeClaim pairs a physical block discovered during a scan with the plane
// its on-media metadata says it belongs to.
type planeClaim struct {
	block hal.BlockAddress
	plane int
}

// resolveConflict settles a group of physical blocks that all normalize to
// the same virtual block number. If every plane has at most one claimant,
// the claims are independent blocks that merely landed in the same
// normalized group (the ordinary case for a multi-plane virtual block, and
// the fast path: the claims are handed back unchanged with no data motion).
// Otherwise some plane has more than one claimant, and every block in the
// group is folded into a freshly allocated virtual block, after which every
// original block is erased: none of them survives as a reused "winner".
// merged reports which case ran, for the caller's conflict counter.
func (m *Mapper) resolveConflict(vbn int, candidates []planeClaim) (resolved []planeClaim, merged bool, err error) {
	planes := m.geom.PlanesPerBlockGroup()
	if planes < 1 {
		planes = 1
	}

	perPlane := make(map[int][]hal.BlockAddress, planes)
	for _, c := range candidates {
		perPlane[c.plane] = append(perPlane[c.plane], c.block)
	}
	for _, blocks := range perPlane {
		if len(blocks) > 1 {
			merged = true
			break
		}
	}
	if !merged {
		return candidates, false, nil
	}

	resolved, err = m.mergeConflictGroup(vbn, candidates, planes)
	if err != nil {
		return nil, true, err
	}
	return resolved, true, nil
}

type pageOrderScan struct {
	pages map[int]int // logical page -> physical page offset
	used  []bool
	count int
}

// readPageOrder reads every page's metadata in a block and records which
// logical offsets are occupied, used both to pick a merge fold order and to
// walk the combined view of a conflict group.
func (m *Mapper) readPageOrder(b hal.BlockAddress) (*pageOrderScan, error) {
	s := &pageOrderScan{pages: make(map[int]int), used: make([]bool, m.geom.PagesPerBlock)}
	for page := 0; page < m.geom.PagesPerBlock; page++ {
		status, meta, err := m.chip.ReadMetadata(b, page)
		if err != nil {
			return nil, err
		}
		if !status.IsReadSuccess() || meta.Signature == hal.SigErased {
			continue
		}
		s.pages[int(meta.LSI)] = page
		s.used[page] = true
		s.count++
	}
	return s, nil
}

type pageSource struct {
	block hal.BlockAddress
	page  int
}

// mergeConflictGroup builds the combined logical-page view across every
// candidate (a duplicate logical offset is won by whichever candidate has
// fewer used pages overall, folded in last), copies it onto a brand-new
// virtual block, then erases every original candidate. Always allocating a
// fresh target and never reusing a candidate as the destination keeps the
// result independent of which candidate happened to come first in the scan.
func (m *Mapper) mergeConflictGroup(vbn int, candidates []planeClaim, planes int) ([]planeClaim, error) {
	orders := make(map[hal.BlockAddress]*pageOrderScan, len(candidates))
	for _, c := range candidates {
		order, err := m.readPageOrder(c.block)
		if err != nil {
			return nil, err
		}
		orders[c.block] = order
	}

	// Fold candidates into the combined view in descending used-page order,
	// so the block with the fewest used pages is folded in last and wins
	// any duplicate logical offset.
	ordered := append([]planeClaim(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return orders[ordered[i].block].count > orders[ordered[j].block].count
	})
	combined := make(map[int]pageSource)
	for _, c := range ordered {
		for logical, page := range orders[c.block].pages {
			combined[logical] = pageSource{block: c.block, page: page}
		}
	}

	target := vblock.New(vbn, planes, m.geom.PagesPerBlock, m)
	if err := target.AllocateAllPlanes(blockalloc.NoConstraints); err != nil {
		return nil, err
	}

	budget := m.cfg.MergeRetryBudget
	if budget <= 0 {
		budget = 10
	}
	vpb := planes * m.geom.PagesPerBlock

	attempt := 0
	for {
		failedPlane := -1
		var failErr error

		for lsi := 0; lsi < vpb; lsi++ {
			src, ok := combined[lsi]
			if !ok {
				continue
			}
			dstPlane, dstPage := vblock.PlaneAndPageOffset(lsi, planes)
			dstPbn, err := target.GetPhysicalBlockForPlane(dstPlane)
			if err != nil {
				return nil, err
			}

			filter := func(fromBlock, toBlock hal.BlockAddress, fromPage, toPage int, data []byte, meta *hal.PageMetadata) (bool, error) {
				meta.Signature = hal.SigData
				meta.LBA = int32(target.MapperKey(dstPlane))
				meta.LSI = int32(lsi)
				return true, nil
			}
			successCount, cpErr := m.chip.CopyPages(src.block, dstPbn, src.page, dstPage, 1, filter)
			if cpErr != nil || successCount < 1 {
				failedPlane = dstPlane
				failErr = cpErr
				break
			}
		}

		if failedPlane < 0 {
			break
		}

		attempt++
		if attempt > budget {
			return nil, fmt.Errorf("mapper: conflict merge exhausted retry budget: %w", failErr)
		}

		if badPbn, err := target.GetPhysicalBlockForPlane(failedPlane); err == nil && badPbn != hal.InvalidBlock {
			if err := m.handleNewBadBlockLocked(badPbn); err != nil {
				return nil, err
			}
		}
		for p := 0; p < planes; p++ {
			if p == failedPlane {
				continue
			}
			if err := target.FreeAndErasePlane(p); err != nil {
				return nil, err
			}
		}
		if _, err := target.ReallocateAfterBadBlock(failedPlane); err != nil {
			return nil, err
		}
	}

	for _, c := range candidates {
		_, newBad, err := m.phy.MarkFreeAndErase(m.chip, c.block)
		if err != nil {
			return nil, err
		}
		if newBad {
			if err := m.handleNewBadBlockLocked(c.block); err != nil {
				return nil, err
			}
		}
	}

	resolved := make([]planeClaim, planes)
	for p := 0; p < planes; p++ {
		pbn, err := target.GetPhysicalBlockForPlane(p)
		if err != nil {
			return nil, err
		}
		resolved[p] = planeClaim{block: pbn, plane: p}
	}
	return resolved, nil
}
