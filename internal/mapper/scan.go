package mapper

import "nandftl/internal/hal"

// scanAndRebuild performs the full power-loss-recovery scan: classify every
// block by its first-page signature, rebuild the phy-map from scratch, then
// rebuild the zone map from the data blocks' own metadata, running the
// conflict resolver wherever more than one physical block normalizes to the
// same virtual block number.
func (m *Mapper) scanAndRebuild() error {
	m.phy.MarkAll(false)

	planes := m.geom.PlanesPerBlockGroup()
	if planes < 1 {
		planes = 1
	}

	claims := make(map[int][]planeClaim)

	for b := 0; b < m.geom.TotalBlocks(); b++ {
		ba := hal.BlockAddress(b)
		bad, err := m.chip.IsBlockBad(ba, true)
		if err != nil {
			return err
		}
		if bad {
			m.phy.MarkUsed(ba)
			continue
		}

		status, meta, err := m.chip.ReadMetadata(ba, 0)
		if err != nil {
			return err
		}
		if !status.IsReadSuccess() {
			if m.cfg.RepairUnreadableAsErasable {
				continue // leave free; destructive, gated by config
			}
			m.phy.MarkUsed(ba) // can't trust it, keep it out of circulation
			continue
		}
		if meta.Signature == hal.SigErased {
			continue
		}

		m.phy.MarkUsed(ba)
		if meta.Signature == hal.SigData {
			// meta.LBA is the mapper key (virtual block + plane); normalize
			// it down to the plane-0-aligned virtual block number so that
			// candidates for different planes of the same virtual block are
			// grouped together rather than treated as unrelated keys.
			key := int(meta.LBA)
			vbn := (key / planes) * planes
			plane := key - vbn
			claims[vbn] = append(claims[vbn], planeClaim{block: ba, plane: plane})
		}
	}

	if err := m.phyPersist.SaveNewCopy(); err != nil {
		return err
	}
	if err := m.zoneCache.WriteEmptyMap(); err != nil {
		return err
	}

	for vbn, candidates := range claims {
		resolved, merged, err := m.resolveConflict(vbn, candidates)
		if err != nil {
			return err
		}
		if merged && m.st != nil {
			m.st.IncConflict()
		}
		for _, pc := range resolved {
			if err := m.zoneCache.SetBlockInfo(vbn+pc.plane, pc.block); err != nil {
				return err
			}
		}
	}

	return m.zoneCache.Flush()
}
