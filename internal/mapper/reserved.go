package mapper

import (
	"nandftl/internal/blockalloc"
	"nandftl/internal/hal"
)

// computeReservedRange grows a range starting at block 0 until it contains
// at least cfg.ReservedGoodBlocks good (non-factory-bad) blocks: enough to
// hold the zone map, the phy map, and their consolidation spares.
func (m *Mapper) computeReservedRange() (blockalloc.Range, error) {
	need := m.cfg.ReservedGoodBlocks
	if need <= 0 {
		need = 1
	}
	good := 0
	b := 0
	for good < need {
		if b >= m.geom.TotalBlocks() {
			return blockalloc.Range{}, hal.ErrMapFull
		}
		bad, err := m.chip.IsBlockBad(hal.BlockAddress(b), true)
		if err != nil {
			return blockalloc.Range{}, err
		}
		if !bad {
			good++
		}
		b++
	}
	return blockalloc.Range{Low: 0, High: b}, nil
}

// evacuateReservedRange walks the reserved range looking for blocks that
// hold ordinary data: the reserved range may grow across boots as bad
// blocks accumulate, stranding data blocks that used to sit outside it. Any
// such block is hidden behind the relocator before allocation is allowed to
// touch the range.
func (m *Mapper) evacuateReservedRange() error {
	if m.relocator == nil {
		return nil
	}
	for b := m.reserved.Low; b < m.reserved.High; b++ {
		ba := hal.BlockAddress(b)
		bad, err := m.chip.IsBlockBad(ba, false)
		if err != nil {
			return err
		}
		if bad {
			continue
		}
		status, meta, err := m.chip.ReadMetadata(ba, 0)
		if err != nil {
			return err
		}
		if !status.IsReadSuccess() || meta.Signature != hal.SigData {
			continue
		}
		if err := m.relocator.RelocateDataBlock(int(meta.LBA), ba); err != nil {
			return err
		}
	}
	return nil
}
