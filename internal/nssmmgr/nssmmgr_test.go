package nssmmgr

import (
	"testing"

	"nandftl/internal/blockalloc"
	"nandftl/internal/hal"
	"nandftl/internal/simhal"
)

// fakeMapper is the same narrow Mapper double used by internal/nssm's own
// tests: a monotonically increasing block allocator plus a zone-map, enough
// surface for real NSSMs to run against a real simhal.Chip.
type fakeMapper struct {
	chip *simhal.Chip
	next hal.BlockAddress
	zone map[int]hal.BlockAddress
}

func newFakeMapper(chip *simhal.Chip) *fakeMapper {
	return &fakeMapper{chip: chip, zone: make(map[int]hal.BlockAddress)}
}

func (f *fakeMapper) GetBlockInfo(vbn int) (hal.BlockAddress, error) {
	if b, ok := f.zone[vbn]; ok {
		return b, nil
	}
	return hal.InvalidBlock, nil
}

func (f *fakeMapper) GetBlockAndAssign(vbn int, typ hal.Signature, constraints blockalloc.Constraints) (hal.BlockAddress, error) {
	b := f.next
	f.next++
	f.zone[vbn] = b
	return b, nil
}

func (f *fakeMapper) MarkBlock(vbn int, pbn hal.BlockAddress, used bool) error {
	if used {
		return nil
	}
	if _, err := f.chip.EraseBlock(pbn); err != nil {
		return err
	}
	delete(f.zone, vbn)
	return nil
}

func (f *fakeMapper) HandleNewBadBlock(pbn hal.BlockAddress) error {
	return f.chip.MarkBlockBad(pbn)
}

type fakePoster struct {
	posted []int
}

func (p *fakePoster) PostRelocateTask(vbn int) { p.posted = append(p.posted, vbn) }

func newTestManager(t *testing.T, poolSize int) (*Manager, *simhal.Chip) {
	t.Helper()
	geom := hal.Geometry{PageDataSize: 32, PagesPerBlock: 4, PlanesPerDie: 1, DicePerChip: 1, ChipCount: 1, BlocksPerChip: 256}
	chip := simhal.New(geom, 1)
	fm := newFakeMapper(chip)
	// poolSize(baseCount128, pagesPerBlock) = baseCount128*pagesPerBlock/128;
	// with pagesPerBlock=4 that's baseCount128/32, so baseCount128=poolSize*32
	// reproduces the desired pool size exactly.
	m := New(chip, fm, &fakePoster{}, nil, nil, 1, 4, poolSize*32, 10)
	return m, chip
}

func TestGetMapForVirtualBlockCachesBySlot(t *testing.T) {
	m, _ := newTestManager(t, 2)

	n1, err := m.GetMapForVirtualBlock(5)
	if err != nil {
		t.Fatalf("GetMapForVirtualBlock(5): %v", err)
	}
	n1.Release()

	n2, err := m.GetMapForVirtualBlock(5)
	if err != nil {
		t.Fatalf("GetMapForVirtualBlock(5) again: %v", err)
	}
	defer n2.Release()

	if n1 != n2 {
		t.Fatal("expected the same NSSM instance to be returned for an already-cached vbn")
	}
}

func TestGetMapForVirtualBlockEvictsLRUWhenFull(t *testing.T) {
	m, _ := newTestManager(t, 2)

	n0, err := m.GetMapForVirtualBlock(0)
	if err != nil {
		t.Fatalf("vbn 0: %v", err)
	}
	n0.Release()
	n1, err := m.GetMapForVirtualBlock(1)
	if err != nil {
		t.Fatalf("vbn 1: %v", err)
	}
	n1.Release()

	// Both slots are now used and unreferenced. Requesting a third vbn must
	// evict the least-recently-used one (vbn 0, since vbn 1 was touched
	// after it) rather than fail.
	n2, err := m.GetMapForVirtualBlock(2)
	if err != nil {
		t.Fatalf("vbn 2 should evict vbn 0: %v", err)
	}
	defer n2.Release()

	if n2.VBN() != 2 {
		t.Fatalf("VBN() = %d, want 2", n2.VBN())
	}

	// vbn 1 must still be resident (it was the MRU entry before eviction).
	n1Again, err := m.GetMapForVirtualBlock(1)
	if err != nil {
		t.Fatalf("vbn 1 should still be cached: %v", err)
	}
	defer n1Again.Release()
	if n1Again != n1 {
		t.Fatal("expected vbn 1 to still be resident, not rebuilt")
	}
}

func TestGetMapForVirtualBlockFailsWhenAllSlotsPinned(t *testing.T) {
	m, _ := newTestManager(t, 1)

	n0, err := m.GetMapForVirtualBlock(0)
	if err != nil {
		t.Fatalf("vbn 0: %v", err)
	}
	defer n0.Release()

	// The single slot is retained and never released: no slot is evictable.
	if _, err := m.GetMapForVirtualBlock(1); err != hal.ErrCantRecycleSectorMap {
		t.Fatalf("GetMapForVirtualBlock(1) = %v, want ErrCantRecycleSectorMap", err)
	}
}

func TestInvalidateAllClearsCache(t *testing.T) {
	m, _ := newTestManager(t, 2)

	n0, err := m.GetMapForVirtualBlock(0)
	if err != nil {
		t.Fatalf("vbn 0: %v", err)
	}
	n0.Release()

	m.InvalidateAll()

	if n0.IsValid() {
		t.Fatal("expected the evicted NSSM to be invalidated")
	}
	n1, err := m.GetMapForVirtualBlock(0)
	if err != nil {
		t.Fatalf("vbn 0 after InvalidateAll: %v", err)
	}
	defer n1.Release()
}

func TestInvalidateRangeOnlyTouchesMatchingVBNs(t *testing.T) {
	m, _ := newTestManager(t, 2)

	n0, err := m.GetMapForVirtualBlock(0)
	if err != nil {
		t.Fatalf("vbn 0: %v", err)
	}
	n0.Release()
	n5, err := m.GetMapForVirtualBlock(5)
	if err != nil {
		t.Fatalf("vbn 5: %v", err)
	}
	n5.Release()

	m.InvalidateRange(0, 2)

	if n0.IsValid() {
		t.Fatal("expected vbn 0 to be invalidated")
	}
	if !n5.IsValid() {
		t.Fatal("expected vbn 5 to remain valid, outside the invalidated range")
	}
}

func TestRelocateVirtualBlockFetchesAndRelocates(t *testing.T) {
	m, _ := newTestManager(t, 2)

	if err := m.RelocateVirtualBlock(3); err != nil {
		t.Fatalf("RelocateVirtualBlock(3): %v", err)
	}

	n, err := m.GetMapForVirtualBlock(3)
	if err != nil {
		t.Fatalf("GetMapForVirtualBlock(3) after relocate: %v", err)
	}
	defer n.Release()
	if n.VBN() != 3 {
		t.Fatalf("VBN() = %d, want 3", n.VBN())
	}
}

func TestResizeFlushesBeforeRebuilding(t *testing.T) {
	m, chip := newTestManager(t, 2)

	n0, err := m.GetMapForVirtualBlock(0)
	if err != nil {
		t.Fatalf("vbn 0: %v", err)
	}
	if err := n0.WriteSector(0, make([]byte, 32)); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}
	n0.Release()

	if err := m.Resize(4); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	n0Again, err := m.GetMapForVirtualBlock(0)
	if err != nil {
		t.Fatalf("vbn 0 after resize: %v", err)
	}
	defer n0Again.Release()

	pbn, page, err := n0Again.GetPhysicalPageForLogicalOffset(0)
	if err != nil {
		t.Fatalf("GetPhysicalPageForLogicalOffset after resize: %v", err)
	}
	buf := make([]byte, 32)
	status, _, err := chip.ReadPage(pbn, page, buf, nil)
	if err != nil || !status.IsReadSuccess() {
		t.Fatalf("ReadPage after resize: status=%v err=%v", status, err)
	}
}
