package persist

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"nandftl/internal/hal"
	"nandftl/internal/simhal"
)

// fakeHooks allocates sequentially from a small pool of reserved blocks and
// never overrides a consolidation section, so PersistentMap always falls
// back to reading the stale on-media copy.
type fakeHooks struct {
	chip *simhal.Chip
	pool []hal.BlockAddress
	bad  map[hal.BlockAddress]bool
}

func newFakeHooks(chip *simhal.Chip, pool []hal.BlockAddress) *fakeHooks {
	return &fakeHooks{chip: chip, pool: pool, bad: make(map[hal.BlockAddress]bool)}
}

func (h *fakeHooks) AllocateMapBlock() (hal.BlockAddress, error) {
	if len(h.pool) == 0 {
		return hal.InvalidBlock, hal.ErrMapFull
	}
	b := h.pool[0]
	h.pool = h.pool[1:]
	if _, err := h.chip.EraseBlock(b); err != nil {
		return hal.InvalidBlock, err
	}
	return b, nil
}

func (h *fakeHooks) HandleNewBadBlock(b hal.BlockAddress) error {
	h.bad[b] = true
	return h.chip.MarkBlockBad(b)
}

func (h *fakeHooks) FreeAndErase(b hal.BlockAddress) error {
	if _, err := h.chip.EraseBlock(b); err != nil {
		return err
	}
	h.pool = append(h.pool, b)
	return nil
}

func (h *fakeHooks) GetSectionForConsolidate(entryStart, count int) ([]byte, bool) {
	return nil, false
}

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestPersistentMap(t *testing.T, pagesPerBlock, entrySize, totalEntries int) (*PersistentMap, *fakeHooks, *simhal.Chip) {
	t.Helper()
	geom := hal.Geometry{PageDataSize: 32, PagesPerBlock: pagesPerBlock, PlanesPerDie: 1, DicePerChip: 1, ChipCount: 1, BlocksPerChip: 8}
	chip := simhal.New(geom, 1)
	pool := []hal.BlockAddress{0, 1, 2, 3}
	hooks := newFakeHooks(chip, pool)
	pm := New(chip, geom, hal.MapTypeZone, hooks, entrySize, totalEntries, discardLog())
	pm.SetReservedRange(0, 4)
	return pm, hooks, chip
}

func TestAddSectionThenRetrieveRoundTrips(t *testing.T) {
	pm, _, _ := newTestPersistentMap(t, 4, 2, 64)

	entries := make([]byte, pm.SectionSize()*2)
	for i := range entries {
		entries[i] = byte(i + 1)
	}
	if err := pm.AddSection(entries, 0, pm.SectionSize()); err != nil {
		t.Fatalf("AddSection: %v", err)
	}

	buf := make([]byte, pm.SectionSize()*2)
	if err := pm.RetrieveSection(0, buf, false); err != nil {
		t.Fatalf("RetrieveSection: %v", err)
	}
	for i := range entries {
		if buf[i] != entries[i] {
			t.Fatalf("byte %d = %x, want %x", i, buf[i], entries[i])
		}
	}
}

func TestRetrieveSectionOfUnwrittenEntryReturnsErased(t *testing.T) {
	pm, _, _ := newTestPersistentMap(t, 4, 2, 64)

	buf := make([]byte, pm.SectionSize()*2)
	if err := pm.RetrieveSection(0, buf, false); err != nil {
		t.Fatalf("RetrieveSection: %v", err)
	}
	for i, b := range buf {
		if b != 0xFF {
			t.Fatalf("byte %d = %x, want 0xFF for an unwritten section", i, b)
		}
	}
}

func TestAddSectionConsolidatesWhenBlockFills(t *testing.T) {
	pm, hooks, chip := newTestPersistentMap(t, 4, 1, 32) // 4 pages/block

	sectionSize := pm.SectionSize()
	var firstBlock hal.BlockAddress

	// Write one section per page until the block's pages run out, forcing
	// the next AddSection to consolidate into a fresh block first.
	for i := 0; i < 5; i++ {
		entries := make([]byte, sectionSize)
		for j := range entries {
			entries[j] = byte(i + 1)
		}
		if err := pm.AddSection(entries, 0, sectionSize); err != nil {
			t.Fatalf("AddSection #%d: %v", i, err)
		}
		if i == 0 {
			firstBlock = pm.Block()
		}
	}

	if pm.Block() == firstBlock {
		t.Fatal("expected consolidation to move the map to a new block")
	}

	// Old block should be free again (returned to the pool) and erased.
	found := false
	for _, b := range hooks.pool {
		if b == firstBlock {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the old block to be returned to the free pool")
	}

	// The newest write (i=4) must still be the one read back.
	buf := make([]byte, sectionSize)
	if err := pm.RetrieveSection(0, buf, false); err != nil {
		t.Fatalf("RetrieveSection after consolidate: %v", err)
	}
	for _, b := range buf {
		if b != 5 {
			t.Fatalf("byte = %x, want 5 (last write survives consolidation)", b)
		}
	}
	_ = chip
}

func TestFindMapBlockLocatesExistingBlockBySignature(t *testing.T) {
	pm, _, _ := newTestPersistentMap(t, 4, 2, 64)

	entries := make([]byte, pm.SectionSize()*2)
	if err := pm.AddSection(entries, 0, pm.SectionSize()); err != nil {
		t.Fatalf("AddSection: %v", err)
	}
	written := pm.Block()

	// Simulate a remount: a fresh PersistentMap over the same chip must
	// rediscover the block via its page-0 signature.
	fresh, _, _ := newTestPersistentMap(t, 4, 2, 64)
	fresh.chip = pm.chip // share the same simulated chip state
	if err := fresh.FindMapBlock(); err != nil {
		t.Fatalf("FindMapBlock: %v", err)
	}
	if fresh.Block() != written {
		t.Fatalf("FindMapBlock found block %d, want %d", fresh.Block(), written)
	}
}
