package phymap

import (
	"testing"

	"nandftl/internal/hal"
	"nandftl/internal/simhal"
)

func TestMarkUsedFreeAndScan(t *testing.T) {
	m := New(130) // spans more than two words
	if m.IsBlockUsed(5) {
		t.Fatal("block 5 should start free")
	}
	m.MarkUsed(5)
	if !m.IsBlockUsed(5) {
		t.Fatal("block 5 should be used after MarkUsed")
	}
	m.MarkFree(5)
	if m.IsBlockUsed(5) {
		t.Fatal("block 5 should be free after MarkFree")
	}

	// Scanning across a word boundary must find the first free block.
	for b := 0; b < 70; b++ {
		m.MarkUsed(hal.BlockAddress(b))
	}
	got, ok := m.AllocateFirstFreeInRange(0, 130)
	if !ok || got != 70 {
		t.Fatalf("AllocateFirstFreeInRange = %d, %v; want 70, true", got, ok)
	}
}

func TestAllocateFirstFreeFromPositionWithWrap(t *testing.T) {
	m := New(10)
	for b := 0; b < 10; b++ {
		if b != 3 && b != 7 {
			m.MarkUsed(hal.BlockAddress(b))
		}
	}
	// Starting past both free blocks must wrap around to find block 3.
	got, ok := m.AllocateFirstFreeFromPositionWithWrap(8, 10, 0)
	if !ok || got != 3 {
		t.Fatalf("wrap scan = %d, %v; want 3, true (via wraparound)", got, ok)
	}
	// Starting before 7 finds it directly without wrapping.
	got, ok = m.AllocateFirstFreeFromPositionWithWrap(4, 10, 0)
	if !ok || got != 7 {
		t.Fatalf("forward scan = %d, %v; want 7, true", got, ok)
	}
}

func TestDirtyCallbackFiresOnce(t *testing.T) {
	m := New(8)
	calls := 0
	m.SetDirtyCallback(func() { calls++ })
	m.MarkUsed(1)
	m.MarkUsed(2)
	if calls != 1 {
		t.Fatalf("dirty callback fired %d times, want 1", calls)
	}
	if !m.IsDirty() {
		t.Fatal("expected map to be dirty")
	}
	m.ClearDirty()
	if m.IsDirty() {
		t.Fatal("expected map to be clean after ClearDirty")
	}
	m.MarkUsed(3)
	if calls != 2 {
		t.Fatalf("dirty callback fired %d times after re-dirtying, want 2", calls)
	}
}

func TestBytesRoundTrip(t *testing.T) {
	m := New(200)
	for _, b := range []int{0, 1, 63, 64, 65, 199} {
		m.MarkUsed(hal.BlockAddress(b))
	}
	snap := m.Bytes()

	loaded := New(200)
	loaded.LoadBytes(snap)
	for b := 0; b < 200; b++ {
		want := m.IsBlockUsed(hal.BlockAddress(b))
		got := loaded.IsBlockUsed(hal.BlockAddress(b))
		if got != want {
			t.Fatalf("block %d: loaded = %v, want %v", b, got, want)
		}
	}
	if loaded.IsDirty() {
		t.Fatal("LoadBytes should leave the map clean")
	}
}

func TestMarkFreeAndErase(t *testing.T) {
	geom := hal.Geometry{PageDataSize: 64, PagesPerBlock: 4, PlanesPerDie: 1, DicePerChip: 1, ChipCount: 1, BlocksPerChip: 4}
	chip := simhal.New(geom, 1)
	m := New(4)
	m.MarkUsed(0)

	freed, bad, err := m.MarkFreeAndErase(chip, 0)
	if err != nil || bad || !freed {
		t.Fatalf("MarkFreeAndErase = %v, %v, %v; want true, false, nil", freed, bad, err)
	}
	if m.IsBlockUsed(0) {
		t.Fatal("block should be free after successful erase")
	}
}
