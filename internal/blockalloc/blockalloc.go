// Package blockalloc implements the two block allocation strategies of spec
// §4.2: LinearBlockAllocator (used for the reserved range) and
// RandomBlockAllocator (used for data blocks, to spread wear). Neither
// allocator erases a block or handles erase failure; that is the caller's
// job (phymap.MarkFreeAndErase plus mapper.Mapper.handleNewBadBlock).
package blockalloc

import (
	"math/rand"

	"nandftl/internal/hal"
	"nandftl/internal/phymap"
)

// Range is an inclusive-exclusive [Low, High) block range an allocator is
// restricted to, typically the reserved range or "everything past it".
type Range struct {
	Low, High int
}

// Constraints enumerates optional filters an allocator may apply before
// accepting a candidate block. A field set to -1 means "unconstrained"; the
// struct's zero value constrains to plane 0, die 0 and chip 0.
type Constraints struct {
	Plane int
	Die   int
	Chip  int
}

func (c Constraints) empty() bool {
	return c.Plane < 0 && c.Die < 0 && c.Chip < 0
}

// NoConstraints is the "accept anything" constraint set: every field -1.
var NoConstraints = Constraints{Plane: -1, Die: -1, Chip: -1}

// satisfies reports whether block b (in the given geometry) matches c. The
// plane/die mapping mirrors vblock's plane arithmetic: plane = block mod
// planes-per-die, restricted within one die's block range.
func (c Constraints) satisfies(g hal.Geometry, b hal.BlockAddress) bool {
	if c.empty() {
		return true
	}
	chip, rel := g.ChipOf(b)
	if c.Chip >= 0 && chip != c.Chip {
		return false
	}
	if c.Plane >= 0 && rel%g.PlanesPerDie != c.Plane {
		return false
	}
	if c.Die >= 0 {
		blocksPerDie := g.BlocksPerChip / util_max1(g.DicePerChip)
		if rel/util_max1(blocksPerDie) != c.Die {
			return false
		}
	}
	return true
}

func util_max1(v int) int {
	if v <= 0 {
		return 1
	}
	return v
}

// Allocator is the shared interface both strategies implement.
type Allocator interface {
	SetConstraints(c Constraints)
	ClearConstraints()
	SetRange(r Range)
	SetCurrentPosition(pos int)
	// AllocateBlock returns the next candidate free block honouring the
	// current range and constraints, without marking it used. false means
	// no block matching the constraints exists.
	AllocateBlock() (hal.BlockAddress, bool)
}

// LinearBlockAllocator scans forward from currentPosition, wrapping once at
// range.High back to range.Low. Used for the reserved range, where
// allocation order should track wear deterministically.
type LinearBlockAllocator struct {
	geom   hal.Geometry
	phy    *phymap.PhyMap
	rng    Range
	pos    int
	constr Constraints
}

// NewLinear builds a LinearBlockAllocator over phy using geom for
// constraint arithmetic.
func NewLinear(geom hal.Geometry, phy *phymap.PhyMap) *LinearBlockAllocator {
	return &LinearBlockAllocator{geom: geom, phy: phy, constr: NoConstraints}
}

func (a *LinearBlockAllocator) SetConstraints(c Constraints) { a.constr = c }
func (a *LinearBlockAllocator) ClearConstraints()            { a.constr = NoConstraints }
func (a *LinearBlockAllocator) SetRange(r Range)              { a.rng = r }
func (a *LinearBlockAllocator) SetCurrentPosition(pos int)    { a.pos = pos }

// AllocateBlock implements Allocator.
func (a *LinearBlockAllocator) AllocateBlock() (hal.BlockAddress, bool) {
	start := a.pos
	if start < a.rng.Low || start >= a.rng.High {
		start = a.rng.Low
	}
	for pass := 0; pass < 2; pass++ {
		lo, hi := start, a.rng.High
		if pass == 1 {
			lo, hi = a.rng.Low, start
		}
		for b := lo; b < hi; b++ {
			ba := hal.BlockAddress(b)
			if a.phy.IsBlockUsed(ba) {
				continue
			}
			if !a.constr.satisfies(a.geom, ba) {
				continue
			}
			a.pos = b + 1
			if a.pos >= a.rng.High {
				a.pos = a.rng.Low
			}
			return ba, true
		}
	}
	return hal.InvalidBlock, false
}

// RandomBlockAllocator behaves like LinearBlockAllocator but seeds
// currentPosition at a pseudo-random offset in range and never resets it
// between calls, spreading writes across data blocks.
type RandomBlockAllocator struct {
	geom   hal.Geometry
	phy    *phymap.PhyMap
	rng    Range
	pos    int
	constr Constraints
	seeded bool
	rnd    *rand.Rand
}

// NewRandom builds a RandomBlockAllocator. src seeds the PRNG; pass a
// deterministic source in tests for reproducibility.
func NewRandom(geom hal.Geometry, phy *phymap.PhyMap, src rand.Source) *RandomBlockAllocator {
	return &RandomBlockAllocator{geom: geom, phy: phy, constr: NoConstraints, rnd: rand.New(src)}
}

func (a *RandomBlockAllocator) SetConstraints(c Constraints) { a.constr = c }
func (a *RandomBlockAllocator) ClearConstraints()            { a.constr = NoConstraints }

// SetRange resets the range and, on first use, seeds currentPosition
// randomly within it. Subsequent SetRange calls do not reset the position
// unless it now falls outside the new range.
func (a *RandomBlockAllocator) SetRange(r Range) {
	a.rng = r
	if !a.seeded || a.pos < r.Low || a.pos >= r.High {
		span := r.High - r.Low
		if span <= 0 {
			a.pos = r.Low
		} else {
			a.pos = r.Low + a.rnd.Intn(span)
		}
		a.seeded = true
	}
}

func (a *RandomBlockAllocator) SetCurrentPosition(pos int) { a.pos = pos; a.seeded = true }

// AllocateBlock implements Allocator. As with the linear allocator, the scan
// starting point is not reset between calls: each call picks up exactly
// where the last left off, wrapping as needed. The two differ only in the
// starting position SetRange seeds.
func (a *RandomBlockAllocator) AllocateBlock() (hal.BlockAddress, bool) {
	start := a.pos
	if start < a.rng.Low || start >= a.rng.High {
		start = a.rng.Low
	}
	for pass := 0; pass < 2; pass++ {
		lo, hi := start, a.rng.High
		if pass == 1 {
			lo, hi = a.rng.Low, start
		}
		for b := lo; b < hi; b++ {
			ba := hal.BlockAddress(b)
			if a.phy.IsBlockUsed(ba) {
				continue
			}
			if !a.constr.satisfies(a.geom, ba) {
				continue
			}
			a.pos = b + 1
			if a.pos >= a.rng.High {
				a.pos = a.rng.Low
			}
			return ba, true
		}
	}
	return hal.InvalidBlock, false
}
