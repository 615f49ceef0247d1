// Package vblock implements VirtualBlock: a container of P×Q virtual pages
// addressing one physical block per plane, so the HAL's multi-plane
// commands can be used. Address arithmetic here is pure; plane resolution
// is lazy and goes through the Mapper interface below.
package vblock

import (
	"nandftl/internal/blockalloc"
	"nandftl/internal/hal"
)

// Mapper is the subset of internal/mapper.Mapper's contract VirtualBlock
// needs. Defined here (rather than imported from internal/mapper) to keep
// the dependency direction mapper -> vblock, not the reverse.
type Mapper interface {
	GetBlockInfo(vbn int) (hal.BlockAddress, error)
	GetBlockAndAssign(vbn int, typ hal.Signature, constraints blockalloc.Constraints) (hal.BlockAddress, error)
	MarkBlock(vbn int, pbn hal.BlockAddress, used bool) error
}

// VirtualBlock represents one virtual block spanning `planes` physical
// blocks, each on its own plane (typically a different die, so multi-plane
// HAL commands apply).
type VirtualBlock struct {
	vbn           int
	planes        int
	pagesPerBlock int
	mapper        Mapper
	cache         []hal.BlockAddress // per-plane cached physical block, InvalidBlock = unresolved
}

// New builds a VirtualBlock for virtual block number vbn.
func New(vbn, planes, pagesPerBlock int, mapper Mapper) *VirtualBlock {
	cache := make([]hal.BlockAddress, planes)
	for i := range cache {
		cache[i] = hal.InvalidBlock
	}
	return &VirtualBlock{vbn: vbn, planes: planes, pagesPerBlock: pagesPerBlock, mapper: mapper, cache: cache}
}

// VBN returns the virtual block number.
func (v *VirtualBlock) VBN() int { return v.vbn }

// Planes returns the plane count P.
func (v *VirtualBlock) Planes() int { return v.planes }

// PagesPerBlock returns the physical pages per block Q.
func (v *VirtualBlock) PagesPerBlock() int { return v.pagesPerBlock }

// VirtualPagesPerBlock returns P×Q, the number of virtual pages this block
// holds.
func (v *VirtualBlock) VirtualPagesPerBlock() int { return v.planes * v.pagesPerBlock }

// MapperKey returns the zone-map key for plane p of this virtual block:
// v + p.
func (v *VirtualBlock) MapperKey(plane int) int { return v.vbn + plane }

// SectorToOffset converts a logical sector within this virtual block's
// region to (virtual block index, logical offset within it), given the
// virtual pages per block. It is a package-level helper since the division
// doesn't need an instance.
func SectorToOffset(sector, virtualPagesPerBlock int) (vblk, offset int) {
	return sector / virtualPagesPerBlock, sector % virtualPagesPerBlock
}

// PlaneAndPageOffset decomposes a virtual offset into its plane and the
// physical page offset within that plane's block.
func PlaneAndPageOffset(voff, planes int) (plane, pageOffset int) {
	return voff % planes, voff / planes
}

// AllocateAllPlanes asks the mapper to allocate and assign a fresh block for
// every plane. Callers retain prior blocks until explicitly freed.
func (v *VirtualBlock) AllocateAllPlanes(constraints blockalloc.Constraints) error {
	for p := 0; p < v.planes; p++ {
		if _, err := v.AllocateBlockForPlane(p, constraints); err != nil {
			return err
		}
	}
	return nil
}

// AllocateBlockForPlane allocates and assigns a fresh block for a single
// plane.
func (v *VirtualBlock) AllocateBlockForPlane(p int, constraints blockalloc.Constraints) (hal.BlockAddress, error) {
	pbn, err := v.mapper.GetBlockAndAssign(v.MapperKey(p), hal.SigData, constraints)
	if err != nil {
		return hal.InvalidBlock, err
	}
	v.cache[p] = pbn
	return pbn, nil
}

// GetPhysicalBlockForPlane resolves plane p's physical block, consulting
// the cache first and falling back to the mapper on a miss. Returns
// hal.InvalidBlock if the plane has never been allocated.
func (v *VirtualBlock) GetPhysicalBlockForPlane(p int) (hal.BlockAddress, error) {
	if v.cache[p] != hal.InvalidBlock {
		return v.cache[p], nil
	}
	pbn, err := v.mapper.GetBlockInfo(v.MapperKey(p))
	if err != nil {
		return hal.InvalidBlock, err
	}
	v.cache[p] = pbn
	return pbn, nil
}

// GetPhysicalPageForVirtualOffset resolves a virtual offset to a concrete
// (physical block, page) pair.
func (v *VirtualBlock) GetPhysicalPageForVirtualOffset(voff int) (hal.BlockAddress, int, error) {
	plane, pageOffset := PlaneAndPageOffset(voff, v.planes)
	pbn, err := v.GetPhysicalBlockForPlane(plane)
	if err != nil {
		return hal.InvalidBlock, 0, err
	}
	return pbn, pageOffset, nil
}

// FreeAndEraseAllPlanes frees (via the mapper, which erases) every allocated
// plane and invalidates the cache.
func (v *VirtualBlock) FreeAndEraseAllPlanes() error {
	for p := 0; p < v.planes; p++ {
		pbn, err := v.GetPhysicalBlockForPlane(p)
		if err != nil {
			return err
		}
		if pbn == hal.InvalidBlock {
			continue
		}
		if err := v.mapper.MarkBlock(v.MapperKey(p), pbn, false); err != nil {
			return err
		}
		v.cache[p] = hal.InvalidBlock
	}
	return nil
}

// FreeAndErasePlane frees and erases a single plane's block, leaving the
// others untouched. Used by core merge when only one target plane needs to
// be re-homed after a bad-block write failure.
func (v *VirtualBlock) FreeAndErasePlane(p int) error {
	pbn, err := v.GetPhysicalBlockForPlane(p)
	if err != nil {
		return err
	}
	if pbn == hal.InvalidBlock {
		return nil
	}
	if err := v.mapper.MarkBlock(v.MapperKey(p), pbn, false); err != nil {
		return err
	}
	v.cache[p] = hal.InvalidBlock
	return nil
}

// ReallocateAfterBadBlock drops the cached (now-bad) block for plane p and
// allocates a replacement in its place.
func (v *VirtualBlock) ReallocateAfterBadBlock(p int) (hal.BlockAddress, error) {
	v.cache[p] = hal.InvalidBlock
	return v.AllocateBlockForPlane(p, blockalloc.NoConstraints)
}

// IsFullyAllocated reports whether every plane has a resolved block.
func (v *VirtualBlock) IsFullyAllocated() bool {
	for p := 0; p < v.planes; p++ {
		pbn, err := v.GetPhysicalBlockForPlane(p)
		if err != nil || pbn == hal.InvalidBlock {
			return false
		}
	}
	return true
}

// IsFullyUnallocated reports whether no plane has a resolved block.
func (v *VirtualBlock) IsFullyUnallocated() bool {
	for p := 0; p < v.planes; p++ {
		pbn, err := v.GetPhysicalBlockForPlane(p)
		if err != nil || pbn != hal.InvalidBlock {
			return false
		}
	}
	return true
}

// IsFullyAllocatedOnOneNand reports whether every plane is allocated and all
// resolve to the same chip select, per geom's block-to-chip arithmetic —
// the condition multi-plane HAL commands require.
func (v *VirtualBlock) IsFullyAllocatedOnOneNand(geom hal.Geometry) bool {
	if !v.IsFullyAllocated() {
		return false
	}
	firstChip, _ := geom.ChipOf(v.cache[0])
	for p := 1; p < v.planes; p++ {
		chip, _ := geom.ChipOf(v.cache[p])
		if chip != firstChip {
			return false
		}
	}
	return true
}

// InvalidateCache discards cached plane resolutions, forcing the next
// lookup to re-consult the mapper.
func (v *VirtualBlock) InvalidateCache() {
	for i := range v.cache {
		v.cache[i] = hal.InvalidBlock
	}
}
