// Package phypersist implements PersistentPhyMap: save/load of the PhyMap in
// the reserved range, reusing persist.PersistentMap mechanics with the
// phy-map signature instead of the zone-map one.
package phypersist

import (
	"nandftl/internal/persist"
	"nandftl/internal/phymap"
)

// PersistentPhyMap stores a phymap.PhyMap's bits in its own NAND block.
type PersistentPhyMap struct {
	pm  *persist.PersistentMap
	phy *phymap.PhyMap
}

// New builds a PersistentPhyMap. pm must have been constructed with
// hal.MapTypePhy and an entrySize of 1 (the phy-map's payload is a raw bit
// array, addressed byte-wise).
func New(pm *persist.PersistentMap, phy *phymap.PhyMap) *PersistentPhyMap {
	return &PersistentPhyMap{pm: pm, phy: phy}
}

// GetSectionForConsolidate is the trivial subclass hook: the phy-map keeps
// no separate dirty-line cache (unlike ZoneMapCache), so it always defers to
// reading the stale on-media copy.
func (p *PersistentPhyMap) GetSectionForConsolidate(start, count int) ([]byte, bool) {
	return nil, false
}

// Save writes the current PhyMap contents, reusing whatever map block is
// already known.
func (p *PersistentPhyMap) Save() error {
	bytes := p.phy.Bytes()
	return p.pm.AddSection(bytes, 0, len(bytes))
}

// SaveNewCopy skips searching for an existing block and allocates afresh,
// used during rebuild.
func (p *PersistentPhyMap) SaveNewCopy() error {
	p.pm.ForgetBlock()
	return p.Save()
}

// Load finds the phy-map's block and reconstructs the PhyMap from it.
func (p *PersistentPhyMap) Load() error {
	if err := p.pm.FindMapBlock(); err != nil {
		return err
	}
	n := p.phy.Len()
	nbytes := (n + 7) / 8
	buf := make([]byte, nbytes)
	if err := p.pm.RetrieveSection(0, buf, false); err != nil {
		return err
	}
	p.phy.LoadBytes(buf)
	return nil
}
