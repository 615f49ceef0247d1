// Package drive implements the DataDrive facade: per-sector read/write entry
// points sitting on top of internal/media's wired-together core, plus the
// multi-sector transaction envelope.
package drive

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"nandftl/internal/hal"
	"nandftl/internal/media"
)

// DataDrive exposes a flat logical sector space backed by one Media.
type DataDrive struct {
	media *media.Media
	log   *logrus.Entry

	planes           int
	sectorsPerVBlock int
	totalSectors     int

	// txSem serialises multi-sector transactions: only one live transaction
	// per drive is allowed at a time.
	txSem *semaphore.Weighted
}

// New builds a DataDrive over an already-constructed Media. sectorCount is
// the logical size of the drive in sectors.
func New(m *media.Media, sectorCount int) *DataDrive {
	geom := m.Geometry()
	planes := geom.PlanesPerBlockGroup()
	if planes < 1 {
		planes = 1
	}
	return &DataDrive{
		media: m,
		log:   logrus.NewEntry(logrus.StandardLogger()).WithField("component", "drive"),
		planes: planes, sectorsPerVBlock: planes * geom.PagesPerBlock,
		totalSectors: sectorCount,
		txSem:        semaphore.NewWeighted(1),
	}
}

func (d *DataDrive) locate(s int) (vbn, lo int, err error) {
	if s < 0 || s >= d.totalSectors {
		return 0, 0, hal.ErrSectorOutOfBounds
	}
	return (s / d.sectorsPerVBlock) * d.planes, s % d.sectorsPerVBlock, nil
}

// ReadSector resolves a logical sector to its owning NSSM and physical
// page. An unwritten sector reads back as 0xFF, matching raw NAND's erased
// state.
func (d *DataDrive) ReadSector(s int, buf []byte) error {
	d.media.Lock()
	defer d.media.Unlock()

	vbn, lo, err := d.locate(s)
	if err != nil {
		return errors.Wrapf(err, "drive: read sector %d", s)
	}

	n, err := d.media.NssmManager().GetMapForVirtualBlock(vbn)
	if err != nil {
		return errors.Wrapf(err, "drive: read sector %d: resolve nssm for vblock %d", s, vbn)
	}
	defer n.Release()

	pbn, page, err := n.GetPhysicalPageForLogicalOffset(lo)
	if err != nil {
		return errors.Wrapf(err, "drive: read sector %d", s)
	}
	if pbn == hal.InvalidBlock {
		for i := range buf {
			buf[i] = 0xFF
		}
		return nil
	}

	status, _, err := d.media.Chip().ReadPage(pbn, page, buf, nil)
	if err != nil {
		return errors.Wrapf(err, "drive: read sector %d at block %d page %d", s, pbn, page)
	}
	if status == hal.StatusECCFixFailed {
		return errors.Wrapf(hal.ErrECCFixFailed, "drive: read sector %d at block %d page %d", s, pbn, page)
	}
	if status.NeedsRelocate() {
		d.media.Queue().PostRelocateTask(vbn)
	}
	return nil
}

// WriteSector resolves a logical sector to its owning NSSM and writes it.
func (d *DataDrive) WriteSector(s int, data []byte) error {
	d.media.Lock()
	defer d.media.Unlock()

	vbn, lo, err := d.locate(s)
	if err != nil {
		return errors.Wrapf(err, "drive: write sector %d", s)
	}

	n, err := d.media.NssmManager().GetMapForVirtualBlock(vbn)
	if err != nil {
		return errors.Wrapf(err, "drive: write sector %d: resolve nssm for vblock %d", s, vbn)
	}
	defer n.Release()

	if err := n.WriteSector(lo, data); err != nil {
		return errors.Wrapf(err, "drive: write sector %d", s)
	}
	return nil
}

// Flush drains the deferred queue and persists the core maps.
func (d *DataDrive) Flush() error {
	return d.media.Flush()
}

// SectorsPerVirtualBlock is one virtual block's worth of sectors, i.e. plane
// count times pages per block. The optimal transfer is smaller: a
// transaction takes the multi-plane fast path only when it spans exactly
// plane-count sectors.
func (d *DataDrive) SectorsPerVirtualBlock() int { return d.sectorsPerVBlock }

// TotalSectors is the drive-info size selector.
func (d *DataDrive) TotalSectors() int { return d.totalSectors }
