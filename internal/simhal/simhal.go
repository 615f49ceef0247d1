// Package simhal implements an in-memory hal.Chip for cmd/ftlimage and for
// tests across the core packages. It behaves like idealised raw NAND: pages
// within a block must be written in order, an erase is required before a
// block's pages can be rewritten, and marked-bad blocks refuse further I/O.
package simhal

import (
	"math/rand"

	"nandftl/internal/hal"
)

// block holds one physical block's simulated state.
type block struct {
	erased   bool
	bad      bool
	nextPage int // next page index that may legally be written
	pages    [][]byte
	metas    []hal.PageMetadata
	written  []bool
}

// Chip is a deterministic, seedable simulated hal.Chip.
type Chip struct {
	geom hal.Geometry

	blocks []block

	rng *rand.Rand

	// EccFixRewriteEvery, when > 0, makes every Nth successful read on an
	// already-ECC-fixed page report StatusECCFixedRewrite instead of
	// StatusECCFixed, to exercise the relocate-on-read path in tests.
	EccFixRewriteEvery int
	readCount          int

	// FailWriteOnBlock, when set, makes the next WritePage issued against
	// that block return StatusWriteFailed once, then clears itself. The
	// block's already-written pages stay readable; marking it bad is left
	// to the caller (MarkBlockBad). Used to exercise
	// bad-block-birth-on-write scenarios deterministically.
	FailWriteOnBlock hal.BlockAddress
}

// New builds a simulated chip with the given geometry and a deterministic
// seed. Every block starts erased and good.
func New(geom hal.Geometry, seed int64) *Chip {
	c := &Chip{geom: geom, rng: rand.New(rand.NewSource(seed)), FailWriteOnBlock: hal.InvalidBlock}
	total := geom.TotalBlocks()
	c.blocks = make([]block, total)
	for i := range c.blocks {
		c.resetBlock(i)
	}
	return c
}

func (c *Chip) resetBlock(i int) {
	b := &c.blocks[i]
	b.erased = true
	b.nextPage = 0
	b.pages = make([][]byte, c.geom.PagesPerBlock)
	b.metas = make([]hal.PageMetadata, c.geom.PagesPerBlock)
	b.written = make([]bool, c.geom.PagesPerBlock)
}

// MarkFactoryBad seeds a block as factory-bad before Init runs, for tests
// that want a deterministic bad-block layout.
func (c *Chip) MarkFactoryBad(b hal.BlockAddress) {
	c.blocks[b].bad = true
}

func (c *Chip) Geometry() hal.Geometry { return c.geom }

func (c *Chip) checkAddr(b hal.BlockAddress, page int) error {
	if int(b) < 0 || int(b) >= len(c.blocks) {
		return hal.ErrInvalidPhyAddr
	}
	if page < -1 || page >= c.geom.PagesPerBlock {
		return hal.ErrSectorIdxOutOfRange
	}
	return nil
}

func (c *Chip) ReadPage(b hal.BlockAddress, page int, data, aux []byte) (hal.Status, hal.PageMetadata, error) {
	if err := c.checkAddr(b, page); err != nil {
		return hal.StatusOther, hal.PageMetadata{}, err
	}
	blk := &c.blocks[b]
	if blk.bad {
		return hal.StatusOther, hal.PageMetadata{}, hal.ErrInvalidPhyAddr
	}
	if !blk.written[page] {
		for i := range data {
			data[i] = 0xFF
		}
		return hal.StatusOK, hal.PageMetadata{Signature: hal.SigErased}, nil
	}
	copy(data, blk.pages[page])
	meta := blk.metas[page]

	c.readCount++
	status := hal.StatusOK
	if c.EccFixRewriteEvery > 0 && c.readCount%c.EccFixRewriteEvery == 0 {
		status = hal.StatusECCFixedRewrite
	}
	return status, meta, nil
}

func (c *Chip) ReadMetadata(b hal.BlockAddress, page int) (hal.Status, hal.PageMetadata, error) {
	if err := c.checkAddr(b, page); err != nil {
		return hal.StatusOther, hal.PageMetadata{}, err
	}
	blk := &c.blocks[b]
	if !blk.written[page] {
		return hal.StatusOK, hal.PageMetadata{Signature: hal.SigErased}, nil
	}
	return hal.StatusOK, blk.metas[page], nil
}

func (c *Chip) WritePage(b hal.BlockAddress, page int, data []byte, meta hal.PageMetadata) (hal.Status, error) {
	if err := c.checkAddr(b, page); err != nil {
		return hal.StatusOther, err
	}
	blk := &c.blocks[b]
	if blk.bad {
		return hal.StatusOther, hal.ErrInvalidPhyAddr
	}
	if page != blk.nextPage {
		// Pages within a block must be written sequentially.
		return hal.StatusOther, hal.ErrWriteFailed
	}

	if c.FailWriteOnBlock == b {
		c.FailWriteOnBlock = hal.InvalidBlock
		return hal.StatusWriteFailed, nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	blk.pages[page] = buf
	blk.metas[page] = meta
	blk.written[page] = true
	blk.nextPage = page + 1
	blk.erased = false
	return hal.StatusOK, nil
}

func (c *Chip) EraseBlock(b hal.BlockAddress) (hal.Status, error) {
	if err := c.checkAddr(b, -1); err != nil {
		return hal.StatusOther, err
	}
	if c.blocks[b].bad {
		// A block already known bad (e.g. from a prior write failure) fails
		// its erase too, reported as a status rather than an error so
		// callers like phymap.MarkFreeAndErase can route it through their
		// normal newly-bad-block handling instead of aborting.
		return hal.StatusEraseFailed, nil
	}
	c.resetBlock(int(b))
	return hal.StatusOK, nil
}

func (c *Chip) ReadMultiplePages(params []hal.PlaneParam) error {
	for i := range params {
		status, meta, err := c.ReadPage(params[i].Block, params[i].Page, params[i].Data, params[i].Aux)
		if err != nil {
			return err
		}
		params[i].Status = status
		_ = meta
	}
	return nil
}

func (c *Chip) ReadMultipleMetadata(params []hal.PlaneParam) ([]hal.PageMetadata, error) {
	metas := make([]hal.PageMetadata, len(params))
	for i := range params {
		_, meta, err := c.ReadMetadata(params[i].Block, params[i].Page)
		if err != nil {
			return nil, err
		}
		metas[i] = meta
	}
	return metas, nil
}

func (c *Chip) WriteMultiplePages(params []hal.PlaneParam, metas []hal.PageMetadata) error {
	for i := range params {
		status, err := c.WritePage(params[i].Block, params[i].Page, params[i].Data, metas[i])
		if err != nil {
			return err
		}
		params[i].Status = status
	}
	return nil
}

func (c *Chip) EraseMultipleBlocks(blocks []hal.BlockAddress) ([]hal.Status, error) {
	statuses := make([]hal.Status, len(blocks))
	for i, b := range blocks {
		s, err := c.EraseBlock(b)
		if err != nil {
			return nil, err
		}
		statuses[i] = s
	}
	return statuses, nil
}

func (c *Chip) CopyPages(srcBlock, dstBlock hal.BlockAddress, srcPage, dstPage, count int, filter hal.CopyFilter) (int, error) {
	done := 0
	for i := 0; i < count; i++ {
		data := make([]byte, c.geom.PageDataSize)
		_, meta, err := c.ReadPage(srcBlock, srcPage+i, data, nil)
		if err != nil {
			return done, err
		}
		if filter != nil {
			if _, err := filter(srcBlock, dstBlock, srcPage+i, dstPage+i, data, &meta); err != nil {
				return done, err
			}
		}
		status, err := c.WritePage(dstBlock, dstPage+i, data, meta)
		if err != nil {
			return done, err
		}
		if status == hal.StatusWriteFailed {
			return done, hal.ErrWriteFailed
		}
		done++
	}
	return done, nil
}

func (c *Chip) IsBlockBad(b hal.BlockAddress, useFactoryMarker bool) (bool, error) {
	if err := c.checkAddr(b, -1); err != nil {
		return false, err
	}
	return c.blocks[b].bad, nil
}

func (c *Chip) MarkBlockBad(b hal.BlockAddress) error {
	if err := c.checkAddr(b, -1); err != nil {
		return err
	}
	c.blocks[b].bad = true
	return nil
}

var _ hal.Chip = (*Chip)(nil)
