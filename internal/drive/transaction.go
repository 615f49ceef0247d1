package drive

import (
	"context"

	"github.com/pkg/errors"

	"nandftl/internal/hal"
)

// Transaction is the multi-sector envelope: a batch of `count` consecutive
// sectors opened together and buffered. A read transaction is committed as
// one multi-plane HAL read when the geometry allows it; a write transaction
// is always issued sector by sector.
type Transaction struct {
	drive  *DataDrive
	start  int
	count  int
	isRead bool
	bufs   [][]byte

	vbn, lo int
	live    bool
}

// BeginTransaction opens a transaction over [start, start+count). It blocks
// on the drive's transaction semaphore until any prior transaction commits
// or aborts.
func (d *DataDrive) BeginTransaction(start, count int, isRead bool) (*Transaction, error) {
	if err := d.txSem.Acquire(context.Background(), 1); err != nil {
		return nil, errors.Wrap(err, "drive: acquire transaction semaphore")
	}

	t := &Transaction{drive: d, start: start, count: count, isRead: isRead, bufs: make([][]byte, count)}

	vbn, lo, err := d.locate(start)
	if err != nil {
		d.txSem.Release(1)
		return nil, errors.Wrapf(err, "drive: begin transaction at sector %d", start)
	}
	t.vbn, t.lo = vbn, lo

	// "Live" only when the batch is exactly one plane-row wide and fits
	// inside a single virtual block.
	t.live = count == d.planes && lo+count <= d.sectorsPerVBlock
	return t, nil
}

// SetSector buffers sector i (0-indexed within the transaction) of data for
// a write transaction.
func (t *Transaction) SetSector(i int, data []byte) error {
	if i < 0 || i >= t.count {
		return hal.ErrSectorOutOfBounds
	}
	t.bufs[i] = data
	return nil
}

// Sector retrieves sector i's buffer after a read transaction commits.
func (t *Transaction) Sector(i int) ([]byte, error) {
	if i < 0 || i >= t.count {
		return nil, hal.ErrSectorOutOfBounds
	}
	return t.bufs[i], nil
}

// Commit issues a live read transaction as one multi-plane HAL read,
// falling back to per-sector issuance whenever the live constraints don't
// hold or the fast path can't be satisfied. Write transactions always take
// the per-sector path.
func (t *Transaction) Commit() error {
	defer t.drive.txSem.Release(1)

	if !t.live {
		return t.commitPerSector()
	}
	if t.isRead {
		if err := t.commitLiveRead(); err != nil {
			return t.commitPerSector()
		}
		return nil
	}
	// Writes still flow through the per-offset merge logic each NSSM
	// already implements (promote/merge); a true multi-plane write fast
	// path would require exposing that bookkeeping outside the NSSM, so
	// writes always take the per-sector path.
	return t.commitPerSector()
}

func (t *Transaction) commitPerSector() error {
	for i := 0; i < t.count; i++ {
		s := t.start + i
		if t.isRead {
			buf := t.bufs[i]
			if buf == nil {
				return errors.Errorf("drive: transaction sector %d has no destination buffer", s)
			}
			if err := t.drive.ReadSector(s, buf); err != nil {
				return err
			}
			continue
		}
		if t.bufs[i] == nil {
			return errors.Errorf("drive: transaction sector %d has no source buffer", s)
		}
		if err := t.drive.WriteSector(s, t.bufs[i]); err != nil {
			return err
		}
	}
	return nil
}

// commitLiveRead resolves every sector's physical page through the NSSM and
// issues a single ReadMultiplePages call across the planes.
func (t *Transaction) commitLiveRead() error {
	d := t.drive
	d.media.Lock()
	defer d.media.Unlock()

	n, err := d.media.NssmManager().GetMapForVirtualBlock(t.vbn)
	if err != nil {
		return err
	}
	defer n.Release()

	params := make([]hal.PlaneParam, t.count)
	unoccupied := make([]bool, t.count)
	for i := 0; i < t.count; i++ {
		if t.bufs[i] == nil {
			return errors.Errorf("drive: transaction sector %d has no destination buffer", t.start+i)
		}
		pbn, page, err := n.GetPhysicalPageForLogicalOffset(t.lo + i)
		if err != nil {
			return err
		}
		if pbn == hal.InvalidBlock {
			unoccupied[i] = true
			continue
		}
		params[i] = hal.PlaneParam{Block: pbn, Page: page, Data: t.bufs[i]}
	}

	live := make([]hal.PlaneParam, 0, t.count)
	liveIdx := make([]int, 0, t.count)
	for i, u := range unoccupied {
		if u {
			for j := range t.bufs[i] {
				t.bufs[i][j] = 0xFF
			}
			continue
		}
		live = append(live, params[i])
		liveIdx = append(liveIdx, i)
	}
	if len(live) == 0 {
		return nil
	}
	if err := d.media.Chip().ReadMultiplePages(live); err != nil {
		return err
	}
	for k, p := range live {
		if p.Status == hal.StatusECCFixFailed {
			return hal.ErrECCFixFailed
		}
		if p.Status.NeedsRelocate() {
			d.media.Queue().PostRelocateTask(t.vbn)
		}
		_ = liveIdx[k]
	}
	return nil
}

// Abort releases the transaction semaphore without committing anything.
func (t *Transaction) Abort() {
	t.drive.txSem.Release(1)
}
