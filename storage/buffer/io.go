package buffer

import (
	"errors"
	"fmt"

	"github.com/ryogrid/samepool/lib/common"
	"github.com/ryogrid/samepool/lib/storage/disk"
	"github.com/ryogrid/samepool/lib/storage/page"
	"github.com/ryogrid/samepool/lib/types"
)

// readWorker performs the disk read for a faulting block and funnels
// the result into the completion handler. The block cannot be evicted
// or relocated while READ_PENDING, so addr and frame are stable here.
func (p *BufferPool) readWorker(b *ControlBlock, addr types.PageAddr) {
	err := p.disk.ReadPage(addr, b.frame)
	p.CompleteRead(b, err)
}

// CompleteRead is the read-completion handler: it validates the
// incoming frame, applies the corruption policy, transitions the
// block to RESIDENT, and releases the latch the read was holding.
func (p *BufferPool) CompleteRead(b *ControlBlock, ioErr error) {
	b.mu.Lock()
	common.SHAssert(b.ioState == IORead, "read completion without READ_PENDING")
	addr := b.addr

	switch {
	case ioErr != nil:
		if errors.Is(ioErr, disk.ErrSpaceGone) {
			b.readErr = ErrGone
		} else {
			b.readErr = ioErr
		}
		common.Logger().Warn("page read failed", "page", addr.String(), "err", ioErr)
	default:
		if err := p.validateFrame(b, addr); err != nil {
			common.Logger().Error("corrupted page image",
				"page", addr.String(), "err", err)
			if p.cfg.OnCorruption == common.CorruptionPanic {
				b.mu.Unlock()
				panic(fmt.Sprintf("corrupted page %s: %v", addr, err))
			}
			b.readErr = ErrCorrupted
		} else {
			b.state = Resident
		}
	}

	b.ioState = IONone
	failed := b.readErr != nil && b.fixCount == 0
	p.pendingReads.Add(-1)
	b.ioDone.Broadcast()
	b.mu.Unlock()

	// release the exclusive latch taken when the read was issued
	b.latch.Unlock()

	// a prefetch fault has no guard left to trigger the discard
	if failed {
		p.discardFailed(b)
	}
}

// validateFrame checks the self-describing checksum and address and
// inflates a compressed stored form. Caller holds b.mu.
func (p *BufferPool) validateFrame(b *ControlBlock, addr types.PageAddr) error {
	frame := b.frame
	if page.IsZero(frame) {
		// allocated but never written; claim it for this address
		page.SetAddress(frame, addr)
		return nil
	}
	if !page.VerifyChecksum(frame) {
		return errors.New("trailer checksum mismatch")
	}
	if got := page.Address(frame); got != addr {
		return fmt.Errorf("frame self-address %s does not match %s", got, addr)
	}
	if page.IsCompressed(frame) {
		zl := page.ZipLen(frame)
		payload := page.Payload(frame)
		if zl <= 0 || zl > len(payload) {
			return fmt.Errorf("bad compressed length %d", zl)
		}
		zip := append([]byte(nil), payload[:zl]...)
		if err := p.codec.Decompress(zip, payload); err != nil {
			return err
		}
		page.ClearCompressed(frame)
		b.zipLen = zl
	}
	return nil
}

// writeWorker snapshots the frame under a shared latch, builds the
// on-disk image, performs the write, and funnels the result into the
// completion handler. WRITE_PENDING keeps the block from eviction.
func (p *BufferPool) writeWorker(b *ControlBlock) {
	b.latch.RLock()
	addr := b.addr
	img := make([]byte, common.PageSize)
	copy(img, b.frame)
	b.latch.RUnlock()

	if p.cfg.CompressPages {
		zip := p.codec.Compress(page.Payload(img))
		if len(zip) <= page.PayloadSize/2 {
			payload := page.Payload(img)
			for i := range payload {
				payload[i] = 0
			}
			copy(payload, zip)
			page.MarkCompressed(img, len(zip))
		}
	}
	page.SetAddress(img, addr)
	page.UpdateChecksum(img)

	err := p.disk.WritePage(addr, img)
	p.CompleteWrite(b, err)
}

// CompleteWrite is the write-completion handler: it clears
// WRITE_PENDING and, when no newer modification raced the write,
// clears the dirty state and removes the block from the flush list,
// making it evictable again. A write against a dropped container can
// never succeed; the page is discarded instead of retried.
func (p *BufferPool) CompleteWrite(b *ControlBlock, ioErr error) {
	p.mu.Lock()
	b.mu.Lock()
	common.SHAssert(b.ioState == IOWrite, "write completion without WRITE_PENDING")
	b.ioState = IONone
	switch {
	case errors.Is(ioErr, disk.ErrSpaceGone):
		common.Logger().Warn("discarding dirty page of dropped container", "page", b.addr.String())
		b.dirty = false
		b.dirtyGen = 0
		b.writeGen = 0
		p.flush.remove(b)
		if b.fixCount == 0 && (b.state == Resident || b.state == Allocated) {
			p.table.remove(b.addr)
			p.lru.unlink(b)
			b.state = NotInUse
			b.addr = types.PageAddr{}
			p.resident--
			p.free.push(b)
		}
	case ioErr != nil:
		// stays dirty; the flush controller retries
		common.Logger().Warn("page write failed", "page", b.addr.String(), "err", ioErr)
	case b.dirtyGen == b.writeGen:
		b.dirty = false
		p.flush.remove(b)
	}
	p.pendingWrites.Add(-1)
	b.ioDone.Broadcast()
	b.mu.Unlock()
	p.mu.Unlock()
}
