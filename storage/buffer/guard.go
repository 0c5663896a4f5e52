package buffer

import (
	"github.com/ryogrid/samepool/lib/common"
	"github.com/ryogrid/samepool/lib/storage/page"
	"github.com/ryogrid/samepool/lib/types"
)

// LatchMode selects how a caller latches a fetched page.
type LatchMode int

const (
	// LatchNone fixes the block without latching it. The caller gets
	// no consistency guarantee and is expected to use the modify
	// counter for optimistic re-validation.
	LatchNone LatchMode = iota
	LatchShared
	LatchExclusive
)

// PageGuard is a fixed reference to a control block. Creating one
// fixes the block; Release drops the latch (if any) and unfixes on
// every exit path. A guard must not outlive its pool.
type PageGuard struct {
	pool     *BufferPool
	b        *ControlBlock
	mode     LatchMode
	modSnap  uint64
	released bool
}

// Addr returns the page's address. Stable while the guard is held.
func (g *PageGuard) Addr() types.PageAddr {
	return g.b.addr
}

// Frame returns the whole page frame including header and trailer.
func (g *PageGuard) Frame() []byte {
	return g.b.frame
}

// Payload returns the caller-usable region of the frame.
func (g *PageGuard) Payload() []byte {
	return page.Payload(g.b.frame)
}

// ModCount returns the block's current modify counter.
func (g *PageGuard) ModCount() uint64 {
	return g.b.modCount.Load()
}

// MarkDirty records a modification. Requires the exclusive latch.
func (g *PageGuard) MarkDirty() {
	common.SHAssert(!g.released, "MarkDirty on released guard")
	common.SHAssert(g.mode == LatchExclusive, "MarkDirty requires the exclusive latch")
	g.pool.markDirty(g.b)
}

// WaitReady blocks until a pending read on the page completes.
// Returns the read's sticky error, if any. Meaningful for guards
// obtained with LatchNone on a cache miss.
func (g *PageGuard) WaitReady() error {
	b := g.b
	b.mu.Lock()
	for b.ioState == IORead {
		b.ioDone.Wait()
	}
	err := b.readErr
	b.mu.Unlock()
	if err == nil {
		g.modSnap = b.modCount.Load()
	}
	return err
}

// TryLatch attempts a non-blocking latch acquisition on a LatchNone
// guard and re-validates the modify counter and the block's read
// state. On false the caller must discard the guard and re-fetch; the
// page changed under it or its read never produced a valid frame.
func (g *PageGuard) TryLatch(mode LatchMode) bool {
	common.SHAssert(!g.released, "TryLatch on released guard")
	common.SHAssert(g.mode == LatchNone, "TryLatch on an already latched guard")
	switch mode {
	case LatchShared:
		if !g.b.latch.TryRLock() {
			return false
		}
	case LatchExclusive:
		if !g.b.latch.TryLock() {
			return false
		}
	default:
		return false
	}
	g.b.mu.Lock()
	bad := g.b.readErr != nil || g.b.ioState == IORead
	g.b.mu.Unlock()
	if bad || g.b.modCount.Load() != g.modSnap {
		if mode == LatchShared {
			g.b.latch.RUnlock()
		} else {
			g.b.latch.Unlock()
		}
		return false
	}
	g.mode = mode
	return true
}

// Release unlatches and unfixes. Safe to call more than once.
func (g *PageGuard) Release() {
	if g.released {
		return
	}
	g.released = true

	b := g.b
	switch g.mode {
	case LatchShared:
		b.latch.RUnlock()
	case LatchExclusive:
		b.latch.Unlock()
	}

	b.mu.Lock()
	common.SHAssert(b.fixCount > 0, "unfix with zero fix count: "+b.addr.String())
	b.fixCount--
	discard := b.fixCount == 0 && b.readErr != nil && b.ioState == IONone
	b.mu.Unlock()

	if discard {
		g.pool.discardFailed(b)
	}
}
