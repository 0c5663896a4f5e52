package buffer

import (
	"sync"

	"github.com/ncw/directio"
	"github.com/ryogrid/samepool/lib/common"
)

// blockOverhead is the per-frame allowance reserved for the control
// block when rounding a chunk's byte size down to whole frames.
const blockOverhead = 256

// ChunkBytesForPages returns the chunk byte size that yields exactly
// n frames. Useful for sizing a pool in pages.
func ChunkBytesForPages(n int) int64 {
	return int64(n) * (common.PageSize + blockOverhead)
}

// chunk is the unit of pool growth and shrink: one aligned slab of N
// frames plus the N control blocks describing them.
type chunk struct {
	idx      int
	byteSize int64
	slab     []byte
	blocks   []ControlBlock
	draining bool // shrink in progress; blocks must not be handed out
}

// newChunk carves byteSize into aligned frames and control blocks.
// Returns nil when the request rounds down to zero frames; the caller
// degrades to a smaller pool instead of crashing.
func newChunk(idx int, byteSize int64) *chunk {
	nFrames := int(byteSize / (common.PageSize + blockOverhead))
	if nFrames <= 0 {
		return nil
	}
	c := &chunk{
		idx:      idx,
		byteSize: byteSize,
		slab:     directio.AlignedBlock(nFrames * common.PageSize),
		blocks:   make([]ControlBlock, nFrames),
	}
	for i := range c.blocks {
		b := &c.blocks[i]
		b.id = makeBlockID(idx, i)
		b.frame = c.slab[i*common.PageSize : (i+1)*common.PageSize]
		b.state = NotInUse
		b.ioDone = sync.NewCond(&b.mu)
		b.lruNext, b.lruPrev = nilBlock, nilBlock
		b.flushNext, b.flushPrev = nilBlock, nilBlock
	}
	return c
}

// allFree reports whether every block in the chunk is NotInUse.
// Caller holds the pool mutex.
func (c *chunk) allFree() bool {
	for i := range c.blocks {
		if c.blocks[i].state != NotInUse {
			return false
		}
	}
	return true
}

// release drops the chunk's memory. Freeing a chunk with an occupied
// block is an invariant failure.
func (c *chunk) release() {
	for i := range c.blocks {
		common.SHAssert(c.blocks[i].state == NotInUse,
			"freeing chunk with block not NOT_IN_USE: "+c.blocks[i].state.String())
	}
	c.slab = nil
	c.blocks = nil
}
