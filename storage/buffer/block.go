package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/ryogrid/samepool/lib/types"
)

// BlockState is the lifecycle state of a control block.
type BlockState int

const (
	NotInUse BlockState = iota
	Allocated
	Resident
	BeingRemoved
)

func (s BlockState) String() string {
	switch s {
	case NotInUse:
		return "NOT_IN_USE"
	case Allocated:
		return "ALLOCATED"
	case Resident:
		return "RESIDENT"
	case BeingRemoved:
		return "BEING_REMOVED"
	}
	return "UNKNOWN"
}

// IOState is the orthogonal I/O sub-state. Only the completion
// handlers transition out of a pending state.
type IOState int

const (
	IONone IOState = iota
	IORead
	IOWrite
)

func (s IOState) String() string {
	switch s {
	case IONone:
		return "NONE"
	case IORead:
		return "READ_PENDING"
	case IOWrite:
		return "WRITE_PENDING"
	}
	return "UNKNOWN"
}

// blockID locates a control block inside the chunk array: chunk index
// in the high half, slot within the chunk in the low half. List links
// are blockIDs rather than pointers.
type blockID int64

const nilBlock blockID = -1

func makeBlockID(chunkIdx, slot int) blockID {
	return blockID(int64(chunkIdx)<<32 | int64(slot))
}

func (id blockID) chunkIdx() int { return int(id >> 32) }
func (id blockID) slot() int     { return int(id & 0xffffffff) }

// ControlBlock is the per-frame cache metadata record. A block owns
// exactly one frame while resident; the frame slice aliases the
// chunk's slab and never changes after chunk construction.
type ControlBlock struct {
	id    blockID
	frame []byte

	// mu guards the scalar fields below. A holder of mu must not
	// acquire the pool mutex.
	mu       sync.Mutex
	addr     types.PageAddr
	state    BlockState
	ioState  IOState
	fixCount int32
	dirty    bool
	dirtyGen uint64 // bumped on every MarkDirty
	writeGen uint64 // dirtyGen snapshot taken when a write was issued
	zipLen   int    // stored compressed length, 0 when uncompressed
	readErr  error  // sticky result of a failed or corrupted read

	// ioDone is signaled whenever ioState returns to IONone.
	ioDone *sync.Cond

	// List fields, guarded by the pool mutex.
	inFree, inLRU, inFlush bool
	lruNext, lruPrev       blockID // shared by the free list and the LRU list
	flushNext, flushPrev   blockID
	old                    bool   // block is in the LRU old sublist
	accessed               bool   // touched at least once since fault
	accessGen              uint64 // pool eviction generation at first access
	moveGen                uint64 // eviction generation at last head move

	// modCount orders writes for optimistic re-validation. Bumped
	// under the exclusive latch, read without any latch.
	modCount atomic.Uint64

	// latch guards the frame content. Acquired only after the block
	// is fixed; the pending-read path holds it exclusively until the
	// completion handler releases it.
	latch sync.RWMutex
}
