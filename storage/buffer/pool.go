package buffer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryogrid/samepool/lib/common"
	"github.com/ryogrid/samepool/lib/storage/codec"
	"github.com/ryogrid/samepool/lib/storage/disk"
	"github.com/ryogrid/samepool/lib/storage/page"
	"github.com/ryogrid/samepool/lib/types"
)

// ErrGone is returned when the requested address belongs to a
// container that has been dropped. Expected, non-fatal.
var ErrGone = errors.New("page's container is gone")

// ErrBackpressure is returned when no free block exists and no victim
// could be evicted. Retryable after the flush controller makes
// progress.
var ErrBackpressure = errors.New("buffer pool saturated with pinned or dirty pages")

// ErrCorrupted is returned to waiters when a read completion failed
// checksum or address validation under the ignore-corruption policy.
var ErrCorrupted = errors.New("page image is corrupted")

// Stats is a point-in-time snapshot of the pool counters.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Reads         uint64
	Writes        uint64
	Creates       uint64
	Evictions     uint64
	DirtyCount    int
	FreeCount     int
	ResidentCount int
	Capacity      int
	PendingReads  int64
	PendingWrites int64
}

// BufferPool is the in-memory page cache between the disk managers
// and every higher-level access path. One value per storage engine
// instance, shared by reference; there is no global pool.
type BufferPool struct {
	cfg   common.Config
	disk  disk.DiskManager
	codec *codec.PageCodec

	// mu protects the chunk array, the three lists, and the
	// resident/eviction counters. Lock order: mu before any block's
	// mu, never the reverse.
	mu        sync.Mutex
	chunks    []*chunk
	poolBytes int64
	capacity  int
	resident  int
	evictions uint64
	closed    bool

	free  freeList
	lru   lruList
	flush flushList

	table *pageTable
	ra    *readAhead

	hits      atomic.Uint64
	misses    atomic.Uint64
	readCnt   atomic.Uint64
	writeCnt  atomic.Uint64
	createCnt atomic.Uint64
	evictCnt  atomic.Uint64

	pendingReads  atomic.Int64
	pendingWrites atomic.Int64
}

// NewBufferPool creates a pool with cfg's initial capacity over dm.
// Chunk allocation failures degrade to a smaller pool; a pool with
// zero frames is the only fatal outcome.
func NewBufferPool(cfg common.Config, dm disk.DiskManager) *BufferPool {
	p := &BufferPool{
		cfg:   cfg,
		disk:  dm,
		codec: codec.NewPageCodec(),
	}
	p.free.p = p
	p.free.head = nilBlock
	p.lru.p = p
	p.lru.head, p.lru.tail, p.lru.oldHead = nilBlock, nilBlock, nilBlock
	p.flush.p = p
	p.flush.head, p.flush.tail = nilBlock, nilBlock
	p.ra = newReadAhead(cfg)

	for p.poolBytes < cfg.PoolSizeBytes {
		size := cfg.ChunkSizeBytes
		if rest := cfg.PoolSizeBytes - p.poolBytes; rest < size {
			size = rest
		}
		c := newChunk(len(p.chunks), size)
		if c == nil {
			break
		}
		p.chunks = append(p.chunks, c)
		p.poolBytes += c.byteSize
		p.capacity += len(c.blocks)
		for i := range c.blocks {
			p.free.push(&c.blocks[i])
		}
	}
	common.SHAssert(p.capacity > 0, "buffer pool has zero frames")

	p.table = newPageTable(2 * p.capacity)
	return p
}

// block resolves a blockID against the chunk array.
func (p *BufferPool) block(id blockID) *ControlBlock {
	c := p.chunks[id.chunkIdx()]
	common.SHAssert(c != nil, "block reference into removed chunk")
	return &c.blocks[id.slot()]
}

// GetPage resolves addr through the cache, faulting it in from disk
// on a miss. The returned guard is fixed and latched per mode.
func (p *BufferPool) GetPage(addr types.PageAddr, mode LatchMode) (*PageGuard, error) {
	return p.fetch(addr, mode, false)
}

func (p *BufferPool) fetch(addr types.PageAddr, mode LatchMode, prefetch bool) (*PageGuard, error) {
	if p.disk.SpaceDropped(addr.Space) {
		return nil, ErrGone
	}
	for {
		if id, ok := p.table.lookup(addr); ok {
			g, retry, err := p.fetchHit(id, addr, mode)
			if retry {
				continue
			}
			if err != nil {
				return nil, err
			}
			if !prefetch {
				p.ra.onAccess(p, addr)
			}
			return g, nil
		}

		b, raced, err := p.allocateFor(addr)
		if raced {
			continue
		}
		if err != nil {
			return nil, err
		}

		p.readCnt.Add(1)
		p.pendingReads.Add(1)
		p.misses.Add(1)
		go p.readWorker(b, addr)

		g := &PageGuard{pool: p, b: b, mode: mode}
		if mode == LatchNone {
			if !prefetch {
				p.ra.onAccess(p, addr)
			}
			return g, nil
		}

		b.mu.Lock()
		for b.ioState == IORead {
			b.ioDone.Wait()
		}
		if b.readErr != nil {
			err := b.readErr
			b.fixCount--
			last := b.fixCount == 0
			b.mu.Unlock()
			if last {
				p.discardFailed(b)
			}
			return nil, err
		}
		b.mu.Unlock()

		p.acquireLatch(b, mode)
		g.modSnap = b.modCount.Load()
		if !prefetch {
			p.ra.onAccess(p, addr)
		}
		return g, nil
	}
}

// fetchHit fixes and latches an already indexed block. retry is true
// when the entry changed under us (relocation or eviction race).
func (p *BufferPool) fetchHit(id blockID, addr types.PageAddr, mode LatchMode) (*PageGuard, bool, error) {
	b := p.block(id)
	b.mu.Lock()
	if b.addr != addr || (b.state != Resident && b.state != Allocated) {
		b.mu.Unlock()
		return nil, true, nil
	}
	b.fixCount++
	if mode != LatchNone {
		for b.ioState == IORead {
			b.ioDone.Wait()
		}
		if b.readErr != nil {
			err := b.readErr
			b.fixCount--
			last := b.fixCount == 0
			b.mu.Unlock()
			if last {
				p.discardFailed(b)
			}
			return nil, false, err
		}
	}
	b.mu.Unlock()

	p.hits.Add(1)
	p.touch(b)
	p.acquireLatch(b, mode)
	return &PageGuard{pool: p, b: b, mode: mode, modSnap: b.modCount.Load()}, false, nil
}

func (p *BufferPool) acquireLatch(b *ControlBlock, mode LatchMode) {
	switch mode {
	case LatchShared:
		b.latch.RLock()
	case LatchExclusive:
		b.latch.Lock()
	}
}

// allocateFor claims a free block for addr: state ALLOCATED, fix 1,
// READ_PENDING, latched exclusively for the read, indexed, and on the
// LRU at the old boundary. The latch is taken before the index insert
// so no hit can observe the frame while the read is filling it. raced
// is true when another fault won the index insert.
func (p *BufferPool) allocateFor(addr types.PageAddr) (*ControlBlock, bool, error) {
	p.mu.Lock()
	common.SHAssert(!p.closed, "GetPage on closed pool")
	if _, ok := p.table.lookup(addr); ok {
		p.mu.Unlock()
		return nil, true, nil
	}
	b := p.acquireFreeBlockLocked()
	if b == nil {
		p.mu.Unlock()
		common.Logger().Warn("buffer pool exhausted", "page", addr.String())
		return nil, false, ErrBackpressure
	}

	b.mu.Lock()
	common.SHAssert(b.state == NotInUse && b.fixCount == 0,
		"allocating block in state "+b.state.String())
	b.state = Allocated
	b.addr = addr
	b.ioState = IORead
	b.fixCount = 1
	b.dirty = false
	b.readErr = nil
	b.zipLen = 0
	b.mu.Unlock()

	// the read holds the exclusive latch until completion
	b.latch.Lock()
	p.table.insert(addr, b.id)
	p.lru.insertMid(b)
	b.accessed = false
	b.accessGen = p.evictions
	b.moveGen = p.evictions
	p.resident++
	p.mu.Unlock()
	return b, false, nil
}

// acquireFreeBlockLocked pops a free block or evicts a victim.
// Caller holds p.mu. Returns nil when the pool is saturated.
func (p *BufferPool) acquireFreeBlockLocked() *ControlBlock {
	if b := p.free.pop(); b != nil {
		return b
	}
	return p.evictOneLocked()
}

// evictOneLocked scans from the LRU tail for the first block with fix
// count zero, no pending I/O, and a clean frame. Dirty pages are
// skipped; they stay until the flush controller writes them back.
func (p *BufferPool) evictOneLocked() *ControlBlock {
	for id := p.lru.tail; id != nilBlock; {
		b := p.block(id)
		id = b.lruPrev
		b.mu.Lock()
		ok := b.state == Resident && b.fixCount == 0 &&
			b.ioState == IONone && !b.dirty && b.readErr == nil
		if !ok {
			b.mu.Unlock()
			continue
		}
		b.state = BeingRemoved
		addr := b.addr
		p.table.remove(addr)
		p.lru.unlink(b)
		b.state = NotInUse
		b.addr = types.PageAddr{}
		b.mu.Unlock()
		b.accessed = false
		p.resident--
		p.evictions++
		p.evictCnt.Add(1)
		return b
	}
	return nil
}

// touch records an access for the replacement policy. Promotion to
// the head happens only after the aging threshold has passed and only
// when the block has drifted toward the tail, bounding list mutation
// under contention.
func (p *BufferPool) touch(b *ControlBlock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !b.inLRU {
		return
	}
	if !b.accessed {
		b.accessed = true
		b.accessGen = p.evictions
	}
	drifted := b.old ||
		p.evictions-b.moveGen >= uint64(float64(p.lru.n)*p.cfg.MakeYoungDistance)
	if !drifted {
		return
	}
	if p.evictions-b.accessGen < p.cfg.OldThreshold {
		return
	}
	p.lru.moveToHead(b)
	b.moveGen = p.evictions
}

// CreatePage installs a fresh page that must never be read from disk
// (recovery and allocation paths). It succeeds or fails fatally.
func (p *BufferPool) CreatePage(addr types.PageAddr) *PageGuard {
	for attempt := 0; ; attempt++ {
		p.mu.Lock()
		common.SHAssert(!p.closed, "CreatePage on closed pool")
		if _, ok := p.table.lookup(addr); ok {
			p.mu.Unlock()
			panic("CreatePage: page already resident: " + addr.String())
		}
		b := p.acquireFreeBlockLocked()
		if b == nil {
			p.mu.Unlock()
			if attempt >= 64 {
				panic("CreatePage: buffer pool exhausted: " + addr.String())
			}
			p.FlushOldest(4)
			time.Sleep(time.Millisecond)
			continue
		}

		b.mu.Lock()
		b.state = Resident
		b.addr = addr
		b.ioState = IONone
		b.fixCount = 1
		b.dirty = false
		b.readErr = nil
		b.zipLen = 0
		b.mu.Unlock()

		for i := range b.frame {
			b.frame[i] = 0
		}
		page.SetAddress(b.frame, addr)
		page.MarkFresh(b.frame)

		// latched before the insert so no hit can beat the creator to
		// the empty frame
		b.latch.Lock()
		p.table.insert(addr, b.id)
		p.lru.pushHead(b)
		b.accessed = true
		b.accessGen = p.evictions
		b.moveGen = p.evictions
		p.resident++
		p.mu.Unlock()

		p.createCnt.Add(1)
		return &PageGuard{pool: p, b: b, mode: LatchExclusive, modSnap: b.modCount.Load()}
	}
}

// AllocatePage allocates a new on-disk page in space and installs it
// fresh in the pool.
func (p *BufferPool) AllocatePage(space types.SpaceID) *PageGuard {
	no := p.disk.AllocatePage(space)
	return p.CreatePage(types.PageAddr{Space: space, PageNo: no})
}

// markDirty adds the block to the flush list on its first
// modification and bumps the modify counter. Caller holds the
// exclusive latch.
func (p *BufferPool) markDirty(b *ControlBlock) {
	b.modCount.Add(1)
	p.mu.Lock()
	b.mu.Lock()
	b.dirtyGen++
	if !b.dirty && b.state == Resident {
		b.dirty = true
		p.flush.pushHead(b)
	}
	b.mu.Unlock()
	p.mu.Unlock()
}

// OldestDirty returns the address of the oldest dirty page, if any.
// Exposed for the external flush controller.
func (p *BufferPool) OldestDirty() (types.PageAddr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flush.tail == nilBlock {
		return types.PageAddr{}, false
	}
	return p.block(p.flush.tail).addr, true
}

// FlushOldest issues asynchronous write-back for up to max of the
// oldest dirty pages. Returns the number of writes issued.
func (p *BufferPool) FlushOldest(max int) int {
	p.mu.Lock()
	var victims []*ControlBlock
	for id := p.flush.tail; id != nilBlock && len(victims) < max; {
		b := p.block(id)
		id = b.flushPrev
		b.mu.Lock()
		if b.dirty && b.ioState == IONone && b.state == Resident {
			b.ioState = IOWrite
			b.writeGen = b.dirtyGen
			victims = append(victims, b)
		}
		b.mu.Unlock()
	}
	p.mu.Unlock()

	for _, b := range victims {
		p.writeCnt.Add(1)
		p.pendingWrites.Add(1)
		go p.writeWorker(b)
	}
	return len(victims)
}

// FlushAll synchronously writes back every dirty page. Used at
// checkpoint and shutdown.
func (p *BufferPool) FlushAll() {
	for {
		n := p.FlushOldest(p.capacity)
		if n == 0 && p.pendingWrites.Load() == 0 {
			p.mu.Lock()
			empty := p.flush.n == 0
			p.mu.Unlock()
			if empty {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
}

// discardFailed returns a block whose read failed to the free list
// once the last fix is gone.
func (p *BufferPool) discardFailed(b *ControlBlock) {
	p.mu.Lock()
	b.mu.Lock()
	if b.readErr != nil && b.fixCount == 0 && b.ioState == IONone &&
		(b.state == Allocated || b.state == Resident) {
		p.table.remove(b.addr)
		p.lru.unlink(b)
		b.state = NotInUse
		b.addr = types.PageAddr{}
		b.readErr = nil
		b.dirty = false
		b.mu.Unlock()
		p.resident--
		p.free.push(b)
		p.mu.Unlock()
		return
	}
	b.mu.Unlock()
	p.mu.Unlock()
}

// Stats returns a snapshot of the pool counters.
func (p *BufferPool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		DirtyCount:    p.flush.n,
		FreeCount:     p.free.n,
		ResidentCount: p.resident,
		Capacity:      p.capacity,
	}
	p.mu.Unlock()
	s.Hits = p.hits.Load()
	s.Misses = p.misses.Load()
	s.Reads = p.readCnt.Load()
	s.Writes = p.writeCnt.Load()
	s.Creates = p.createCnt.Load()
	s.Evictions = p.evictCnt.Load()
	s.PendingReads = p.pendingReads.Load()
	s.PendingWrites = p.pendingWrites.Load()
	return s
}

// PoolAudit sweeps every block and reports latched-down state that
// would make teardown unsafe. Returns the number of offending blocks.
func (p *BufferPool) PoolAudit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	bad := 0
	for _, c := range p.chunks {
		if c == nil {
			continue
		}
		for i := range c.blocks {
			b := &c.blocks[i]
			b.mu.Lock()
			if b.fixCount > 0 {
				common.Logger().Error("audit: block still fixed",
					"page", b.addr.String(), "fixCount", b.fixCount)
				bad++
			}
			if b.dirty {
				common.Logger().Error("audit: block still dirty", "page", b.addr.String())
				bad++
			}
			if b.ioState != IONone {
				common.Logger().Error("audit: block has pending I/O",
					"page", b.addr.String(), "io", b.ioState.String())
				bad++
			}
			b.mu.Unlock()
		}
	}
	return bad
}

// Close flushes all dirty pages and tears the pool down. Closing with
// a fixed block is an invariant failure.
func (p *BufferPool) Close() {
	p.FlushAll()
	bad := p.PoolAudit()
	common.SHAssert(bad == 0, fmt.Sprintf("pool close with %d blocks in unsafe state", bad))
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
