package buffer

import (
	"time"

	"github.com/ryogrid/samepool/lib/common"
	"github.com/ryogrid/samepool/lib/types"
)

// Resize grows or shrinks the pool to roughly newBytes. Grow appends
// chunks; shrink drains and removes them, waiting for fixed pages and
// flushing dirty ones. Shrink never forcibly evicts a fixed page.
func (p *BufferPool) Resize(newBytes int64) {
	p.mu.Lock()
	cur := p.poolBytes
	p.mu.Unlock()

	switch {
	case newBytes > cur:
		p.grow(newBytes)
	case newBytes < cur:
		p.shrink(newBytes)
	}
}

func (p *BufferPool) grow(target int64) {
	p.mu.Lock()
	for p.poolBytes < target {
		size := p.cfg.ChunkSizeBytes
		if rest := target - p.poolBytes; rest < size {
			size = rest
		}
		idx := -1
		for i, c := range p.chunks {
			if c == nil {
				idx = i
				break
			}
		}
		if idx < 0 {
			idx = len(p.chunks)
			p.chunks = append(p.chunks, nil)
		}
		c := newChunk(idx, size)
		if c == nil {
			common.Logger().Warn("pool grow fell short", "wantBytes", target, "haveBytes", p.poolBytes)
			break
		}
		p.chunks[idx] = c
		p.poolBytes += c.byteSize
		p.capacity += len(c.blocks)
		for i := range c.blocks {
			p.free.push(&c.blocks[i])
		}
	}
	capacity := p.capacity
	poolBytes := p.poolBytes
	p.mu.Unlock()

	p.table.rebuild(2 * capacity)
	common.Logger().Info("pool grown", "bytes", poolBytes, "frames", capacity)
}

func (p *BufferPool) shrink(target int64) {
	// Pick victim chunks until their aggregate covers the reduction,
	// preferring fully-free ones. Their free blocks leave the free
	// list immediately so they cannot be handed out mid-drain.
	p.mu.Lock()
	var victims []int
	need := p.poolBytes - target
	for pass := 0; pass < 2 && need > 0; pass++ {
		for idx, c := range p.chunks {
			if need <= 0 {
				break
			}
			if c == nil || c.draining {
				continue
			}
			if (pass == 0) != c.allFree() {
				continue
			}
			c.draining = true
			for i := range c.blocks {
				if c.blocks[i].inFree {
					p.free.remove(&c.blocks[i])
				}
			}
			victims = append(victims, idx)
			need -= c.byteSize
		}
	}
	p.mu.Unlock()

	for _, idx := range victims {
		p.drainChunk(idx)
	}

	p.mu.Lock()
	capacity := p.capacity
	p.mu.Unlock()
	p.table.rebuild(2 * capacity)
	common.Logger().Info("pool shrunk", "bytes", target, "frames", capacity)
}

// drainChunk evicts every block of a draining chunk, retrying with
// backoff while pages are fixed or mid-I/O, then frees the chunk.
func (p *BufferPool) drainChunk(idx int) {
	backoff := time.Millisecond
	for {
		p.mu.Lock()
		c := p.chunks[idx]
		remaining, dirtyN := 0, 0
		for i := range c.blocks {
			b := &c.blocks[i]
			b.mu.Lock()
			evictable := (b.state == Resident || b.state == Allocated) &&
				b.fixCount == 0 && b.ioState == IONone && !b.dirty
			switch {
			case b.state == NotInUse:
			case evictable:
				p.table.remove(b.addr)
				p.lru.unlink(b)
				b.state = NotInUse
				b.addr = types.PageAddr{}
				b.readErr = nil
				p.resident--
				p.evictions++
				p.evictCnt.Add(1)
			default:
				remaining++
				if b.dirty {
					dirtyN++
				}
				// age it so other eviction traffic drains it too
				if b.inLRU && b.fixCount == 0 {
					p.lru.moveToTail(b)
				}
			}
			b.mu.Unlock()
		}
		if remaining == 0 {
			nFrames := len(c.blocks)
			bytes := c.byteSize
			c.release()
			p.chunks[idx] = nil
			p.capacity -= nFrames
			p.poolBytes -= bytes
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		if dirtyN > 0 {
			p.FlushOldest(dirtyN)
		}
		time.Sleep(backoff)
		if backoff < 50*time.Millisecond {
			backoff *= 2
		}
	}
}
