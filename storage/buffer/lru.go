package buffer

import (
	"github.com/ryogrid/samepool/lib/common"
)

// All list operations run under the pool mutex. Links are block
// indices over the chunk arena, not pointers; lruNext points toward
// the tail (least recent), lruPrev toward the head.

// freeList is the pool of unused control blocks. It shares the LRU
// link fields since a block is never on both lists.
type freeList struct {
	p    *BufferPool
	head blockID
	n    int
}

func (l *freeList) push(b *ControlBlock) {
	common.SHAssert(!b.inFree && !b.inLRU, "free push: block already on a list")
	b.lruNext = l.head
	b.lruPrev = nilBlock
	if l.head != nilBlock {
		l.p.block(l.head).lruPrev = b.id
	}
	l.head = b.id
	b.inFree = true
	l.n++
}

func (l *freeList) pop() *ControlBlock {
	if l.head == nilBlock {
		return nil
	}
	b := l.p.block(l.head)
	l.remove(b)
	return b
}

func (l *freeList) remove(b *ControlBlock) {
	common.SHAssert(b.inFree, "free remove: block not on free list")
	if b.lruPrev != nilBlock {
		l.p.block(b.lruPrev).lruNext = b.lruNext
	} else {
		l.head = b.lruNext
	}
	if b.lruNext != nilBlock {
		l.p.block(b.lruNext).lruPrev = b.lruPrev
	}
	b.lruNext, b.lruPrev = nilBlock, nilBlock
	b.inFree = false
	l.n--
}

// minOldLen is the list length below which the old sublist is not
// maintained and every block is young.
const minOldLen = 4

// lruList orders resident blocks from most to least recently touched,
// split into a young head portion and an old tail portion. Newly
// faulted pages enter at the boundary so one large scan cannot flush
// the working set.
type lruList struct {
	p          *BufferPool
	head, tail blockID
	oldHead    blockID // first block of the old sublist, nilBlock when inactive
	n, oldN    int
}

func (l *lruList) linkHead(b *ControlBlock) {
	common.SHAssert(!b.inFree && !b.inLRU, "lru link: block already on a list")
	b.lruPrev = nilBlock
	b.lruNext = l.head
	if l.head != nilBlock {
		l.p.block(l.head).lruPrev = b.id
	}
	l.head = b.id
	if l.tail == nilBlock {
		l.tail = b.id
	}
	b.inLRU = true
	l.n++
}

func (l *lruList) linkBefore(b, at *ControlBlock) {
	common.SHAssert(!b.inFree && !b.inLRU, "lru link: block already on a list")
	b.lruNext = at.id
	b.lruPrev = at.lruPrev
	if at.lruPrev != nilBlock {
		l.p.block(at.lruPrev).lruNext = b.id
	} else {
		l.head = b.id
	}
	at.lruPrev = b.id
	b.inLRU = true
	l.n++
}

func (l *lruList) linkTail(b *ControlBlock) {
	common.SHAssert(!b.inFree && !b.inLRU, "lru link: block already on a list")
	b.lruNext = nilBlock
	b.lruPrev = l.tail
	if l.tail != nilBlock {
		l.p.block(l.tail).lruNext = b.id
	}
	l.tail = b.id
	if l.head == nilBlock {
		l.head = b.id
	}
	b.inLRU = true
	l.n++
}

func (l *lruList) unlink(b *ControlBlock) {
	common.SHAssert(b.inLRU, "lru unlink: block not on LRU list")
	if l.oldHead == b.id {
		l.oldHead = b.lruNext
	}
	if b.lruPrev != nilBlock {
		l.p.block(b.lruPrev).lruNext = b.lruNext
	} else {
		l.head = b.lruNext
	}
	if b.lruNext != nilBlock {
		l.p.block(b.lruNext).lruPrev = b.lruPrev
	} else {
		l.tail = b.lruPrev
	}
	if b.old {
		l.oldN--
		b.old = false
	}
	b.lruNext, b.lruPrev = nilBlock, nilBlock
	b.inLRU = false
	l.n--
}

// pushHead inserts a block as the most recent young block.
func (l *lruList) pushHead(b *ControlBlock) {
	l.linkHead(b)
	b.old = false
	l.rebalance()
}

// insertMid inserts a freshly faulted block at the young/old
// boundary, as the newest old block.
func (l *lruList) insertMid(b *ControlBlock) {
	if l.oldHead == nilBlock {
		l.linkHead(b)
		b.old = false
	} else {
		oh := l.p.block(l.oldHead)
		l.linkBefore(b, oh)
		b.old = true
		l.oldN++
		l.oldHead = b.id
	}
	l.rebalance()
}

// moveToHead promotes a touched block to most recent.
func (l *lruList) moveToHead(b *ControlBlock) {
	l.unlink(b)
	l.linkHead(b)
	b.old = false
	l.rebalance()
}

// moveToTail ages a block to least recent; used when a chunk is being
// drained for shrink.
func (l *lruList) moveToTail(b *ControlBlock) {
	l.unlink(b)
	l.linkTail(b)
	if l.oldHead != nilBlock {
		b.old = true
		l.oldN++
	} else {
		b.old = false
	}
	l.rebalance()
}

// rebalance keeps the old sublist length near OldRatio of the total,
// moving the boundary one block at a time.
func (l *lruList) rebalance() {
	if l.n < minOldLen {
		for id := l.oldHead; id != nilBlock; {
			b := l.p.block(id)
			b.old = false
			id = b.lruNext
		}
		l.oldHead = nilBlock
		l.oldN = 0
		return
	}
	want := int(float64(l.n) * l.p.cfg.OldRatio)
	if want < 1 {
		want = 1
	}
	if l.oldHead == nilBlock {
		id := l.tail
		cnt := 0
		for id != nilBlock && cnt < want {
			b := l.p.block(id)
			b.old = true
			l.oldHead = id
			cnt++
			id = b.lruPrev
		}
		l.oldN = cnt
		return
	}
	for l.oldN > want+1 {
		b := l.p.block(l.oldHead)
		b.old = false
		l.oldHead = b.lruNext
		l.oldN--
	}
	for l.oldN < want-1 {
		prev := l.p.block(l.oldHead).lruPrev
		if prev == nilBlock {
			break
		}
		pb := l.p.block(prev)
		pb.old = true
		l.oldHead = prev
		l.oldN++
	}
}
