package buffer

import (
	"github.com/ryogrid/samepool/lib/common"
)

// flushList holds dirty, not-yet-written blocks ordered by the age of
// their first modification: newest at the head, oldest at the tail.
// The external flush controller drains it oldest-first. All
// operations run under the pool mutex.
type flushList struct {
	p          *BufferPool
	head, tail blockID
	n          int
}

func (l *flushList) pushHead(b *ControlBlock) {
	common.SHAssert(!b.inFlush, "flush push: block already on flush list")
	b.flushPrev = nilBlock
	b.flushNext = l.head
	if l.head != nilBlock {
		l.p.block(l.head).flushPrev = b.id
	}
	l.head = b.id
	if l.tail == nilBlock {
		l.tail = b.id
	}
	b.inFlush = true
	l.n++
}

func (l *flushList) remove(b *ControlBlock) {
	common.SHAssert(b.inFlush, "flush remove: block not on flush list")
	if b.flushPrev != nilBlock {
		l.p.block(b.flushPrev).flushNext = b.flushNext
	} else {
		l.head = b.flushNext
	}
	if b.flushNext != nilBlock {
		l.p.block(b.flushNext).flushPrev = b.flushPrev
	} else {
		l.tail = b.flushPrev
	}
	b.flushNext, b.flushPrev = nilBlock, nilBlock
	b.inFlush = false
	l.n--
}
