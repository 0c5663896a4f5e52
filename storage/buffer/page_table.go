package buffer

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/ryogrid/samepool/lib/common"
	"github.com/ryogrid/samepool/lib/types"
)

// The address index maps a page's disk address to its control block.
// It is sharded so concurrent lookups do not block unrelated inserts
// and removes. An entry exists iff the block is resident (or mid
// fault, holding READ_PENDING).
const tableShardCount = 16

type pageTable struct {
	shards [tableShardCount]tableShard
}

type tableShard struct {
	mu sync.RWMutex
	m  map[types.PageAddr]blockID
}

// addrFold hashes (container-id, page-number) into the shard space.
func addrFold(addr types.PageAddr) uint64 {
	var k [8]byte
	binary.LittleEndian.PutUint32(k[:4], uint32(addr.Space))
	binary.LittleEndian.PutUint32(k[4:], uint32(addr.PageNo))
	return xxhash.Sum64(k[:])
}

func newPageTable(capacityHint int) *pageTable {
	t := &pageTable{}
	perShard := capacityHint/tableShardCount + 1
	for i := range t.shards {
		t.shards[i].m = make(map[types.PageAddr]blockID, perShard)
	}
	return t
}

func (t *pageTable) shard(addr types.PageAddr) *tableShard {
	return &t.shards[addrFold(addr)%tableShardCount]
}

func (t *pageTable) lookup(addr types.PageAddr) (blockID, bool) {
	s := t.shard(addr)
	s.mu.RLock()
	id, ok := s.m[addr]
	s.mu.RUnlock()
	return id, ok
}

func (t *pageTable) insert(addr types.PageAddr, id blockID) {
	s := t.shard(addr)
	s.mu.Lock()
	_, dup := s.m[addr]
	if !dup {
		s.m[addr] = id
	}
	s.mu.Unlock()
	common.SHAssert(!dup, "address index double insert: "+addr.String())
}

func (t *pageTable) remove(addr types.PageAddr) {
	s := t.shard(addr)
	s.mu.Lock()
	_, ok := s.m[addr]
	delete(s.m, addr)
	s.mu.Unlock()
	common.SHAssert(ok, "address index remove of absent entry: "+addr.String())
}

func (t *pageTable) len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// rebuild re-creates the shard maps with a new sizing hint. Called
// after resize when the 2x-capacity assumption drifts.
func (t *pageTable) rebuild(capacityHint int) {
	perShard := capacityHint/tableShardCount + 1
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		m := make(map[types.PageAddr]blockID, perShard)
		for k, v := range s.m {
			m[k] = v
		}
		s.m = m
		s.mu.Unlock()
	}
}
