package buffer

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/ryogrid/samepool/lib/common"
	"github.com/ryogrid/samepool/lib/storage/disk"
	"github.com/ryogrid/samepool/lib/storage/page"
	"github.com/ryogrid/samepool/lib/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestPool(t *testing.T, pages int, tweak func(*common.Config)) (*BufferPool, *disk.VirtualDiskManagerImpl) {
	t.Helper()
	cfg := common.DefaultConfig()
	cfg.PoolSizeBytes = ChunkBytesForPages(pages)
	cfg.ChunkSizeBytes = cfg.PoolSizeBytes
	cfg.ReadAheadDisabled = true
	if tweak != nil {
		tweak(&cfg)
	}
	dm := disk.NewVirtualDiskManagerImpl()
	return NewBufferPool(cfg, dm), dm
}

// writeDiskPage stores a well-formed page image directly on disk.
func writeDiskPage(t *testing.T, dm disk.DiskManager, addr types.PageAddr, fill []byte) {
	t.Helper()
	frame := make([]byte, common.PageSize)
	page.SetAddress(frame, addr)
	copy(page.Payload(frame), fill)
	page.UpdateChecksum(frame)
	require.NoError(t, dm.WritePage(addr, frame))
}

func resident(p *BufferPool, addr types.PageAddr) bool {
	_, ok := p.table.lookup(addr)
	return ok
}

// writeGarbagePage stores a nonzero image with no valid trailer.
func writeGarbagePage(t *testing.T, dm disk.DiskManager, addr types.PageAddr) {
	t.Helper()
	frame := make([]byte, common.PageSize)
	for i := range frame {
		frame[i] = 0xa5
	}
	require.NoError(t, dm.WritePage(addr, frame))
}

func TestFaultThenHit(t *testing.T) {
	p, dm := newTestPool(t, 8, nil)
	addr := types.PageAddr{Space: 1, PageNo: 0}
	writeDiskPage(t, dm, addr, []byte("payload one"))

	g, err := p.GetPage(addr, LatchShared)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload one"), g.Payload()[:11])
	g.Release()
	require.Equal(t, uint64(1), dm.NumReads())

	g, err = p.GetPage(addr, LatchShared)
	require.NoError(t, err)
	g.Release()
	assert.Equal(t, uint64(1), dm.NumReads())

	s := p.Stats()
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, uint64(1), s.Hits)
}

func TestConcurrentFaultSingleRead(t *testing.T) {
	p, dm := newTestPool(t, 8, nil)
	addr := types.PageAddr{Space: 1, PageNo: 7}
	writeDiskPage(t, dm, addr, []byte("shared"))

	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		eg.Go(func() error {
			g, err := p.GetPage(addr, LatchShared)
			if err != nil {
				return err
			}
			defer g.Release()
			assert.Equal(t, []byte("shared"), g.Payload()[:6])
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, uint64(1), dm.NumReads())
}

func TestBackpressureWhenAllFixed(t *testing.T) {
	p, _ := newTestPool(t, 4, nil)

	var guards []*PageGuard
	for i := 0; i < 4; i++ {
		g, err := p.GetPage(types.PageAddr{Space: 1, PageNo: types.PageNum(i)}, LatchShared)
		require.NoError(t, err)
		guards = append(guards, g)
	}

	_, err := p.GetPage(types.PageAddr{Space: 1, PageNo: 99}, LatchShared)
	require.ErrorIs(t, err, ErrBackpressure)

	guards[0].Release()
	g, err := p.GetPage(types.PageAddr{Space: 1, PageNo: 99}, LatchShared)
	require.NoError(t, err)
	g.Release()
	for _, g := range guards[1:] {
		g.Release()
	}
}

func TestCapacityBound(t *testing.T) {
	p, _ := newTestPool(t, 10, nil)

	for i := 0; i < 30; i++ {
		g, err := p.GetPage(types.PageAddr{Space: 1, PageNo: types.PageNum(i)}, LatchShared)
		require.NoError(t, err)
		g.Release()
	}

	s := p.Stats()
	assert.Equal(t, 10, s.Capacity)
	assert.LessOrEqual(t, s.ResidentCount, 10)
	assert.Equal(t, uint64(20), s.Evictions)
}

func TestEvictionPicksColdest(t *testing.T) {
	p, dm := newTestPool(t, 10, nil)

	for i := 1; i <= 10; i++ {
		g, err := p.GetPage(types.PageAddr{Space: 2, PageNo: types.PageNum(i)}, LatchShared)
		require.NoError(t, err)
		g.Release()
	}
	require.Equal(t, uint64(10), dm.NumReads())

	g, err := p.GetPage(types.PageAddr{Space: 2, PageNo: 11}, LatchShared)
	require.NoError(t, err)
	g.Release()

	assert.Equal(t, uint64(11), dm.NumReads())
	assert.False(t, resident(p, types.PageAddr{Space: 2, PageNo: 1}))
	for i := 2; i <= 11; i++ {
		assert.True(t, resident(p, types.PageAddr{Space: 2, PageNo: types.PageNum(i)}), "page %d", i)
	}
}

func TestDirtyPageNotEvicted(t *testing.T) {
	p, dm := newTestPool(t, 4, nil)
	dirtyAddr := types.PageAddr{Space: 3, PageNo: 0}

	g, err := p.GetPage(dirtyAddr, LatchExclusive)
	require.NoError(t, err)
	copy(g.Payload(), []byte("keep me"))
	g.MarkDirty()
	g.Release()

	// eviction pressure well past capacity
	for i := 1; i <= 8; i++ {
		g, err := p.GetPage(types.PageAddr{Space: 3, PageNo: types.PageNum(i)}, LatchShared)
		require.NoError(t, err)
		g.Release()
	}

	require.True(t, resident(p, dirtyAddr))
	assert.Equal(t, 1, p.Stats().DirtyCount)

	require.Equal(t, 1, p.FlushOldest(4))
	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.DirtyCount == 0 && s.PendingWrites == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), dm.NumWrites())
}

func TestFlushWritesBackImage(t *testing.T) {
	p, dm := newTestPool(t, 4, nil)
	addr := types.PageAddr{Space: 4, PageNo: 2}

	g := p.CreatePage(addr)
	copy(g.Payload(), []byte("durable bytes"))
	g.MarkDirty()
	g.Release()

	p.FlushAll()
	require.Equal(t, uint64(1), dm.NumWrites())

	frame := make([]byte, common.PageSize)
	require.NoError(t, dm.ReadPage(addr, frame))
	require.True(t, page.VerifyChecksum(frame))
	assert.Equal(t, addr, page.Address(frame))
	assert.Equal(t, []byte("durable bytes"), page.Payload(frame)[:13])
}

func TestCreatePage(t *testing.T) {
	p, dm := newTestPool(t, 4, nil)
	addr := types.PageAddr{Space: 4, PageNo: 9}

	g := p.CreatePage(addr)
	copy(g.Payload(), []byte("fresh"))
	g.MarkDirty()
	g.Release()

	assert.Zero(t, dm.NumReads())
	assert.Equal(t, uint64(1), p.Stats().Creates)

	g2, err := p.GetPage(addr, LatchShared)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), g2.Payload()[:5])
	g2.Release()
	assert.Zero(t, dm.NumReads())
}

func TestCreatePageTwicePanics(t *testing.T) {
	p, _ := newTestPool(t, 4, nil)
	addr := types.PageAddr{Space: 4, PageNo: 1}

	g := p.CreatePage(addr)
	g.Release()
	assert.Panics(t, func() { p.CreatePage(addr) })
}

func TestAllocatePage(t *testing.T) {
	p, dm := newTestPool(t, 4, nil)

	g := p.AllocatePage(5)
	assert.Equal(t, types.PageAddr{Space: 5, PageNo: 0}, g.Addr())
	g.Release()

	g = p.AllocatePage(5)
	assert.Equal(t, types.PageAddr{Space: 5, PageNo: 1}, g.Addr())
	g.Release()
	assert.Zero(t, dm.NumReads())
}

func TestDroppedSpace(t *testing.T) {
	p, dm := newTestPool(t, 4, nil)

	dm.DropSpace(6)
	_, err := p.GetPage(types.PageAddr{Space: 6, PageNo: 0}, LatchShared)
	assert.ErrorIs(t, err, ErrGone)
}

func TestCorruptedPageRejected(t *testing.T) {
	p, dm := newTestPool(t, 4, func(cfg *common.Config) {
		cfg.OnCorruption = common.CorruptionIgnore
	})
	addr := types.PageAddr{Space: 7, PageNo: 0}
	writeGarbagePage(t, dm, addr)

	_, err := p.GetPage(addr, LatchShared)
	require.ErrorIs(t, err, ErrCorrupted)
	assert.False(t, resident(p, addr))

	// the failed block went back to the free list, the fault repeats
	_, err = p.GetPage(addr, LatchShared)
	require.ErrorIs(t, err, ErrCorrupted)
	assert.Equal(t, uint64(2), dm.NumReads())
}

func TestWrongSelfAddressRejected(t *testing.T) {
	p, dm := newTestPool(t, 4, func(cfg *common.Config) {
		cfg.OnCorruption = common.CorruptionIgnore
	})
	addr := types.PageAddr{Space: 7, PageNo: 3}

	frame := make([]byte, common.PageSize)
	page.SetAddress(frame, types.PageAddr{Space: 7, PageNo: 8})
	copy(page.Payload(frame), []byte("misplaced"))
	page.UpdateChecksum(frame)
	require.NoError(t, dm.WritePage(addr, frame))

	_, err := p.GetPage(addr, LatchShared)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestLatchNoneMiss(t *testing.T) {
	p, dm := newTestPool(t, 4, nil)
	addr := types.PageAddr{Space: 8, PageNo: 0}
	writeDiskPage(t, dm, addr, []byte("async"))

	g, err := p.GetPage(addr, LatchNone)
	require.NoError(t, err)
	require.NoError(t, g.WaitReady())
	// the completion handler may still hold the read's latch briefly
	require.Eventually(t, func() bool { return g.TryLatch(LatchShared) },
		time.Second, time.Millisecond)
	assert.Equal(t, []byte("async"), g.Payload()[:5])
	g.Release()
}

func TestOptimisticRevalidation(t *testing.T) {
	p, _ := newTestPool(t, 4, nil)
	addr := types.PageAddr{Space: 8, PageNo: 1}

	g, err := p.GetPage(addr, LatchExclusive)
	require.NoError(t, err)
	copy(g.Payload(), []byte("v1"))
	g.MarkDirty()
	g.Release()

	stale, err := p.GetPage(addr, LatchNone)
	require.NoError(t, err)

	w, err := p.GetPage(addr, LatchExclusive)
	require.NoError(t, err)
	copy(w.Payload(), []byte("v2"))
	w.MarkDirty()
	w.Release()

	// the modify counter moved, the stale snapshot must not validate
	require.False(t, stale.TryLatch(LatchShared))
	stale.Release()

	fresh, err := p.GetPage(addr, LatchNone)
	require.NoError(t, err)
	require.True(t, fresh.TryLatch(LatchShared))
	assert.Equal(t, []byte("v2"), fresh.Payload()[:2])
	fresh.Release()

	p.FlushAll()
}

func TestScanResistance(t *testing.T) {
	p, _ := newTestPool(t, 10, func(cfg *common.Config) {
		cfg.OldThreshold = 0
		cfg.MakeYoungDistance = 0
	})

	hot := []types.PageAddr{
		{Space: 9, PageNo: 0},
		{Space: 9, PageNo: 1},
		{Space: 9, PageNo: 2},
	}
	for _, a := range hot {
		g, err := p.GetPage(a, LatchShared)
		require.NoError(t, err)
		g.Release()
	}

	// one long scan of cold pages, with the hot set re-touched along
	// the way
	for i := 0; i < 40; i++ {
		g, err := p.GetPage(types.PageAddr{Space: 9, PageNo: types.PageNum(100 + i)}, LatchShared)
		require.NoError(t, err)
		g.Release()
		if i%4 == 3 {
			for _, a := range hot {
				g, err := p.GetPage(a, LatchShared)
				require.NoError(t, err)
				g.Release()
			}
		}
	}

	for _, a := range hot {
		assert.True(t, resident(p, a), "hot page %s evicted by scan", a.String())
	}
}

func TestResizeGrow(t *testing.T) {
	p, _ := newTestPool(t, 4, func(cfg *common.Config) {
		cfg.ChunkSizeBytes = ChunkBytesForPages(4)
	})

	p.Resize(ChunkBytesForPages(8))
	require.Equal(t, 8, p.Stats().Capacity)

	for i := 0; i < 8; i++ {
		g, err := p.GetPage(types.PageAddr{Space: 10, PageNo: types.PageNum(i)}, LatchShared)
		require.NoError(t, err)
		g.Release()
	}
	s := p.Stats()
	assert.Equal(t, 8, s.ResidentCount)
	assert.Zero(t, s.Evictions)
}

func TestShrinkWaitsForFixedPages(t *testing.T) {
	p, _ := newTestPool(t, 8, func(cfg *common.Config) {
		cfg.ChunkSizeBytes = ChunkBytesForPages(4)
	})

	var guards []*PageGuard
	for i := 0; i < 8; i++ {
		g, err := p.GetPage(types.PageAddr{Space: 11, PageNo: types.PageNum(i)}, LatchShared)
		require.NoError(t, err)
		guards = append(guards, g)
	}

	done := make(chan struct{})
	go func() {
		p.Resize(ChunkBytesForPages(4))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("shrink completed while pages were fixed")
	case <-time.After(50 * time.Millisecond):
	}
	// fixed pages were never forced out
	for i := 0; i < 8; i++ {
		require.True(t, resident(p, types.PageAddr{Space: 11, PageNo: types.PageNum(i)}))
	}

	for _, g := range guards {
		g.Release()
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shrink did not finish after pages were unfixed")
	}

	s := p.Stats()
	assert.Equal(t, 4, s.Capacity)
	assert.Equal(t, 4, s.ResidentCount)
}

func TestShrinkFlushesDirtyPages(t *testing.T) {
	p, dm := newTestPool(t, 8, func(cfg *common.Config) {
		cfg.ChunkSizeBytes = ChunkBytesForPages(4)
	})

	for i := 0; i < 8; i++ {
		g, err := p.GetPage(types.PageAddr{Space: 12, PageNo: types.PageNum(i)}, LatchExclusive)
		require.NoError(t, err)
		copy(g.Payload(), []byte("dirty"))
		g.MarkDirty()
		g.Release()
	}

	p.Resize(ChunkBytesForPages(4))
	assert.Equal(t, 4, p.Stats().Capacity)
	assert.GreaterOrEqual(t, dm.NumWrites(), uint64(4))
}

func TestReadAheadLinear(t *testing.T) {
	p, dm := newTestPool(t, 128, func(cfg *common.Config) {
		cfg.ReadAheadDisabled = false
		cfg.ReadAheadLinearRun = 3
		cfg.ReadAheadRandomResident = 0
	})

	// the last written page fixes the container size at 128 pages
	writeDiskPage(t, dm, types.PageAddr{Space: 13, PageNo: 127}, []byte("end"))
	for i := 60; i <= 63; i++ {
		writeDiskPage(t, dm, types.PageAddr{Space: 13, PageNo: types.PageNum(i)}, []byte("run"))
	}

	// a forward run hitting the extent's last page triggers prefetch of
	// the next extent
	for i := 60; i <= 63; i++ {
		g, err := p.GetPage(types.PageAddr{Space: 13, PageNo: types.PageNum(i)}, LatchShared)
		require.NoError(t, err)
		g.Release()
	}

	require.Eventually(t, func() bool {
		return resident(p, types.PageAddr{Space: 13, PageNo: 64}) &&
			resident(p, types.PageAddr{Space: 13, PageNo: 127}) &&
			p.Stats().PendingReads == 0
	}, 5*time.Second, time.Millisecond)
}

func TestTryLatchRejectsFailedRead(t *testing.T) {
	p, dm := newTestPool(t, 4, func(cfg *common.Config) {
		cfg.OnCorruption = common.CorruptionIgnore
	})
	addr := types.PageAddr{Space: 15, PageNo: 0}
	writeGarbagePage(t, dm, addr)

	g, err := p.GetPage(addr, LatchNone)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Stats().PendingReads == 0 },
		time.Second, time.Millisecond)

	// the corrupt frame must never be handed out as valid
	assert.False(t, g.TryLatch(LatchShared))
	assert.ErrorIs(t, g.WaitReady(), ErrCorrupted)
	g.Release()
	assert.False(t, resident(p, addr))
}

func TestFailedReadWithoutWaitersDiscarded(t *testing.T) {
	p, dm := newTestPool(t, 4, func(cfg *common.Config) {
		cfg.OnCorruption = common.CorruptionIgnore
	})
	addr := types.PageAddr{Space: 15, PageNo: 1}
	writeGarbagePage(t, dm, addr)

	// prefetch-style fault: the guard is gone before the read settles
	g, err := p.GetPage(addr, LatchNone)
	require.NoError(t, err)
	g.Release()

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.PendingReads == 0 && !resident(p, addr) && s.FreeCount == 4
	}, time.Second, time.Millisecond)
}

func TestFlushDiscardsDroppedContainerPages(t *testing.T) {
	p, dm := newTestPool(t, 4, nil)
	addr := types.PageAddr{Space: 16, PageNo: 0}

	g := p.CreatePage(addr)
	copy(g.Payload(), []byte("doomed"))
	g.MarkDirty()
	g.Release()

	dm.DropSpace(16)

	// the write can never succeed; the page must not stay dirty forever
	p.FlushAll()
	s := p.Stats()
	assert.Zero(t, s.DirtyCount)
	assert.False(t, resident(p, addr))
	p.Close()
}

func TestHitNeverObservesUnreadFrame(t *testing.T) {
	p, dm := newTestPool(t, 64, nil)
	for i := 0; i < 32; i++ {
		writeDiskPage(t, dm, types.PageAddr{Space: 17, PageNo: types.PageNum(i)}, []byte("settled"))
	}

	// one goroutine faults the page, another hits it while the read is
	// in flight; a successful TryLatch must always see the disk image
	var eg errgroup.Group
	for i := 0; i < 32; i++ {
		addr := types.PageAddr{Space: 17, PageNo: types.PageNum(i)}
		eg.Go(func() error {
			g, err := p.GetPage(addr, LatchNone)
			if err != nil {
				return err
			}
			defer g.Release()
			return g.WaitReady()
		})
		eg.Go(func() error {
			for {
				g, err := p.GetPage(addr, LatchNone)
				if err != nil {
					return err
				}
				if g.TryLatch(LatchShared) {
					ok := bytes.Equal(g.Payload()[:7], []byte("settled"))
					g.Release()
					if !ok {
						return fmt.Errorf("page %s latched before its read finished", addr)
					}
					return nil
				}
				g.Release()
			}
		})
	}
	require.NoError(t, eg.Wait())
}

func TestResizeGrowShortfall(t *testing.T) {
	p, _ := newTestPool(t, 4, func(cfg *common.Config) {
		cfg.ChunkSizeBytes = ChunkBytesForPages(4)
	})

	// the remainder rounds down to zero frames; the pool stays as is
	p.Resize(ChunkBytesForPages(4) + 100)
	assert.Equal(t, 4, p.Stats().Capacity)
}

func TestCloseFlushesAndAudits(t *testing.T) {
	p, dm := newTestPool(t, 4, nil)

	g, err := p.GetPage(types.PageAddr{Space: 14, PageNo: 0}, LatchExclusive)
	require.NoError(t, err)
	copy(g.Payload(), []byte("at close"))
	g.MarkDirty()
	g.Release()

	p.Close()
	assert.Equal(t, uint64(1), dm.NumWrites())
	assert.Zero(t, p.PoolAudit())
}
