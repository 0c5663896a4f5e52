package buffer

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ryogrid/samepool/lib/common"
	"github.com/ryogrid/samepool/lib/types"
)

// readAhead tracks per-container access patterns and speculatively
// faults in pages predicted to be accessed soon. Prefetch faults
// populate the cache without holding fixes for any caller.
type readAhead struct {
	cfg common.Config

	mu       sync.Mutex
	lastPage map[types.SpaceID]types.PageNum
	runLen   map[types.SpaceID]int // >0 forward run, <0 backward run

	issued mapset.Set[types.PageAddr]
}

func newReadAhead(cfg common.Config) *readAhead {
	return &readAhead{
		cfg:      cfg,
		lastPage: make(map[types.SpaceID]types.PageNum),
		runLen:   make(map[types.SpaceID]int),
		issued:   mapset.NewSet[types.PageAddr](),
	}
}

// onAccess updates the run tracking for addr's container and decides
// whether to trigger linear or random read-ahead.
func (ra *readAhead) onAccess(p *BufferPool, addr types.PageAddr) {
	if ra.cfg.ReadAheadDisabled {
		return
	}

	ra.mu.Lock()
	last, seen := ra.lastPage[addr.Space]
	run := ra.runLen[addr.Space]
	switch {
	case seen && addr.PageNo == last+1:
		if run >= 0 {
			run++
		} else {
			run = 1
		}
	case seen && last > 0 && addr.PageNo == last-1:
		if run <= 0 {
			run--
		} else {
			run = -1
		}
	case seen && addr.PageNo == last:
		// repeated touch, keep the run
	default:
		run = 0
	}
	ra.lastPage[addr.Space] = addr.PageNo
	ra.runLen[addr.Space] = run
	ra.mu.Unlock()

	extStart := addr.PageNo - addr.PageNo%common.ExtentPages
	atBoundary := addr.PageNo == extStart ||
		addr.PageNo == extStart+common.ExtentPages-1

	if atBoundary && ra.cfg.ReadAheadLinearRun > 0 {
		if run >= ra.cfg.ReadAheadLinearRun {
			ra.prefetchExtent(p, addr.Space, extStart+common.ExtentPages)
		} else if -run >= ra.cfg.ReadAheadLinearRun && extStart >= common.ExtentPages {
			ra.prefetchExtent(p, addr.Space, extStart-common.ExtentPages)
		}
	}

	if ra.cfg.ReadAheadRandomResident > 0 {
		resident := 0
		for i := types.PageNum(0); i < common.ExtentPages; i++ {
			if _, ok := p.table.lookup(types.PageAddr{Space: addr.Space, PageNo: extStart + i}); ok {
				resident++
			}
		}
		if resident >= ra.cfg.ReadAheadRandomResident {
			ra.prefetchExtent(p, addr.Space, extStart)
		}
	}
}

// prefetchExtent issues background faults for the extent's pages that
// are neither resident nor already being prefetched. Pages past the
// container's end are skipped.
func (ra *readAhead) prefetchExtent(p *BufferPool, space types.SpaceID, start types.PageNum) {
	sizePages := types.PageNum(p.disk.Size(space) / common.PageSize)
	for i := types.PageNum(0); i < common.ExtentPages; i++ {
		a := types.PageAddr{Space: space, PageNo: start + i}
		if a.PageNo >= sizePages {
			continue
		}
		if _, ok := p.table.lookup(a); ok {
			continue
		}
		if !ra.issued.Add(a) {
			continue
		}
		go func(a types.PageAddr) {
			defer ra.issued.Remove(a)
			g, err := p.fetch(a, LatchNone, true)
			if err != nil {
				return
			}
			g.Release()
		}(a)
	}
}
