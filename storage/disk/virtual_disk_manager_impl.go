package disk

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dsnet/golib/memfile"
	"github.com/ryogrid/samepool/lib/common"
	"github.com/ryogrid/samepool/lib/types"
)

// VirtualDiskManagerImpl keeps each container in a memory-backed file.
// Used by tests and for fully in-memory embedding.
type VirtualDiskManagerImpl struct {
	spaces     map[types.SpaceID]*memfile.File
	nextPageNo map[types.SpaceID]types.PageNum
	dropped    mapset.Set[types.SpaceID]
	numReads   uint64
	numWrites  uint64
	mu         sync.Mutex
}

func NewVirtualDiskManagerImpl() *VirtualDiskManagerImpl {
	return &VirtualDiskManagerImpl{
		spaces:     make(map[types.SpaceID]*memfile.File),
		nextPageNo: make(map[types.SpaceID]types.PageNum),
		dropped:    mapset.NewSet[types.SpaceID](),
	}
}

// space returns the backing file for a container, creating it if
// needed. Caller holds d.mu.
func (d *VirtualDiskManagerImpl) space(space types.SpaceID) *memfile.File {
	f, ok := d.spaces[space]
	if !ok {
		f = memfile.New(make([]byte, 0))
		d.spaces[space] = f
		d.nextPageNo[space] = 0
	}
	return f
}

func (d *VirtualDiskManagerImpl) WritePage(addr types.PageAddr, pageData []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dropped.Contains(addr.Space) {
		return ErrSpaceGone
	}
	f := d.space(addr.Space)
	offset := int64(addr.PageNo) * int64(common.PageSize)
	if _, err := f.WriteAt(pageData, offset); err != nil {
		return err
	}
	if next := addr.PageNo + 1; next > d.nextPageNo[addr.Space] {
		d.nextPageNo[addr.Space] = next
	}
	d.numWrites++
	return nil
}

func (d *VirtualDiskManagerImpl) ReadPage(addr types.PageAddr, pageData []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dropped.Contains(addr.Space) {
		return ErrSpaceGone
	}
	f := d.space(addr.Space)
	offset := int64(addr.PageNo) * int64(common.PageSize)
	if offset+int64(len(pageData)) > int64(len(f.Bytes())) {
		// allocated but never written pages read back as zeros
		for i := range pageData {
			pageData[i] = 0
		}
		d.numReads++
		return nil
	}
	if _, err := f.ReadAt(pageData, offset); err != nil {
		return err
	}
	d.numReads++
	return nil
}

func (d *VirtualDiskManagerImpl) AllocatePage(space types.SpaceID) types.PageNum {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.space(space)
	no := d.nextPageNo[space]
	d.nextPageNo[space] = no + 1
	return no
}

func (d *VirtualDiskManagerImpl) DeallocatePage(addr types.PageAddr) {}

func (d *VirtualDiskManagerImpl) DropSpace(space types.SpaceID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.spaces, space)
	delete(d.nextPageNo, space)
	d.dropped.Add(space)
}

func (d *VirtualDiskManagerImpl) SpaceDropped(space types.SpaceID) bool {
	return d.dropped.Contains(space)
}

func (d *VirtualDiskManagerImpl) NumReads() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numReads
}

func (d *VirtualDiskManagerImpl) NumWrites() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numWrites
}

func (d *VirtualDiskManagerImpl) Size(space types.SpaceID) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.spaces[space]
	if !ok {
		return 0
	}
	return int64(len(f.Bytes()))
}

func (d *VirtualDiskManagerImpl) ShutDown() {}
