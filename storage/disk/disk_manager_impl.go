package disk

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ncw/directio"
	"github.com/ryogrid/samepool/lib/common"
	"github.com/ryogrid/samepool/lib/types"
)

// DiskManagerImpl stores each container in its own O_DIRECT file under
// a base directory. Files are opened lazily on first access.
type DiskManagerImpl struct {
	baseDir    string
	files      map[types.SpaceID]*os.File
	nextPageNo map[types.SpaceID]types.PageNum
	dropped    mapset.Set[types.SpaceID]
	numReads   uint64
	numWrites  uint64
	mu         sync.Mutex
}

// NewDiskManagerImpl returns a DiskManager rooted at baseDir.
func NewDiskManagerImpl(baseDir string) (*DiskManagerImpl, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("can't create container dir: %w", err)
	}
	return &DiskManagerImpl{
		baseDir:    baseDir,
		files:      make(map[types.SpaceID]*os.File),
		nextPageNo: make(map[types.SpaceID]types.PageNum),
		dropped:    mapset.NewSet[types.SpaceID](),
	}, nil
}

func (d *DiskManagerImpl) spacePath(space types.SpaceID) string {
	return filepath.Join(d.baseDir, fmt.Sprintf("space_%d.db", space))
}

// file returns the open file for space, opening it if needed.
// Caller holds d.mu.
func (d *DiskManagerImpl) file(space types.SpaceID) (*os.File, error) {
	if f, ok := d.files[space]; ok {
		return f, nil
	}
	f, err := directio.OpenFile(d.spacePath(space), os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("can't open container file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("container file stat: %w", err)
	}
	d.files[space] = f
	d.nextPageNo[space] = types.PageNum(info.Size() / common.PageSize)
	return f, nil
}

func (d *DiskManagerImpl) WritePage(addr types.PageAddr, pageData []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dropped.Contains(addr.Space) {
		return ErrSpaceGone
	}
	f, err := d.file(addr.Space)
	if err != nil {
		return err
	}

	offset := int64(addr.PageNo) * int64(common.PageSize)
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	// this works because directio.BlockSize == common.PageSize
	block := directio.AlignedBlock(directio.BlockSize)
	copy(block, pageData)
	n, err := f.Write(block)
	if err != nil {
		return err
	}
	if n != common.PageSize {
		panic("bytes written not equals page size")
	}
	d.numWrites++
	return nil
}

func (d *DiskManagerImpl) ReadPage(addr types.PageAddr, pageData []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dropped.Contains(addr.Space) {
		return ErrSpaceGone
	}
	f, err := d.file(addr.Space)
	if err != nil {
		return err
	}

	offset := int64(addr.PageNo) * int64(common.PageSize)
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if offset > info.Size() {
		return ErrPastEOF
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	block := directio.AlignedBlock(directio.BlockSize)
	n, err := f.Read(block)
	if err != nil && err != io.EOF {
		return err
	}
	if n < common.PageSize {
		// allocated but never written: hand back a zero page
		for i := range block {
			block[i] = 0
		}
	}
	copy(pageData, block)
	d.numReads++
	return nil
}

func (d *DiskManagerImpl) AllocatePage(space types.SpaceID) types.PageNum {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.file(space); err != nil {
		panic(fmt.Sprintf("AllocatePage: %v", err))
	}
	no := d.nextPageNo[space]
	d.nextPageNo[space] = no + 1
	return no
}

// DeallocatePage is a no-op for now; tracking freed pages needs a
// bitmap in a container header page.
func (d *DiskManagerImpl) DeallocatePage(addr types.PageAddr) {}

// DropSpace removes the container file and marks the space gone.
// Subsequent reads and writes return ErrSpaceGone.
func (d *DiskManagerImpl) DropSpace(space types.SpaceID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if f, ok := d.files[space]; ok {
		f.Close()
		delete(d.files, space)
		delete(d.nextPageNo, space)
		os.Remove(d.spacePath(space))
	}
	d.dropped.Add(space)
}

func (d *DiskManagerImpl) SpaceDropped(space types.SpaceID) bool {
	return d.dropped.Contains(space)
}

func (d *DiskManagerImpl) NumReads() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numReads
}

func (d *DiskManagerImpl) NumWrites() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numWrites
}

func (d *DiskManagerImpl) Size(space types.SpaceID) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.files[space]
	if !ok {
		return 0
	}
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// ShutDown closes all container files.
func (d *DiskManagerImpl) ShutDown() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for space, f := range d.files {
		if err := f.Close(); err != nil {
			panic("close of container file failed")
		}
		delete(d.files, space)
	}
}
