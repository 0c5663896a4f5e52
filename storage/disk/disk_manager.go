package disk

import (
	"errors"

	"github.com/ryogrid/samepool/lib/types"
)

// ErrSpaceGone is returned when an address resolves to a container
// that has been dropped. It is an expected outcome, not an I/O error.
var ErrSpaceGone = errors.New("container has been dropped")

// ErrPastEOF is returned for reads beyond the end of a container file.
var ErrPastEOF = errors.New("I/O error past end of file")

// DiskManager performs the reading and writing of pages to and from
// container files. The buffer pool supplies the frame buffers and is
// the only caller.
type DiskManager interface {
	ReadPage(addr types.PageAddr, pageData []byte) error
	WritePage(addr types.PageAddr, pageData []byte) error
	AllocatePage(space types.SpaceID) types.PageNum
	DeallocatePage(addr types.PageAddr)
	DropSpace(space types.SpaceID)
	SpaceDropped(space types.SpaceID) bool
	NumReads() uint64
	NumWrites() uint64
	Size(space types.SpaceID) int64
	ShutDown()
}
