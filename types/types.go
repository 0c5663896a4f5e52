package types

import "fmt"

// SpaceID identifies a container (tablespace file).
type SpaceID uint32

// PageNum is a page's number within its container.
type PageNum uint32

// PageAddr uniquely identifies a page across the whole system.
// It is immutable once assigned and is the buffer pool's hash key.
type PageAddr struct {
	Space  SpaceID
	PageNo PageNum
}

func (a PageAddr) String() string {
	return fmt.Sprintf("%d:%d", a.Space, a.PageNo)
}
