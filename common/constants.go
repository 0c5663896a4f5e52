package common

// PageSize is the size of one page frame in bytes.
// This must equal directio.BlockSize: the disk managers write whole
// aligned blocks and the chunk allocator aligns frames to this size.
const PageSize = 4096

// ExtentPages is the number of pages in one read-ahead extent.
// Read-ahead heuristics are evaluated when an access crosses an
// extent boundary.
const ExtentPages = 64
