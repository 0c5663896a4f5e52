package page

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/ryogrid/samepool/lib/common"
	"github.com/ryogrid/samepool/lib/types"
)

// On-frame layout. The cache only inspects this small header and the
// trailing checksum; everything between is caller-opaque payload.
//
//	offset 0  (4B)  space id
//	offset 4  (4B)  page number
//	offset 8  (2B)  flags
//	offset 10 (2B)  compressed payload length (0 when uncompressed)
//	offset 12 ...   payload
//	tail   -8 (8B)  xxhash64 of frame[:PageSize-8]
const (
	offSpaceID  = 0
	offPageNo   = 4
	offFlags    = 8
	offZipLen   = 10
	HeaderSize  = 12
	TrailerSize = 8

	// PayloadSize is the number of caller-usable bytes per frame.
	PayloadSize = common.PageSize - HeaderSize - TrailerSize
)

const (
	flagCompressed uint16 = 1 << iota
	flagFresh
)

// SetAddress stamps the page's own address into the frame header.
func SetAddress(frame []byte, addr types.PageAddr) {
	binary.LittleEndian.PutUint32(frame[offSpaceID:], uint32(addr.Space))
	binary.LittleEndian.PutUint32(frame[offPageNo:], uint32(addr.PageNo))
}

// Address returns the address stamped into the frame header.
func Address(frame []byte) types.PageAddr {
	return types.PageAddr{
		Space:  types.SpaceID(binary.LittleEndian.Uint32(frame[offSpaceID:])),
		PageNo: types.PageNum(binary.LittleEndian.Uint32(frame[offPageNo:])),
	}
}

// Payload returns the caller-usable region of the frame.
func Payload(frame []byte) []byte {
	return frame[HeaderSize : common.PageSize-TrailerSize]
}

func IsCompressed(frame []byte) bool {
	return binary.LittleEndian.Uint16(frame[offFlags:])&flagCompressed != 0
}

// ZipLen returns the stored length of the compressed payload.
func ZipLen(frame []byte) int {
	return int(binary.LittleEndian.Uint16(frame[offZipLen:]))
}

// MarkCompressed flags the frame as holding a compressed payload of
// zipLen bytes.
func MarkCompressed(frame []byte, zipLen int) {
	flags := binary.LittleEndian.Uint16(frame[offFlags:])
	binary.LittleEndian.PutUint16(frame[offFlags:], flags|flagCompressed)
	binary.LittleEndian.PutUint16(frame[offZipLen:], uint16(zipLen))
}

// ClearCompressed removes the compressed marker after the payload has
// been inflated in place.
func ClearCompressed(frame []byte) {
	flags := binary.LittleEndian.Uint16(frame[offFlags:])
	binary.LittleEndian.PutUint16(frame[offFlags:], flags&^flagCompressed)
	binary.LittleEndian.PutUint16(frame[offZipLen:], 0)
}

// MarkFresh flags a page created in memory that was never read from
// disk.
func MarkFresh(frame []byte) {
	flags := binary.LittleEndian.Uint16(frame[offFlags:])
	binary.LittleEndian.PutUint16(frame[offFlags:], flags|flagFresh)
}

// UpdateChecksum recomputes the trailer checksum over the frame body.
// Must be called before every write-back.
func UpdateChecksum(frame []byte) {
	sum := xxhash.Sum64(frame[:common.PageSize-TrailerSize])
	binary.LittleEndian.PutUint64(frame[common.PageSize-TrailerSize:], sum)
}

// VerifyChecksum reports whether the trailer checksum matches the
// frame body.
func VerifyChecksum(frame []byte) bool {
	sum := xxhash.Sum64(frame[:common.PageSize-TrailerSize])
	return binary.LittleEndian.Uint64(frame[common.PageSize-TrailerSize:]) == sum
}

// IsZero reports whether the frame is entirely zero. A zero frame is a
// page that was allocated on disk but never written; it is valid and
// belongs to whatever address it was read for.
func IsZero(frame []byte) bool {
	for _, b := range frame {
		if b != 0 {
			return false
		}
	}
	return true
}
