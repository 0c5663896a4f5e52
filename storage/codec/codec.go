package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// PageCodec compresses and decompresses page payloads. A failure to
// inflate a stored image is corruption and must be propagated, never
// ignored.
type PageCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewPageCodec() *PageCodec {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("zstd encoder init: %v", err))
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("zstd decoder init: %v", err))
	}
	return &PageCodec{enc: enc, dec: dec}
}

// Compress returns the compressed image of a page payload.
func (c *PageCodec) Compress(payload []byte) []byte {
	return c.enc.EncodeAll(payload, nil)
}

// Decompress inflates zip into payload, which must be exactly the
// uncompressed size.
func (c *PageCodec) Decompress(zip, payload []byte) error {
	out, err := c.dec.DecodeAll(zip, nil)
	if err != nil {
		return fmt.Errorf("page image inflate: %w", err)
	}
	if len(out) != len(payload) {
		return fmt.Errorf("page image inflate: got %d bytes, want %d", len(out), len(payload))
	}
	copy(payload, out)
	return nil
}
