// Package compress implements the length-prefixed LZ4 block codec used for
// video payloads: a 4-byte big-endian uncompressed length followed by one
// LZ4 block. Input the block layer cannot shrink is stored raw with the
// high bit of the prefix set, so Pack never fails and Unpack is total over
// Pack's output.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// storedRawBit marks a payload that is stored uncompressed after the prefix.
const storedRawBit = 0x80000000

// MaxUnpackedSize bounds the decoded size accepted by Unpack. Matches the
// largest frame the shared region can carry.
const MaxUnpackedSize = 2048 * 2048 * 4

var (
	ErrTruncated = errors.New("compress: truncated payload")
	ErrOversized = errors.New("compress: declared size too large")
	ErrCorrupt   = errors.New("compress: corrupt block")
)

// Pack compresses src into a self-describing payload.
func Pack(src []byte) []byte {
	bound := lz4.CompressBlockBound(len(src))
	dst := make([]byte, 4+bound)
	binary.BigEndian.PutUint32(dst, uint32(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst[4:])
	if err != nil || n == 0 || n >= len(src) {
		// Incompressible; store raw.
		dst = make([]byte, 4+len(src))
		binary.BigEndian.PutUint32(dst, uint32(len(src))|storedRawBit)
		copy(dst[4:], src)
		return dst
	}
	return dst[:4+n]
}

// Unpack reverses Pack.
func Unpack(src []byte) ([]byte, error) {
	if len(src) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(src))
	}
	prefix := binary.BigEndian.Uint32(src)
	size := prefix &^ storedRawBit
	if size > MaxUnpackedSize {
		return nil, fmt.Errorf("%w: %d", ErrOversized, size)
	}
	if prefix&storedRawBit != 0 {
		if uint32(len(src)-4) != size {
			return nil, fmt.Errorf("%w: stored size %d, have %d", ErrCorrupt, size, len(src)-4)
		}
		out := make([]byte, size)
		copy(out, src[4:])
		return out, nil
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(src[4:], out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if uint32(n) != size {
		return nil, fmt.Errorf("%w: decoded %d, declared %d", ErrCorrupt, n, size)
	}
	return out, nil
}
