// Package protocol implements the chunk frame format used by chunk-rpc.
//
// One frame travels as one message on a message-oriented connection, so the
// body carries no length prefix: its length is the frame length minus the
// fixed 28-byte header.
//
// Frame format (big-endian):
//
//	0                16          24        28
//	┌────────────────┬───────────┬─────────┬───────────────┐
//	│ correlation id │ totalSize │  index  │    body ...   │
//	│    16 bytes    │  uint64   │ uint32  │ rest of frame │
//	└────────────────┴───────────┴─────────┴───────────────┘
//
// totalSize is the size of the whole serialized transfer, not of this frame.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const HeaderSize = 28 // 16 (correlation id) + 8 (totalSize) + 4 (index)

// ErrMalformedFrame is returned for frames that cannot be a valid chunk frame.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Header is the fixed frame header.
type Header struct {
	ID        uuid.UUID // Correlation id shared by every frame of one transfer
	TotalSize uint64    // Byte length of the complete serialized payload
	Index     uint32    // Zero-based position of this frame within the transfer
}

// BuildFrame returns header and body as one frame.
func BuildFrame(h *Header, body []byte) []byte {
	buf := make([]byte, HeaderSize+len(body))
	copy(buf[0:16], h.ID[:])
	binary.BigEndian.PutUint64(buf[16:24], h.TotalSize)
	binary.BigEndian.PutUint32(buf[24:28], h.Index)
	copy(buf[HeaderSize:], body)
	return buf
}

// ParseFrame splits a frame into its header and body. The body aliases data.
func ParseFrame(data []byte) (*Header, []byte, error) {
	if len(data) < HeaderSize {
		return nil, nil, fmt.Errorf("%w: %d bytes is smaller than the %d-byte header", ErrMalformedFrame, len(data), HeaderSize)
	}

	h := &Header{
		TotalSize: binary.BigEndian.Uint64(data[16:24]),
		Index:     binary.BigEndian.Uint32(data[24:28]),
	}
	copy(h.ID[:], data[0:16])
	return h, data[HeaderSize:], nil
}
