package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"chunk-rpc/message"
)

// ErrShortBuffer is returned when binary data ends before a declared field does.
var ErrShortBuffer = errors.New("BinaryCodec: data too short")

// BinaryCodec encodes *message.ServiceMessage as
//
//	u16 len | name | u32 len | body | u16 len | error
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *ServiceMessage
	msg, ok := v.(*message.ServiceMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *ServiceMessage")
	}
	if len(msg.Name) > math.MaxUint16 || len(msg.Error) > math.MaxUint16 {
		return nil, errors.New("BinaryCodec: name or error longer than 65535 bytes")
	}
	if uint64(len(msg.Body)) > math.MaxUint32 {
		return nil, errors.New("BinaryCodec: body longer than 4 GiB")
	}

	total := 2 + len(msg.Name) + 4 + len(msg.Body) + 2 + len(msg.Error)
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.Name)))
	offset += 2
	offset += copy(buf[offset:], msg.Name)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(msg.Body)))
	offset += 4
	offset += copy(buf[offset:], msg.Body)

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.Error)))
	offset += 2
	copy(buf[offset:], msg.Error)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *ServiceMessage
	msg, ok := v.(*message.ServiceMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *ServiceMessage")
	}

	r := reader{data: data}

	nameLen, err := r.uint16()
	if err != nil {
		return err
	}
	name, err := r.bytes(int(nameLen))
	if err != nil {
		return err
	}

	bodyLen, err := r.uint32()
	if err != nil {
		return err
	}
	body, err := r.bytes(int(bodyLen))
	if err != nil {
		return err
	}

	errLen, err := r.uint16()
	if err != nil {
		return err
	}
	errText, err := r.bytes(int(errLen))
	if err != nil {
		return err
	}

	msg.Name = string(name)
	msg.Body = append([]byte(nil), body...)
	msg.Error = string(errText)
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type reader struct {
	data   []byte
	offset int
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || len(r.data)-r.offset < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, r.offset, len(r.data)-r.offset)
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}
