package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"chunk-rpc/transfer"
)

// Stream envelope (big-endian):
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬───────────────┐
//	│magic │v │mt│ length  │  message ...  │
//	│ mrp  │01│  │ uint32  │ length bytes  │
//	└──────┴──┴──┴─────────┴───────────────┘
//
// The magic rejects non-protocol peers (e.g., HTTP clients hitting the wrong
// port). Heartbeats carry no message and are consumed by ReadMessage.
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01

	EnvelopeSize = 9 // 3 (magic) + 1 (version) + 1 (msgType) + 4 (length)
)

// MsgType distinguishes data and heartbeat envelopes.
type MsgType byte

const (
	MsgTypeData      MsgType = 0
	MsgTypeHeartbeat MsgType = 1
)

// StreamConn carries messages over a byte stream such as TCP.
type StreamConn struct {
	conn           net.Conn
	r              *bufio.Reader
	maxMessageSize int
	writeMu        sync.Mutex // one envelope at a time, or headers and bodies interleave
	closed         atomic.Bool
}

// NewStreamConn wraps c. Messages announced above maxMessageSize are rejected
// before their body is read.
func NewStreamConn(c net.Conn, maxMessageSize int) *StreamConn {
	if maxMessageSize <= 0 {
		maxMessageSize = transfer.DefaultConfig().MaxFrameSize()
	}
	return &StreamConn{
		conn:           c,
		r:              bufio.NewReader(c),
		maxMessageSize: maxMessageSize,
	}
}

func (s *StreamConn) ReadMessage() ([]byte, error) {
	var hdr [EnvelopeSize]byte
	for {
		if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
			return nil, s.readErr(err)
		}

		if hdr[0] != MagicNumber || hdr[1] != MagicByte2 || hdr[2] != MagicByte3 {
			return nil, fmt.Errorf("transport: invalid magic number: %x", hdr[0:3])
		}
		if hdr[3] != Version {
			return nil, fmt.Errorf("transport: unsupported version: %d", hdr[3])
		}

		length := binary.BigEndian.Uint32(hdr[5:9])
		switch MsgType(hdr[4]) {
		case MsgTypeHeartbeat:
			if length != 0 {
				return nil, fmt.Errorf("transport: heartbeat with %d-byte body", length)
			}
			continue
		case MsgTypeData:
		default:
			return nil, fmt.Errorf("transport: unsupported message type: %d", hdr[4])
		}

		if uint64(length) > uint64(s.maxMessageSize) {
			return nil, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, length, s.maxMessageSize)
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(s.r, data); err != nil {
			return nil, s.readErr(err)
		}
		return data, nil
	}
}

func (s *StreamConn) WriteMessage(data []byte) error {
	return s.write(MsgTypeData, data)
}

// Ping writes a heartbeat envelope.
func (s *StreamConn) Ping() error {
	return s.write(MsgTypeHeartbeat, nil)
}

func (s *StreamConn) write(mt MsgType, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	var hdr [EnvelopeSize]byte
	hdr[0], hdr[1], hdr[2] = MagicNumber, MagicByte2, MagicByte3
	hdr[3] = Version
	hdr[4] = byte(mt)
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(data)))

	buffs := net.Buffers{hdr[:], data}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := buffs.WriteTo(s.conn)
	return err
}

func (s *StreamConn) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

func (s *StreamConn) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *StreamConn) readErr(err error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return err
}
