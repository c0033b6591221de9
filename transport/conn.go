// Package transport moves chunk frames between peers and multiplexes RPC calls
// over a single connection.
//
// A Conn is message-oriented: one WriteMessage on one side is one ReadMessage
// on the other, so a chunk frame never needs its own length prefix. Two
// implementations exist: StreamConn frames messages over TCP or unix sockets,
// WSConn uses WebSocket binary messages.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"chunk-rpc/transfer"
)

var (
	// ErrClosed is returned by operations on a closed connection or transport.
	ErrClosed = errors.New("transport: connection closed")
	// ErrMessageTooLarge is returned when a peer announces a message above the read limit.
	ErrMessageTooLarge = errors.New("transport: message too large")
)

// Conn is a message-oriented, full-duplex connection. WriteMessage and Ping
// may be called concurrently; ReadMessage must have a single caller.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	Close() error
	RemoteAddr() net.Addr
}

// NetworkWS selects the WebSocket transport in Dial and server.Serve.
const NetworkWS = "ws"

// DefaultWSPath is the HTTP path the server upgrades on.
const DefaultWSPath = "/chunk-rpc"

const dialTimeout = 5 * time.Second

// Dial opens a Conn to addr. network is "tcp", "unix" or "ws"; for "ws" addr
// may be a full ws:// URL or host:port, which is served on DefaultWSPath.
// maxMessageSize <= 0 uses the size of the largest default frame.
func Dial(ctx context.Context, network, addr string, maxMessageSize int) (Conn, error) {
	if maxMessageSize <= 0 {
		maxMessageSize = transfer.DefaultConfig().MaxFrameSize()
	}

	switch network {
	case NetworkWS:
		url := addr
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			url = "ws://" + addr + DefaultWSPath
		}
		return DialWebSocket(ctx, url, maxMessageSize)
	case "tcp", "tcp4", "tcp6", "unix":
		d := net.Dialer{Timeout: dialTimeout}
		c, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return NewStreamConn(c, maxMessageSize), nil
	}
	return nil, fmt.Errorf("transport: unsupported network %q", network)
}
