package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const wsControlTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WSConn carries each message as one WebSocket binary message.
type WSConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex // gorilla allows one concurrent writer
	closed  atomic.Bool
}

func newWSConn(ws *websocket.Conn, maxMessageSize int) *WSConn {
	ws.SetReadLimit(int64(maxMessageSize))
	return &WSConn{ws: ws}
}

// DialWebSocket connects to a ws:// or wss:// url.
func DialWebSocket(ctx context.Context, url string, maxMessageSize int) (*WSConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(ws, maxMessageSize), nil
}

// Upgrade turns an HTTP request into a WSConn. On failure the upgrader has
// already replied to the client.
func Upgrade(w http.ResponseWriter, r *http.Request, maxMessageSize int) (*WSConn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(ws, maxMessageSize), nil
}

func (c *WSConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return nil, ErrClosed
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, ErrMessageTooLarge
			}
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *WSConn) WriteMessage(data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Ping sends a WebSocket ping control frame; the peer's library answers it.
func (c *WSConn) Ping() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsControlTimeout))
}

func (c *WSConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsControlTimeout))
	return c.ws.Close()
}

func (c *WSConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}
