package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"chunk-rpc/codec"
	"chunk-rpc/message"
	"chunk-rpc/transfer"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultHeartbeatInterval = 30 * time.Second

// Direction tells whether a progress report is about a request or a response.
type Direction int

const (
	Upload   Direction = iota // request bytes acknowledged by the server
	Download                  // response bytes received so far
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// ProgressFunc receives transfer progress for calls on a transport. It runs on
// the caller of Send (initial upload report) or on the receive goroutine.
type ProgressFunc func(dir Direction, p transfer.Progress)

// Options configures a ClientTransport. The zero value is usable.
type Options struct {
	Codec             codec.CodecType
	Transfer          transfer.Config
	HeartbeatInterval time.Duration // 0 means DefaultHeartbeatInterval, negative disables
	OnProgress        ProgressFunc
	Logger            *zap.Logger
}

// ClientTransport enables multiple concurrent RPC calls over a single connection.
// Each request gets a fresh correlation id, is split into chunk frames by a
// transfer.Engine, and a background goroutine (recvLoop) reassembles incoming
// frames and routes complete responses to the caller via pending channels.
//
//	goroutine-1 ──Send(id=a)──┐
//	goroutine-2 ──Send(id=b)──┼──→ single Conn ──→ Server
//	goroutine-3 ──Send(id=c)──┘
//
//	recvLoop:  ←── frames(id=b) → engine → pending[b] chan ← response → goroutine-2 wakes up
type ClientTransport struct {
	conn   Conn
	engine *transfer.Engine[message.ServiceMessage]
	opts   Options
	log    *zap.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]chan *message.ServiceMessage // each request waits on its own channel
	err     error                                      // set once the transport is unusable

	done      chan struct{}
	closeOnce sync.Once
}

// NewClientTransport creates a transport for the given connection and starts two background goroutines:
//   - recvLoop: continuously reads frames and dispatches complete responses to pending callers
//   - heartbeatLoop: pings periodically to detect dead connections
func NewClientTransport(conn Conn, opts Options) *ClientTransport {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Transfer.Logger == nil {
		opts.Transfer.Logger = opts.Logger
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}

	t := &ClientTransport{
		conn:    conn,
		engine:  transfer.New[message.ServiceMessage](codec.GetCodec(opts.Codec), opts.Transfer),
		opts:    opts,
		log:     opts.Logger,
		pending: make(map[uuid.UUID]chan *message.ServiceMessage),
		done:    make(chan struct{}),
	}
	go t.recvLoop()
	if opts.HeartbeatInterval > 0 {
		go t.heartbeatLoop(opts.HeartbeatInterval)
	}
	return t
}

// Send serializes args, splits the request into frames and writes them.
// Returns the correlation id and a channel that will receive the response.
// A request above the transfer size limit fails here with
// transfer.ErrSizeLimitExceeded and nothing is written.
func (t *ClientTransport) Send(serviceMethod string, args any) (uuid.UUID, <-chan *message.ServiceMessage, error) {
	// Step 1: Serialize args to JSON bytes
	body, err := json.Marshal(args)
	if err != nil {
		return uuid.Nil, nil, err
	}

	// Step 2: Wrap in ServiceMessage and split into frames
	id := uuid.New()
	enc, err := t.engine.Encode(id, message.ServiceMessage{Name: serviceMethod, Body: body})
	if err != nil {
		return uuid.Nil, nil, err
	}

	// Step 3: Register a response channel BEFORE sending (avoid race with recvLoop)
	respChan, err := t.register(id)
	if err != nil {
		return uuid.Nil, nil, err
	}
	t.progress(Upload, transfer.Progress{ID: id, TotalSize: enc.TotalSize})

	// Step 4: Write the frames in order. The Conn serializes individual
	// writes, so frames of concurrent calls may interleave.
	for _, frame := range enc.Frames {
		if err := t.conn.WriteMessage(frame); err != nil {
			t.take(id) // Clean up on failure
			return uuid.Nil, nil, err
		}
	}

	return id, respChan, nil
}

// Cancel forgets a pending call; a late response for it is dropped.
func (t *ClientTransport) Cancel(id uuid.UUID) {
	t.take(id)
}

// Err returns the error that made the transport unusable, or nil.
func (t *ClientTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close closes the connection, fails every pending call with ErrClosed and
// drops partial responses.
func (t *ClientTransport) Close() error {
	t.fail(ErrClosed)
	return nil
}

// RemoteAddr returns the peer address of the underlying connection.
func (t *ClientTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// recvLoop runs in a dedicated goroutine, reading one frame at a time.
// Reads must be sequential: the engine's Decode is not safe for concurrent
// frames of the same transfer.
func (t *ClientTransport) recvLoop() {
	for {
		data, err := t.conn.ReadMessage()
		if err != nil {
			// Connection broken, fail every pending call
			t.fail(err)
			return
		}

		res, err := t.engine.Decode(data)
		if err != nil {
			var fe *transfer.FrameError
			if errors.As(err, &fe) {
				if ch := t.take(fe.ID); ch != nil {
					ch <- &message.ServiceMessage{Error: err.Error()}
					continue
				}
			}
			t.log.Warn("transport: dropped frame", zap.String("remote", t.RemoteAddr()), zap.Error(err))
			continue
		}

		if !res.Complete {
			t.progress(Download, res.Progress)
			continue
		}

		resp := res.Message
		if resp.IsProgress() {
			var p message.ProgressBody
			if err := json.Unmarshal(resp.Body, &p); err != nil {
				t.log.Warn("transport: bad progress ack", zap.Stringer("id", res.ID), zap.Error(err))
				continue
			}
			t.progress(Upload, transfer.Progress{ID: res.ID, TotalSize: p.TotalSize, CompletedSize: p.CompletedSize})
			continue
		}

		// Route the response to the correct caller using the correlation id
		if ch := t.take(res.ID); ch != nil {
			ch <- &resp
		} else {
			t.log.Debug("transport: dropped response", zap.Stringer("id", res.ID), zap.String("name", resp.Name))
		}
	}
}

// heartbeatLoop pings the peer to keep the connection alive. A failed ping
// means the connection is gone; recvLoop reports it to the callers.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.Ping(); err != nil {
				t.log.Debug("transport: heartbeat failed", zap.String("remote", t.RemoteAddr()), zap.Error(err))
				return
			}
		}
	}
}

func (t *ClientTransport) register(id uuid.UUID) (chan *message.ServiceMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	ch := make(chan *message.ServiceMessage, 1) // Buffered to prevent recvLoop from blocking
	t.pending[id] = ch
	return ch, nil
}

func (t *ClientTransport) take(id uuid.UUID) chan *message.ServiceMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := t.pending[id]
	delete(t.pending, id)
	return ch
}

// fail marks the transport unusable and sends an error message to every
// pending caller so they don't block forever waiting for a response.
func (t *ClientTransport) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	pending := t.pending
	t.pending = make(map[uuid.UUID]chan *message.ServiceMessage)
	t.mu.Unlock()

	for _, ch := range pending {
		ch <- &message.ServiceMessage{Error: err.Error()}
	}

	t.closeOnce.Do(func() {
		close(t.done)
		if cerr := t.conn.Close(); cerr != nil {
			t.log.Debug("transport: close", zap.Error(cerr))
		}
		t.engine.Dispose()
	})
}

func (t *ClientTransport) progress(dir Direction, p transfer.Progress) {
	if t.opts.OnProgress != nil {
		t.opts.OnProgress(dir, p)
	}
}
