// Package server implements the RPC server with service registration, middleware chain,
// chunked request reassembly, parallel request processing, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → ServeConn (single goroutine reads frames into a per-connection transfer.Engine)
//	  → partial request: progress ack to the client
//	  → complete request: handleRequest on a tracked goroutine (parallel processing)
//	    → Middleware Chain → businessHandler (reflect.Call) → Engine.Encode → write response frames
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chunk-rpc/cache"
	"chunk-rpc/codec"
	"chunk-rpc/message"
	"chunk-rpc/middleware"
	"chunk-rpc/protocol"
	"chunk-rpc/registry"
	"chunk-rpc/transfer"
	"chunk-rpc/transport"

	"github.com/google/uuid"
	"github.com/zhiqiangxu/util"
	"go.uber.org/zap"
)

// Config configures a Server. The zero value is usable.
type Config struct {
	Codec               codec.CodecType
	Transfer            transfer.Config
	DisableProgressAcks bool          // do not acknowledge partial uploads
	RegisterTTL         int64         // registry lease TTL in seconds, 10 if zero
	RegistryTimeout     time.Duration // per registry call, 5s if zero
	WSPath              string        // upgrade path for network "ws", transport.DefaultWSPath if empty
	Logger              *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.RegisterTTL <= 0 {
		c.RegisterTTL = 10
	}
	if c.RegistryTimeout <= 0 {
		c.RegistryTimeout = 5 * time.Second
	}
	if c.WSPath == "" {
		c.WSPath = transport.DefaultWSPath
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Transfer.Logger == nil {
		c.Transfer.Logger = c.Logger
	}
	return c
}

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	cfg   Config
	codec codec.Codec
	log   *zap.Logger

	mu            sync.RWMutex
	serviceMap    map[string]*service // Registered services: "Echo" → *service
	listener      net.Listener
	httpServer    *http.Server
	conns         map[transport.Conn]struct{} // open connections, closed on shutdown
	registry      registry.Registry           // nil if not using discovery
	advertiseAddr string                      // Address registered in the registry (e.g., "127.0.0.1:8080")

	wg          sync.WaitGroup // Tracks in-flight requests for graceful shutdown
	shutdown    atomic.Bool    // Set during shutdown to suppress Accept errors
	middlewares []middleware.Middleware
	handlerOnce sync.Once
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))
}

// NewServer creates a new RPC server with an empty service map.
func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:        cfg,
		codec:      codec.GetCodec(cfg.Codec),
		log:        cfg.Logger,
		serviceMap: make(map[string]*service),
		conns:      make(map[transport.Conn]struct{}),
	}
}

// Register registers a service receiver (e.g., &Echo{}) with the server.
// The struct's exported methods that match the RPC signature will be available for remote calls.
func (svr *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}

	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, dup := svr.serviceMap[svc.name]; dup {
		return fmt.Errorf("rpc: service already defined: %s", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and must be registered before the first request is served.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and serves until Shutdown. network is "tcp",
// "unix" or "ws" (WebSocket over TCP on Config.WSPath).
//
// Parameters:
//   - advertiseAddr: the address to register (e.g., "127.0.0.1:8080").
//     This differs from the listen address because ":8080" resolves to "[::]:8080" locally.
//   - reg: the registry implementation. Pass nil to skip service discovery.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listenNetwork := network
	if network == transport.NetworkWS {
		listenNetwork = "tcp"
	}
	listener, err := net.Listen(listenNetwork, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener, network, advertiseAddr, reg)
}

// ServeListener is Serve on an existing listener. An empty advertiseAddr
// registers the listener's own address.
func (svr *Server) ServeListener(listener net.Listener, network string, advertiseAddr string, reg registry.Registry) error {
	if advertiseAddr == "" {
		advertiseAddr = listener.Addr().String()
	}

	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		listener.Close()
		return nil
	}
	svr.listener = listener
	svr.advertiseAddr = advertiseAddr
	svr.registry = reg
	svr.mu.Unlock()

	svr.chain()

	if reg != nil {
		if err := svr.registerAll(network, advertiseAddr); err != nil {
			listener.Close()
			return err
		}
	}

	svr.log.Info("server: serving",
		zap.String("network", network),
		zap.Stringer("addr", listener.Addr()),
		zap.String("advertise", advertiseAddr))

	if network == transport.NetworkWS {
		return svr.serveHTTP(listener)
	}

	maxMessageSize := svr.cfg.Transfer.MaxFrameSize()
	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.ServeConn(transport.NewStreamConn(conn, maxMessageSize))
	}
}

func (svr *Server) serveHTTP(listener net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(svr.cfg.WSPath, svr)

	hs := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	svr.mu.Lock()
	svr.httpServer = hs
	svr.mu.Unlock()

	err := hs.Serve(listener)
	// Shutdown closes either hs or, if it ran before hs was stored, the listener.
	if svr.shutdown.Load() {
		return nil
	}
	return err
}

// ServeHTTP upgrades the request to a WebSocket and serves it as one connection.
func (svr *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Upgrade(w, r, svr.cfg.Transfer.MaxFrameSize())
	if err != nil {
		svr.log.Warn("server: websocket upgrade", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	svr.ServeConn(conn)
}

// ServeConn serves one connection until it breaks or the server shuts down.
// It runs a single read loop (frames of a transfer must be decoded in order
// of arrival) and dispatches each complete request to its own goroutine.
func (svr *Server) ServeConn(conn transport.Conn) {
	if !svr.track(conn) {
		conn.Close()
		return
	}
	defer svr.untrack(conn)
	svr.chain()

	engine := transfer.New[message.ServiceMessage](svr.codec, svr.cfg.Transfer)
	defer engine.Dispose()

	// Ids of requests already reassembled on this connection. A late duplicate
	// frame would otherwise start a new transfer and ack under an id whose
	// response may still be in flight.
	completed := cache.New(cache.Options[uuid.UUID, struct{}]{
		GCInterval: svr.cfg.Transfer.GCInterval,
		ExpireTime: svr.cfg.Transfer.ExpireTime,
		Clock:      svr.cfg.Transfer.Clock,
		Logger:     svr.log,
	})
	defer completed.Close()

	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, transport.ErrClosed) {
				svr.log.Debug("server: connection read", zap.String("remote", remote), zap.Error(err))
			}
			return
		}

		if h, _, err := protocol.ParseFrame(data); err == nil && completed.Has(h.ID) {
			svr.log.Debug("server: duplicate frame of a completed request",
				zap.String("remote", remote), zap.Stringer("id", h.ID), zap.Uint32("index", h.Index))
			continue
		}

		res, err := engine.Decode(data)
		if err != nil {
			svr.frameError(conn, engine, remote, err)
			continue
		}

		if !res.Complete {
			svr.ack(conn, engine, res.Progress)
			continue
		}
		if engine.Chunked(res.TotalSize) {
			// chunked request: report the last chunk too
			svr.ack(conn, engine, res.Progress)
		}

		completed.Set(res.ID, struct{}{})
		id, req := res.ID, res.Message
		util.GoFunc(&svr.wg, func() {
			svr.handleRequest(conn, engine, id, &req)
		})
	}
}

// handleRequest runs one request through the middleware chain and writes the response.
func (svr *Server) handleRequest(conn transport.Conn, engine *transfer.Engine[message.ServiceMessage], id uuid.UUID, req *message.ServiceMessage) {
	resp := svr.handler(context.Background(), req)
	if resp.Name == "" {
		resp.Name = req.Name
	}
	svr.send(conn, engine, id, resp)
}

// send encodes msg under the request's correlation id and writes its frames.
// A response above the size limit is replaced by an error response.
func (svr *Server) send(conn transport.Conn, engine *transfer.Engine[message.ServiceMessage], id uuid.UUID, msg *message.ServiceMessage) {
	enc, err := engine.Encode(id, *msg)
	if errors.Is(err, transfer.ErrSizeLimitExceeded) {
		svr.log.Warn("server: response too large", zap.Stringer("id", id), zap.String("name", msg.Name), zap.Error(err))
		enc, err = engine.Encode(id, message.ServiceMessage{Name: msg.Name, Error: message.ErrTooLarge})
	}
	if err != nil {
		svr.log.Error("server: encode response", zap.Stringer("id", id), zap.Error(err))
		return
	}

	for _, frame := range enc.Frames {
		if err := conn.WriteMessage(frame); err != nil {
			svr.log.Debug("server: write response", zap.Stringer("id", id), zap.Error(err))
			return
		}
	}
}

func (svr *Server) ack(conn transport.Conn, engine *transfer.Engine[message.ServiceMessage], p transfer.Progress) {
	if svr.cfg.DisableProgressAcks {
		return
	}
	body, _ := json.Marshal(message.ProgressBody{TotalSize: p.TotalSize, CompletedSize: p.CompletedSize})
	svr.send(conn, engine, p.ID, &message.ServiceMessage{Name: message.NameProgress, Body: body})
}

// frameError answers oversize requests with an error response; other bad
// frames are logged and dropped.
func (svr *Server) frameError(conn transport.Conn, engine *transfer.Engine[message.ServiceMessage], remote string, err error) {
	var fe *transfer.FrameError
	if errors.As(err, &fe) && errors.Is(err, transfer.ErrSizeLimitExceeded) {
		svr.log.Warn("server: request too large", zap.String("remote", remote), zap.Error(err))
		svr.send(conn, engine, fe.ID, &message.ServiceMessage{Error: message.ErrTooLarge})
		return
	}
	svr.log.Warn("server: dropped frame", zap.String("remote", remote), zap.Error(err))
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop routing to this server)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight requests to finish (with timeout)
//  5. Close the remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.RLock()
	reg, addr := svr.registry, svr.advertiseAddr
	names := make([]string, 0, len(svr.serviceMap))
	for name := range svr.serviceMap {
		names = append(names, name)
	}
	svr.mu.RUnlock()

	// Step 1: Deregister FIRST, so clients stop sending new requests
	if reg != nil {
		for _, name := range names {
			ctx, cancel := context.WithTimeout(context.Background(), svr.cfg.RegistryTimeout)
			if err := reg.Deregister(ctx, name, addr); err != nil {
				svr.log.Warn("server: deregister", zap.String("service", name), zap.Error(err))
			}
			cancel()
		}
	}

	// Step 2: Set shutdown flag BEFORE closing the listener
	svr.mu.Lock()
	svr.shutdown.Store(true)
	listener, hs := svr.listener, svr.httpServer
	svr.mu.Unlock()

	// Step 3
	if hs != nil {
		hs.Close()
	} else if listener != nil {
		listener.Close()
	}

	// Step 4: Wait for in-flight requests with timeout
	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	// Step 5
	svr.mu.Lock()
	conns := make([]transport.Conn, 0, len(svr.conns))
	for c := range svr.conns {
		conns = append(conns, c)
	}
	svr.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return err
}

// businessHandler is the core handler that dispatches RPC requests to registered services.
// It is wrapped by the middleware chain and has the HandlerFunc signature.
//
// Flow: parse "Service.Method" → find service → find method → reflect.New(args) →
// json.Unmarshal(body, args) → reflect.Call → json.Marshal(reply) → return ServiceMessage
func (svr *Server) businessHandler(ctx context.Context, req *message.ServiceMessage) *message.ServiceMessage {
	serviceName, methodName, ok := strings.Cut(req.Name, ".")
	if !ok || serviceName == "" || methodName == "" || strings.Contains(methodName, ".") {
		return &message.ServiceMessage{Name: req.Name, Error: "rpc: invalid service method format: " + req.Name}
	}

	svr.mu.RLock()
	svc := svr.serviceMap[serviceName]
	svr.mu.RUnlock()
	if svc == nil {
		return &message.ServiceMessage{Name: req.Name, Error: "rpc: can't find service " + serviceName}
	}
	method := svc.method[methodName]
	if method == nil {
		return &message.ServiceMessage{Name: req.Name, Error: "rpc: can't find method " + req.Name}
	}

	// Create new instances of args and reply types via reflection
	argv := reflect.New(method.ArgType)
	replyv := reflect.New(method.ReplyType)

	if err := json.Unmarshal(req.Body, argv.Interface()); err != nil {
		return &message.ServiceMessage{Name: req.Name, Error: "rpc: bad args: " + err.Error()}
	}

	if methodErr := svc.call(ctx, method, argv, replyv); methodErr != nil {
		return &message.ServiceMessage{Name: req.Name, Error: methodErr.Error()}
	}

	body, err := json.Marshal(replyv.Interface())
	if err != nil {
		svr.log.Error("server: marshal reply", zap.String("name", req.Name), zap.Error(err))
		return &message.ServiceMessage{Name: req.Name, Error: "rpc: marshal reply: " + err.Error()}
	}
	return &message.ServiceMessage{Name: req.Name, Body: body}
}

// chain builds the middleware chain once, on first use. Chain wraps
// middlewares in reverse order to create the onion model:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
func (svr *Server) chain() {
	svr.handlerOnce.Do(func() {
		svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	})
}

func (svr *Server) registerAll(network, advertiseAddr string) error {
	svr.mu.RLock()
	names := make([]string, 0, len(svr.serviceMap))
	for name := range svr.serviceMap {
		names = append(names, name)
	}
	svr.mu.RUnlock()

	instance := registry.ServiceInstance{
		Addr:    advertiseAddr,
		Network: network,
		Codec:   svr.cfg.Codec.String(),
		Weight:  1,
	}
	for _, name := range names {
		ctx, cancel := context.WithTimeout(context.Background(), svr.cfg.RegistryTimeout)
		err := svr.registry.Register(ctx, name, instance, svr.cfg.RegisterTTL)
		cancel()
		if err != nil {
			return fmt.Errorf("rpc: register %s: %w", name, err)
		}
	}
	return nil
}

func (svr *Server) track(conn transport.Conn) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.conns[conn] = struct{}{}
	return true
}

func (svr *Server) untrack(conn transport.Conn) {
	svr.mu.Lock()
	delete(svr.conns, conn)
	svr.mu.Unlock()
	conn.Close()
}
