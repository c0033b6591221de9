package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chunk-rpc/codec"
	"chunk-rpc/message"
	"chunk-rpc/middleware"
	"chunk-rpc/protocol"
	"chunk-rpc/registry"
	"chunk-rpc/transfer"
	"chunk-rpc/transport"

	"github.com/google/uuid"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

type Text struct {
	S string
}

type Echo struct{}

func (e *Echo) Say(args *Text, reply *Text) error {
	reply.S = args.S
	return nil
}

func (e *Echo) Slow(ctx context.Context, args *Text, reply *Text) error {
	select {
	case <-time.After(200 * time.Millisecond):
		reply.S = args.S
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Echo) notExported(args *Text, reply *Text) error { return nil }

func startServer(t *testing.T, svr *Server, reg registry.Registry) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(l, "tcp", "", reg)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return l.Addr().String()
}

func dial(t *testing.T, network, addr string, opts transport.Options) *transport.ClientTransport {
	t.Helper()
	conn, err := transport.Dial(context.Background(), network, addr, 0)
	if err != nil {
		t.Fatal(err)
	}
	ct := transport.NewClientTransport(conn, opts)
	t.Cleanup(func() { ct.Close() })
	return ct
}

func call(t *testing.T, ct *transport.ClientTransport, serviceMethod string, args any) *message.ServiceMessage {
	t.Helper()
	_, ch, err := ct.Send(serviceMethod, args)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case resp := <-ch:
		return resp
	case <-time.After(5 * time.Second):
		t.Fatalf("%s timed out", serviceMethod)
		return nil
	}
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	svr := NewServer(cfg)
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	if err := svr.Register(&Echo{}); err != nil {
		t.Fatal(err)
	}
	return svr
}

func TestServer(t *testing.T) {
	addr := startServer(t, newTestServer(t, Config{}), nil)
	ct := dial(t, "tcp", addr, transport.Options{})

	resp := call(t, ct, "Arith.Add", &Args{1, 2})
	if resp.Error != "" {
		t.Fatalf("server error: %s", resp.Error)
	}
	if resp.Name != "Arith.Add" {
		t.Fatalf("expect response name Arith.Add, got %q", resp.Name)
	}

	var reply Reply
	if err := json.Unmarshal(resp.Body, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Result != 3 {
		t.Fatalf("Expect get result = 3, get %v", reply.Result)
	}
}

func TestServerBinaryCodec(t *testing.T) {
	addr := startServer(t, newTestServer(t, Config{Codec: codec.CodecTypeBinary}), nil)
	ct := dial(t, "tcp", addr, transport.Options{Codec: codec.CodecTypeBinary})

	var reply Reply
	resp := call(t, ct, "Arith.Add", &Args{5, 7})
	if err := json.Unmarshal(resp.Body, &reply); err != nil || reply.Result != 12 {
		t.Fatalf("expect 12, got %+v (err=%v, resp=%+v)", reply, err, resp)
	}
}

func TestServerErrors(t *testing.T) {
	addr := startServer(t, newTestServer(t, Config{}), nil)
	ct := dial(t, "tcp", addr, transport.Options{})

	cases := []struct {
		name string
		args any
		want string
	}{
		{"Arith.Div", &Args{1, 0}, "divide by zero"},
		{"Nope.Add", &Args{}, "can't find service"},
		{"Arith.Nope", &Args{}, "can't find method"},
		{"Echo.notExported", &Text{}, "can't find method"},
		{"ArithAdd", &Args{}, "invalid service method"},
		{"Arith.Add", "not an object", "bad args"},
	}
	for _, tc := range cases {
		resp := call(t, ct, tc.name, tc.args)
		if !strings.Contains(resp.Error, tc.want) {
			t.Errorf("%s: expect error containing %q, got %q", tc.name, tc.want, resp.Error)
		}
	}
}

func TestServerContextMethod(t *testing.T) {
	svr := newTestServer(t, Config{})
	svr.Use(middleware.TimeOutMiddleware(50 * time.Millisecond))
	addr := startServer(t, svr, nil)
	ct := dial(t, "tcp", addr, transport.Options{})

	resp := call(t, ct, "Echo.Slow", &Text{S: "late"})
	if resp.Error != message.ErrTimeout {
		t.Fatalf("expect timeout, got %+v", resp)
	}
}

func TestServerLargeRequestProgress(t *testing.T) {
	addr := startServer(t, newTestServer(t, Config{}), nil)

	var mu sync.Mutex
	var uploads []transfer.Progress
	ct := dial(t, "tcp", addr, transport.Options{
		OnProgress: func(dir transport.Direction, p transfer.Progress) {
			if dir == transport.Upload {
				mu.Lock()
				uploads = append(uploads, p)
				mu.Unlock()
			}
		},
	})

	text := strings.Repeat("chunk-rpc ", 500*1024)
	resp := call(t, ct, "Echo.Say", &Text{S: text})
	var reply Text
	if err := json.Unmarshal(resp.Body, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.S != text {
		t.Fatal("large echo mismatch")
	}

	mu.Lock()
	defer mu.Unlock()
	last := uploads[len(uploads)-1]
	if len(uploads) < 3 || last.CompletedSize != last.TotalSize {
		t.Fatalf("expect acks up to the full request, got %+v", uploads)
	}
}

func TestServerRejectsOversizeRequest(t *testing.T) {
	addr := startServer(t, newTestServer(t, Config{Transfer: transfer.Config{MaxTotalSize: 1024}}), nil)
	ct := dial(t, "tcp", addr, transport.Options{})

	resp := call(t, ct, "Echo.Say", &Text{S: strings.Repeat("x", 4096)})
	if resp.Error != message.ErrTooLarge {
		t.Fatalf("expect %q, got %+v", message.ErrTooLarge, resp)
	}

	// The connection stays usable.
	resp = call(t, ct, "Arith.Add", &Args{2, 2})
	if resp.Error != "" {
		t.Fatalf("expect success after rejection, got %q", resp.Error)
	}
}

func TestServerWebSocket(t *testing.T) {
	svr := newTestServer(t, Config{})
	hs := httptest.NewServer(svr)
	t.Cleanup(hs.Close)

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + transport.DefaultWSPath
	ct := dial(t, transport.NetworkWS, url, transport.Options{})

	var reply Reply
	resp := call(t, ct, "Arith.Add", &Args{20, 22})
	if err := json.Unmarshal(resp.Body, &reply); err != nil || reply.Result != 42 {
		t.Fatalf("expect 42, got %+v (err=%v)", reply, err)
	}
}

func TestServeWebSocketListener(t *testing.T) {
	svr := newTestServer(t, Config{})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(l, transport.NetworkWS, "", nil) }()

	ct := dial(t, transport.NetworkWS, l.Addr().String(), transport.Options{})
	if resp := call(t, ct, "Echo.Say", &Text{S: "ws"}); resp.Error != "" {
		t.Fatalf("unexpected error %q", resp.Error)
	}

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("expect nil from ServeListener after Shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServeListener did not return")
	}
}

func TestRegisterErrors(t *testing.T) {
	svr := NewServer(Config{})
	if err := svr.Register(Arith{}); err == nil {
		t.Fatal("expect error for non-pointer receiver")
	}
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	if err := svr.Register(&Arith{}); err == nil {
		t.Fatal("expect error for duplicate service")
	}
	type empty struct{}
	if err := svr.Register(&empty{}); err == nil {
		t.Fatal("expect error for a type without RPC methods")
	}
}

func TestShutdownWaitsForInflight(t *testing.T) {
	svr := newTestServer(t, Config{})
	reg := registry.NewMemoryRegistry()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(l, "tcp", "", reg) }()

	ct := dial(t, "tcp", l.Addr().String(), transport.Options{})
	_, ch, err := ct.Send("Echo.Slow", &Text{S: "in flight"})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		instances, _ := reg.Discover(context.Background(), "Echo")
		if len(instances) == 1 {
			if instances[0].Network != "tcp" || instances[0].Codec != "json" {
				t.Fatalf("unexpected registered instance %+v", instances[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("service not registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond) // let the request reach the handler

	if err := svr.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := <-served; err != nil {
		t.Fatalf("expect nil from Serve after Shutdown, got %v", err)
	}

	select {
	case resp := <-ch:
		var reply Text
		if resp.Error != "" || json.Unmarshal(resp.Body, &reply) != nil || reply.S != "in flight" {
			t.Fatalf("expect in-flight request answered, got %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight request lost")
	}

	if instances, _ := reg.Discover(context.Background(), "Echo"); len(instances) != 0 {
		t.Fatalf("expect deregistered after Shutdown, got %+v", instances)
	}
}

func TestServerIgnoresLateDuplicateFrame(t *testing.T) {
	limits := transfer.Config{SplitThreshold: 64, ChunkSize: 32}
	addr := startServer(t, newTestServer(t, Config{Transfer: limits}), nil)

	conn, err := transport.Dial(context.Background(), "tcp", addr, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	engine := transfer.New[message.ServiceMessage](codec.GetCodec(codec.CodecTypeJSON), limits)
	defer engine.Dispose()

	request := func(id uuid.UUID, name string, args any) [][]byte {
		body, _ := json.Marshal(args)
		enc, err := engine.Encode(id, message.ServiceMessage{Name: name, Body: body})
		if err != nil {
			t.Fatal(err)
		}
		return enc.Frames
	}
	write := func(frames [][]byte) {
		for _, frame := range frames {
			if err := conn.WriteMessage(frame); err != nil {
				t.Fatal(err)
			}
		}
	}
	// await reads until the response for want is complete, failing on any
	// frame for a different id than allowed.
	await := func(want uuid.UUID, allowed uuid.UUID) message.ServiceMessage {
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				t.Fatal(err)
			}
			h, _, err := protocol.ParseFrame(data)
			if err != nil {
				t.Fatal(err)
			}
			if h.ID != want && h.ID != allowed {
				t.Fatalf("unexpected frame for %s", h.ID)
			}
			res, err := engine.Decode(data)
			if err != nil {
				t.Fatal(err)
			}
			if res.Complete && !res.Message.IsProgress() && res.ID == want {
				return res.Message
			}
		}
	}

	first := uuid.New()
	frames := request(first, "Echo.Say", &Text{S: strings.Repeat("late duplicate ", 20)})
	if len(frames) < 2 {
		t.Fatalf("expect a chunked request, got %d frames", len(frames))
	}
	write(frames)
	if resp := await(first, first); resp.Error != "" {
		t.Fatalf("server error: %s", resp.Error)
	}

	// A replayed frame of the finished request must not produce any frame
	// under its id: the next thing on the wire is the answer to second.
	write(frames[:1])
	second := uuid.New()
	write(request(second, "Arith.Add", &Args{2, 3}))
	resp := await(second, uuid.Nil)
	var reply Reply
	if err := json.Unmarshal(resp.Body, &reply); err != nil || reply.Result != 5 {
		t.Fatalf("expect 5, got %+v (err=%v)", reply, err)
	}
}
