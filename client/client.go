// Package client calls services discovered through a registry.
//
// Call path: registry.Discover → Balancer.Pick (keyed by service method) →
// per-address transport.Pool → ClientTransport.Send → wait for the response.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chunk-rpc/codec"
	"chunk-rpc/loadbalance"
	"chunk-rpc/registry"
	"chunk-rpc/transfer"
	"chunk-rpc/transport"

	"go.uber.org/zap"
)

var (
	ErrInvalidServiceMethod = errors.New("client: invalid service method format")
	// ErrServer wraps error strings returned by the remote handler.
	ErrServer = errors.New("server error")
	ErrClosed = errors.New("client: closed")
)

// Options configures a Client. The zero value is usable.
type Options struct {
	Codec             codec.CodecType // used when the instance does not announce one
	PoolSize          int             // transports per address, 1 if zero
	Transfer          transfer.Config
	HeartbeatInterval time.Duration
	OnProgress        transport.ProgressFunc
	Logger            *zap.Logger
}

type Client struct {
	registry registry.Registry // find service instance from registry
	balancer loadbalance.Balancer
	opts     Options
	log      *zap.Logger

	mu     sync.Mutex
	closed bool
	pools  map[string]*transport.Pool // one pool per network+address
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts Options) *Client {
	if opts.PoolSize < 1 {
		opts.PoolSize = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		registry: reg,
		balancer: bal,
		opts:     opts,
		log:      opts.Logger,
		pools:    make(map[string]*transport.Pool),
	}
}

// Call invokes serviceMethod ("Service.Method") with args and decodes the
// JSON reply into reply.
func (c *Client) Call(serviceMethod string, args any, reply any) error {
	return c.CallContext(context.Background(), serviceMethod, args, reply)
}

// CallContext is Call bounded by ctx. When ctx ends first the call is
// forgotten locally; the server may still run it.
func (c *Client) CallContext(ctx context.Context, serviceMethod string, args any, reply any) error {
	serviceName, methodName, ok := strings.Cut(serviceMethod, ".")
	if !ok || serviceName == "" || methodName == "" || strings.Contains(methodName, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidServiceMethod, serviceMethod)
	}

	instances, err := c.registry.Discover(ctx, serviceName)
	if err != nil {
		return err
	}

	instance, err := c.balancer.Pick(serviceMethod, instances)
	if err != nil {
		return fmt.Errorf("%s: %w", serviceName, err)
	}

	t, err := c.getTransport(ctx, *instance)
	if err != nil {
		return err
	}

	id, ch, err := t.Send(serviceMethod, args)
	if err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return fmt.Errorf("%w: %s", ErrServer, resp.Error)
		}
		if reply == nil {
			return nil
		}
		return json.Unmarshal(resp.Body, reply)
	case <-ctx.Done():
		t.Cancel(id)
		return ctx.Err()
	}
}

// Close closes every pooled transport. Calls in flight fail.
func (c *Client) Close() error {
	c.mu.Lock()
	pools := c.pools
	c.pools = make(map[string]*transport.Pool)
	c.closed = true
	c.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
	return nil
}

func (c *Client) getTransport(ctx context.Context, instance registry.ServiceInstance) (*transport.ClientTransport, error) {
	network := instance.Network
	if network == "" {
		network = "tcp"
	}
	key := network + "|" + instance.Addr

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	pool, ok := c.pools[key]
	if !ok {
		pool = transport.NewPool(instance.Addr, c.opts.PoolSize, c.dialer(network, instance))
		c.pools[key] = pool
	}
	c.mu.Unlock()

	return pool.Get(ctx)
}

func (c *Client) dialer(network string, instance registry.ServiceInstance) func(ctx context.Context) (*transport.ClientTransport, error) {
	return func(ctx context.Context) (*transport.ClientTransport, error) {
		cdc := c.opts.Codec
		if instance.Codec != "" {
			parsed, err := codec.ParseCodecType(instance.Codec)
			if err != nil {
				return nil, err
			}
			cdc = parsed
		}

		conn, err := transport.Dial(ctx, network, instance.Addr, c.opts.Transfer.MaxFrameSize())
		if err != nil {
			return nil, err
		}
		c.log.Debug("client: connected", zap.String("network", network), zap.String("addr", instance.Addr))
		return transport.NewClientTransport(conn, transport.Options{
			Codec:             cdc,
			Transfer:          c.opts.Transfer,
			HeartbeatInterval: c.opts.HeartbeatInterval,
			OnProgress:        c.opts.OnProgress,
			Logger:            c.log,
		}), nil
	}
}
