package transport

import (
	"context"
	"sync"
)

// Pool holds up to size multiplexed ClientTransports to a single address.
//
// Transports are created lazily: the pool starts empty and dials until it is
// full, after which Get hands out the existing transports round-robin.
// Transports that failed are discarded on the next Get.
type Pool struct {
	mu         sync.Mutex
	addr       string
	size       int
	next       int
	closed     bool
	transports []*ClientTransport
	dial       func(ctx context.Context) (*ClientTransport, error) // Transport factory function
}

// NewPool creates a pool for addr. size < 1 is treated as 1.
func NewPool(addr string, size int, dial func(ctx context.Context) (*ClientTransport, error)) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		addr: addr,
		size: size,
		dial: dial,
	}
}

// Get returns a usable transport, dialing a new one while the pool is below size.
// Dialing happens under the pool lock so concurrent callers never exceed size.
func (p *Pool) Get(ctx context.Context) (*ClientTransport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	alive := p.transports[:0]
	for _, t := range p.transports {
		if t.Err() == nil {
			alive = append(alive, t)
		}
	}
	clear(p.transports[len(alive):])
	p.transports = alive

	if len(p.transports) < p.size {
		t, err := p.dial(ctx)
		if err != nil {
			if len(p.transports) == 0 {
				return nil, err
			}
		} else {
			p.transports = append(p.transports, t)
			return t, nil
		}
	}

	t := p.transports[p.next%len(p.transports)]
	p.next++
	return t, nil
}

// Len returns the number of transports currently held.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports)
}

// Close shuts down the pool and closes all transports.
func (p *Pool) Close() error {
	p.mu.Lock()
	transports := p.transports
	p.transports = nil
	p.closed = true
	p.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	return nil
}
