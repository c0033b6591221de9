// Package cache provides an in-memory key-value store whose entries are
// evicted by a background sweep once they have been idle longer than a
// configured expiry time.
//
// The sweeper is lazy: it starts with the first insert and stops on its own
// once the cache is empty, so an idle Cache holds no goroutine.
//
//	Set/GetOrCreate ──► items[key] = {value, touched}
//	                         ▲
//	sweeper (every GCInterval): now - touched > ExpireTime ──► delete + OnExpire
package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	DefaultGCInterval = 10 * time.Second
	DefaultExpireTime = time.Minute
)

// Options configures a Cache. Zero values fall back to the defaults above.
type Options[K comparable, V any] struct {
	GCInterval time.Duration // How often the sweeper runs
	ExpireTime time.Duration // How long an entry may sit idle before eviction

	// RefreshOnAccess makes Get and GetOrCreate reset an entry's timestamp.
	// When false, entries expire ExpireTime after they were stored,
	// regardless of reads in between.
	RefreshOnAccess bool

	// OnExpire is called for each entry removed by the sweeper, after the
	// entry is gone and outside the cache lock. Not called for Delete/Clear/Close.
	OnExpire func(key K, value V)

	Clock  clock.Clock
	Logger *zap.Logger
}

type entry[V any] struct {
	value   V
	touched time.Time
}

// Cache is safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu     sync.Mutex
	items  map[K]*entry[V]
	opts   Options[K, V]
	stop   chan struct{} // non-nil while a sweeper goroutine owns it
	closed bool
}

func New[K comparable, V any](opts Options[K, V]) *Cache[K, V] {
	if opts.GCInterval <= 0 {
		opts.GCInterval = DefaultGCInterval
	}
	if opts.ExpireTime <= 0 {
		opts.ExpireTime = DefaultExpireTime
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Cache[K, V]{
		items: make(map[K]*entry[V]),
		opts:  opts,
	}
}

// Get returns the value stored under key.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.opts.RefreshOnAccess {
		e.touched = c.opts.Clock.Now()
	}
	return e.value, true
}

// Has reports whether key is present. It never refreshes the entry.
func (c *Cache[K, V]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Set stores value under key. Ignored after Close.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.items[key] = &entry[V]{value: value, touched: c.opts.Clock.Now()}
	c.startLocked()
}

// GetOrCreate returns the value stored under key, or stores and returns
// factory(). After Close the factory result is returned without being stored.
func (c *Cache[K, V]) GetOrCreate(key K, factory func() V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		if c.opts.RefreshOnAccess {
			e.touched = c.opts.Clock.Now()
		}
		return e.value
	}

	value := factory()
	if c.closed {
		return value
	}
	c.items[key] = &entry[V]{value: value, touched: c.opts.Clock.Now()}
	c.startLocked()
	return value
}

// Delete removes key and reports whether it was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; !ok {
		return false
	}
	delete(c.items, key)
	if len(c.items) == 0 {
		c.stopLocked()
	}
	return true
}

// Clear drops every entry. The cache stays usable.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.items)
	c.stopLocked()
}

// Close drops every entry and stops the sweeper. Later inserts are ignored.
// Safe to call more than once.
func (c *Cache[K, V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	clear(c.items)
	c.stopLocked()
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache[K, V]) startLocked() {
	if c.stop != nil || c.closed {
		return
	}
	stop := make(chan struct{})
	c.stop = stop
	// Created here rather than in run so a mocked clock sees the ticker
	// before the caller advances it.
	ticker := c.opts.Clock.Ticker(c.opts.GCInterval)
	go c.run(ticker, stop)
}

func (c *Cache[K, V]) stopLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *Cache[K, V]) run(ticker *clock.Ticker, stop chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !c.sweep(stop) {
				return
			}
		}
	}
}

type expired[K comparable, V any] struct {
	key   K
	value V
}

// sweep evicts expired entries and reports whether the sweeper owning stop
// should keep running.
func (c *Cache[K, V]) sweep(stop chan struct{}) bool {
	c.mu.Lock()
	if c.stop != stop {
		c.mu.Unlock()
		return false
	}
	removed := c.removeExpiredLocked(c.opts.Clock.Now())
	running := len(c.items) > 0
	if !running {
		// Exit without closing: stop is only closed by stopLocked.
		c.stop = nil
	}
	c.mu.Unlock()

	for _, it := range removed {
		c.notify(it.key, it.value)
	}
	return running
}

func (c *Cache[K, V]) removeExpiredLocked(now time.Time) []expired[K, V] {
	var removed []expired[K, V]
	for k, e := range c.items {
		if now.Sub(e.touched) > c.opts.ExpireTime {
			delete(c.items, k)
			removed = append(removed, expired[K, V]{key: k, value: e.value})
		}
	}
	return removed
}

func (c *Cache[K, V]) notify(key K, value V) {
	if c.opts.OnExpire == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.opts.Logger.Error("cache: OnExpire panicked", zap.Any("key", key), zap.Any("panic", r))
		}
	}()
	c.opts.OnExpire(key, value)
}
