// Package transfer splits logical messages into chunk frames and reassembles
// them on the receiving side.
//
// Sender:   Encode(id, msg) → serialize → 1 frame (≤ SplitThreshold) or
// ⌈size/ChunkSize⌉ frames → caller writes them in order.
//
// Receiver: Decode(frame) for every inbound frame → progress until all
// declared bytes of that id arrived → complete with the deserialized message.
//
// Partial transfers live in an expiry cache keyed by correlation id, so a
// sender that never finishes cannot hold memory longer than ExpireTime.
//
// Correlation ids are supplied by the caller and must be unique among the
// transfers in flight on one Engine; a collision is a caller error. An Engine
// serves one connection. Decode calls for the same id must not run
// concurrently.
package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"chunk-rpc/cache"
	"chunk-rpc/protocol"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultMaxTotalSize   = 100 * 1024 * 1024
	DefaultSplitThreshold = 3 * 1024 * 1024
	DefaultChunkSize      = 300 * 1024
	DefaultGCInterval     = 10 * time.Second
	DefaultExpireTime     = 60 * time.Second
)

// ErrSizeLimitExceeded is returned when an actual (encode) or declared
// (decode) payload size is above MaxTotalSize.
var ErrSizeLimitExceeded = errors.New("transfer: message size exceeds the limit")

// Serializer turns application values into bytes and back.
// codec.Codec satisfies it.
type Serializer interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// Config holds the engine limits. Zero fields take the defaults.
type Config struct {
	MaxTotalSize   uint64
	SplitThreshold uint64
	ChunkSize      uint64
	GCInterval     time.Duration
	ExpireTime     time.Duration

	// OnAbandon is called when an unfinished transfer is evicted.
	OnAbandon func(Progress)

	Clock  clock.Clock
	Logger *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxTotalSize:   DefaultMaxTotalSize,
		SplitThreshold: DefaultSplitThreshold,
		ChunkSize:      DefaultChunkSize,
		GCInterval:     DefaultGCInterval,
		ExpireTime:     DefaultExpireTime,
	}
}

func (c Config) withDefaults() Config {
	c = c.withLimits()
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

func (c Config) withLimits() Config {
	d := DefaultConfig()
	if c.MaxTotalSize == 0 {
		c.MaxTotalSize = d.MaxTotalSize
	}
	if c.SplitThreshold == 0 {
		c.SplitThreshold = d.SplitThreshold
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.GCInterval <= 0 {
		c.GCInterval = d.GCInterval
	}
	if c.ExpireTime <= 0 {
		c.ExpireTime = d.ExpireTime
	}
	return c
}

// MaxFrameSize is the largest frame an engine with this config emits. Zero
// fields count as their defaults.
func (c Config) MaxFrameSize() int {
	c = c.withLimits()
	return protocol.HeaderSize + int(max(c.SplitThreshold, c.ChunkSize))
}

// Progress describes how much of one transfer has arrived.
type Progress struct {
	ID            uuid.UUID
	TotalSize     uint64
	CompletedSize uint64
}

// Result is what Decode reports for one frame. When Complete is false only
// Progress is meaningful; when true, Message holds the reassembled value.
type Result[T any] struct {
	Progress
	Complete bool
	Message  T
}

// Encoded is the output of Encode: frames in transmission order.
type Encoded struct {
	Frames    [][]byte
	TotalSize uint64
}

// FrameError reports a decode failure for a frame whose header was readable,
// so callers can route the failure to the transfer it belongs to.
type FrameError struct {
	ID  uuid.UUID
	Err error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("transfer %s: %v", e.ID, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// accumulator is the reassembly state of one transfer. mu orders Decode
// against the sweeper, which reads it after eviction.
type accumulator struct {
	mu            sync.Mutex
	totalSize     uint64
	completedSize uint64
	chunks        map[uint32][]byte
}

func (a *accumulator) assemble() []byte {
	indexes := make([]uint32, 0, len(a.chunks))
	for i := range a.chunks {
		indexes = append(indexes, i)
	}
	slices.Sort(indexes)

	var buf bytes.Buffer
	buf.Grow(int(a.totalSize))
	for _, i := range indexes {
		buf.Write(a.chunks[i])
	}
	return buf.Bytes()
}

// Engine encodes and reassembles transfers of messages of type T.
type Engine[T any] struct {
	cfg     Config
	codec   Serializer
	pending *cache.Cache[uuid.UUID, *accumulator]
	log     *zap.Logger
}

func New[T any](codec Serializer, cfg Config) *Engine[T] {
	cfg = cfg.withDefaults()
	e := &Engine[T]{
		cfg:   cfg,
		codec: codec,
		log:   cfg.Logger,
	}
	e.pending = cache.New(cache.Options[uuid.UUID, *accumulator]{
		GCInterval: cfg.GCInterval,
		ExpireTime: cfg.ExpireTime,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger,
		OnExpire:   e.abandon,
	})
	return e
}

// Encode serializes msg and splits it into frames tagged with id.
func (e *Engine[T]) Encode(id uuid.UUID, msg T) (*Encoded, error) {
	payload, err := e.codec.Encode(&msg)
	if err != nil {
		return nil, fmt.Errorf("transfer: serialize: %w", err)
	}

	totalSize := uint64(len(payload))
	if totalSize > e.cfg.MaxTotalSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrSizeLimitExceeded, totalSize, e.cfg.MaxTotalSize)
	}

	if !e.Chunked(totalSize) {
		frame := protocol.BuildFrame(&protocol.Header{ID: id, TotalSize: totalSize}, payload)
		return &Encoded{Frames: [][]byte{frame}, TotalSize: totalSize}, nil
	}

	count := (totalSize + e.cfg.ChunkSize - 1) / e.cfg.ChunkSize
	frames := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		start := i * e.cfg.ChunkSize
		end := min(start+e.cfg.ChunkSize, totalSize)
		h := protocol.Header{ID: id, TotalSize: totalSize, Index: uint32(i)}
		frames = append(frames, protocol.BuildFrame(&h, payload[start:end]))
	}

	e.log.Debug("transfer: split message",
		zap.Stringer("id", id),
		zap.Uint64("totalSize", totalSize),
		zap.Int("frames", len(frames)))
	return &Encoded{Frames: frames, TotalSize: totalSize}, nil
}

// Decode absorbs one received frame. Duplicate frames are ignored silently.
func (e *Engine[T]) Decode(data []byte) (*Result[T], error) {
	h, body, err := protocol.ParseFrame(data)
	if err != nil {
		return nil, err
	}

	// Checked before the accumulator exists so a hostile declared size never
	// reaches an allocation.
	if h.TotalSize > e.cfg.MaxTotalSize {
		return nil, &FrameError{ID: h.ID, Err: fmt.Errorf("%w: declared %d > %d bytes", ErrSizeLimitExceeded, h.TotalSize, e.cfg.MaxTotalSize)}
	}
	bodyLen := uint64(len(body))
	if bodyLen > h.TotalSize {
		return nil, &FrameError{ID: h.ID, Err: fmt.Errorf("%w: %d-byte chunk in a %d-byte transfer", protocol.ErrMalformedFrame, bodyLen, h.TotalSize)}
	}

	acc := e.pending.GetOrCreate(h.ID, func() *accumulator {
		return &accumulator{totalSize: h.TotalSize, chunks: make(map[uint32][]byte)}
	})
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if acc.totalSize != h.TotalSize {
		return nil, &FrameError{ID: h.ID, Err: fmt.Errorf("%w: declared total %d, transfer started with %d", protocol.ErrMalformedFrame, h.TotalSize, acc.totalSize)}
	}

	if _, filled := acc.chunks[h.Index]; !filled {
		if bodyLen > acc.totalSize-acc.completedSize {
			return nil, &FrameError{ID: h.ID, Err: fmt.Errorf("%w: chunk %d overruns the declared total", protocol.ErrMalformedFrame, h.Index)}
		}
		acc.chunks[h.Index] = bytes.Clone(body)
		acc.completedSize += bodyLen
	}

	progress := Progress{ID: h.ID, TotalSize: acc.totalSize, CompletedSize: acc.completedSize}
	if acc.completedSize < acc.totalSize {
		return &Result[T]{Progress: progress}, nil
	}

	e.pending.Delete(h.ID)
	payload := acc.assemble()

	var msg T
	if err := e.codec.Decode(payload, &msg); err != nil {
		return nil, &FrameError{ID: h.ID, Err: fmt.Errorf("transfer: deserialize: %w", err)}
	}
	return &Result[T]{Progress: progress, Complete: true, Message: msg}, nil
}

// Chunked reports whether a payload of totalSize is sent as more than one frame.
func (e *Engine[T]) Chunked(totalSize uint64) bool {
	return totalSize > e.cfg.SplitThreshold
}

// Pending returns the number of unfinished transfers held in memory.
func (e *Engine[T]) Pending() int {
	return e.pending.Len()
}

// Dispose drops every unfinished transfer. The engine stays usable: a later
// frame for a dropped id starts a new transfer.
func (e *Engine[T]) Dispose() {
	e.pending.Clear()
}

func (e *Engine[T]) abandon(id uuid.UUID, acc *accumulator) {
	acc.mu.Lock()
	p := Progress{ID: id, TotalSize: acc.totalSize, CompletedSize: acc.completedSize}
	acc.mu.Unlock()
	e.log.Debug("transfer: abandoned",
		zap.Stringer("id", id),
		zap.Uint64("totalSize", p.TotalSize),
		zap.Uint64("completedSize", p.CompletedSize))
	if e.cfg.OnAbandon != nil {
		e.cfg.OnAbandon(p)
	}
}
