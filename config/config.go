// Package config loads chunk-rpc settings from a TOML file.
//
// Keys missing from the file keep their Default() value. Durations are
// strings in time.ParseDuration form ("10s", "500ms").
package config

import (
	"fmt"
	"strings"
	"time"

	"chunk-rpc/codec"
	"chunk-rpc/transfer"

	"github.com/BurntSushi/toml"
)

const (
	RegistryMemory = "memory"
	RegistryEtcd   = "etcd"
)

type Config struct {
	Server    ServerConfig
	Transfer  transfer.Config
	Registry  RegistryConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Network             string // tcp, unix or ws
	Address             string
	AdvertiseAddr       string // registered address, Address if empty
	Codec               codec.CodecType
	WSPath              string
	DisableProgressAcks bool
	RequestTimeout      time.Duration // per request handler, none if zero
	ShutdownTimeout     time.Duration
}

type RegistryConfig struct {
	Kind        string // memory or etcd
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
	TTL         int64 // lease TTL in seconds
}

type RateLimitConfig struct {
	Enabled bool
	Rate    float64 // requests per second
	Burst   int
}

type LogConfig struct {
	Level string
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Network:         "tcp",
			Address:         "127.0.0.1:8972",
			Codec:           codec.CodecTypeJSON,
			ShutdownTimeout: 10 * time.Second,
		},
		Transfer: transfer.DefaultConfig(),
		Registry: RegistryConfig{
			Kind:        RegistryMemory,
			Endpoints:   []string{"127.0.0.1:2379"},
			Prefix:      "/chunk-rpc/",
			DialTimeout: 5 * time.Second,
			TTL:         10,
		},
		RateLimit: RateLimitConfig{
			Rate:  1000,
			Burst: 100,
		},
		Log: LogConfig{Level: "info"},
	}
}

type fileConfig struct {
	Server struct {
		Network             string `toml:"network"`
		Address             string `toml:"address"`
		AdvertiseAddr       string `toml:"advertise_addr"`
		Codec               string `toml:"codec"`
		WSPath              string `toml:"ws_path"`
		DisableProgressAcks bool   `toml:"disable_progress_acks"`
		RequestTimeout      string `toml:"request_timeout"`
		ShutdownTimeout     string `toml:"shutdown_timeout"`
	} `toml:"server"`
	Transfer struct {
		MaxTotalSize   uint64 `toml:"max_total_size"`
		SplitThreshold uint64 `toml:"split_threshold"`
		ChunkSize      uint64 `toml:"chunk_size"`
		GCInterval     string `toml:"gc_interval"`
		ExpireTime     string `toml:"expire_time"`
	} `toml:"transfer"`
	Registry struct {
		Kind        string   `toml:"kind"`
		Endpoints   []string `toml:"endpoints"`
		Prefix      string   `toml:"prefix"`
		DialTimeout string   `toml:"dial_timeout"`
		TTL         int64    `toml:"ttl"`
	} `toml:"registry"`
	RateLimit struct {
		Enabled bool    `toml:"enabled"`
		Rate    float64 `toml:"rate"`
		Burst   int     `toml:"burst"`
	} `toml:"rate_limit"`
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
}

// Load reads path and overlays it on Default().
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return apply(Default(), &raw, meta)
}

// Parse is Load for TOML text.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return apply(Default(), &raw, meta)
}

func apply(cfg Config, raw *fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	var err error
	duration := func(dst *time.Duration, value string, key ...string) {
		if err != nil || !meta.IsDefined(key...) {
			return
		}
		d, perr := time.ParseDuration(strings.TrimSpace(value))
		if perr != nil {
			err = fmt.Errorf("parse %s: %w", strings.Join(key, "."), perr)
			return
		}
		*dst = d
	}

	// [server]
	if meta.IsDefined("server", "network") {
		cfg.Server.Network = strings.TrimSpace(raw.Server.Network)
	}
	if meta.IsDefined("server", "address") {
		cfg.Server.Address = strings.TrimSpace(raw.Server.Address)
	}
	if meta.IsDefined("server", "advertise_addr") {
		cfg.Server.AdvertiseAddr = strings.TrimSpace(raw.Server.AdvertiseAddr)
	}
	if meta.IsDefined("server", "codec") {
		ct, perr := codec.ParseCodecType(strings.TrimSpace(raw.Server.Codec))
		if perr != nil {
			return Config{}, fmt.Errorf("parse server.codec: %w", perr)
		}
		cfg.Server.Codec = ct
	}
	if meta.IsDefined("server", "ws_path") {
		cfg.Server.WSPath = strings.TrimSpace(raw.Server.WSPath)
	}
	if meta.IsDefined("server", "disable_progress_acks") {
		cfg.Server.DisableProgressAcks = raw.Server.DisableProgressAcks
	}
	duration(&cfg.Server.RequestTimeout, raw.Server.RequestTimeout, "server", "request_timeout")
	duration(&cfg.Server.ShutdownTimeout, raw.Server.ShutdownTimeout, "server", "shutdown_timeout")

	// [transfer]
	if meta.IsDefined("transfer", "max_total_size") {
		cfg.Transfer.MaxTotalSize = raw.Transfer.MaxTotalSize
	}
	if meta.IsDefined("transfer", "split_threshold") {
		cfg.Transfer.SplitThreshold = raw.Transfer.SplitThreshold
	}
	if meta.IsDefined("transfer", "chunk_size") {
		cfg.Transfer.ChunkSize = raw.Transfer.ChunkSize
	}
	duration(&cfg.Transfer.GCInterval, raw.Transfer.GCInterval, "transfer", "gc_interval")
	duration(&cfg.Transfer.ExpireTime, raw.Transfer.ExpireTime, "transfer", "expire_time")

	// [registry]
	if meta.IsDefined("registry", "kind") {
		cfg.Registry.Kind = strings.ToLower(strings.TrimSpace(raw.Registry.Kind))
	}
	if meta.IsDefined("registry", "endpoints") {
		cfg.Registry.Endpoints = normalizeList(raw.Registry.Endpoints)
	}
	if meta.IsDefined("registry", "prefix") {
		cfg.Registry.Prefix = strings.TrimSpace(raw.Registry.Prefix)
	}
	duration(&cfg.Registry.DialTimeout, raw.Registry.DialTimeout, "registry", "dial_timeout")
	if meta.IsDefined("registry", "ttl") {
		cfg.Registry.TTL = raw.Registry.TTL
	}

	// [rate_limit]
	if meta.IsDefined("rate_limit", "enabled") {
		cfg.RateLimit.Enabled = raw.RateLimit.Enabled
	}
	if meta.IsDefined("rate_limit", "rate") {
		cfg.RateLimit.Rate = raw.RateLimit.Rate
	}
	if meta.IsDefined("rate_limit", "burst") {
		cfg.RateLimit.Burst = raw.RateLimit.Burst
	}

	// [log]
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}

	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	switch c.Server.Network {
	case "tcp", "unix", "ws":
	default:
		return fmt.Errorf("server.network: unsupported network %q", c.Server.Network)
	}
	if c.Server.Address == "" {
		return fmt.Errorf("server.address: empty")
	}

	t := c.Transfer
	if t.ChunkSize == 0 || t.SplitThreshold == 0 || t.MaxTotalSize == 0 {
		return fmt.Errorf("transfer: sizes must be positive")
	}
	if t.ChunkSize > t.SplitThreshold {
		return fmt.Errorf("transfer.chunk_size %d exceeds split_threshold %d", t.ChunkSize, t.SplitThreshold)
	}
	if t.GCInterval <= 0 || t.ExpireTime <= 0 {
		return fmt.Errorf("transfer: gc_interval and expire_time must be positive")
	}

	switch c.Registry.Kind {
	case RegistryMemory:
	case RegistryEtcd:
		if len(c.Registry.Endpoints) == 0 {
			return fmt.Errorf("registry.endpoints: required for etcd")
		}
	default:
		return fmt.Errorf("registry.kind: unsupported registry %q", c.Registry.Kind)
	}

	if c.RateLimit.Enabled && (c.RateLimit.Rate <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit: rate and burst must be positive")
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
