package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chunk-rpc/codec"
	"chunk-rpc/transfer"
)

const sample = `
[server]
network = "ws"
address = "0.0.0.0:9000"
advertise_addr = "10.0.0.5:9000"
codec = "binary"
ws_path = "/rpc"
request_timeout = "2s"

[transfer]
max_total_size = 10485760
split_threshold = 1048576
chunk_size = 65536
expire_time = "30s"

[registry]
kind = "etcd"
endpoints = ["10.0.0.1:2379", " ", "10.0.0.2:2379"]
dial_timeout = "1500ms"
ttl = 30

[rate_limit]
enabled = true
rate = 50.5
burst = 10

[log]
level = "debug"
`

func TestLoadDefaultsAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunkrpc.toml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Network != "ws" || cfg.Server.Address != "0.0.0.0:9000" {
		t.Fatalf("unexpected server listen: %+v", cfg.Server)
	}
	if cfg.Server.AdvertiseAddr != "10.0.0.5:9000" {
		t.Fatalf("unexpected advertise addr: %q", cfg.Server.AdvertiseAddr)
	}
	if cfg.Server.Codec != codec.CodecTypeBinary {
		t.Fatalf("unexpected codec: %v", cfg.Server.Codec)
	}
	if cfg.Server.WSPath != "/rpc" {
		t.Fatalf("unexpected ws path: %q", cfg.Server.WSPath)
	}
	if cfg.Server.RequestTimeout != 2*time.Second {
		t.Fatalf("unexpected request timeout: %v", cfg.Server.RequestTimeout)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Fatalf("expected default shutdown timeout, got %v", cfg.Server.ShutdownTimeout)
	}

	if cfg.Transfer.MaxTotalSize != 10<<20 || cfg.Transfer.SplitThreshold != 1<<20 || cfg.Transfer.ChunkSize != 64<<10 {
		t.Fatalf("unexpected transfer sizes: %+v", cfg.Transfer)
	}
	if cfg.Transfer.ExpireTime != 30*time.Second {
		t.Fatalf("unexpected expire time: %v", cfg.Transfer.ExpireTime)
	}
	if cfg.Transfer.GCInterval != transfer.DefaultGCInterval {
		t.Fatalf("expected default gc interval, got %v", cfg.Transfer.GCInterval)
	}

	if cfg.Registry.Kind != RegistryEtcd {
		t.Fatalf("unexpected registry kind: %q", cfg.Registry.Kind)
	}
	if len(cfg.Registry.Endpoints) != 2 || cfg.Registry.Endpoints[1] != "10.0.0.2:2379" {
		t.Fatalf("unexpected endpoints: %+v", cfg.Registry.Endpoints)
	}
	if cfg.Registry.DialTimeout != 1500*time.Millisecond || cfg.Registry.TTL != 30 {
		t.Fatalf("unexpected registry timing: %+v", cfg.Registry)
	}
	if cfg.Registry.Prefix != "/chunk-rpc/" {
		t.Fatalf("expected default prefix, got %q", cfg.Registry.Prefix)
	}

	if !cfg.RateLimit.Enabled || cfg.RateLimit.Rate != 50.5 || cfg.RateLimit.Burst != 10 {
		t.Fatalf("unexpected rate limit: %+v", cfg.RateLimit)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("unexpected log level: %q", cfg.Log.Level)
	}
}

func TestParseEmptyKeepsDefaults(t *testing.T) {
	cfg, err := Parse("")
	if err != nil {
		t.Fatal(err)
	}
	def := Default()
	if cfg.Server != def.Server || cfg.Registry.Kind != def.Registry.Kind || cfg.Log != def.Log {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if cfg.Transfer.SplitThreshold != transfer.DefaultSplitThreshold {
		t.Fatalf("unexpected split threshold: %d", cfg.Transfer.SplitThreshold)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"bad duration", "[server]\nrequest_timeout = \"soon\"", "server.request_timeout"},
		{"bad codec", "[server]\ncodec = \"xml\"", "server.codec"},
		{"bad network", "[server]\nnetwork = \"udp\"", "server.network"},
		{"unknown key", "[server]\nport = 80", "unknown config key"},
		{"chunk above split", "[transfer]\nchunk_size = 4194304", "chunk_size"},
		{"etcd without endpoints", "[registry]\nkind = \"etcd\"\nendpoints = []", "registry.endpoints"},
		{"bad registry", "[registry]\nkind = \"consul\"", "registry.kind"},
		{"rate limit without rate", "[rate_limit]\nenabled = true\nrate = 0", "rate_limit"},
		{"not toml", "[server", "parse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expect error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expect error for missing file")
	}
}
