package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeFillsDefaults(t *testing.T) {
	cfg := &ServerConfig{
		ListenAddr: " 127.0.0.1:9090 ",
		Upstream:   UpstreamConfig{BaseURL: "https://duckduckgo.com/"},
	}
	cfg.Normalize()
	if cfg.ListenAddr != "127.0.0.1:9090" {
		t.Fatalf("listen addr not trimmed: %q", cfg.ListenAddr)
	}
	if cfg.Upstream.BaseURL != "https://duckduckgo.com" {
		t.Fatalf("base url must lose trailing slash: %q", cfg.Upstream.BaseURL)
	}
	if cfg.RateLimit.MaxRequests != 20 || cfg.RateLimit.WindowSeconds != 60 || cfg.RateLimit.MinIntervalMS != 1000 {
		t.Fatalf("rate limit defaults not applied: %+v", cfg.RateLimit)
	}
	if len(cfg.Models) == 0 {
		t.Fatalf("model catalog default not applied")
	}
}

func TestValidate(t *testing.T) {
	cfg := NewDefaultServerConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	cfg.Upstream.BaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("missing base url must fail validation")
	}

	cfg = NewDefaultServerConfig()
	cfg.TLS.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatalf("tls without a domain must fail validation")
	}
	cfg.TLS.Domain = "bridge.example.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("tls with a domain must validate: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duckbridge.toml")
	cfg := NewDefaultServerConfig()
	cfg.APIKey = "sk-test"
	cfg.ListenAddr = "127.0.0.1:9191"
	cfg.Models = []string{"gpt-4o-mini"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.APIKey != "sk-test" || loaded.ListenAddr != "127.0.0.1:9191" {
		t.Fatalf("round trip lost fields: %+v", loaded)
	}
	if len(loaded.Models) != 1 || loaded.Models[0] != "gpt-4o-mini" {
		t.Fatalf("model catalog lost: %+v", loaded.Models)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadServerConfig(filepath.Join(t.TempDir(), "nope.toml"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
