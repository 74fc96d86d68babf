package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "duckbridge.toml"

// DefaultModels is the set of model ids the upstream currently accepts.
var DefaultModels = []string{
	"gpt-4o-mini",
	"o3-mini",
	"claude-3-haiku-20240307",
	"meta-llama/Llama-3.3-70B-Instruct-Turbo",
	"mistralai/Mistral-Small-24B-Instruct-2501",
}

type UpstreamConfig struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
}

type RateLimitConfig struct {
	MaxRequests   int    `toml:"max_requests,omitempty"`
	WindowSeconds int    `toml:"window_seconds,omitempty"`
	MinIntervalMS int    `toml:"min_interval_ms,omitempty"`
	StatePath     string `toml:"state_path,omitempty"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Email    string `toml:"email"`
	CacheDir string `toml:"cache_dir"`
}

type ServerConfig struct {
	ListenAddr string          `toml:"listen_addr"`
	APIKey     string          `toml:"api_key,omitempty"`
	Models     []string        `toml:"models,omitempty"`
	Upstream   UpstreamConfig  `toml:"upstream"`
	RateLimit  RateLimitConfig `toml:"ratelimit"`
	TLS        TLSConfig       `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "duckbridge", defaultConfigFileName)
}

func DefaultRateStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ratelimit-state.json"
	}
	return filepath.Join(home, ".cache", "duckbridge", "ratelimit-state.json")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "duckbridge", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr: "127.0.0.1:8080",
		Models:     append([]string(nil), DefaultModels...),
		Upstream: UpstreamConfig{
			BaseURL:        "https://duckduckgo.com",
			TimeoutSeconds: 120,
		},
		RateLimit: RateLimitConfig{
			MaxRequests:   20,
			WindowSeconds: 60,
			MinIntervalMS: 1000,
			StatePath:     DefaultRateStatePath(),
		},
		TLS: TLSConfig{
			Enabled:  false,
			CacheDir: DefaultTLSCacheDir(),
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := NewDefaultServerConfig()
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *ServerConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	b, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write config temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upstream.BaseURL), "/")
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.RateLimit.MaxRequests <= 0 {
		c.RateLimit.MaxRequests = 20
	}
	if c.RateLimit.WindowSeconds <= 0 {
		c.RateLimit.WindowSeconds = 60
	}
	if c.RateLimit.MinIntervalMS <= 0 {
		c.RateLimit.MinIntervalMS = 1000
	}
	if strings.TrimSpace(c.RateLimit.StatePath) == "" {
		c.RateLimit.StatePath = DefaultRateStatePath()
	}
	if len(c.Models) == 0 {
		c.Models = append([]string(nil), DefaultModels...)
	}
}

func (c *ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url is required")
	}
	if c.TLS.Enabled && strings.TrimSpace(c.TLS.Domain) == "" {
		return errors.New("tls.domain is required when tls is enabled")
	}
	return nil
}
