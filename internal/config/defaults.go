package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ConfigDefaultApplier applies defaults for a specific configuration domain.
type ConfigDefaultApplier interface {
	ApplyDefaults(cfg *Config) error
	Domain() string
}

// StoreDefaultApplier handles cache, index and worker pool defaults.
type StoreDefaultApplier struct{}

func (s *StoreDefaultApplier) Domain() string { return "store" }

func (s *StoreDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.CacheDir == "" {
		cfg.CacheDir = defaultDataDir("cache")
	}
	if cfg.IndexDir == "" {
		cfg.IndexDir = filepath.Join(filepath.Dir(filepath.Clean(cfg.CacheDir)), "indexes")
	}
	if cfg.MemoryEntries <= 0 {
		cfg.MemoryEntries = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.IndexLifespan == "" {
		cfg.IndexLifespan = "24h"
	}
	if cfg.RefreshInterval == "" {
		cfg.RefreshInterval = "1h"
	}
	return nil
}

// FetchDefaultApplier bounds remote fetches.
type FetchDefaultApplier struct{}

func (f *FetchDefaultApplier) Domain() string { return "fetch" }

func (f *FetchDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Fetch.Timeout == "" {
		cfg.Fetch.Timeout = "30s"
	}
	if cfg.Fetch.MaxBytes <= 0 {
		cfg.Fetch.MaxBytes = 64 << 20
	}
	return nil
}

// EscalationDefaultApplier fills the escalation backoff when one is configured.
type EscalationDefaultApplier struct{}

func (e *EscalationDefaultApplier) Domain() string { return "escalation" }

func (e *EscalationDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Escalation.Backoff == "" {
		// Suppression stays disabled.
		return nil
	}
	// normalize any user-provided raw string; unknown values are rejected by validation
	if norm := NormalizeRetryBackoff(string(cfg.Escalation.Backoff)); norm != "" {
		cfg.Escalation.Backoff = norm
	}
	if cfg.Escalation.Initial == "" {
		cfg.Escalation.Initial = "30s"
	}
	if cfg.Escalation.Max == "" {
		cfg.Escalation.Max = "30m"
	}
	if cfg.Escalation.MaxRetries <= 0 {
		cfg.Escalation.MaxRetries = 5
	}
	return nil
}

// PeerDefaultApplier handles peer and server defaults.
type PeerDefaultApplier struct{}

func (p *PeerDefaultApplier) Domain() string { return "peer" }

func (p *PeerDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Peer.SubjectPrefix == "" {
		cfg.Peer.SubjectPrefix = "assets"
	}
	if cfg.Peer.RatePerSecond <= 0 {
		cfg.Peer.RatePerSecond = 20
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8090"
	}
	return nil
}

// IngestDefaultApplier handles logging, image and watch defaults.
type IngestDefaultApplier struct{}

func (i *IngestDefaultApplier) Domain() string { return "ingest" }

func (i *IngestDefaultApplier) ApplyDefaults(cfg *Config) error {
	cfg.Logging.Level = NormalizeLogLevel(string(cfg.Logging.Level))
	cfg.Logging.Format = NormalizeLogFormat(string(cfg.Logging.Format))

	if cfg.Images.Reencode == nil {
		cfg.Images.Reencode = []string{"bmp", "tiff"}
	}
	for idx, format := range cfg.Images.Reencode {
		cfg.Images.Reencode[idx] = strings.ToLower(strings.TrimSpace(format))
	}
	if len(cfg.Watch.Extensions) == 0 {
		cfg.Watch.Extensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".webp", ".pdf", ".mtlib"}
	}
	return nil
}

// Default returns a configuration with every domain default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	// Domain appliers never fail today; errors are kept in the interface for future domains.
	_ = NewDefaultApplier().ApplyDefaults(c)
}

// IndexLifespanDuration returns the parsed index freshness window (default 24h).
func (c *Config) IndexLifespanDuration() time.Duration {
	return parseDuration(c.IndexLifespan, 24*time.Hour)
}

// RefreshIntervalDuration returns the parsed repository refresh period (default 1h).
func (c *Config) RefreshIntervalDuration() time.Duration {
	return parseDuration(c.RefreshInterval, time.Hour)
}

// FetchTimeout returns the parsed per-fetch timeout (default 30s).
func (c *Config) FetchTimeout() time.Duration {
	return parseDuration(c.Fetch.Timeout, 30*time.Second)
}

// EscalationDelays returns the parsed initial and max escalation delays.
func (c *Config) EscalationDelays() (time.Duration, time.Duration) {
	return parseDuration(c.Escalation.Initial, 30*time.Second), parseDuration(c.Escalation.Max, 30*time.Minute)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func defaultDataDir(leaf string) string {
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, "assetstore", leaf)
	}
	return filepath.Join(".assetstore", leaf)
}
