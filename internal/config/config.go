package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the asset store configuration
type Config struct {
	CacheDir        string   `yaml:"cache_dir"`
	IndexDir        string   `yaml:"index_dir"`
	MemoryEntries   int      `yaml:"memory_entries"`
	Workers         int      `yaml:"workers"`
	QueueSize       int      `yaml:"queue_size"`
	IndexLifespan   string   `yaml:"index_lifespan"`
	RefreshInterval string   `yaml:"refresh_interval"`
	Repositories    []string `yaml:"repositories,omitempty"` // Repository index URLs, consulted in order

	Fetch      FetchConfig      `yaml:"fetch"`
	Escalation EscalationConfig `yaml:"escalation"`
	Peer       PeerConfig       `yaml:"peer"`
	S3         S3Config         `yaml:"s3"`
	GCS        GCSConfig        `yaml:"gcs"`
	Journal    JournalConfig    `yaml:"journal"`
	Logging    LoggingConfig    `yaml:"logging"`
	Server     ServerConfig     `yaml:"server"`
	Watch      WatchConfig      `yaml:"watch"`
	Images     ImageConfig      `yaml:"images"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// FetchConfig bounds every remote byte fetch
type FetchConfig struct {
	Timeout  string `yaml:"timeout"`
	MaxBytes int64  `yaml:"max_bytes"`
}

// EscalationConfig controls suppression of repeated peer requests for
// digests no repository could supply. An empty backoff disables suppression.
type EscalationConfig struct {
	Backoff    RetryBackoffMode `yaml:"backoff,omitempty"`
	Initial    string           `yaml:"initial,omitempty"`
	Max        string           `yaml:"max,omitempty"`
	MaxRetries int              `yaml:"max_retries,omitempty"`
}

// PeerConfig configures the authoritative peer reached over NATS
type PeerConfig struct {
	NATSURL       string  `yaml:"nats_url,omitempty"`
	SubjectPrefix string  `yaml:"subject_prefix"`
	RatePerSecond float64 `yaml:"rate_per_second,omitempty"`
	Serve         bool    `yaml:"serve,omitempty"` // Answer peer requests from the local cache
}

// S3Config enables s3:// repository URLs
type S3Config struct {
	Enabled  bool   `yaml:"enabled"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"` // Optional custom endpoint (MinIO, LocalStack)
}

// GCSConfig enables gs:// repository URLs
type GCSConfig struct {
	Enabled bool `yaml:"enabled"`
}

// JournalConfig configures the retrieval journal; an empty path disables it
type JournalConfig struct {
	Path string `yaml:"path,omitempty"`
}

// LoggingConfig selects log level and format
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// WatchConfig lists directories whose files are remembered as local copies
type WatchConfig struct {
	Dirs       []string `yaml:"dirs,omitempty"`
	Extensions []string `yaml:"extensions,omitempty"`
}

// ImageConfig lists probed image formats that are re-encoded to PNG on ingestion
type ImageConfig struct {
	Reencode []string `yaml:"reencode"`
}

// TracingConfig toggles the stdout span exporter
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load loads configuration from the specified file
func Load(configPath string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		// Don't fail if .env doesn't exist
		_ = err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	// #nosec G304 - configPath is provided by the operator
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML content (after environment expansion), applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Init creates a new configuration file with example content
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	exampleConfig := Default()
	exampleConfig.Repositories = []string{
		"https://assets.example.com/maps/index.gz",
		"https://assets.example.com/tokens/index.gz",
	}
	exampleConfig.Watch.Dirs = []string{"${HOME}/Pictures/tokens"}

	data, err := yaml.Marshal(exampleConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
