package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Auth        AuthConfig        `yaml:"auth"`
	Buffer      BufferConfig      `yaml:"buffer"`
	Shard       ShardConfig       `yaml:"shard"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Metering    MeteringConfig    `yaml:"metering"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port" env:"LAKESYNC_PORT"`
	ReadTimeout     Duration `yaml:"read_timeout" env:"LAKESYNC_READ_TIMEOUT"`
	WriteTimeout    Duration `yaml:"write_timeout" env:"LAKESYNC_WRITE_TIMEOUT"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" env:"LAKESYNC_SHUTDOWN_TIMEOUT"`
	// AllowedOrigins gates CORS and WebSocket upgrades. Empty admits
	// every origin.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	// AdminRatePerSecond throttles the admin surface per node.
	AdminRatePerSecond float64 `yaml:"admin_rate_per_second" env:"LAKESYNC_ADMIN_RATE"`
}

// DatabaseConfig contains durable state settings.
type DatabaseConfig struct {
	Path string `yaml:"path" env:"LAKESYNC_DB_PATH"`
}

// ObjectStoreConfig selects the flush target. A non-empty bucket means
// S3 (or any S3-compatible endpoint); otherwise flushes land on the
// local filesystem under LocalDir.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint" env:"S3_ENDPOINT"`
	AccessKey string `yaml:"-" env:"S3_ACCESS_KEY"` // env-only, never in YAML
	SecretKey string `yaml:"-" env:"S3_SECRET_KEY"` // env-only, never in YAML
	Bucket    string `yaml:"bucket" env:"S3_BUCKET"`
	Region    string `yaml:"region" env:"S3_REGION"`
	UseSSL    bool   `yaml:"use_ssl" env:"S3_USE_SSL"`
	LocalDir  string `yaml:"local_dir" env:"LAKESYNC_DATA_DIR"`
}

// AuthConfig contains token verification settings.
type AuthConfig struct {
	// Secret holds the HS256 signing secrets, comma-separated. The
	// first entry signs; every entry verifies, so rotation accepts
	// tokens minted under the previous secret.
	Secret   string   `yaml:"-" env:"JWT_SECRET"` // env-only, never in YAML
	TokenTTL Duration `yaml:"token_ttl" env:"LAKESYNC_TOKEN_TTL"`
}

// BufferConfig contains per-gateway buffer and request limits.
type BufferConfig struct {
	MaxBytes            int      `yaml:"max_bytes" env:"MAX_BUFFER_BYTES"`
	HighWatermarkBytes  int      `yaml:"high_watermark_bytes" env:"LAKESYNC_HIGH_WATERMARK_BYTES"`
	MaxAge              Duration `yaml:"max_age" env:"LAKESYNC_MAX_BUFFER_AGE"`
	MaxPushPayloadBytes int      `yaml:"max_push_payload_bytes" env:"LAKESYNC_MAX_PUSH_PAYLOAD_BYTES"`
	MaxDeltasPerPush    int      `yaml:"max_deltas_per_push" env:"LAKESYNC_MAX_DELTAS_PER_PUSH"`
	MaxPullLimit        int      `yaml:"max_pull_limit" env:"LAKESYNC_MAX_PULL_LIMIT"`
	DefaultPullLimit    int      `yaml:"default_pull_limit" env:"LAKESYNC_DEFAULT_PULL_LIMIT"`
}

// ShardConfig contains horizontal partitioning settings. Raw takes the
// whole shard map as inline JSON; Path points at a JSON file instead.
// Neither set means single-node operation. Peers maps gateway ids to
// peer base URLs for multi-node deployments; gateways without a peer
// entry are served in-process.
type ShardConfig struct {
	Raw   string            `yaml:"-" env:"SHARD_CONFIG"` // env-only, inline JSON
	Path  string            `yaml:"path" env:"SHARD_CONFIG_PATH"`
	Peers map[string]string `yaml:"peers"`
}

// CheckpointConfig contains checkpoint builder settings.
type CheckpointConfig struct {
	Interval  Duration `yaml:"interval" env:"LAKESYNC_CHECKPOINT_INTERVAL"`
	ChunkSize int      `yaml:"chunk_size" env:"LAKESYNC_CHECKPOINT_CHUNK_SIZE"`
}

// MeteringConfig contains usage aggregation settings.
type MeteringConfig struct {
	FlushInterval Duration `yaml:"flush_interval" env:"LAKESYNC_METERING_INTERVAL"`
	MaxBuckets    int      `yaml:"max_buckets" env:"LAKESYNC_METERING_MAX_BUCKETS"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level" env:"LAKESYNC_LOG_LEVEL"`
	Format string `yaml:"format" env:"LAKESYNC_LOG_FORMAT"`
}

// ShardDocument returns the shard map JSON: the inline value when set,
// else the file contents, else nil.
func (c *Config) ShardDocument() ([]byte, error) {
	if c.Shard.Raw != "" {
		return []byte(c.Shard.Raw), nil
	}
	if c.Shard.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.Shard.Path)
	if err != nil {
		return nil, fmt.Errorf("reading shard config file: %w", err)
	}
	return data, nil
}

// Duration is a wrapper around time.Duration that supports YAML string
// parsing and env overrides.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalText lets env overrides parse durations the same way.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("LAKESYNC_CONFIG_PATH", "config/lakesync.yaml")

	// Missing file is not an error; defaults plus env carry a node.
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               8787,
			ReadTimeout:        Duration(30 * time.Second),
			WriteTimeout:       Duration(30 * time.Second),
			ShutdownTimeout:    Duration(15 * time.Second),
			AdminRatePerSecond: 5,
		},
		Database: DatabaseConfig{
			Path: "data/lakesync.db",
		},
		ObjectStore: ObjectStoreConfig{
			Region:   "us-east-1",
			UseSSL:   true,
			LocalDir: "data/lake",
		},
		Auth: AuthConfig{
			TokenTTL: Duration(24 * time.Hour),
		},
		Buffer: BufferConfig{
			MaxBytes:            4 << 20,
			MaxAge:              Duration(30 * time.Second),
			MaxPushPayloadBytes: 1 << 20,
			MaxDeltasPerPush:    10000,
			MaxPullLimit:        10000,
			DefaultPullLimit:    100,
		},
		Checkpoint: CheckpointConfig{
			Interval:  Duration(5 * time.Minute),
			ChunkSize: 1000,
		},
		Metering: MeteringConfig{
			FlushInterval: Duration(1 * time.Minute),
			MaxBuckets:    10000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// validate checks that required configuration values are set.
// In dev mode (LAKESYNC_DEV_MODE=true), secret validation is skipped.
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Buffer.MaxBytes <= 0 {
		return errors.New("buffer max_bytes must be positive")
	}
	if c.Buffer.HighWatermarkBytes < 0 {
		return errors.New("buffer high_watermark_bytes must not be negative")
	}
	if c.Shard.Raw != "" && c.Shard.Path != "" {
		return errors.New("SHARD_CONFIG and shard path are mutually exclusive")
	}

	// Dev mode bypasses secret validation
	if os.Getenv("LAKESYNC_DEV_MODE") == "true" {
		return nil
	}

	if c.Auth.Secret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.ObjectStore.Bucket != "" && (c.ObjectStore.AccessKey == "" || c.ObjectStore.SecretKey == "") {
		return errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required when a bucket is configured")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
