// Package config handles loading and parsing of stampstore configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for stampstore.
type Config struct {
	Server        ServerConfig            `yaml:"server"`
	Logging       LoggingConfig           `yaml:"logging"`
	Surveys       map[string]SurveyConfig `yaml:"surveys"`
	ObjectStore   ObjectStoreConfig       `yaml:"object_store"`
	Disk          DiskConfig              `yaml:"disk"`
	Origin        OriginConfig            `yaml:"origin"`
	Render        RenderConfig            `yaml:"render"`
	Auth          AuthConfig              `yaml:"auth"`
	Observability ObservabilityConfig     `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout bounds graceful shutdown after SIGINT/SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxUploadSize is the largest accepted put_avro body, in bytes.
	MaxUploadSize int64 `yaml:"max_upload_size"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SurveyConfig describes one survey.
type SurveyConfig struct {
	// Bucket is the object-store bucket or container holding the survey's records.
	Bucket string `yaml:"bucket"`
	// Origin enables the remote broker fallback for this survey.
	Origin bool `yaml:"origin"`
}

// ObjectStoreConfig selects and configures the object-store provider.
type ObjectStoreConfig struct {
	// Backend is one of "aws", "gcp", "azure", "sqlite" or "memory".
	Backend string       `yaml:"backend"`
	AWS     AWSConfig    `yaml:"aws"`
	GCP     GCPConfig    `yaml:"gcp"`
	Azure   AzureConfig  `yaml:"azure"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	// Timeout bounds each object-store call.
	Timeout time.Duration `yaml:"timeout"`
}

// AWSConfig holds S3 settings.
type AWSConfig struct {
	Region string `yaml:"region"`
	// Endpoint overrides the S3 endpoint, for MinIO or LocalStack.
	Endpoint string `yaml:"endpoint"`
	// UsePathStyle forces path-style addressing.
	UsePathStyle bool `yaml:"use_path_style"`
	// AccessKey and SecretKey are optional static credentials. When empty the
	// default credential chain is used.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// GCPConfig holds Cloud Storage settings.
type GCPConfig struct {
	Project string `yaml:"project"`
	// Endpoint overrides the API endpoint, for fake-gcs-server.
	Endpoint string `yaml:"endpoint"`
	// NoAuth disables credentials, for emulators.
	NoAuth bool `yaml:"no_auth"`
}

// AzureConfig holds Blob Storage settings.
type AzureConfig struct {
	// AccountURL is the storage account URL. If empty, it is built from
	// Account as https://{account}.blob.core.windows.net.
	AccountURL string `yaml:"account_url"`
	Account    string `yaml:"account"`
	// ConnectionString takes precedence over AccountURL when set (Azurite).
	ConnectionString string `yaml:"connection_string"`
}

// SQLiteConfig holds the single-file blob store settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// DiskConfig holds the local-disk tier settings.
type DiskConfig struct {
	Enabled bool   `yaml:"enabled"`
	RootDir string `yaml:"root_dir"`
	// Shards is the number of top-level shard directories.
	Shards int `yaml:"shards"`
	// PrefixLen is the number of leading object-id characters kept together
	// in the first nested directory.
	PrefixLen int `yaml:"prefix_len"`
	// TestMode stores every record directly under RootDir.
	TestMode bool `yaml:"test_mode"`
}

// OriginConfig holds the remote broker settings.
type OriginConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	// RateLimit is the sustained request rate toward the broker, per second.
	// Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// RenderConfig holds PNG rendering settings.
type RenderConfig struct {
	Window   int    `yaml:"window"`
	Scale    int    `yaml:"scale"`
	AngleKey string `yaml:"angle_key"`
}

// AuthConfig holds bearer-token settings.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// SecretKey verifies HS256 token signatures.
	SecretKey string `yaml:"secret_key"`
}

// ObservabilityConfig toggles the operational endpoints.
type ObservabilityConfig struct {
	Metrics     bool `yaml:"metrics"`
	HealthCheck bool `yaml:"health_check"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. ${VAR} references are expanded from the environment
// before parsing, and defaults are applied for unset values.
// If the primary path fails, it falls back to stampstore.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "stampstore.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "stampstore.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8087,
			ShutdownTimeout: 30 * time.Second,
			MaxUploadSize:   16 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		ObjectStore: ObjectStoreConfig{
			Backend: "aws",
			Timeout: 10 * time.Second,
			AWS: AWSConfig{
				Region: "us-east-1",
			},
			SQLite: SQLiteConfig{
				Path: "./data/records.db",
			},
		},
		Disk: DiskConfig{
			RootDir:   "./data/avro",
			Shards:    8,
			PrefixLen: 5,
		},
		Origin: OriginConfig{
			URL:       "https://mars.lco.global/",
			Timeout:   15 * time.Second,
			RateLimit: 10,
			Burst:     5,
		},
		Render: RenderConfig{
			Window:   2,
			Scale:    4,
			AngleKey: "PA",
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling. Fields where zero is a valid setting, such as
// disk.prefix_len, keep their default from defaultConfig only when the file
// omits them.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8087
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = 16 << 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if len(cfg.Surveys) == 0 {
		cfg.Surveys = map[string]SurveyConfig{
			"ztf":   {Bucket: "ztf-avro", Origin: true},
			"atlas": {Bucket: "atlas-avro"},
		}
	}
	if cfg.ObjectStore.Backend == "" {
		cfg.ObjectStore.Backend = "aws"
	}
	if cfg.ObjectStore.Timeout == 0 {
		cfg.ObjectStore.Timeout = 10 * time.Second
	}
	if cfg.ObjectStore.AWS.Region == "" {
		cfg.ObjectStore.AWS.Region = "us-east-1"
	}
	if cfg.ObjectStore.SQLite.Path == "" {
		cfg.ObjectStore.SQLite.Path = "./data/records.db"
	}
	if cfg.Disk.RootDir == "" {
		cfg.Disk.RootDir = "./data/avro"
	}
	if cfg.Disk.Shards == 0 {
		cfg.Disk.Shards = 8
	}
	if cfg.Origin.Timeout == 0 {
		cfg.Origin.Timeout = 15 * time.Second
	}
	if cfg.Render.Window == 0 {
		cfg.Render.Window = 2
	}
	if cfg.Render.Scale == 0 {
		cfg.Render.Scale = 4
	}
	if cfg.Render.AngleKey == "" {
		cfg.Render.AngleKey = "PA"
	}
}

// Validate reports configuration errors that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	switch c.ObjectStore.Backend {
	case "aws", "gcp", "azure", "sqlite", "memory":
	default:
		return fmt.Errorf("object_store.backend: unknown backend %q", c.ObjectStore.Backend)
	}
	for _, name := range c.SurveyNames() {
		if c.Surveys[name].Bucket == "" {
			return fmt.Errorf("surveys.%s: bucket is required", name)
		}
	}
	if c.Disk.Enabled && c.Disk.Shards < 1 {
		return fmt.Errorf("disk.shards: must be positive, got %d", c.Disk.Shards)
	}
	if c.Disk.PrefixLen < 0 {
		return fmt.Errorf("disk.prefix_len: must not be negative, got %d", c.Disk.PrefixLen)
	}
	if c.OriginEnabled() && c.Origin.URL == "" {
		return fmt.Errorf("origin.url: required when a survey enables the origin")
	}
	if c.Auth.Enabled && c.Auth.SecretKey == "" {
		return fmt.Errorf("auth.secret_key: required when auth is enabled")
	}
	if c.Server.MaxUploadSize < 0 {
		return fmt.Errorf("server.max_upload_size: must not be negative")
	}
	return nil
}

// SurveyNames returns the configured survey ids in sorted order.
func (c *Config) SurveyNames() []string {
	names := make([]string, 0, len(c.Surveys))
	for name := range c.Surveys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OriginEnabled reports whether any survey uses the remote broker.
func (c *Config) OriginEnabled() bool {
	for _, s := range c.Surveys {
		if s.Origin {
			return true
		}
	}
	return false
}
