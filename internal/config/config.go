// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Host     string `envconfig:"LOGSTREAM_HOST" yaml:"host"`
	Port     int    `envconfig:"LOGSTREAM_PORT" yaml:"port"`
	GRPCPort int    `envconfig:"LOGSTREAM_GRPC_PORT" yaml:"grpc_port"` // 0 = disabled

	// Stream endpoint configuration
	Stream StreamConfig `yaml:"stream"`

	// Filter update protocol configuration
	Filter FilterConfig `yaml:"filter"`

	// Intake bus configuration
	Bus BusConfig `yaml:"bus"`

	// Client transport configuration (used by the logstream CLI)
	Client ClientConfig `yaml:"client"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`
}

// StreamConfig holds streaming endpoint settings.
type StreamConfig struct {
	Name              string        `envconfig:"LOGSTREAM_STREAM_NAME" yaml:"name"`
	Path              string        `envconfig:"LOGSTREAM_STREAM_PATH" yaml:"path"`
	CORS              bool          `envconfig:"LOGSTREAM_STREAM_CORS" yaml:"cors"`
	HeartbeatInterval time.Duration `envconfig:"LOGSTREAM_HEARTBEAT_INTERVAL" yaml:"heartbeat_interval"`
	ClientTimeout     time.Duration `envconfig:"LOGSTREAM_CLIENT_TIMEOUT" yaml:"client_timeout"`
	BufferSize        int           `envconfig:"LOGSTREAM_SESSION_BUFFER" yaml:"buffer_size"`
	MaxBodyBytes      int64         `envconfig:"LOGSTREAM_MAX_BODY_BYTES" yaml:"max_body_bytes"`
}

// FilterConfig holds filter-update rate limiting settings.
type FilterConfig struct {
	RateWindow time.Duration `envconfig:"LOGSTREAM_FILTER_RATE_WINDOW" yaml:"rate_window"`
	RateMax    int           `envconfig:"LOGSTREAM_FILTER_RATE_MAX" yaml:"rate_max"`
}

// BusConfig holds intake bus settings.
type BusConfig struct {
	Type         string `envconfig:"LOGSTREAM_BUS_TYPE" yaml:"type"`
	Topic        string `envconfig:"LOGSTREAM_BUS_TOPIC" yaml:"topic"`
	KafkaBrokers string `envconfig:"LOGSTREAM_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup   string `envconfig:"LOGSTREAM_KAFKA_GROUP" yaml:"kafka_group"`
	RedisURL     string `envconfig:"LOGSTREAM_REDIS_URL" yaml:"redis_url"`
}

// ClientConfig holds outbound transport settings.
type ClientConfig struct {
	ServerURL      string        `envconfig:"LOGSTREAM_SERVER_URL" yaml:"server_url"`
	BufferCapacity int           `envconfig:"LOGSTREAM_CLIENT_BUFFER" yaml:"buffer_capacity"`
	FlushThreshold int           `envconfig:"LOGSTREAM_FLUSH_THRESHOLD" yaml:"flush_threshold"`
	FlushInterval  time.Duration `envconfig:"LOGSTREAM_FLUSH_INTERVAL" yaml:"flush_interval"`
	FilterTimeout  time.Duration `envconfig:"LOGSTREAM_FILTER_TIMEOUT" yaml:"filter_timeout"`
	ConnectTimeout time.Duration `envconfig:"LOGSTREAM_CONNECT_TIMEOUT" yaml:"connect_timeout"`
	BeaconTimeout  time.Duration `envconfig:"LOGSTREAM_BEACON_TIMEOUT" yaml:"beacon_timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"LOGSTREAM_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"LOGSTREAM_LOG_FORMAT" yaml:"format"`
}

// SecurityConfig holds security settings.
type SecurityConfig struct {
	RateLimit   int    `envconfig:"LOGSTREAM_RATE_LIMIT" yaml:"rate_limit"` // 0 = disabled
	CORSOrigins string `envconfig:"LOGSTREAM_CORS_ORIGINS" yaml:"cors_origins"`
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	MetricsEnabled bool   `envconfig:"LOGSTREAM_METRICS_ENABLED" yaml:"metrics_enabled"`
	MetricsPath    string `envconfig:"LOGSTREAM_METRICS_PATH" yaml:"metrics_path"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

// Default returns a configuration holding only the built-in defaults.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func setDefaults(cfg *Config) {
	cfg.Host = "0.0.0.0"
	cfg.Port = 8080
	cfg.GRPCPort = 0

	cfg.Stream = StreamConfig{
		Name:              "logstream",
		Path:              "/v1/logs/stream",
		CORS:              true,
		HeartbeatInterval: 15 * time.Second,
		ClientTimeout:     45 * time.Second,
		BufferSize:        256,
		MaxBodyBytes:      1 << 20,
	}

	cfg.Filter = FilterConfig{
		RateWindow: 5 * time.Second,
		RateMax:    3,
	}

	cfg.Bus = BusConfig{
		Type:         "memory",
		Topic:        "logstream.events",
		KafkaGroup:   "logstream",
		RedisURL:     "redis://localhost:6379",
		KafkaBrokers: "",
	}

	cfg.Client = ClientConfig{
		ServerURL:      "http://localhost:8080",
		BufferCapacity: 200,
		FlushThreshold: 5,
		FlushInterval:  500 * time.Millisecond,
		FilterTimeout:  5 * time.Second,
		ConnectTimeout: 10 * time.Second,
		BeaconTimeout:  time.Second,
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}

	cfg.Security = SecurityConfig{
		RateLimit:   0,
		CORSOrigins: "*",
	}

	cfg.Observability = ObservabilityConfig{
		MetricsEnabled: true,
		MetricsPath:    "/metrics",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Server validation
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		errs = append(errs, "grpc_port must be between 0 and 65535")
	}
	if c.GRPCPort != 0 && c.GRPCPort == c.Port {
		errs = append(errs, "grpc_port must differ from port")
	}

	// Stream validation
	if !strings.HasPrefix(c.Stream.Path, "/") {
		errs = append(errs, fmt.Sprintf("stream path must start with '/': %q", c.Stream.Path))
	}
	if c.Stream.HeartbeatInterval <= 0 {
		errs = append(errs, "heartbeat_interval must be positive")
	}
	if c.Stream.ClientTimeout <= c.Stream.HeartbeatInterval {
		errs = append(errs, "client_timeout must be greater than heartbeat_interval")
	}
	if c.Stream.BufferSize < 1 {
		errs = append(errs, "buffer_size must be positive")
	}
	if c.Stream.MaxBodyBytes < 1024 {
		errs = append(errs, "max_body_bytes must be at least 1024")
	}

	// Filter validation
	if c.Filter.RateWindow <= 0 {
		errs = append(errs, "filter rate_window must be positive")
	}
	if c.Filter.RateMax < 1 {
		errs = append(errs, "filter rate_max must be positive")
	}

	// Bus validation
	validBusTypes := map[string]bool{"memory": true, "kafka": true, "redis": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory, kafka, or redis)", c.Bus.Type))
	}
	if c.Bus.Topic == "" {
		errs = append(errs, "bus topic must not be empty")
	}
	if c.Bus.Type == "kafka" && strings.TrimSpace(c.Bus.KafkaBrokers) == "" {
		errs = append(errs, "kafka_brokers required when bus type is kafka")
	}
	if c.Bus.Type == "redis" && c.Bus.RedisURL == "" {
		errs = append(errs, "redis_url required when bus type is redis")
	}

	// Client validation
	if c.Client.BufferCapacity < 1 {
		errs = append(errs, "client buffer_capacity must be positive")
	}
	if c.Client.FlushThreshold < 1 || c.Client.FlushThreshold > c.Client.BufferCapacity {
		errs = append(errs, "client flush_threshold must be between 1 and buffer_capacity")
	}
	if c.Client.FlushInterval <= 0 {
		errs = append(errs, "client flush_interval must be positive")
	}
	if c.Client.FilterTimeout <= 0 {
		errs = append(errs, "client filter_timeout must be positive")
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	// Security validation
	if c.Security.RateLimit < 0 {
		errs = append(errs, "rate_limit must not be negative")
	}

	// Observability validation
	if c.Observability.MetricsEnabled && !strings.HasPrefix(c.Observability.MetricsPath, "/") {
		errs = append(errs, "metrics_path must start with '/'")
	}
	if c.Observability.MetricsPath == c.Stream.Path {
		errs = append(errs, "metrics_path must differ from stream path")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCAddress returns the gRPC listen address, or "" when gRPC is disabled.
func (c *Config) GRPCAddress() string {
	if c.GRPCPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort)
}

// CORSOrigins returns the configured allowed origins as a list.
func (c *Config) CORSOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.Security.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Log.Level == "debug"
}
