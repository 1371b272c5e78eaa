// =============================================================================
// llmlb configuration loader
// =============================================================================
// Unified configuration loading: YAML file + environment variable
// overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("LLMLB").
//	    Load()
//
// Priority: defaults -> YAML file -> environment variables
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Core configuration structure
// =============================================================================

// Config is llmlb's complete configuration structure.
type Config struct {
	// Server is the HTTP server configuration.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Database is the EndpointStore persistence configuration.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis backs CloudModelCache when Addr is set; unset falls back to
	// an in-process cache.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// CloudProviders holds per-provider API keys and base URLs read
	// directly from the conventional environment variable names
	// (OPENAI_API_KEY, GOOGLE_API_KEY, ANTHROPIC_API_KEY, ...), not
	// namespaced under the process env prefix.
	CloudProviders CloudProvidersConfig `yaml:"cloud_providers" env:"-"`

	// HealthCheck configures the process-wide probe cadence. Per-endpoint
	// inference timeouts live on the endpoint record, not here.
	HealthCheck HealthCheckConfig `yaml:"health_check" env:"HEALTH_CHECK"`

	// EndpointDefaults supplies defaults applied to new endpoints that
	// don't specify an override.
	EndpointDefaults EndpointDefaultsConfig `yaml:"endpoint_defaults" env:"ENDPOINT_DEFAULTS"`

	// Auth configures bearer-token authentication for every route except
	// /healthz, /readyz, /version and /metrics.
	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	// Log is the logging configuration.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry is the OpenTelemetry configuration.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig is the HTTP server configuration.
type ServerConfig struct {
	// HTTP port.
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics port.
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// Read timeout.
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// Write timeout.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// Graceful shutdown timeout.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// Per-IP rate limit applied to every route (requests/sec and burst).
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// RedisConfig is the Redis cache configuration.
type RedisConfig struct {
	// Address. Empty disables Redis; CloudModelCache falls back to an
	// in-process map.
	Addr string `yaml:"addr" env:"ADDR"`
	// Password.
	Password string `yaml:"password" env:"PASSWORD"`
	// Database number.
	DB int `yaml:"db" env:"DB"`
	// Connection pool size.
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// Minimum idle connections.
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig is the EndpointStore database configuration.
type DatabaseConfig struct {
	// Driver: postgres, mysql, sqlite.
	Driver string `yaml:"driver" env:"DRIVER"`
	// Host.
	Host string `yaml:"host" env:"HOST"`
	// Port.
	Port int `yaml:"port" env:"PORT"`
	// User.
	User string `yaml:"user" env:"USER"`
	// Password.
	Password string `yaml:"password" env:"PASSWORD"`
	// Database/file name.
	Name string `yaml:"name" env:"NAME"`
	// SSL mode (postgres only).
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// Max open connections.
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// Max idle connections.
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// Connection max lifetime.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// CloudProvidersConfig groups the three supported cloud providers.
type CloudProvidersConfig struct {
	OpenAI    CloudProviderConfig `yaml:"openai"`
	Google    CloudProviderConfig `yaml:"google"`
	Anthropic CloudProviderConfig `yaml:"anthropic"`
}

// CloudProviderConfig is one cloud provider's API key and base URL.
type CloudProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// cloudProviderDefaults are the official API origins used when no
// *_BASE_URL override is set.
var cloudProviderDefaults = map[string]string{
	"openai":    "https://api.openai.com",
	"google":    "https://generativelanguage.googleapis.com/v1beta",
	"anthropic": "https://api.anthropic.com",
}

// HealthCheckConfig configures HealthMonitor's probe cadence.
type HealthCheckConfig struct {
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// EndpointDefaultsConfig supplies defaults for newly registered
// endpoints that omit an override.
type EndpointDefaultsConfig struct {
	// InferenceTimeoutSecs is bounded 10..600 by validation.
	InferenceTimeoutSecs int `yaml:"inference_timeout_secs" env:"INFERENCE_TIMEOUT_SECS"`
}

// AuthConfig configures the gateway's bearer-token middleware.
type AuthConfig struct {
	// JWTSecret signs/verifies bearer tokens. Empty disables
	// auth (suitable for local/dev use only).
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
}

// LogConfig is the logging configuration.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console.
	Format string `yaml:"format" env:"FORMAT"`
	// Output paths.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// Enable caller info.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// Enable stacktrace.
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig is the OpenTelemetry configuration.
type TelemetryConfig struct {
	// Enabled.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP endpoint.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// Service name.
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// Sample rate.
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader loads configuration (builder pattern).
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "LLMLB",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the configuration file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a configuration validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the configuration.
// Priority: defaults -> YAML file -> environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	loadCloudProvidersFromEnv(&cfg.CloudProviders)

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv recursively sets struct fields from environment
// variables. Fields tagged env:"-" (CloudProviders) are skipped here;
// they're handled by loadCloudProvidersFromEnv using the well-known
// provider variable names, with no process prefix.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "-" {
			continue
		}
		if envTag == "" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// loadCloudProvidersFromEnv reads the providers' well-known
// environment variable names directly (no LLMLB_ prefix), since
// clients and deploy tooling already set these.
func loadCloudProvidersFromEnv(c *CloudProvidersConfig) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.OpenAI.BaseURL = v
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		c.Google.APIKey = v
	}
	if v := os.Getenv("GOOGLE_API_BASE_URL"); v != "" {
		c.Google.BaseURL = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Anthropic.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_BASE_URL"); v != "" {
		c.Anthropic.BaseURL = v
	}
}

// setFieldValue sets a field value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads configuration, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.EndpointDefaults.InferenceTimeoutSecs < 10 || c.EndpointDefaults.InferenceTimeoutSecs > 600 {
		errs = append(errs, "endpoint_defaults.inference_timeout_secs must be between 10 and 600")
	}
	if c.HealthCheck.Interval <= 0 {
		errs = append(errs, "health_check.interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the database connection string.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
