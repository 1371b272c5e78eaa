// =============================================================================
// llmlb default configuration
// =============================================================================
// Provides sane defaults for every configuration field.
// =============================================================================
package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:           DefaultServerConfig(),
		Database:         DefaultDatabaseConfig(),
		Redis:            DefaultRedisConfig(),
		CloudProviders:   DefaultCloudProvidersConfig(),
		HealthCheck:      DefaultHealthCheckConfig(),
		EndpointDefaults: DefaultEndpointDefaultsConfig(),
		Auth:             DefaultAuthConfig(),
		Log:              DefaultLogConfig(),
		Telemetry:        DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
	}
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig returns the default database configuration.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Name:            "llmlb.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultCloudProvidersConfig returns the three providers' documented
// default base URLs with empty API keys (populated from environment
// variables at load time).
func DefaultCloudProvidersConfig() CloudProvidersConfig {
	return CloudProvidersConfig{
		OpenAI:    CloudProviderConfig{BaseURL: cloudProviderDefaults["openai"]},
		Google:    CloudProviderConfig{BaseURL: cloudProviderDefaults["google"]},
		Anthropic: CloudProviderConfig{BaseURL: cloudProviderDefaults["anthropic"]},
	}
}

// DefaultHealthCheckConfig returns the default probe cadence.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// DefaultEndpointDefaultsConfig returns the default per-endpoint
// inference timeout (120s; validation bounds it 10..600).
func DefaultEndpointDefaultsConfig() EndpointDefaultsConfig {
	return EndpointDefaultsConfig{
		InferenceTimeoutSecs: 120,
	}
}

// DefaultAuthConfig returns the default auth configuration (disabled).
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret: "",
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "llmlb",
		SampleRate:   0.1,
	}
}
