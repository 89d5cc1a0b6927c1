package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Redis configuration (bucket store)
	Redis RedisConfig `mapstructure:"redis"`

	// JWT configuration
	JWT JWTConfig `mapstructure:"jwt"`

	// Rate limiting configuration
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// Protected route configuration
	Routes []RouteConfig `mapstructure:"routes"`

	// Monitoring configuration
	Monitoring MonitoringConfig `mapstructure:"monitoring"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Addr returns the host:port address of the Redis server
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// JWTConfig holds JWT verification configuration
type JWTConfig struct {
	JWKSURI    string `mapstructure:"jwks_uri"`
	Issuer     string `mapstructure:"issuer"`
	HeaderName string `mapstructure:"header_name"`
	Scheme     string `mapstructure:"scheme"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// FailOpen controls the policy when the bucket store is unreachable:
	// true allows the request through, false rejects it. There is no
	// implicit default; the value is always written by setDefaults.
	FailOpen   bool   `mapstructure:"fail_open"`
	MaxRetries int    `mapstructure:"max_retries"`
	TTLMargin  int    `mapstructure:"ttl_margin"`
	Store      string `mapstructure:"store"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// RouteConfig holds per-route admission control configuration
type RouteConfig struct {
	Name         string `mapstructure:"name"`
	Prefix       string `mapstructure:"prefix"`
	Backend      string `mapstructure:"backend"`
	Strategy     string `mapstructure:"strategy"`
	Capacity     int64  `mapstructure:"capacity"`
	RefillAmount int64  `mapstructure:"refill_amount"`
	RefillPeriod int    `mapstructure:"refill_period"`
	AuthRequired bool   `mapstructure:"auth_required"`
}

// Period returns the refill period as a duration
func (r RouteConfig) Period() time.Duration {
	return time.Duration(r.RefillPeriod) * time.Second
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
	HealthPath  string `mapstructure:"health_path"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/api-gateway")

	// Set default values
	setDefaults()

	// Enable environment variable support
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Override with environment variables
	overrideWithEnv(&config)

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.idle_timeout", 120)

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	// JWT defaults
	viper.SetDefault("jwt.header_name", "Authorization")
	viper.SetDefault("jwt.scheme", "Bearer")

	// Rate limiting defaults
	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.fail_open", false)
	viper.SetDefault("rate_limit.max_retries", 3)
	viper.SetDefault("rate_limit.ttl_margin", 600)
	viper.SetDefault("rate_limit.store", "redis")
	viper.SetDefault("rate_limit.key_prefix", "ratelimit")

	// Monitoring defaults
	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.metrics_path", "/metrics")
	viper.SetDefault("monitoring.health_path", "/health")

	// Logging defaults
	viper.SetDefault("log_level", "info")
}

// overrideWithEnv overrides configuration with environment variables
func overrideWithEnv(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if jwksURI := os.Getenv("JWKS_URI"); jwksURI != "" {
		config.JWT.JWKSURI = jwksURI
	}

	if issuer := os.Getenv("JWT_ISSUER"); issuer != "" {
		config.JWT.Issuer = issuer
	}

	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		config.Redis.Host = redisHost
	}

	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		config.Redis.Password = redisPassword
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

// validate validates the configuration
func validate(config *Config) error {
	if config.JWT.JWKSURI == "" {
		return fmt.Errorf("JWKS URI is required")
	}

	if config.JWT.Issuer == "" {
		return fmt.Errorf("JWT issuer is required")
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.RateLimit.Store != "redis" && config.RateLimit.Store != "memory" {
		return fmt.Errorf("invalid rate limit store: %s", config.RateLimit.Store)
	}

	for _, route := range config.Routes {
		if route.Name == "" || route.Prefix == "" {
			return fmt.Errorf("route name and prefix are required")
		}
		if _, err := url.Parse(route.Backend); err != nil || route.Backend == "" {
			return fmt.Errorf("invalid backend URL for route %s: %s", route.Name, route.Backend)
		}
		if route.Capacity <= 0 || route.RefillAmount <= 0 || route.RefillPeriod <= 0 {
			return fmt.Errorf("route %s: capacity, refill_amount and refill_period must be greater than 0", route.Name)
		}
	}

	return nil
}
