package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opsmaint/authcore/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration
	Redis RedisConfig

	// Auth configuration (tokens, cookies, MFA policy)
	Auth AuthConfig

	// Federation configuration (SSO providers)
	Federation FederationConfig

	// Rate limit configuration
	RateLimit RateLimitConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// CORSOrigins lists allowed browser origins. Empty means the
	// frontend URL's origin only.
	CORSOrigins []string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration. An empty Addr means Redis is
// not deployed and the login guard falls back to in-memory limiters.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// AuthConfig holds token signing, cookie and MFA policy settings
type AuthConfig struct {
	// SigningSecret is the HMAC key for session JWTs. Required.
	SigningSecret string

	// TokenIssuer is the iss claim on issued tokens.
	TokenIssuer string

	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	RememberTTL time.Duration
	RotationTTL time.Duration

	CookieDomain string

	// Environment is "development", "test" or "production". Production
	// forces Secure cookies.
	Environment string

	// MFAEnforced requires a verified MFA enrollment for every login.
	MFAEnforced bool

	// SSOTrustedSecondFactor treats the upstream IdP as the second
	// factor for SSO-provisioned users.
	SSOTrustedSecondFactor bool
}

// CookieSecure reports whether session cookies carry the Secure flag.
func (a AuthConfig) CookieSecure() bool {
	return a.Environment == "production"
}

// FederationConfig holds SSO provider settings
type FederationConfig struct {
	// FrontendURL is where browser SSO flows redirect after a callback.
	FrontendURL string

	// CallbackBase is this service's externally reachable base URL,
	// used to build provider redirect and ACS URLs.
	CallbackBase string

	OIDCEnabled bool
	SAMLEnabled bool

	// Tenants lists the tenant IDs whose provider configs are loaded
	// at startup.
	Tenants []string

	// ProviderTimeout bounds outbound calls to identity providers.
	ProviderTimeout time.Duration

	// TenantCacheSize bounds the tenant resolver's LRU cache.
	TenantCacheSize int
}

// RateLimitConfig holds login failure-counting settings
type RateLimitConfig struct {
	IPMaxFailures      int
	AccountMaxFailures int
	Window             time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Auth:          loadAuthConfig(),
		Federation:    loadFederationConfig(),
		RateLimit:     loadRateLimitConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("AUTHCORE_HOST", "0.0.0.0"),
		Port:            getEnv("AUTHCORE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("AUTHCORE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("AUTHCORE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("AUTHCORE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("AUTHCORE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("AUTHCORE_HEALTH_PORT", "9090"),
		CORSOrigins:     getEnvList("AUTHCORE_CORS_ORIGINS"),
	}
}

// loadDatabaseConfig loads PostgreSQL configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("AUTHCORE_POSTGRES_URL", ""),
		MaxOpenConns:    getEnvInt("AUTHCORE_POSTGRES_MAX_CONNS", 25),
		MaxIdleConns:    getEnvInt("AUTHCORE_POSTGRES_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("AUTHCORE_POSTGRES_CONN_LIFETIME", 5*time.Minute),
	}
}

// loadRedisConfig loads Redis configuration from environment
func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     getEnv("AUTHCORE_REDIS_ADDR", ""),
		Password: getEnv("AUTHCORE_REDIS_PASSWORD", ""),
		DB:       getEnvInt("AUTHCORE_REDIS_DB", 0),
		PoolSize: getEnvInt("AUTHCORE_REDIS_POOL_SIZE", 10),
	}
}

// loadAuthConfig loads token and MFA policy configuration from environment
func loadAuthConfig() AuthConfig {
	return AuthConfig{
		SigningSecret:          getEnv("AUTHCORE_SIGNING_SECRET", ""),
		TokenIssuer:            getEnv("AUTHCORE_TOKEN_ISSUER", "authcore"),
		AccessTTL:              getEnvDuration("AUTHCORE_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:             getEnvDuration("AUTHCORE_REFRESH_TTL", 8*time.Hour),
		RememberTTL:            getEnvDuration("AUTHCORE_REMEMBER_TTL", 30*24*time.Hour),
		RotationTTL:            getEnvDuration("AUTHCORE_ROTATION_TTL", 15*time.Minute),
		CookieDomain:           getEnv("AUTHCORE_COOKIE_DOMAIN", ""),
		Environment:            getEnv("AUTHCORE_ENV", "development"),
		MFAEnforced:            getEnvBool("AUTHCORE_MFA_ENFORCED", false),
		SSOTrustedSecondFactor: getEnvBool("AUTHCORE_SSO_TRUSTED_SECOND_FACTOR", false),
	}
}

// loadFederationConfig loads SSO configuration from environment
func loadFederationConfig() FederationConfig {
	return FederationConfig{
		FrontendURL:     getEnv("AUTHCORE_FRONTEND_URL", "http://localhost:3000/login"),
		CallbackBase:    getEnv("AUTHCORE_CALLBACK_BASE", "http://localhost:8080"),
		OIDCEnabled:     getEnvBool("AUTHCORE_OIDC_ENABLED", true),
		SAMLEnabled:     getEnvBool("AUTHCORE_SAML_ENABLED", true),
		Tenants:         getEnvList("AUTHCORE_TENANTS"),
		ProviderTimeout: getEnvDuration("AUTHCORE_PROVIDER_TIMEOUT", 10*time.Second),
		TenantCacheSize: getEnvInt("AUTHCORE_TENANT_CACHE_SIZE", 1024),
	}
}

// loadRateLimitConfig loads login guard configuration from environment
func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		IPMaxFailures:      getEnvInt("AUTHCORE_RATELIMIT_IP_MAX", 20),
		AccountMaxFailures: getEnvInt("AUTHCORE_RATELIMIT_ACCOUNT_MAX", 10),
		Window:             getEnvDuration("AUTHCORE_RATELIMIT_WINDOW", 15*time.Minute),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("AUTHCORE_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("AUTHCORE_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	// Validate database config
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	// Validate auth config
	if c.Auth.SigningSecret == "" {
		return fmt.Errorf("signing secret is required")
	}
	if c.Auth.Environment == "production" && len(c.Auth.SigningSecret) < 32 {
		return fmt.Errorf("signing secret must be at least 32 bytes in production")
	}
	switch c.Auth.Environment {
	case "development", "test", "production":
	default:
		return fmt.Errorf("invalid environment: %s (must be development, test, or production)", c.Auth.Environment)
	}

	// Validate federation config
	if _, err := url.ParseRequestURI(c.Federation.FrontendURL); err != nil {
		return fmt.Errorf("invalid frontend URL: %w", err)
	}
	if _, err := url.ParseRequestURI(c.Federation.CallbackBase); err != nil {
		return fmt.Errorf("invalid callback base URL: %w", err)
	}

	// Validate rate limit config
	if c.RateLimit.IPMaxFailures <= 0 || c.RateLimit.AccountMaxFailures <= 0 {
		return fmt.Errorf("rate limit failure budgets must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable as a slice,
// trimming whitespace and dropping empty entries.
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
