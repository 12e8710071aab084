// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings. The signing secret and database URL have no
// defaults and must be provided.
//
// # Configuration Structure
//
// Server settings:
//
//	AUTHCORE_HOST="0.0.0.0"
//	AUTHCORE_PORT="8080"
//	AUTHCORE_HEALTH_PORT="9090"
//	AUTHCORE_READ_TIMEOUT="15s"
//	AUTHCORE_WRITE_TIMEOUT="15s"
//
// Database and Redis settings:
//
//	AUTHCORE_POSTGRES_URL="postgres://localhost/authcore"
//	AUTHCORE_POSTGRES_MAX_CONNS="25"
//	AUTHCORE_REDIS_ADDR="localhost:6379"  # empty = in-memory rate limiting
//	AUTHCORE_REDIS_POOL_SIZE="10"
//
// Auth settings:
//
//	AUTHCORE_SIGNING_SECRET="..."          # required
//	AUTHCORE_TOKEN_ISSUER="authcore"
//	AUTHCORE_ACCESS_TTL="15m"
//	AUTHCORE_REFRESH_TTL="8h"
//	AUTHCORE_REMEMBER_TTL="720h"
//	AUTHCORE_ENV="production"              # forces Secure cookies
//	AUTHCORE_MFA_ENFORCED="false"
//	AUTHCORE_SSO_TRUSTED_SECOND_FACTOR="false"
//
// Federation settings:
//
//	AUTHCORE_FRONTEND_URL="https://app.example.com/login"
//	AUTHCORE_CALLBACK_BASE="https://auth.example.com"
//	AUTHCORE_OIDC_ENABLED="true"
//	AUTHCORE_SAML_ENABLED="true"
//	AUTHCORE_TENANTS="tenant-1,tenant-2"   # provider configs loaded at startup
//
// Rate limit and observability settings:
//
//	AUTHCORE_RATELIMIT_IP_MAX="20"
//	AUTHCORE_RATELIMIT_ACCOUNT_MAX="10"
//	AUTHCORE_RATELIMIT_WINDOW="15m"
//	AUTHCORE_LOG_LEVEL="info"  # debug, info, warn, error
//	AUTHCORE_METRICS_ENABLED="true"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Environment: %s\n", cfg.Auth.Environment)
//
// # Related Packages
//
//   - pkg/session: Uses auth token settings
//   - pkg/federation: Uses federation settings
//   - pkg/observability: Uses observability configuration
package config
