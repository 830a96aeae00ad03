// Package config centralizes the session core's runtime configuration:
// flags (with environment-variable defaults) for the listen address and the
// addresses of its external collaborators (Postgres app catalog, Redis event
// bus, JWKS endpoint), plus environment-variable-only overrides for the
// timing constants in Config (grace period, reconnect guard, heartbeat,
// microphone debounces, hold-down and keep-alive, photo timeout).
//
// Grounded on utils/env.go's GetEnv/GetEnvInt/GetEnvBool/GetEnvOrConfig
// layering (env var, then an optional YAML config file, then a default).
package config

import (
	"flag"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved runtime configuration for cmd/sessiond.
type Config struct {
	ListenAddr string

	JWKSURL string

	PostgresHost string
	PostgresPort int
	PostgresUser string
	PostgresPass string
	PostgresDB   string

	RedisHost    string
	RedisPort    int
	RedisEnabled bool

	GracePeriod           time.Duration
	ReconnectGuardWindow  time.Duration
	HeartbeatInterval     time.Duration
	MicSubscriptionDebounce time.Duration
	MicSendDebounce       time.Duration
	MicOffHoldDown        time.Duration
	MicKeepAliveInterval  time.Duration
	PhotoRequestTimeout   time.Duration
}

// FlagPointers holds pointers to flag values, converted to Config after
// flag.Parse() via ToConfig.
type FlagPointers struct {
	listenAddr *string
	jwksURL    *string

	pgHost *string
	pgPort *int
	pgUser *string
	pgPass *string
	pgDB   *string

	redisHost    *string
	redisPort    *int
	redisEnabled *bool
}

// RegisterFlags registers every flag this service understands.
func RegisterFlags() *FlagPointers {
	return &FlagPointers{
		listenAddr:   flag.String("listen-addr", GetEnv("LISTEN_ADDR", ":8443"), "address to listen on"),
		jwksURL:      flag.String("jwks-url", GetEnv("JWKS_URL", ""), "JWKS URL for glasses/app token verification (empty = dev mode)"),
		pgHost:       flag.String("postgres-host", GetEnv("POSTGRES_HOST", "localhost"), "Postgres host"),
		pgPort:       flag.Int("postgres-port", GetEnvInt("POSTGRES_PORT", 5432), "Postgres port"),
		pgUser:       flag.String("postgres-user", GetEnv("POSTGRES_USER", "session_core"), "Postgres user"),
		pgPass:       flag.String("postgres-password", GetEnv("POSTGRES_PASSWORD", ""), "Postgres password"),
		pgDB:         flag.String("postgres-db", GetEnv("POSTGRES_DB", "session_core"), "Postgres database"),
		redisHost:    flag.String("redis-host", GetEnv("REDIS_HOST", "localhost"), "Redis host for ownership-release events"),
		redisPort:    flag.Int("redis-port", GetEnvInt("REDIS_PORT", 6379), "Redis port"),
		redisEnabled: flag.Bool("redis-enabled", GetEnvBool("REDIS_ENABLED", false), "publish ownership-release events to Redis"),
	}
}

// ToConfig converts flag pointers plus the timing-constant environment
// overrides into a Config. Must be called after flag.Parse().
func (f *FlagPointers) ToConfig() Config {
	return Config{
		ListenAddr: *f.listenAddr,
		JWKSURL:    *f.jwksURL,

		PostgresHost: *f.pgHost,
		PostgresPort: *f.pgPort,
		PostgresUser: *f.pgUser,
		PostgresPass: *f.pgPass,
		PostgresDB:   *f.pgDB,

		RedisHost:    *f.redisHost,
		RedisPort:    *f.redisPort,
		RedisEnabled: *f.redisEnabled,

		GracePeriod:             getEnvDuration("SESSION_GRACE_PERIOD", 5*time.Second),
		ReconnectGuardWindow:    getEnvDuration("SESSION_RECONNECT_GUARD_WINDOW", 8*time.Second),
		HeartbeatInterval:       getEnvDuration("SESSION_HEARTBEAT_INTERVAL", 10*time.Second),
		MicSubscriptionDebounce: getEnvDuration("MIC_SUBSCRIPTION_DEBOUNCE", 100*time.Millisecond),
		MicSendDebounce:         getEnvDuration("MIC_SEND_DEBOUNCE", 1*time.Second),
		MicOffHoldDown:          getEnvDuration("MIC_OFF_HOLD_DOWN", 3*time.Second),
		MicKeepAliveInterval:    getEnvDuration("MIC_KEEPALIVE_INTERVAL", 10*time.Second),
		PhotoRequestTimeout:     getEnvDuration("PHOTO_REQUEST_TIMEOUT", 30*time.Second),
	}
}

// GetEnv retrieves a string environment variable or returns defaultValue.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt retrieves an integer environment variable or returns defaultValue.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvBool retrieves a boolean environment variable or returns defaultValue.
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetEnvOrConfig checks envKey first, then configKey inside the YAML file
// named by SESSION_CORE_CONFIG_FILE, then defaultValue.
func GetEnvOrConfig(envKey, configKey, defaultValue string) string {
	if value := os.Getenv(envKey); value != "" {
		return value
	}
	if configPath := os.Getenv("SESSION_CORE_CONFIG_FILE"); configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			var cfg map[string]interface{}
			if err := yaml.Unmarshal(data, &cfg); err == nil {
				if value, ok := cfg[configKey]; ok {
					if strValue, ok := value.(string); ok && strValue != "" {
						return strValue
					}
				}
			} else {
				slog.Warn("failed to parse config file", "path", configPath, "error", err)
			}
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
