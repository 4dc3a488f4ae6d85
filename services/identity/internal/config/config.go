package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/AfshinJalili/identity/libs/config"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type KafkaConfig struct {
	Brokers         []string
	Topic           string
	DeadLetterTopic string
	ConsumerGroup   string
}

type RelayConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	PublishTimeout time.Duration
	PublishRetries uint64
	ParkedRetry    time.Duration
	Retention      time.Duration
	GCInterval     time.Duration
}

type RateLimitRedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RateLimitConfig bounds login attempts per handle (LoginLimit) and per
// client IP (IPLimit) in each Window.
type RateLimitConfig struct {
	LoginLimit int
	IPLimit    int
	Window     time.Duration
	Redis      RateLimitRedisConfig
}

type AdminConfig struct {
	APIKeyHashes []string
	IPWhitelist  []string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type Config struct {
	App                   base.AppConfig
	JWTSecret             string
	JWTIssuer             string
	AccessTokenTTL        time.Duration
	RefreshTokenTTL       time.Duration
	CheckAccessRevocation bool
	MaxConflictRetries    int
	SweepInterval         time.Duration
	TraceEndpoint         string
	Argon2                Argon2Params
	DB                    DBConfig
	Kafka                 KafkaConfig
	Relay                 RelayConfig
	RateLimit             RateLimitConfig
	Admin                 AdminConfig
	CORS                  CORSConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("IDENTITY_CONFIG"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App:                   *appCfg,
		JWTSecret:             envString("IDENTITY_JWT_SECRET", ""),
		JWTIssuer:             envString("IDENTITY_JWT_ISSUER", "identity"),
		AccessTokenTTL:        envDuration("IDENTITY_ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:       envDuration("IDENTITY_REFRESH_TOKEN_TTL", 30*24*time.Hour),
		CheckAccessRevocation: envBool("IDENTITY_CHECK_ACCESS_REVOCATION", false),
		MaxConflictRetries:    envInt("IDENTITY_MAX_CONFLICT_RETRIES", 3),
		SweepInterval:         envDuration("IDENTITY_REVOCATION_SWEEP_INTERVAL", 10*time.Minute),
		TraceEndpoint:         envString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Argon2: Argon2Params{
			Memory:      uint32(envInt("IDENTITY_ARGON2_MEMORY", 64*1024)),
			Iterations:  uint32(envInt("IDENTITY_ARGON2_ITERATIONS", 3)),
			Parallelism: uint8(envInt("IDENTITY_ARGON2_PARALLELISM", 2)),
			SaltLength:  uint32(envInt("IDENTITY_ARGON2_SALT_LENGTH", 16)),
			KeyLength:   uint32(envInt("IDENTITY_ARGON2_KEY_LENGTH", 32)),
		},
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "identity"),
			User:     envString("POSTGRES_USER", "identity"),
			Password: envString("POSTGRES_PASSWORD", "identity"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
			MaxConns: int32(envInt("POSTGRES_MAX_CONNS", 10)),
		},
		Kafka: KafkaConfig{
			Brokers:         envList("IDENTITY_KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:           envString("IDENTITY_KAFKA_TOPIC", "user.events"),
			DeadLetterTopic: envString("IDENTITY_KAFKA_DLQ_TOPIC", "user.events.dlq"),
			ConsumerGroup:   envString("IDENTITY_KAFKA_CONSUMER_GROUP", "identity-eventtail"),
		},
		Relay: RelayConfig{
			PollInterval:   envDuration("IDENTITY_RELAY_POLL_INTERVAL", time.Second),
			BatchSize:      envInt("IDENTITY_RELAY_BATCH_SIZE", 100),
			MaxAttempts:    envInt("IDENTITY_RELAY_MAX_ATTEMPTS", 10),
			PublishTimeout: envDuration("IDENTITY_RELAY_PUBLISH_TIMEOUT", 5*time.Second),
			PublishRetries: uint64(envInt("IDENTITY_RELAY_PUBLISH_RETRIES", 3)),
			ParkedRetry:    envDuration("IDENTITY_RELAY_PARKED_RETRY", 5*time.Minute),
			Retention:      envDuration("IDENTITY_RELAY_RETENTION", 7*24*time.Hour),
			GCInterval:     envDuration("IDENTITY_RELAY_GC_INTERVAL", time.Hour),
		},
		RateLimit: RateLimitConfig{
			LoginLimit: envInt("IDENTITY_LOGIN_RATE_LIMIT", 10),
			IPLimit:    envInt("IDENTITY_LOGIN_RATE_LIMIT_IP", 30),
			Window:     envDuration("IDENTITY_LOGIN_RATE_WINDOW", time.Minute),
			Redis: RateLimitRedisConfig{
				Addr:     envString("IDENTITY_RATE_LIMIT_REDIS_ADDR", ""),
				Password: envString("IDENTITY_RATE_LIMIT_REDIS_PASSWORD", ""),
				DB:       envInt("IDENTITY_RATE_LIMIT_REDIS_DB", 0),
				Prefix:   envString("IDENTITY_RATE_LIMIT_REDIS_PREFIX", "identity:rl:"),
			},
		},
		Admin: AdminConfig{
			APIKeyHashes: envList("IDENTITY_ADMIN_API_KEY_HASHES", nil),
			IPWhitelist:  envList("IDENTITY_ADMIN_IP_WHITELIST", nil),
		},
		CORS: CORSConfig{
			AllowedOrigins: envList("IDENTITY_CORS_ALLOWED_ORIGINS", nil),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("IDENTITY_JWT_SECRET must be set")
	}
	if len(c.JWTSecret) < 32 && !c.App.IsLocal() {
		return fmt.Errorf("IDENTITY_JWT_SECRET must be at least 32 bytes")
	}
	if c.AccessTokenTTL < time.Second || c.RefreshTokenTTL < time.Second {
		return fmt.Errorf("token ttls must be at least 1s")
	}
	if c.AccessTokenTTL >= c.RefreshTokenTTL {
		return fmt.Errorf("access token ttl must be shorter than refresh token ttl")
	}
	if c.Relay.BatchSize <= 0 || c.Relay.MaxAttempts <= 0 {
		return fmt.Errorf("relay batch size and max attempts must be positive")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("IDENTITY_KAFKA_TOPIC must be set")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
