package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process-level configuration. Values come from the
// environment so main stays lean; the policy catalogue (targets, rules,
// agents) lives in its own file loaded by the policy package.
type Server struct {
	Addr           string
	AdminToken     string
	AdminTokenHash string // bcrypt; wins over AdminToken
	Log            LogConfig
	Broker         BrokerConfig
	Identity       IdentityConfig
	Issuance       IssuanceConfig
	Policy         PolicyConfig
	Audit          AuditConfig
	Redis          RedisConfig
}

type LogConfig struct {
	Level  string
	Format string // json or text
}

// BrokerConfig bounds a single turn.
type BrokerConfig struct {
	TurnTimeout    time.Duration
	MaxTurnTimeout time.Duration
	MaxParallel    int
	MaxRequests    int
	TurnHistory    int
}

// IdentityConfig describes the trusted user-credential issuer and the
// audience both credentials must name.
type IdentityConfig struct {
	Issuer               string
	Audience             string
	JWKSFile             string
	ClockSkew            time.Duration
	MaxAssertionLifetime time.Duration
}

// IssuanceConfig controls the broker's own signing key and outbound calls.
type IssuanceConfig struct {
	Issuer         string
	SigningKeyFile string
	AssertionTTL   time.Duration
	AccessTokenTTL time.Duration
	RemoteTimeout  time.Duration
	RatePerSecond  float64
	RateBurst      int
	RetryAttempts  uint
}

// PolicyConfig selects where policy snapshots come from. An empty
// CatalogueFile falls back to the built-in demo catalogue.
type PolicyConfig struct {
	CatalogueFile   string
	PostgresDSN     string
	RefreshInterval time.Duration
}

// AuditConfig lists enabled sinks. The memory and log sinks are always on.
type AuditConfig struct {
	BufferSize   int
	PostgresDSN  string
	RedisStream  string
	KafkaBrokers []string
	KafkaTopic   string
	MemoryLimit  int
}

// RedisConfig is shared by the redis audit sink and the redis turn store.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromEnv builds a Server config from environment variables.
func FromEnv() Server {
	return Server{
		Addr:           getEnv("BROKER_ADDR", ":8080"),
		AdminToken:     os.Getenv("BROKER_ADMIN_TOKEN"),
		AdminTokenHash: os.Getenv("BROKER_ADMIN_TOKEN_BCRYPT"),
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Broker: BrokerConfig{
			TurnTimeout:    getDuration("TURN_TIMEOUT", 5*time.Second),
			MaxTurnTimeout: getDuration("TURN_TIMEOUT_MAX", 30*time.Second),
			MaxParallel:    getInt("TURN_MAX_PARALLEL", 8),
			MaxRequests:    getInt("TURN_MAX_REQUESTS", 16),
			TurnHistory:    getInt("TURN_HISTORY", 1000),
		},
		Identity: IdentityConfig{
			Issuer:               getEnv("IDP_ISSUER", "https://idp.progear.example"),
			Audience:             getEnv("BROKER_AUDIENCE", "progear-broker"),
			JWKSFile:             os.Getenv("IDP_JWKS_FILE"),
			ClockSkew:            getDuration("CLOCK_SKEW", 30*time.Second),
			MaxAssertionLifetime: getDuration("AGENT_ASSERTION_MAX_LIFETIME", 5*time.Minute),
		},
		Issuance: IssuanceConfig{
			Issuer:         getEnv("BROKER_ISSUER", "https://broker.progear.example"),
			SigningKeyFile: os.Getenv("BROKER_SIGNING_KEY_FILE"),
			AssertionTTL:   getDuration("ID_JAG_TTL", 5*time.Minute),
			AccessTokenTTL: getDuration("ACCESS_TOKEN_TTL", time.Hour),
			RemoteTimeout:  getDuration("ISSUER_TIMEOUT", 2*time.Second),
			RatePerSecond:  getFloat("ISSUER_RATE", 50),
			RateBurst:      getInt("ISSUER_BURST", 20),
			RetryAttempts:  uint(getInt("ISSUER_RETRY_ATTEMPTS", 3)),
		},
		Policy: PolicyConfig{
			CatalogueFile:   os.Getenv("POLICY_CATALOGUE_FILE"),
			PostgresDSN:     os.Getenv("POLICY_DATABASE_URL"),
			RefreshInterval: getDuration("POLICY_REFRESH_INTERVAL", 30*time.Second),
		},
		Audit: AuditConfig{
			BufferSize:   getInt("AUDIT_BUFFER_SIZE", 1024),
			PostgresDSN:  os.Getenv("AUDIT_DATABASE_URL"),
			RedisStream:  os.Getenv("AUDIT_REDIS_STREAM"),
			KafkaBrokers: getList("AUDIT_KAFKA_BROKERS"),
			KafkaTopic:   getEnv("AUDIT_KAFKA_TOPIC", "broker.audit.events"),
			MemoryLimit:  getInt("AUDIT_MEMORY_LIMIT", 10000),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && f > 0 {
		return f
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return fallback
}

func getList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
