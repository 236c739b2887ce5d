package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full process configuration, built once in main.
type Config struct {
	Server    Server
	Postgres  Postgres
	Redis     RedisConfig
	Session   Session
	Reconcile Reconcile
	Gate      Gate
	Registry  Registry
	Audit     Audit
	LogLevel  string
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
	SecureCookies   bool
}

// Postgres configures the profile store. An empty URL selects the in-memory store.
type Postgres struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	RunMigrations   bool
}

// RedisConfig configures the cache backend. An empty URL selects the in-memory cache.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CacheTTL     time.Duration
	KeyPrefix    string
}

// Session selects and configures the identity provider adapter.
type Session struct {
	// Provider is "bearer" (HS256 access tokens) or "kratos" (session cookies).
	Provider        string
	JWTSigningKey   string
	JWTIssuer       string
	JWTAudience     string
	KratosPublicURL string
	KratosAdminURL  string
	KratosTimeout   time.Duration
	KratosCookie    string
	ContextCookie   string
	SignInPath      string
	CompleteSignUp  string
}

// Reconcile configures the profile reconciler.
type Reconcile struct {
	Throttle time.Duration
}

// Gate configures the access gate's recovery.
type Gate struct {
	RetryBudget   int
	RetryInterval time.Duration
}

// Registry configures execution context retention.
type Registry struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

// Audit selects the audit sink. Empty brokers keep events in memory.
type Audit struct {
	KafkaBrokers []string
	KafkaTopic   string
}

// FromEnv builds the configuration from environment variables so main stays lean.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:            getEnv("BLOODLINK_ADDR", ":8080"),
			ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
			SecureCookies:   getBool("SECURE_COOKIES", false),
		},
		Postgres: Postgres{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getInt("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			RunMigrations:   getBool("DATABASE_RUN_MIGRATIONS", true),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			CacheTTL:     getDuration("REDIS_CACHE_TTL", 24*time.Hour),
			KeyPrefix:    getEnv("REDIS_KEY_PREFIX", "bloodlink:"),
		},
		Session: Session{
			Provider:        getEnv("SESSION_PROVIDER", "bearer"),
			JWTSigningKey:   getEnv("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			JWTIssuer:       os.Getenv("JWT_ISSUER"),
			JWTAudience:     os.Getenv("JWT_AUDIENCE"),
			KratosPublicURL: getEnv("KRATOS_PUBLIC_URL", "http://localhost:4433"),
			KratosAdminURL:  os.Getenv("KRATOS_ADMIN_URL"),
			KratosTimeout:   getDuration("KRATOS_TIMEOUT", 5*time.Second),
			KratosCookie:    getEnv("KRATOS_SESSION_COOKIE", "ory_kratos_session"),
			ContextCookie:   getEnv("CONTEXT_COOKIE", "bloodlink_ctx"),
			SignInPath:      getEnv("SIGN_IN_PATH", "/signin"),
			CompleteSignUp:  getEnv("COMPLETE_SIGNUP_PATH", "/signup/complete"),
		},
		Reconcile: Reconcile{
			Throttle: getDuration("RECONCILE_THROTTLE", 2*time.Second),
		},
		Gate: Gate{
			RetryBudget:   getInt("GATE_RETRY_BUDGET", 3),
			RetryInterval: getDuration("GATE_RETRY_INTERVAL", 250*time.Millisecond),
		},
		Registry: Registry{
			IdleTTL:       getDuration("CONTEXT_IDLE_TTL", 30*time.Minute),
			SweepInterval: getDuration("CONTEXT_SWEEP_INTERVAL", time.Minute),
		},
		Audit: Audit{
			KafkaBrokers: splitList(os.Getenv("AUDIT_KAFKA_BROKERS")),
			KafkaTopic:   getEnv("AUDIT_KAFKA_TOPIC", "bloodlink.audit"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
