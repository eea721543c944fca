// Package config loads process configuration from the environment.
package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr         = ":8080"
	defaultRedisAddr        = "localhost:6379"
	defaultRedisPrefix      = "exec"
	defaultConcurrency      = 5
	defaultBackend          = "stub"
	defaultStubDelay        = 2000 * time.Millisecond
	defaultExecTimeout      = 30 * time.Second
	defaultLeaseTTL         = 30 * time.Second
	defaultRecoveryInterval = 10 * time.Second
	defaultMaxDeliveries    = 1
	defaultPollInterval     = 500 * time.Millisecond
	defaultWebhookTimeout   = 10 * time.Second
	defaultRateLimitRPS     = 0.5
	defaultRateLimitBurst   = 5
	defaultJWTIssuer        = "http://localhost:8080"
	defaultDockerMemoryMB   = 512

	envHTTPAddr         = "EXEC_HTTP_ADDR"
	envLogLevel         = "EXEC_LOG_LEVEL"
	envRedisAddr        = "REDIS_ADDR"
	envRedisPassword    = "REDIS_PASSWORD"
	envRedisDB          = "REDIS_DB"
	envRedisPrefix      = "REDIS_PREFIX"
	envConcurrency      = "CONCURRENCY_LIMIT"
	envBackend          = "EXEC_BACKEND"
	envStubDelay        = "EXEC_STUB_DELAY_MS"
	envExecTimeout      = "EXEC_TIMEOUT_SEC"
	envLeaseTTL         = "QUEUE_LEASE_SEC"
	envRecoveryInterval = "QUEUE_RECOVERY_INTERVAL_SEC"
	envMaxDeliveries    = "QUEUE_MAX_DELIVERIES"
	envPollInterval     = "QUEUE_POLL_INTERVAL_MS"
	envWebhookTimeout   = "WEBHOOK_TIMEOUT_SEC"
	envRateLimitRPS     = "RATE_LIMIT_RPS"
	envRateLimitBurst   = "RATE_LIMIT_BURST"
	envCORSURLs         = "CORS_URLS"
	envJWTIssuer        = "JWT_ISSUER"
	envAuthorizedIssuer = "AUTHORIZED_ISSUERS"
	envJWTPrivateKey    = "JWT_PRIVATE_KEY_FILE"
	envJWTTrustedKeys   = "JWT_TRUSTED_KEYS"
	envDockerImages     = "DOCKER_IMAGES"
	envDockerMemoryMB   = "DOCKER_MEMORY_MB"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel slog.Level

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Concurrency is the worker ceiling. Zero disables the server's embedded pool.
	Concurrency      int
	Backend          string
	StubDelay        time.Duration
	ExecTimeout      time.Duration
	LeaseTTL         time.Duration
	RecoveryInterval time.Duration
	MaxDeliveries    int
	PollInterval     time.Duration
	WebhookTimeout   time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string

	JWTIssuer         string
	AuthorizedIssuers []string
	JWTPrivateKeyFile string
	// JWTTrustedKeys maps an issuer to the PEM file holding its public key.
	JWTTrustedKeys map[string]string

	DockerImages   map[string]string
	DockerMemoryMB int64
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values fall back to their default.
func Load() Config {
	cfg := Config{
		HTTPAddr:          getEnv(envHTTPAddr, defaultHTTPAddr),
		LogLevel:          parseLogLevel(os.Getenv(envLogLevel)),
		RedisAddr:         getEnv(envRedisAddr, defaultRedisAddr),
		RedisPassword:     os.Getenv(envRedisPassword),
		RedisDB:           parseNonNegativeIntEnv(envRedisDB, 0),
		RedisPrefix:       getEnv(envRedisPrefix, defaultRedisPrefix),
		Concurrency:       parseNonNegativeIntEnv(envConcurrency, defaultConcurrency),
		Backend:           strings.ToLower(getEnv(envBackend, defaultBackend)),
		StubDelay:         parseDurationEnv(envStubDelay, time.Millisecond, defaultStubDelay),
		ExecTimeout:       parseDurationEnv(envExecTimeout, time.Second, defaultExecTimeout),
		LeaseTTL:          parseDurationEnv(envLeaseTTL, time.Second, defaultLeaseTTL),
		RecoveryInterval:  parseDurationEnv(envRecoveryInterval, time.Second, defaultRecoveryInterval),
		MaxDeliveries:     parsePositiveIntEnv(envMaxDeliveries, defaultMaxDeliveries),
		PollInterval:      parseDurationEnv(envPollInterval, time.Millisecond, defaultPollInterval),
		WebhookTimeout:    parseDurationEnv(envWebhookTimeout, time.Second, defaultWebhookTimeout),
		RateLimitRPS:      parsePositiveFloatEnv(envRateLimitRPS, defaultRateLimitRPS),
		RateLimitBurst:    parsePositiveIntEnv(envRateLimitBurst, defaultRateLimitBurst),
		CORSOrigins:       parseList(getEnv(envCORSURLs, "*")),
		JWTIssuer:         getEnv(envJWTIssuer, defaultJWTIssuer),
		AuthorizedIssuers: parseList(os.Getenv(envAuthorizedIssuer)),
		JWTPrivateKeyFile: os.Getenv(envJWTPrivateKey),
		JWTTrustedKeys:    parseKeyValues(os.Getenv(envJWTTrustedKeys)),
		DockerImages:      parseKeyValues(os.Getenv(envDockerImages)),
		DockerMemoryMB:    int64(parsePositiveIntEnv(envDockerMemoryMB, defaultDockerMemoryMB)),
	}
	// Stub delay may legitimately be zero.
	if v, ok := lookupInt(envStubDelay); ok && v == 0 {
		cfg.StubDelay = 0
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func lookupInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parsePositiveIntEnv(key string, fallback int) int {
	if n, ok := lookupInt(key); ok && n > 0 {
		return n
	}
	return fallback
}

func parseNonNegativeIntEnv(key string, fallback int) int {
	if n, ok := lookupInt(key); ok && n >= 0 {
		return n
	}
	return fallback
}

func parsePositiveFloatEnv(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func parseDurationEnv(key string, unit, fallback time.Duration) time.Duration {
	if n, ok := lookupInt(key); ok && n > 0 {
		return time.Duration(n) * unit
	}
	return fallback
}

// parseList splits a comma separated value, dropping empty items.
func parseList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseKeyValues parses "k1=v1,k2=v2". Items without "=" are ignored.
func parseKeyValues(raw string) map[string]string {
	out := make(map[string]string)
	for _, item := range parseList(raw) {
		k, v, ok := strings.Cut(item, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
