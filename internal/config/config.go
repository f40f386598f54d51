package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"posledger/internal/domain"
)

type Config struct {
	Port          string
	AllowedOrigin string
	AppEnv        string
	LogLevel      string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthSecret            string
	AccessTokenTTLMinutes int

	OversellPolicy          domain.OversellPolicy
	LowStockThreshold       int
	ReservationLeaseSeconds int
	SweepIntervalSeconds    int
	LedgerRetryAttempts     int
	BalanceCacheTTLSeconds  int

	AlertRedisChannel string
	KafkaBrokers      []string
	KafkaAlertTopic   string

	ImportArchiveBucket    string
	ImportArchiveRegion    string
	ImportArchiveEndpoint  string
	ImportArchivePathStyle bool
}

func Load() Config {
	policy := domain.OversellPolicy(strings.ToLower(getEnv("OVERSELL_POLICY", string(domain.OversellReject))))
	if !policy.Valid() {
		policy = domain.OversellReject
	}

	return Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		AppEnv:        strings.ToLower(getEnv("APP_ENV", "development")),
		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", "info")),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0, 0),

		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),

		OversellPolicy:          policy,
		LowStockThreshold:       getInt("LOW_STOCK_THRESHOLD", 5, 0),
		ReservationLeaseSeconds: getInt("RESERVATION_LEASE_SECONDS", 300, 1),
		SweepIntervalSeconds:    getInt("SWEEP_INTERVAL_SECONDS", 30, 1),
		LedgerRetryAttempts:     getInt("LEDGER_RETRY_ATTEMPTS", 5, 1),
		BalanceCacheTTLSeconds:  getInt("BALANCE_CACHE_TTL_SECONDS", 600, 1),

		AlertRedisChannel: getEnv("ALERT_REDIS_CHANNEL", "posledger:stock-alerts"),
		KafkaBrokers:      splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaAlertTopic:   getEnv("KAFKA_ALERT_TOPIC", "posledger.stock-alerts"),

		ImportArchiveBucket:    strings.TrimSpace(os.Getenv("IMPORT_ARCHIVE_S3_BUCKET")),
		ImportArchiveRegion:    getEnv("IMPORT_ARCHIVE_S3_REGION", "us-east-1"),
		ImportArchiveEndpoint:  strings.TrimSpace(os.Getenv("IMPORT_ARCHIVE_S3_ENDPOINT")),
		ImportArchivePathStyle: getBool("IMPORT_ARCHIVE_S3_PATH_STYLE", false),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) Production() bool {
	return c.AppEnv == "production" || c.AppEnv == "prod"
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) ReservationLease() time.Duration {
	return time.Duration(c.ReservationLeaseSeconds) * time.Second
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c Config) BalanceCacheTTL() time.Duration {
	return time.Duration(c.BalanceCacheTTLSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getInt falls back when the value is missing, malformed or below min.
func getInt(key string, fallback int, min int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(getEnv(key, strconv.Itoa(fallback))))
	if err != nil || parsed < min {
		return fallback
	}
	return parsed
}

func getBool(key string, fallback bool) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(getEnv(key, strconv.FormatBool(fallback))))
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
