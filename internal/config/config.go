package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// StorageDriverPostgres はPostgreSQLに永続化するストレージドライバ。
	StorageDriverPostgres = "postgres"
	// StorageDriverMemory はプロセス内メモリに保持するストレージドライバ。開発・テスト用。
	StorageDriverMemory = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Storage
	StorageDriver     string
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Lock
	RedisURL string
	LockTTL  time.Duration

	// Extraction
	ExtractTimeout   time.Duration
	ExtractMaxSize   int64
	ExtractUserAgent string
	DomainRateLimit  float64
	DomainRateBurst  int

	// Jobs
	UpdateMaxConcurrent    int
	BusyPolicy             string
	DiscoveryMaxCandidates int
	SearchFeedURL          string

	// Schedule
	UpdateSchedule      string
	RediscoverySchedule string
	ReaperSchedule      string
	ScheduleRunOnStart  bool
	StaleJobTimeout     time.Duration

	// Source health
	HealthWeight                 float64
	HealthRediscoveryThreshold   float64
	HealthStructuralLimit        int
	HealthNeutralPrior           float64
	HealthMaxConsecutiveFailures int
	HealthMaxRediscoveryFailures int

	// Catalog
	MatchThreshold float64

	// Rate Limit
	RateLimitGeneral  int
	RateLimitDispatch int

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.StorageDriver = strings.ToLower(getEnvString("STORAGE_DRIVER", StorageDriverPostgres))
	switch cfg.StorageDriver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		return nil, fmt.Errorf("STORAGE_DRIVER must be %q or %q: got %q", StorageDriverPostgres, StorageDriverMemory, cfg.StorageDriver)
	}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.StorageDriver == StorageDriverPostgres {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)

	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.LockTTL = getEnvDuration("LOCK_TTL", 2*time.Minute)

	cfg.ExtractTimeout = getEnvDuration("EXTRACT_TIMEOUT", 30*time.Second)
	cfg.ExtractMaxSize = getEnvInt64("EXTRACT_MAX_SIZE", 5242880)
	cfg.ExtractUserAgent = getEnvString("EXTRACT_USER_AGENT", "")
	cfg.DomainRateLimit = getEnvFloat("DOMAIN_RATE_LIMIT", 1)
	cfg.DomainRateBurst = getEnvInt("DOMAIN_RATE_BURST", 2)

	cfg.UpdateMaxConcurrent = getEnvInt("UPDATE_MAX_CONCURRENT", 5)
	cfg.BusyPolicy = getEnvString("BUSY_POLICY", "skip")
	cfg.DiscoveryMaxCandidates = getEnvInt("DISCOVERY_MAX_CANDIDATES", 10)
	cfg.SearchFeedURL = getEnvString("SEARCH_FEED_URL", "")

	cfg.UpdateSchedule = getEnvString("UPDATE_SCHEDULE", "0 */6 * * *")
	cfg.RediscoverySchedule = getEnvString("REDISCOVERY_SCHEDULE", "30 3 * * *")
	cfg.ReaperSchedule = getEnvString("REAPER_SCHEDULE", "*/10 * * * *")
	cfg.ScheduleRunOnStart = getEnvBool("SCHEDULE_RUN_ON_START", true)
	cfg.StaleJobTimeout = getEnvDuration("STALE_JOB_TIMEOUT", time.Hour)

	cfg.HealthWeight = getEnvFloat("HEALTH_WEIGHT", 0.2)
	cfg.HealthRediscoveryThreshold = getEnvFloat("HEALTH_REDISCOVERY_THRESHOLD", 0.35)
	cfg.HealthStructuralLimit = getEnvInt("HEALTH_STRUCTURAL_LIMIT", 3)
	cfg.HealthNeutralPrior = getEnvFloat("HEALTH_NEUTRAL_PRIOR", 0.7)
	cfg.HealthMaxConsecutiveFailures = getEnvInt("HEALTH_MAX_CONSECUTIVE_FAILURES", 10)
	cfg.HealthMaxRediscoveryFailures = getEnvInt("HEALTH_MAX_REDISCOVERY_FAILURES", 3)

	cfg.MatchThreshold = getEnvFloat("MATCH_THRESHOLD", 0.8)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitDispatch = getEnvInt("RATE_LIMIT_DISPATCH", 10)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if cfg.HealthWeight <= 0 || cfg.HealthWeight > 1 {
		return nil, fmt.Errorf("HEALTH_WEIGHT must be in (0, 1]: got %v", cfg.HealthWeight)
	}
	if cfg.MatchThreshold <= 0 || cfg.MatchThreshold > 1 {
		return nil, fmt.Errorf("MATCH_THRESHOLD must be in (0, 1]: got %v", cfg.MatchThreshold)
	}

	return cfg, nil
}

// UsesMemoryStorage はメモリストレージを使用するかを返す。
func (c *Config) UsesMemoryStorage() bool {
	return c.StorageDriver == StorageDriverMemory
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
