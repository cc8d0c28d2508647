// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ストレージドライバ
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	AppEnv   string
	LogLevel string

	// Storage
	StorageDriver string
	DatabaseURL   string

	// Redis
	RedisURL           string
	ReadingQueueKey    string
	ScrapeRequestKey   string
	NotifyStreamKey    string
	NotifyStreamMaxLen int64

	// Notification
	NotifyWebhookURL string

	// Ingest
	IngestToken         string
	IngestMaxConcurrent int
	IngestMaxAttempts   int
	StoreTimeout        time.Duration
	PipelineStepTimeout time.Duration

	// Workers
	RefreshInterval     time.Duration
	RefreshTick         time.Duration
	RelayInterval       time.Duration
	RelayMinAge         time.Duration
	RelayClaimLease     time.Duration
	RelayMaxAttempts    int
	OutboxRetentionDays int

	// Rate Limit（1秒あたりのリクエスト数）
	RateLimitIngest int

	// Server
	ServerPort        string
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// APP_ENV=localの場合は.env.localを先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.AppEnv = getEnvString("APP_ENV", "production")
	if cfg.AppEnv == "local" {
		if err := godotenv.Load(".env.local"); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env.local: %w", err)
		}
	}

	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.StorageDriver = getEnvString("STORAGE_DRIVER", StorageDriverPostgres)
	switch cfg.StorageDriver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		return nil, fmt.Errorf("unsupported STORAGE_DRIVER: %q", cfg.StorageDriver)
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.StorageDriver == StorageDriverPostgres {
		return nil, fmt.Errorf("required environment variables are not set: %v", []string{"DATABASE_URL"})
	}

	// Optional fields with defaults
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.ReadingQueueKey = getEnvString("READING_QUEUE_KEY", "pricetrak:readings")
	cfg.ScrapeRequestKey = getEnvString("SCRAPE_REQUEST_KEY", "pricetrak:scrape_requests")
	cfg.NotifyStreamKey = getEnvString("NOTIFY_STREAM_KEY", "pricetrak:notifications")
	cfg.NotifyStreamMaxLen = getEnvInt64("NOTIFY_STREAM_MAX_LEN", 100000)
	cfg.NotifyWebhookURL = os.Getenv("NOTIFY_WEBHOOK_URL")
	cfg.IngestToken = os.Getenv("INGEST_TOKEN")
	cfg.IngestMaxConcurrent = getEnvInt("INGEST_MAX_CONCURRENT", 10)
	cfg.IngestMaxAttempts = getEnvInt("INGEST_MAX_ATTEMPTS", 5)
	cfg.StoreTimeout = getEnvDuration("STORE_TIMEOUT", 5*time.Second)
	cfg.PipelineStepTimeout = getEnvDuration("PIPELINE_STEP_TIMEOUT", 30*time.Second)
	cfg.RefreshInterval = getEnvDuration("REFRESH_INTERVAL", 180*time.Minute)
	cfg.RefreshTick = getEnvDuration("REFRESH_TICK", 5*time.Minute)
	cfg.RelayInterval = getEnvDuration("RELAY_INTERVAL", 30*time.Second)
	cfg.RelayMinAge = getEnvDuration("RELAY_MIN_AGE", 2*time.Minute)
	cfg.RelayClaimLease = getEnvDuration("RELAY_CLAIM_LEASE", 5*time.Minute)
	cfg.RelayMaxAttempts = getEnvInt("RELAY_MAX_ATTEMPTS", 10)
	cfg.OutboxRetentionDays = getEnvInt("OUTBOX_RETENTION_DAYS", 30)
	cfg.RateLimitIngest = getEnvInt("RATE_LIMIT_INGEST", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	// パイプラインの初回配信が終わる前にリレーが同じ通知指示を確保しないこと
	if cfg.RelayMinAge <= cfg.PipelineStepTimeout {
		return nil, fmt.Errorf("RELAY_MIN_AGE (%s) must be longer than PIPELINE_STEP_TIMEOUT (%s)",
			cfg.RelayMinAge, cfg.PipelineStepTimeout)
	}

	return cfg, nil
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
