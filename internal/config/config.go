// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// ErrDatabaseURLRequired はDATABASE_URLが未設定であることを表す。
var ErrDatabaseURLRequired = errors.New("required environment variable is not set: DATABASE_URL")

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort        string
	CORSAllowedOrigin string

	// Ingest
	IngestToken     string
	RateLimitIngest int
	IngestMaxBatch  int
	BroadcastBuffer int

	// Sources
	SourcesFile        string
	FetchTimeout       time.Duration
	FetchMaxSize       int64
	FetchMaxConcurrent int
	FetchInterval      time.Duration

	// Watch
	WatchURL         string
	WatchHandoffFile string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// DATABASE_URLはコマンドによって不要なため、ここでは検証しない（RequireDatabaseを使う）。
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		ServerPort:         getEnvString("SERVER_PORT", "8080"),
		CORSAllowedOrigin:  getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000"),
		IngestToken:        os.Getenv("INGEST_TOKEN"),
		RateLimitIngest:    getEnvInt("RATE_LIMIT_INGEST", 60),
		IngestMaxBatch:     getEnvInt("INGEST_MAX_BATCH", 500),
		BroadcastBuffer:    getEnvInt("BROADCAST_BUFFER", 64),
		SourcesFile:        os.Getenv("SOURCES_FILE"),
		FetchTimeout:       getEnvDuration("FETCH_TIMEOUT", 10*time.Second),
		FetchMaxSize:       getEnvInt64("FETCH_MAX_SIZE", 5242880),
		FetchMaxConcurrent: getEnvInt("FETCH_MAX_CONCURRENT", 4),
		FetchInterval:      getEnvDuration("FETCH_INTERVAL", 5*time.Minute),
		WatchURL:           getEnvString("WATCH_URL", "http://localhost:8080"),
		WatchHandoffFile:   os.Getenv("WATCH_HANDOFF_FILE"),
		LogLevel:           getEnvString("LOG_LEVEL", "info"),
	}
	return cfg, nil
}

// RequireDatabase はDATABASE_URLが設定されているかを検証する。
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLRequired
	}
	return nil
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
