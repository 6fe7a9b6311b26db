package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all runtime configuration, loaded from the environment.
type Config struct {
	Host    string // base URL used when rendering share links
	Port    string
	DataDir string

	DBPath           string
	DBMaxConnections int
	DBMinConnections int
	DBAcquireTimeout time.Duration

	MaxFileSize      int64 // per-file share cap, bytes
	MaxFilesPerShare int
	RateLimitRPM     int
	IndexerInterval  time.Duration

	JWTSecret string
	JWTExpiry time.Duration

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
}

// Load reads configuration from the environment, applying defaults.
// It returns an error naming the first missing or invalid required variable.
func Load() (*Config, error) {
	cfg := &Config{
		Host:    getEnv("HARDWIRE_HOST", "http://localhost:8080"),
		Port:    getEnv("HARDWIRE_PORT", "8080"),
		DataDir: getEnv("HARDWIRE_DATA_DIR", "./data"),

		DBPath:           getEnv("HARDWIRE_DB_PATH", "./data/db.sqlite"),
		DBMaxConnections: getEnvInt("HARDWIRE_DB_MAX_CONNECTIONS", 10),
		DBMinConnections: getEnvInt("HARDWIRE_DB_MIN_CONNECTIONS", 2),
		DBAcquireTimeout: getEnvSeconds("HARDWIRE_DB_ACQUIRE_TIMEOUT", 30*time.Second),

		MaxFileSize:      getEnvInt64("HARDWIRE_MAX_FILE_SIZE_MB", 5120) * 1024 * 1024,
		MaxFilesPerShare: getEnvInt("HARDWIRE_MAX_FILES_PER_SHARE", 100),
		RateLimitRPM:     getEnvInt("HARDWIRE_RATE_LIMIT_RPM", 60),
		IndexerInterval:  getEnvSeconds("HARDWIRE_FILE_INDEXER_INTERVAL", 300*time.Second),

		JWTSecret: os.Getenv("JWT_SECRET"),
		JWTExpiry: time.Duration(getEnvInt("JWT_EXPIRY_HOURS", 24)) * time.Hour,

		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", "http://localhost:8080/admin/auth/google/callback"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters, got %d", len(c.JWTSecret))
	}
	if c.GoogleClientID == "" {
		return fmt.Errorf("GOOGLE_CLIENT_ID is required")
	}
	if c.GoogleClientSecret == "" {
		return fmt.Errorf("GOOGLE_CLIENT_SECRET is required")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("HARDWIRE_MAX_FILE_SIZE_MB must be greater than 0")
	}
	if c.MaxFilesPerShare <= 0 {
		return fmt.Errorf("HARDWIRE_MAX_FILES_PER_SHARE must be greater than 0")
	}
	if c.DBMinConnections > c.DBMaxConnections {
		return fmt.Errorf("HARDWIRE_DB_MIN_CONNECTIONS exceeds HARDWIRE_DB_MAX_CONNECTIONS")
	}
	return nil
}

// AbsDataDir returns the canonicalised data root.
func (c *Config) AbsDataDir() (string, error) {
	abs, err := filepath.Abs(c.DataDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve data dir %s: %w", c.DataDir, err)
	}
	return filepath.Clean(abs), nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
