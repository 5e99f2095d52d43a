package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the configuration for the upload server and worker
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Upload  UploadConfig  `yaml:"upload"`
	Worker  WorkerConfig  `yaml:"worker"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// UploadConfig holds the upload protocol settings. The value is treated as
// immutable once handed to the protocol component.
type UploadConfig struct {
	// UploadDir is the working directory for in-progress temporary files.
	UploadDir string `yaml:"upload_dir"`
	// DestinationDir is where finalized files are moved on completion.
	DestinationDir string `yaml:"destination_dir"`
	// MaxSize is the largest accepted Upload-Length, in bytes.
	MaxSize int64 `yaml:"max_size"`
	// Overwrite permits creating an upload whose declared filename already
	// exists in the destination directory.
	Overwrite bool `yaml:"overwrite"`
	// SessionTTL is the inactivity window after which session records expire.
	SessionTTL time.Duration `yaml:"session_ttl"`
	// SweepInterval controls how often orphaned temporary files are reclaimed.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// WorkerConfig holds completion worker settings
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Upload: UploadConfig{
			UploadDir:      getEnv("UPLOAD_DIR", "./tmp/uploads"),
			DestinationDir: getEnv("UPLOAD_DESTINATION_DIR", "./media"),
			MaxSize:        getEnvInt64("UPLOAD_MAX_SIZE", 4294967296),
			Overwrite:      getEnvBool("UPLOAD_OVERWRITE", true),
			SessionTTL:     getEnvDuration("UPLOAD_SESSION_TTL", time.Hour),
			SweepInterval:  getEnvDuration("UPLOAD_SWEEP_INTERVAL", time.Hour),
		},
		Worker: WorkerConfig{
			Concurrency: getEnvInt("WORKER_CONCURRENCY", 4),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// RedisAddr returns the Redis address
func (r *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
