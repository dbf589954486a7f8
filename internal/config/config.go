package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/maneesh/chestbox/internal/totp"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort string
	ServiceName string
	LogPath     string
	LogLevel    string

	// Token/auth configuration (§6)
	JWTSecret      string
	RequireTOTP    bool
	TOTPSecretsRaw string
	TOTPSecrets    totp.Secrets

	// Reaper configuration (§4.6)
	ReaperInterval time.Duration

	// MinIO configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// TiDB configuration
	TiDBHost     string
	TiDBPort     string
	TiDBUser     string
	TiDBPassword string
	TiDBDatabase string

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Jaeger configuration
	JaegerEndpoint string
}

// LoadConfig loads configuration from environment variables with sensible
// defaults, validating the TOTP-gate requirements from §6.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServicePort: getEnv("SERVICE_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "chestbox-service"),
		LogPath:     getEnv("LOG_PATH", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		JWTSecret:      getEnv("JWT_SECRET", ""),
		RequireTOTP:    getEnvAsBool("REQUIRE_TOTP", false),
		TOTPSecretsRaw: getEnv("TOTP_SECRETS", ""),

		ReaperInterval: getEnvAsDuration("REAPER_INTERVAL", time.Hour),

		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: getEnv("MINIO_BUCKET_NAME", "chestbox"),
		MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),

		TiDBHost:     getEnv("TIDB_HOST", "localhost"),
		TiDBPort:     getEnv("TIDB_PORT", "4000"),
		TiDBUser:     getEnv("TIDB_USER", "root"),
		TiDBPassword: getEnv("TIDB_PASSWORD", ""),
		TiDBDatabase: getEnv("TIDB_DATABASE", "chestbox"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:4318"),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("config: JWT_SECRET is required")
	}

	secrets, err := totp.ParseSecrets(cfg.TOTPSecretsRaw)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.TOTPSecrets = secrets

	if cfg.RequireTOTP && len(cfg.TOTPSecrets) == 0 {
		return nil, fmt.Errorf("config: TOTP_SECRETS is required when REQUIRE_TOTP=true")
	}

	return cfg, nil
}

// GetDSN returns the metadata store connection string.
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
