package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Application
	AppName  string
	AppEnv   string
	AppPort  string
	LogLevel string

	// Database
	DBHost            string
	DBPort            string
	DBDatabase        string
	DBUsername        string
	DBPassword        string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBAutoMigrate     bool

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	ProgressTTL   time.Duration

	// Upload
	UploadMaxSize int
	UploadPath    string
	ExportPath    string

	// Bitrix24
	BitrixClientID       string
	BitrixClientSecret   string
	BitrixTokenURL       string
	BitrixConnectTimeout time.Duration
	BitrixRequestTimeout time.Duration
	BitrixRefreshBuffer  time.Duration

	// Import processing
	ImportMaxRetries       int
	ImportProgressInterval int
	ImportBatchSize        int
	ImportTimezone         string
	WorkerConcurrency      int

	// Asynq
	AsynqRedisAddr     string
	AsynqRedisPassword string
	AsynqRedisDB       int
}

func Load() (*Config, error) {
	// Load .env file if exists
	// Try to load from current dir first, then parent dirs
	_ = godotenv.Load()
	_ = godotenv.Load("../../.env") // For when running from cmd/web or cmd/worker

	cfg := &Config{
		AppName:  getEnv("APP_NAME", "CRM Import"),
		AppEnv:   getEnv("APP_ENV", "development"),
		AppPort:  getEnv("APP_PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DBHost:            getEnv("DB_HOST", "127.0.0.1"),
		DBPort:            getEnv("DB_PORT", "3306"),
		DBDatabase:        getEnv("DB_DATABASE", "crm_import"),
		DBUsername:        getEnv("DB_USERNAME", "root"),
		DBPassword:        getEnv("DB_PASSWORD", ""),
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 25),
		DBConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		DBAutoMigrate:     getEnvAsBool("DB_AUTO_MIGRATE", false),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		ProgressTTL:   getEnvAsDuration("PROGRESS_TTL", 24*time.Hour),

		UploadMaxSize: getEnvAsInt("UPLOAD_MAX_SIZE", 10485760), // 10MB
		UploadPath:    getEnv("UPLOAD_PATH", "./storage/imports"),
		ExportPath:    getEnv("EXPORT_PATH", "./storage/exports"),

		BitrixClientID:       getEnv("BITRIX24_CLIENT_ID", ""),
		BitrixClientSecret:   getEnv("BITRIX24_CLIENT_SECRET", ""),
		BitrixTokenURL:       getEnv("BITRIX24_TOKEN_URL", "https://oauth.bitrix.info/oauth/token/"),
		BitrixConnectTimeout: getEnvAsDuration("BITRIX24_CONNECT_TIMEOUT", 10*time.Second),
		BitrixRequestTimeout: getEnvAsDuration("BITRIX24_REQUEST_TIMEOUT", 60*time.Second),
		BitrixRefreshBuffer:  getEnvAsDuration("BITRIX24_REFRESH_BUFFER", 60*time.Second),

		ImportMaxRetries:       getEnvAsInt("IMPORT_MAX_RETRIES", 3),
		ImportProgressInterval: getEnvAsInt("IMPORT_PROGRESS_INTERVAL", 100),
		ImportBatchSize:        getEnvAsInt("IMPORT_BATCH_SIZE", 10),
		ImportTimezone:         getEnv("IMPORT_TIMEZONE", "UTC"),
		WorkerConcurrency:      getEnvAsInt("WORKER_CONCURRENCY", 4),

		AsynqRedisAddr:     getEnv("ASYNQ_REDIS_ADDR", "127.0.0.1:6379"),
		AsynqRedisPassword: getEnv("ASYNQ_REDIS_PASSWORD", ""),
		AsynqRedisDB:       getEnvAsInt("ASYNQ_REDIS_DB", 0),
	}

	if cfg.ImportProgressInterval < 1 {
		return nil, fmt.Errorf("IMPORT_PROGRESS_INTERVAL must be positive, got %d", cfg.ImportProgressInterval)
	}
	if cfg.ImportMaxRetries < 0 {
		return nil, fmt.Errorf("IMPORT_MAX_RETRIES must not be negative, got %d", cfg.ImportMaxRetries)
	}
	if _, err := time.LoadLocation(cfg.ImportTimezone); err != nil {
		return nil, fmt.Errorf("invalid IMPORT_TIMEZONE %q: %w", cfg.ImportTimezone, err)
	}

	return cfg, nil
}

func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&loc=UTC&multiStatements=true",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBDatabase,
	)
}

func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// Location returns the timezone used to interpret dates without an offset.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ImportTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

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
