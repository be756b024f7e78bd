package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Metadata drivers, chunk backends and cache backends accepted by Validate.
const (
	MetadataSQLite = "sqlite"
	MetadataMySQL  = "mysql"

	BlobLocal  = "local"
	BlobMinIO  = "minio"
	BlobMemory = "memory"

	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort string
	ServiceName string
	ChunkSizeKB int

	// Upload limits
	MaxUploadFiles int
	MaxUploadMB    int

	// Store tuning
	ReadAheadChunks int
	StaleUploadAge  time.Duration

	// Backend selection
	MetadataDriver string
	BlobBackend    string
	CacheBackend   string

	// SQLite configuration
	SQLitePath string

	// Local chunk directory
	DataDir string

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

	// Cache configuration
	CacheSize int
	CacheTTL  time.Duration

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Logging configuration
	LogLevel  string
	LogFormat string

	// Jaeger configuration; empty disables tracing
	JaegerEndpoint string
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	config := &Config{
		// Service defaults
		ServicePort: getEnv("SERVICE_PORT", "8000"),
		ServiceName: getEnv("SERVICE_NAME", "gridbox"),
		ChunkSizeKB: getEnvAsInt("CHUNK_SIZE_KB", 255),

		MaxUploadFiles: getEnvAsInt("MAX_UPLOAD_FILES", 100),
		MaxUploadMB:    getEnvAsInt("MAX_UPLOAD_MB", 1024),

		ReadAheadChunks: getEnvAsInt("READ_AHEAD_CHUNKS", 2),
		StaleUploadAge:  getEnvAsDuration("STALE_UPLOAD_AGE", time.Hour),

		MetadataDriver: getEnv("METADATA_DRIVER", MetadataSQLite),
		BlobBackend:    getEnv("BLOB_BACKEND", BlobLocal),
		CacheBackend:   getEnv("CACHE_BACKEND", CacheMemory),

		SQLitePath: getEnv("SQLITE_PATH", "./data/gridbox.db"),
		DataDir:    getEnv("DATA_DIR", "./data/chunks"),

		// MinIO defaults
		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: getEnv("MINIO_BUCKET_NAME", "uploads"),
		MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),

		// TiDB defaults
		TiDBHost:     getEnv("TIDB_HOST", "localhost"),
		TiDBPort:     getEnv("TIDB_PORT", "4000"),
		TiDBUser:     getEnv("TIDB_USER", "root"),
		TiDBPassword: getEnv("TIDB_PASSWORD", ""),
		TiDBDatabase: getEnv("TIDB_DATABASE", "gridbox"),

		CacheSize: getEnvAsInt("CACHE_SIZE", 1024),
		CacheTTL:  getEnvAsDuration("CACHE_TTL", 5*time.Minute),

		// Redis defaults
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects unknown backends and non-positive sizes
func (c *Config) Validate() error {
	var errs []error

	if c.ChunkSizeKB <= 0 {
		errs = append(errs, fmt.Errorf("CHUNK_SIZE_KB must be positive, got %d", c.ChunkSizeKB))
	}
	if c.MaxUploadFiles <= 0 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_FILES must be positive, got %d", c.MaxUploadFiles))
	}
	if c.MaxUploadMB <= 0 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_MB must be positive, got %d", c.MaxUploadMB))
	}
	if c.ReadAheadChunks < 0 {
		errs = append(errs, fmt.Errorf("READ_AHEAD_CHUNKS must not be negative, got %d", c.ReadAheadChunks))
	}

	switch c.MetadataDriver {
	case MetadataSQLite, MetadataMySQL:
	default:
		errs = append(errs, fmt.Errorf("unknown METADATA_DRIVER %q", c.MetadataDriver))
	}

	switch c.BlobBackend {
	case BlobLocal, BlobMinIO, BlobMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend))
	}

	switch c.CacheBackend {
	case CacheMemory, CacheRedis, CacheNone:
	default:
		errs = append(errs, fmt.Errorf("unknown CACHE_BACKEND %q", c.CacheBackend))
	}

	if c.CacheBackend == CacheMemory && c.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_SIZE must be positive, got %d", c.CacheSize))
	}

	return errors.Join(errs...)
}

// GetDSN returns the TiDB connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
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

// GetChunkSizeBytes returns chunk size in bytes
func (c *Config) GetChunkSizeBytes() int64 {
	return int64(c.ChunkSizeKB) * 1024
}

// GetMaxUploadBytes returns the request body limit for uploads
func (c *Config) GetMaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) * 1024 * 1024
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
