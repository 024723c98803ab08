package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Remote   RemoteConfig
	Catalog  CatalogConfig
	Images   ImageConfig
	Export   ExportConfig
	LogLevel string
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         int
	ReadTimeout  int
	WriteTimeout int
}

// RedisConfig holds Redis-related configuration
type RedisConfig struct {
	Enabled       bool
	Addr          string
	Password      string
	DB            int
	RequestStream string
	ConsumerGroup string
	ConsumerName  string
	StatusPrefix  string
}

// RemoteConfig points at the upload and bundle endpoints.
type RemoteConfig struct {
	UploadBaseURL string
	APIBaseURL    string
	APIToken      string
	Timeout       time.Duration
}

// CatalogConfig selects the device catalog. An empty path uses the built-in one.
type CatalogConfig struct {
	Path       string
	FramesPath string
}

// ImageConfig configures image fetching, caching and fonts.
type ImageConfig struct {
	FontsPath    string
	CacheEnabled bool
	CacheTTL     time.Duration
	MaxBytes     int64
}

// ExportConfig holds the export pipeline policy knobs.
type ExportConfig struct {
	ImageWaitAttempts int
	ImageWaitInterval time.Duration
	SlowNoticeAfter   int
	RenderConcurrency int
	UploadConcurrency int
	UploadMaxRetries  int
	PollInitial       time.Duration
	PollMultiplier    float64
	PollTimeout       time.Duration
	RenderYield       time.Duration
	HighQuality       bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (optional)
	_ = godotenv.Load()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "shotframe"
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 10),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 60),
		},
		Redis: RedisConfig{
			Enabled:       getEnvAsBool("REDIS_ENABLED", false),
			Addr:          getRedisAddr(),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvAsInt("REDIS_DB", 0),
			RequestStream: getEnv("REDIS_REQUEST_STREAM", "shotframe:export_requests"),
			ConsumerGroup: getEnv("REDIS_CONSUMER_GROUP", "shotframe"),
			ConsumerName:  getEnv("REDIS_CONSUMER_NAME", hostname),
			StatusPrefix:  getEnv("REDIS_STATUS_PREFIX", "export:"),
		},
		Remote: RemoteConfig{
			UploadBaseURL: strings.TrimSuffix(getEnv("UPLOAD_BASE_URL", "http://localhost:9000/_upload"), "/"),
			APIBaseURL:    strings.TrimSuffix(getEnv("API_BASE_URL", "http://localhost:9000/_api"), "/"),
			APIToken:      getEnv("API_TOKEN", ""),
			Timeout:       getEnvAsDuration("REMOTE_TIMEOUT", 60*time.Second),
		},
		Catalog: CatalogConfig{
			Path:       getEnv("CATALOG_PATH", ""),
			FramesPath: getEnv("FRAMES_PATH", ""),
		},
		Images: ImageConfig{
			FontsPath:    getEnv("FONTS_PATH", ""),
			CacheEnabled: getEnvAsBool("IMAGE_CACHE_ENABLED", true),
			CacheTTL:     getEnvAsDuration("IMAGE_CACHE_TTL", time.Hour),
			MaxBytes:     int64(getEnvAsInt("IMAGE_MAX_BYTES", 20<<20)),
		},
		Export: ExportConfig{
			ImageWaitAttempts: getEnvAsInt("IMAGE_WAIT_ATTEMPTS", 30),
			ImageWaitInterval: getEnvAsDuration("IMAGE_WAIT_INTERVAL", 2*time.Second),
			SlowNoticeAfter:   getEnvAsInt("IMAGE_WAIT_NOTICE_AFTER", 15),
			RenderConcurrency: getEnvAsInt("RENDER_CONCURRENCY", 1),
			UploadConcurrency: getEnvAsInt("UPLOAD_CONCURRENCY", 1),
			UploadMaxRetries:  getEnvAsInt("UPLOAD_MAX_RETRIES", 3),
			PollInitial:       getEnvAsDuration("POLL_INITIAL", 2*time.Second),
			PollMultiplier:    getEnvAsFloat("POLL_MULTIPLIER", 1.1),
			PollTimeout:       getEnvAsDuration("POLL_TIMEOUT", 10*time.Minute),
			RenderYield:       getEnvAsDuration("RENDER_YIELD", 100*time.Millisecond),
			HighQuality:       getEnvAsBool("EXPORT_HQ", false),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects policy values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Export.RenderConcurrency < 1 {
		return fmt.Errorf("RENDER_CONCURRENCY must be at least 1, got %d", c.Export.RenderConcurrency)
	}
	if c.Export.UploadConcurrency < 1 {
		return fmt.Errorf("UPLOAD_CONCURRENCY must be at least 1, got %d", c.Export.UploadConcurrency)
	}
	if c.Export.UploadMaxRetries < 0 {
		return fmt.Errorf("UPLOAD_MAX_RETRIES must not be negative, got %d", c.Export.UploadMaxRetries)
	}
	if c.Export.PollMultiplier < 1 {
		return fmt.Errorf("POLL_MULTIPLIER must be at least 1, got %g", c.Export.PollMultiplier)
	}
	if c.Export.ImageWaitAttempts < 1 {
		return fmt.Errorf("IMAGE_WAIT_ATTEMPTS must be at least 1, got %d", c.Export.ImageWaitAttempts)
	}
	return nil
}

// getRedisAddr resolves the Redis address. REDIS_URL wins over REDIS_ADDR.
func getRedisAddr() string {
	if url := os.Getenv("REDIS_URL"); url != "" {
		return strings.TrimPrefix(url, "redis://")
	}
	return getEnv("REDIS_ADDR", "localhost:6379")
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as int or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("2s") or a bare number of milliseconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
