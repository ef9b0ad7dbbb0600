package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds shared runtime configuration for the CLI and the API server.
type Config struct {
	Env      string
	HTTPPort string

	// Batch engine.
	Concurrency int
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Content-management site.
	CMSBaseURL string
	CMSToken   string
	CMSTimeout time.Duration

	// Thumbnail cache.
	CacheDir        string
	ThumbWidth      int
	DownloadTimeout time.Duration
	MaxDownloadMB   int64

	// S3-hosted assets (s3:// source URLs).
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool

	// AI suggestions.
	OpenAIModel      string
	SuggestTimeout   time.Duration
	SuggestRateCap   int
	SuggestRateFill  float64

	// Optional progress publishing over Redis pub/sub.
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	ProgressChannel string

	// Local run history.
	HistoryDBPath string
}

// Load reads configuration from environment variables with defaults suited
// to local use.
func Load() Config {
	return Config{
		Env:      getEnv("APP_ENV", "dev"),
		HTTPPort: getEnv("HTTP_PORT", "8080"),

		Concurrency: getEnvInt("BATCH_CONCURRENCY", 3),
		MaxRetries:  getEnvInt("BATCH_MAX_RETRIES", 3),
		BackoffBase: getEnvDuration("BATCH_BACKOFF_BASE", time.Second),
		BackoffMax:  getEnvDuration("BATCH_BACKOFF_MAX", 5*time.Minute),

		CMSBaseURL: getEnv("CMS_BASE_URL", "http://localhost:3000"),
		CMSToken:   getEnv("CMS_API_TOKEN", ""),
		CMSTimeout: getEnvDuration("CMS_TIMEOUT", 30*time.Second),

		CacheDir:        getEnv("CACHE_DIR", "./cache"),
		ThumbWidth:      getEnvInt("THUMB_WIDTH", 512),
		DownloadTimeout: getEnvDuration("DOWNLOAD_TIMEOUT", 30*time.Second),
		MaxDownloadMB:   int64(getEnvInt("MAX_DOWNLOAD_MB", 25)),

		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3PathStyle: getEnvBool("S3_PATH_STYLE", false),

		OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		SuggestTimeout:  getEnvDuration("SUGGEST_TIMEOUT", 60*time.Second),
		SuggestRateCap:  getEnvInt("SUGGEST_RATE_CAPACITY", 10),
		SuggestRateFill: getEnvFloat("SUGGEST_RATE_REFILL_PER_SEC", 1),

		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		ProgressChannel: getEnv("PROGRESS_CHANNEL_PREFIX", "progress"),

		HistoryDBPath: getEnv("HISTORY_DB_PATH", "./batcher-history.db"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
