package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration for the validator process. The
// validation policy itself lives in a policy file, see LoadPolicyFile.
type Config struct {
	HTTPAddr              string
	MetricsAddr           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	PostgresDSN           string
	WorkerPollInterval    time.Duration
	StopTimeout           time.Duration
	MissionExtension      string
	QuarantineDir         string
	QuarantineS3Bucket    string
	QuarantineS3Region    string
	QuarantineS3Endpoint  string
	QuarantineS3PathStyle bool
	RejectFeedKey         string
	RejectFeedMax         int64
	RateLimitCapacity     int
	RateLimitRefill       float64
	RateLimitTTL          time.Duration
}

// Load reads configuration from environment variables with defaults suitable
// for running next to a mission directory without any backing services.
func Load() Config {
	return Config{
		HTTPAddr:              getEnv("HTTP_ADDR", ""),
		MetricsAddr:           getEnv("METRICS_ADDR", ""),
		RedisAddr:             getEnv("REDIS_ADDR", ""),
		RedisPassword:         getEnv("REDIS_PASSWORD", ""),
		RedisDB:               getEnvInt("REDIS_DB", 0),
		PostgresDSN:           getEnv("POSTGRES_DSN", ""),
		WorkerPollInterval:    getEnvDuration("WORKER_POLL_INTERVAL", 250*time.Millisecond),
		StopTimeout:           getEnvDuration("STOP_TIMEOUT", time.Second),
		MissionExtension:      getEnv("MISSION_EXTENSION", ".miz"),
		QuarantineDir:         getEnv("QUARANTINE_DIR", ""),
		QuarantineS3Bucket:    getEnv("QUARANTINE_S3_BUCKET", ""),
		QuarantineS3Region:    getEnv("QUARANTINE_S3_REGION", "us-east-1"),
		QuarantineS3Endpoint:  getEnv("QUARANTINE_S3_ENDPOINT", ""),
		QuarantineS3PathStyle: getEnvBool("QUARANTINE_S3_PATH_STYLE", false),
		RejectFeedKey:         getEnv("REJECT_FEED_KEY", "missions:rejected"),
		RejectFeedMax:         int64(getEnvInt("REJECT_FEED_MAX", 1000)),
		RateLimitCapacity:     getEnvInt("RATE_LIMIT_CAPACITY", 20),
		RateLimitRefill:       getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 2),
		RateLimitTTL:          getEnvDuration("RATE_LIMIT_TTL", time.Hour),
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
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
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
