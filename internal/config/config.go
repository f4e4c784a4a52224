package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port      string
	LogLevel  string
	LogFormat string
	AppEnv    string

	RateLimitWindow time.Duration
	RateLimitMax    int
	// TrustProxyHops is how many reverse proxies sit in front of the service.
	TrustProxyHops  int
	TrustCloudflare bool

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
	PushTTL         int
	PushTimeout     time.Duration
	PushConcurrency int
	PushRatePerSec  float64

	DBPath      string
	MongoURI    string
	MongoDBName string
	AdminToken  string
	StaticDir   string

	S3Endpoint  string
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3Prefix    string

	BackupPassphrase    string
	BackupInterval      time.Duration
	BackupRetentionDays int
}

// Load reads configuration from the environment, after loading a .env file
// from the working directory if one exists. Variables already set in the
// environment win over the file.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads configuration from the environment only.
func FromEnv() (*Config, error) {
	var errs []error

	cfg := &Config{
		Port:      getEnv("PORT", "3000"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
		AppEnv:    getEnv("APP_ENV", "development"),

		RateLimitWindow: time.Duration(getInt("RATE_LIMIT_WINDOW_MS", 60000, &errs)) * time.Millisecond,
		RateLimitMax:    getInt("RATE_LIMIT_MAX", 100, &errs),
		TrustProxyHops:  getInt("TRUST_PROXY_HOPS", 1, &errs),
		TrustCloudflare: getBool("TRUST_CF_CONNECTING_IP", false, &errs),

		VAPIDPublicKey:  getEnv("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: getEnv("VAPID_PRIVATE_KEY", ""),
		VAPIDSubject:    getEnv("VAPID_SUBJECT", "mailto:example@example.com"),
		PushTTL:         getInt("PUSH_TTL", 86400, &errs),
		PushTimeout:     getDuration("PUSH_TIMEOUT", 10*time.Second, &errs),
		PushConcurrency: getInt("PUSH_CONCURRENCY", 0, &errs),
		PushRatePerSec:  getFloat("PUSH_RATE_PER_SEC", 0, &errs),

		DBPath:      getEnv("DB_PATH", "pushflow.db"),
		MongoURI:    getEnv("MONGODB_URI", ""),
		MongoDBName: getEnv("MONGODB_DB_NAME", "pushflow"),
		AdminToken:  getEnv("ADMIN_TOKEN", ""),
		StaticDir:   getEnv("STATIC_DIR", "public"),

		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3Prefix:    getEnv("S3_PREFIX", "pushflow"),

		BackupPassphrase:    getEnv("BACKUP_PASSPHRASE", ""),
		BackupInterval:      getDuration("BACKUP_INTERVAL", 24*time.Hour, &errs),
		BackupRetentionDays: getInt("BACKUP_RETENTION_DAYS", 30, &errs),
	}

	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		errs = append(errs, errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY are required (generate them with cmd/vapidkeys)"))
	}
	if cfg.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW_MS must be positive"))
	}
	if cfg.TrustProxyHops < 0 {
		errs = append(errs, errors.New("TRUST_PROXY_HOPS must not be negative"))
	}
	if cfg.RateLimitMax <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_MAX must be positive"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// UseMongo reports whether MongoDB backs the stores instead of SQLite.
func (c *Config) UseMongo() bool {
	return c.MongoURI != ""
}

// BackupEnabled reports whether scheduled S3 backups can run.
func (c *Config) BackupEnabled() bool {
	return !c.UseMongo() &&
		c.S3Bucket != "" &&
		c.S3AccessKey != "" &&
		c.S3SecretKey != "" &&
		c.BackupPassphrase != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}

func getBool(key string, defaultValue bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return b
}

func getFloat(key string, defaultValue float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return f
}

func getDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}
