package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "notify"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Storage
	DatabaseURL string
	RedisURL    string

	// Encryption at rest
	EncryptionKey string
	BlindIndexKey string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleProjectID    string

	// Push intake
	PushTopic             string
	PushEndpointURL       string
	PushVerificationToken string
	PushJWKSURL           string
	PushBodyLimit         int

	// Internal auth
	OAuthStateSecret string
	APIJWTSecret     string

	// Notification sink
	NotifySink       string
	NotifyWebhookURL string

	// Pipeline
	ProviderTimeout    time.Duration
	LedgerCapacity     int
	WatchRenewInterval time.Duration
	WatchBatchSize     int
	WatchConcurrency   int

	// Worker
	WorkerID        string
	WorkerMax       int
	WorkerQueueSize int

	// Scheduler
	SchedulerEnabled bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", "sqlite:notify.db"),
		RedisURL:    getEnv("REDIS_URL", ""),

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		BlindIndexKey: getEnv("BLIND_INDEX_KEY", ""),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),
		GoogleProjectID:    getEnv("GOOGLE_PROJECT_ID", ""),

		PushTopic:             getEnv("GMAIL_PUSH_TOPIC", ""),
		PushEndpointURL:       getEnv("PUSH_ENDPOINT_URL", ""),
		PushVerificationToken: getEnv("PUSH_VERIFICATION_TOKEN", ""),
		PushJWKSURL:           getEnv("PUSH_JWKS_URL", "https://www.googleapis.com/oauth2/v3/certs"),
		PushBodyLimit:         getEnvInt("PUSH_BODY_LIMIT", 1<<20),

		OAuthStateSecret: getEnv("OAUTH_STATE_SECRET", ""),
		APIJWTSecret:     getEnv("API_JWT_SECRET", ""),

		NotifySink:       getEnv("NOTIFY_SINK", "log"),
		NotifyWebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),

		ProviderTimeout:    getEnvDuration("PROVIDER_TIMEOUT", 15*time.Second),
		LedgerCapacity:     getEnvInt("LEDGER_CAPACITY", 200),
		WatchRenewInterval: getEnvDuration("WATCH_RENEW_INTERVAL", 24*time.Hour),
		WatchBatchSize:     getEnvInt("WATCH_BATCH_SIZE", 100),
		WatchConcurrency:   getEnvInt("WATCH_CONCURRENCY", 8),

		WorkerID:        getEnv("WORKER_ID", generateWorkerID()),
		WorkerMax:       getEnvInt("WORKER_MAX", 8),
		WorkerQueueSize: getEnvInt("WORKER_QUEUE_SIZE", 256),

		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", true),
	}

	if cfg.PushTopic == "" && cfg.GoogleProjectID != "" {
		cfg.PushTopic = fmt.Sprintf("projects/%s/topics/gmail-push", cfg.GoogleProjectID)
	}
	if cfg.BlindIndexKey == "" {
		cfg.BlindIndexKey = cfg.EncryptionKey
	}
	if cfg.OAuthStateSecret == "" {
		cfg.OAuthStateSecret = cfg.EncryptionKey
	}

	return cfg, nil
}

// Validate reports every missing value the service cannot start without.
func (c *Config) Validate() error {
	var errs []error
	required := []struct{ key, value string }{
		{"ENCRYPTION_KEY", c.EncryptionKey},
		{"GOOGLE_CLIENT_ID", c.GoogleClientID},
		{"GOOGLE_CLIENT_SECRET", c.GoogleClientSecret},
		{"GOOGLE_REDIRECT_URL", c.GoogleRedirectURL},
		{"GMAIL_PUSH_TOPIC", c.PushTopic},
		{"PUSH_ENDPOINT_URL", c.PushEndpointURL},
		{"PUSH_VERIFICATION_TOKEN", c.PushVerificationToken},
		{"DATABASE_URL", c.DatabaseURL},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.key))
		}
	}

	switch c.NotifySink {
	case "log", "stream":
	case "webhook":
		if c.NotifyWebhookURL == "" {
			errs = append(errs, errors.New("NOTIFY_WEBHOOK_URL is required for the webhook sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown NOTIFY_SINK %q", c.NotifySink))
	}
	if c.NotifySink == "stream" && c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required for the stream sink"))
	}
	if c.WatchBatchSize <= 0 || c.WatchBatchSize > 100 {
		errs = append(errs, errors.New("WATCH_BATCH_SIZE must be between 1 and 100"))
	}

	return errors.Join(errs...)
}

// PushAudience is the exact URL the provider signs into push assertions,
// including the shared-secret query parameter.
func (c *Config) PushAudience() string {
	if c.PushEndpointURL == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(c.PushEndpointURL, "?") {
		sep = "&"
	}
	return c.PushEndpointURL + sep + "token=" + c.PushVerificationToken
}

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
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// bare integers are seconds
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
