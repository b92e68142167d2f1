package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Auth         AuthConfig
	Tracker      TrackerConfig
	Reconcile    ReconcileConfig
	Notification NotificationConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines authentication parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
	BcryptCost            int
}

// TrackerConfig holds bug tracker connection and escalation parameters.
type TrackerConfig struct {
	BaseURL               string
	APIKey                string
	ProjectID             int
	ResolvedStatusID      int64
	ClosedStatusID        int64
	UploadConcurrency     int
	RequestTimeoutSeconds int
}

// ReconcileConfig controls the periodic pull from the bug tracker.
type ReconcileConfig struct {
	PeriodMinutes    int
	PageLimit        int
	IssueConcurrency int
}

// NotificationConfig holds notification sink parameters.
type NotificationConfig struct {
	WebhookURL    string
	PublicBaseURL string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "escalation-service"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
			BcryptCost:            getEnvAsInt("AUTH_BCRYPT_COST", 12),
		},
		Tracker: TrackerConfig{
			BaseURL:               getEnv("BUG_TRACKER_BASE_URL", ""),
			APIKey:                getEnv("BUG_TRACKER_API_KEY", ""),
			ProjectID:             getEnvAsInt("BUG_TRACKER_PROJECT_ID", -1),
			ResolvedStatusID:      int64(getEnvAsInt("BUG_TRACKER_RESOLVED_STATUS_ID", -1)),
			ClosedStatusID:        int64(getEnvAsInt("BUG_TRACKER_CLOSED_STATUS_ID", -1)),
			UploadConcurrency:     getEnvAsInt("ESCALATION_UPLOAD_CONCURRENCY", 4),
			RequestTimeoutSeconds: getEnvAsInt("BUG_TRACKER_REQUEST_TIMEOUT_SECONDS", 15),
		},
		Reconcile: ReconcileConfig{
			PeriodMinutes:    getEnvAsInt("RECONCILE_PERIOD_MINUTES", 30),
			PageLimit:        getEnvAsInt("RECONCILE_PAGE_LIMIT", 100),
			IssueConcurrency: getEnvAsInt("RECONCILE_ISSUE_CONCURRENCY", 4),
		},
		Notification: NotificationConfig{
			WebhookURL:    getEnv("NOTIFY_WEBHOOK_URL", ""),
			PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		},
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// RequestTimeout returns the per-call timeout for tracker requests.
func (t TrackerConfig) RequestTimeout() time.Duration {
	if t.RequestTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(t.RequestTimeoutSeconds) * time.Second
}

// Period returns the reconciliation interval.
func (r ReconcileConfig) Period() time.Duration {
	if r.PeriodMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(r.PeriodMinutes) * time.Minute
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
