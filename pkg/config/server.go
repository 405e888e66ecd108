package config

import "time"

// Config holds runtime configuration for the EnvPilot backend.
type Config struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	CIBaseURL        string
	CIUser           string
	CIAPIToken       string
	CIRequestTimeout time.Duration

	FullSweepInterval time.Duration
	FastSweepInterval time.Duration
	FastSweepWindow   time.Duration
	ConfirmAttempts   int
	ConfirmDelay      time.Duration

	MonitorInterval  time.Duration
	MonitorMaxChecks int
	MonitorMaxAge    time.Duration

	EventBuffer int

	EmailEnabled bool
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	EmailFrom    string

	WebhookEncryptionKey string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadConfig constructs a Config from environment variables.
func LoadConfig() Config {
	return Config{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":4000"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://envpilot:envpilot@db:5432/envpilot?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		CIBaseURL:        GetString("CI_BASE_URL", "http://jenkins:8080"),
		CIUser:           GetString("CI_USER", ""),
		CIAPIToken:       GetString("CI_API_TOKEN", ""),
		CIRequestTimeout: time.Duration(GetInt("CI_REQUEST_TIMEOUT_SECONDS", 10)) * time.Second,

		FullSweepInterval: time.Duration(GetInt("SYNC_FULL_SWEEP_SECONDS", 15)) * time.Second,
		FastSweepInterval: time.Duration(GetInt("SYNC_FAST_SWEEP_SECONDS", 10)) * time.Second,
		FastSweepWindow:   time.Duration(GetInt("SYNC_FAST_WINDOW_SECONDS", 300)) * time.Second,
		ConfirmAttempts:   GetInt("SYNC_CONFIRM_ATTEMPTS", 5),
		ConfirmDelay:      time.Duration(GetInt("SYNC_CONFIRM_DELAY_SECONDS", 2)) * time.Second,

		MonitorInterval:  time.Duration(GetInt("MONITOR_INTERVAL_SECONDS", 10)) * time.Second,
		MonitorMaxChecks: GetInt("MONITOR_MAX_CHECKS", 180),
		MonitorMaxAge:    time.Duration(GetInt("MONITOR_MAX_AGE_SECONDS", 1800)) * time.Second,

		EventBuffer: GetInt("EVENT_BUFFER", 256),

		EmailEnabled: GetBool("EMAIL_NOTIFICATIONS_ENABLED", false),
		SMTPHost:     GetString("SMTP_HOST", ""),
		SMTPPort:     GetInt("SMTP_PORT", 587),
		SMTPUser:     GetString("SMTP_USER", ""),
		SMTPPassword: GetString("SMTP_PASSWORD", ""),
		EmailFrom:    GetString("EMAIL_FROM", "envpilot@localhost"),

		WebhookEncryptionKey: GetString("WEBHOOK_ENCRYPTION_KEY", "supersecuresecret"),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
