package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	TimeZone    string

	LogLevel  string
	LogFormat string
	LogFile   string

	DefaultDailyQuota    int
	ReleaseQuotaOnCancel bool
	MRNPrefix            string

	EstimateDefault       time.Duration
	EstimateHistoryWindow time.Duration

	ReminderEmbedded       bool
	ReminderInterval       time.Duration
	ReminderLeadWindow     time.Duration
	ReminderDriftTolerance time.Duration
	ReminderMaxAttempts    int
	ReminderBackoff        time.Duration
	ReminderAttemptTimeout time.Duration
	ReminderBatchSize      int
	ReminderLease          time.Duration
	ReminderChannel        string
	ReminderProvider       string
	ReminderLang           string

	WebhookURL          string
	WebhookToken        string
	FirebaseCredentials string
	SMTPHost            string
	SMTPPort            int
	SMTPUsername        string
	SMTPPassword        string
	SMTPFrom            string

	OutboxInterval    time.Duration
	OutboxBatchSize   int
	OutboxMaxAttempts int
	OutboxLease       time.Duration
	KafkaBrokers      []string
	KafkaTopic        string

	RateLimitPerMinute        int
	RateLimitBurst            int
	SessionRateLimitPerMinute int
	SessionRateLimitBurst     int
}

// Load reads an optional .env file and then the process environment.
func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:        port,
		DatabaseURL: readString("DB_DSN", "clinic-queue.db"),
		TimeZone:    readString("CLINIC_TZ", "UTC"),

		LogLevel:  readString("LOG_LEVEL", "info"),
		LogFormat: readString("LOG_FORMAT", "text"),
		LogFile:   os.Getenv("LOG_FILE"),

		DefaultDailyQuota:    readInt("QUEUE_DEFAULT_DAILY_QUOTA", 20),
		ReleaseQuotaOnCancel: readBool("QUEUE_RELEASE_ON_CANCEL", true),
		MRNPrefix:            readString("MRN_PREFIX", "RM"),

		EstimateDefault:       readDurationMinutes("ESTIMATE_DEFAULT_MINUTES", 10),
		EstimateHistoryWindow: time.Duration(readInt("ESTIMATE_HISTORY_DAYS", 30)) * 24 * time.Hour,

		ReminderEmbedded:       readBool("REMINDER_EMBEDDED", false),
		ReminderInterval:       readDurationSeconds("REMINDER_SCAN_INTERVAL_SECONDS", 60),
		ReminderLeadWindow:     readDurationMinutes("REMINDER_LEAD_MINUTES", 10),
		ReminderDriftTolerance: readDurationMinutes("REMINDER_DRIFT_TOLERANCE_MINUTES", 10),
		ReminderMaxAttempts:    readInt("REMINDER_MAX_ATTEMPTS", 3),
		ReminderBackoff:        readDurationMillis("REMINDER_BACKOFF_MS", 2000),
		ReminderAttemptTimeout: readDurationSeconds("REMINDER_ATTEMPT_TIMEOUT_SECONDS", 10),
		ReminderBatchSize:      readInt("REMINDER_BATCH_SIZE", 100),
		ReminderLease:          readDurationSeconds("REMINDER_LEASE_SECONDS", 120),
		ReminderChannel:        readString("REMINDER_CHANNEL", "whatsapp"),
		ReminderProvider:       readString("REMINDER_PROVIDER", "log"),
		ReminderLang:           readString("REMINDER_LANG", "id"),

		WebhookURL:          os.Getenv("REMINDER_WEBHOOK_URL"),
		WebhookToken:        os.Getenv("REMINDER_WEBHOOK_TOKEN"),
		FirebaseCredentials: os.Getenv("FIREBASE_CREDENTIALS_PATH"),
		SMTPHost:            os.Getenv("SMTP_HOST"),
		SMTPPort:            readInt("SMTP_PORT", 587),
		SMTPUsername:        os.Getenv("SMTP_USERNAME"),
		SMTPPassword:        os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:            os.Getenv("SMTP_FROM"),

		OutboxInterval:    readDurationSeconds("OUTBOX_POLL_SECONDS", 5),
		OutboxBatchSize:   readInt("OUTBOX_BATCH_SIZE", 100),
		OutboxMaxAttempts: readInt("OUTBOX_MAX_ATTEMPTS", 5),
		OutboxLease:       readDurationSeconds("OUTBOX_LEASE_SECONDS", 30),
		KafkaBrokers:      readList("KAFKA_BROKERS"),
		KafkaTopic:        readString("KAFKA_TOPIC", "clinic.queue.events"),

		RateLimitPerMinute:        readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:            readInt("RATE_LIMIT_BURST", 30),
		SessionRateLimitPerMinute: readInt("SESSION_RATE_LIMIT_PER_MIN", 600),
		SessionRateLimitBurst:     readInt("SESSION_RATE_LIMIT_BURST", 120),
	}
}

// Location resolves TimeZone, falling back to UTC when it is unknown.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func readString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func readList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readDurationMinutes(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Minute
}

func readDurationMillis(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
