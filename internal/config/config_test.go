package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DSN", "")
	t.Setenv("REMINDER_LEAD_MINUTES", "")
	t.Setenv("QUEUE_DEFAULT_DAILY_QUOTA", "")

	cfg := Load()
	if cfg.DatabaseURL != "clinic-queue.db" {
		t.Fatalf("expected sqlite default dsn, got %q", cfg.DatabaseURL)
	}
	if cfg.DefaultDailyQuota != 20 {
		t.Fatalf("expected default quota 20, got %d", cfg.DefaultDailyQuota)
	}
	if cfg.ReminderLeadWindow != 10*time.Minute {
		t.Fatalf("expected 10m lead window, got %s", cfg.ReminderLeadWindow)
	}
	if cfg.ReminderMaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.ReminderMaxAttempts)
	}
	if !cfg.ReleaseQuotaOnCancel {
		t.Fatalf("expected quota release on cancel by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("QUEUE_DEFAULT_DAILY_QUOTA", "35")
	t.Setenv("REMINDER_LEAD_MINUTES", "5")
	t.Setenv("QUEUE_RELEASE_ON_CANCEL", "false")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("ESTIMATE_DEFAULT_MINUTES", "not-a-number")

	cfg := Load()
	if cfg.DefaultDailyQuota != 35 {
		t.Fatalf("expected quota 35, got %d", cfg.DefaultDailyQuota)
	}
	if cfg.ReminderLeadWindow != 5*time.Minute {
		t.Fatalf("expected 5m lead window, got %s", cfg.ReminderLeadWindow)
	}
	if cfg.ReleaseQuotaOnCancel {
		t.Fatalf("expected release on cancel disabled")
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.KafkaBrokers)
	}
	if cfg.EstimateDefault != 10*time.Minute {
		t.Fatalf("expected fallback estimate 10m, got %s", cfg.EstimateDefault)
	}
}

func TestLocationFallback(t *testing.T) {
	cfg := Config{TimeZone: "Nowhere/Invalid"}
	if cfg.Location() != time.UTC {
		t.Fatalf("expected UTC fallback")
	}
}
