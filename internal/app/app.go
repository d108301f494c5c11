// Package app wires configuration into the long-running components shared by
// the binaries.
package app

import (
	"context"
	"fmt"

	"qms/clinic-queue/internal/config"
	"qms/clinic-queue/internal/events"
	"qms/clinic-queue/internal/logger"
	"qms/clinic-queue/internal/queue"
	"qms/clinic-queue/internal/reminder"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/backend"

	"github.com/charmbracelet/log"
)

// NewLogger builds the process logger from cfg.
func NewLogger(cfg config.Config, prefix string) (*log.Logger, func() error, error) {
	return logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
		Prefix: prefix,
	})
}

// OpenStore opens the configured backend and applies pending migrations.
func OpenStore(ctx context.Context, cfg config.Config, logger *log.Logger) (backend.Backend, error) {
	st, err := backend.Open(ctx, cfg.DatabaseURL, StoreOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	applied, err := st.Migrate(ctx, func(version int, name string) {
		logger.Info("migration applied", "version", version, "name", name)
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("store ready", "backend", backend.Kind(cfg.DatabaseURL), "applied", applied)
	return st, nil
}

func StoreOptions(cfg config.Config) store.Options {
	return store.Options{
		DefaultDailyQuota:    cfg.DefaultDailyQuota,
		ReleaseQuotaOnCancel: cfg.ReleaseQuotaOnCancel,
		MRNPrefix:            cfg.MRNPrefix,
	}
}

func NewQueueService(cfg config.Config, st store.Store, logger *log.Logger) *queue.Service {
	return queue.NewService(st, logger, queue.Options{
		Location:        cfg.Location(),
		DefaultDuration: cfg.EstimateDefault,
		HistoryWindow:   cfg.EstimateHistoryWindow,
	})
}

// NewScanner builds the reminder scanner with the configured provider.
func NewScanner(ctx context.Context, cfg config.Config, st reminder.Store, logger *log.Logger) (*reminder.Scanner, error) {
	provider, err := reminder.NewProvider(ctx, reminder.ProviderConfig{
		Kind:                cfg.ReminderProvider,
		WebhookURL:          cfg.WebhookURL,
		WebhookToken:        cfg.WebhookToken,
		FirebaseCredentials: cfg.FirebaseCredentials,
		SMTPHost:            cfg.SMTPHost,
		SMTPPort:            cfg.SMTPPort,
		SMTPUsername:        cfg.SMTPUsername,
		SMTPPassword:        cfg.SMTPPassword,
		SMTPFrom:            cfg.SMTPFrom,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("reminder provider: %w", err)
	}
	return reminder.New(st, provider, logger, reminder.Config{
		Interval:       cfg.ReminderInterval,
		LeadWindow:     cfg.ReminderLeadWindow,
		DriftTolerance: cfg.ReminderDriftTolerance,
		MaxAttempts:    cfg.ReminderMaxAttempts,
		Backoff:        cfg.ReminderBackoff,
		AttemptTimeout: cfg.ReminderAttemptTimeout,
		BatchSize:      cfg.ReminderBatchSize,
		Lease:          cfg.ReminderLease,
		Channel:        cfg.ReminderChannel,
		Lang:           cfg.ReminderLang,
		Location:       cfg.Location(),
	}), nil
}

// NewRelay publishes to Kafka when brokers are configured and to the log otherwise.
// The caller closes the returned publisher.
func NewRelay(cfg config.Config, st events.Store, logger *log.Logger) (*events.Relay, events.Publisher) {
	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		logger.Info("outbox relay to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else {
		publisher = events.NewLogPublisher(logger)
	}
	relay := events.NewRelay(st, publisher, logger, events.Config{
		Interval:    cfg.OutboxInterval,
		BatchSize:   cfg.OutboxBatchSize,
		MaxAttempts: cfg.OutboxMaxAttempts,
		Lease:       cfg.OutboxLease,
	})
	return relay, publisher
}
