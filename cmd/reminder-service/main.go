package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/clinic-queue/internal/app"
	"qms/clinic-queue/internal/config"
	"qms/clinic-queue/internal/telemetry"

	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "reminder-service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger, closeLog, err := app.NewLogger(cfg, "reminder-service")
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(ctx, "reminder-service", logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	scanner, err := app.NewScanner(ctx, cfg, st, logger.WithPrefix("reminder"))
	if err != nil {
		return err
	}
	relay, publisher := app.NewRelay(cfg, st, logger.WithPrefix("outbox"))
	defer publisher.Close()

	logger.Info("reminder-service started",
		"interval", cfg.ReminderInterval,
		"lead", cfg.ReminderLeadWindow,
		"provider", cfg.ReminderProvider,
		"channel", cfg.ReminderChannel,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		scanner.Start(groupCtx)
		return nil
	})
	group.Go(func() error {
		relay.Start(groupCtx)
		return nil
	})
	err = group.Wait()
	logger.Info("reminder-service stopped")
	return err
}
