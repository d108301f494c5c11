package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/clinic-queue/internal/app"
	"qms/clinic-queue/internal/config"
	"qms/clinic-queue/internal/httpapi"
	"qms/clinic-queue/internal/hub"
	"qms/clinic-queue/internal/telemetry"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "queue-service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger, closeLog, err := app.NewLogger(cfg, "queue-service")
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(ctx, "queue-service", logger)
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

	boards := hub.New(logger.WithPrefix("hub"))
	svc := app.NewQueueService(cfg, st, logger.WithPrefix("queue"))
	svc.SetPublisher(boards)

	handler := httpapi.NewHandler(svc, st, httpapi.Options{Hub: boards, Logger: logger})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:      cfg.RateLimitPerMinute,
		IPBurst:          cfg.RateLimitBurst,
		SessionPerMinute: cfg.SessionRateLimitPerMinute,
		SessionBurst:     cfg.SessionRateLimitBurst,
	})
	routes := httpapi.AuthMiddleware(st, nil, handler.Routes())
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, limiter.Middleware(routes)), "queue-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("queue-service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "err", err)
		}
		return nil
	})

	if cfg.ReminderEmbedded {
		scanner, err := app.NewScanner(ctx, cfg, st, logger.WithPrefix("reminder"))
		if err != nil {
			return err
		}
		relay, publisher := app.NewRelay(cfg, st, logger.WithPrefix("outbox"))
		defer publisher.Close()
		group.Go(func() error {
			scanner.Start(groupCtx)
			return nil
		})
		group.Go(func() error {
			relay.Start(groupCtx)
			return nil
		})
		logger.Info("embedded reminder scanner enabled", "interval", cfg.ReminderInterval)
	}

	return group.Wait()
}
