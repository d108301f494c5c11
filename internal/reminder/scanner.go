// Package reminder sends one reminder per waiting entry shortly before its
// estimated call time.
package reminder

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"sync"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/telemetry"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LeaseName is the durable job lease guarding scans across processes.
const LeaseName = "reminder-scan"

var (
	ErrScanInProgress = errors.New("reminder scan already running")
	ErrStaleEstimate  = errors.New("estimate drifted beyond tolerance")
)

var (
	remindersSent    = expvar.NewInt("reminders_sent_total")
	remindersFailed  = expvar.NewInt("reminders_failed_total")
	remindersSkipped = expvar.NewInt("reminders_skipped_total")
)

// Store is what the scanner needs from persistence.
type Store interface {
	store.ReminderStore
	store.LeaseStore
}

type Config struct {
	Interval       time.Duration
	LeadWindow     time.Duration
	DriftTolerance time.Duration
	MaxAttempts    int
	Backoff        time.Duration
	AttemptTimeout time.Duration
	BatchSize      int
	Lease          time.Duration
	Channel        string
	Lang           string
	Location       *time.Location
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.LeadWindow <= 0 {
		c.LeadWindow = 10 * time.Minute
	}
	if c.DriftTolerance <= 0 {
		c.DriftTolerance = 10 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.Channel == "" {
		c.Channel = ChannelWhatsApp
	}
	if c.Lang == "" {
		c.Lang = "id"
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// Result summarises one scan.
type Result struct {
	Candidates int `json:"candidates"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeFailed
)

type Scanner struct {
	store    Store
	provider Provider
	logger   *log.Logger
	cfg      Config
	holder   string
	mu       sync.Mutex
	now      func() time.Time
	tracer   trace.Tracer
}

func New(st Store, provider Provider, logger *log.Logger, cfg Config) *Scanner {
	return &Scanner{
		store:    st,
		provider: provider,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		holder:   uuid.NewString(),
		now:      time.Now,
		tracer:   telemetry.Tracer(),
	}
}

// RunOnce performs a single scan. It returns ErrScanInProgress when a scan
// is already running in this process and store.ErrLeaseHeld when another
// process holds the lease. The lease is renewed while the scan runs; losing
// it stops the scan before the next candidate.
func (s *Scanner) RunOnce(ctx context.Context) (Result, error) {
	if !s.mu.TryLock() {
		return Result{}, ErrScanInProgress
	}
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "reminder.scan")
	defer span.End()

	now := s.now().UTC()
	ctx, release, err := store.HoldLease(ctx, s.store, LeaseName, s.holder, s.cfg.Lease, s.now)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := release(); err != nil {
			s.logger.Warn("release reminder lease", "err", err)
		}
	}()

	candidates, err := s.store.ListReminderCandidates(ctx, now, now.Add(s.cfg.LeadWindow), s.cfg.BatchSize)
	if err != nil {
		return Result{}, err
	}

	result := Result{Candidates: len(candidates)}
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			break
		}
		switch s.process(ctx, candidate) {
		case outcomeSent:
			result.Sent++
			remindersSent.Add(1)
		case outcomeFailed:
			result.Failed++
			remindersFailed.Add(1)
		default:
			result.Skipped++
			remindersSkipped.Add(1)
		}
	}
	if err := store.LeaseLost(ctx); err != nil {
		span.RecordError(err)
		s.logger.Warn("reminder scan stopped", "candidates", result.Candidates, "sent", result.Sent, "err", err)
		return result, err
	}
	span.SetAttributes(
		attribute.Int("reminder.candidates", result.Candidates),
		attribute.Int("reminder.sent", result.Sent),
		attribute.Int("reminder.failed", result.Failed),
	)
	if result.Candidates > 0 {
		s.logger.Info("reminder scan", "candidates", result.Candidates, "sent", result.Sent, "failed", result.Failed, "skipped", result.Skipped)
	}
	return result, nil
}

// process handles one entry. Errors stay inside this entry.
func (s *Scanner) process(ctx context.Context, candidate models.QueueEntry) outcome {
	ctx, span := s.tracer.Start(ctx, "reminder.dispatch", trace.WithAttributes(attribute.String("entry.id", candidate.EntryID)))
	defer span.End()

	target, err := s.store.GetReminderTarget(ctx, candidate.EntryID)
	if err != nil {
		s.logger.Warn("load reminder target", "entry_id", candidate.EntryID, "err", err)
		return outcomeSkipped
	}
	if err := s.check(candidate, target.Entry); err != nil {
		if errors.Is(err, ErrStaleEstimate) {
			s.logger.Warn("skip reminder", "entry_id", candidate.EntryID, "err", err)
		} else {
			s.logger.Debug("skip reminder", "entry_id", candidate.EntryID, "reason", err)
		}
		return outcomeSkipped
	}

	msg := Message{
		Channel:   s.cfg.Channel,
		Recipient: recipientFor(s.cfg.Channel, target.Patient),
		Subject:   subject(s.cfg.Lang),
		Body:      renderTemplate(defaultTemplate(s.cfg.Lang), templateVars(target, s.cfg.Location)),
		EntryID:   target.Entry.EntryID,
	}

	attempts, err := s.dispatch(ctx, msg)
	// A send that went out is recorded even if the scan was canceled.
	markCtx := context.WithoutCancel(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			// Canceled scans leave the entry for the next lease holder.
			s.logger.Warn("reminder dispatch interrupted", "entry_id", target.Entry.EntryID, "attempts", attempts, "err", context.Cause(ctx))
			return outcomeSkipped
		}
		marked, markErr := s.store.MarkReminderFailed(markCtx, target.Entry.EntryID, s.now().UTC(), err.Error(), attempts)
		if markErr != nil {
			s.logger.Error("mark reminder failed", "entry_id", target.Entry.EntryID, "err", markErr)
		} else if !marked {
			s.logger.Warn("reminder already recorded", "entry_id", target.Entry.EntryID)
		}
		s.logger.Warn("reminder dispatch failed", "entry_id", target.Entry.EntryID, "attempts", attempts, "err", err)
		return outcomeFailed
	}

	marked, err := s.store.MarkReminderSent(markCtx, target.Entry.EntryID, s.now().UTC(), attempts)
	if err != nil {
		s.logger.Error("mark reminder sent", "entry_id", target.Entry.EntryID, "err", err)
		return outcomeSent
	}
	if !marked {
		s.logger.Warn("reminder already recorded", "entry_id", target.Entry.EntryID)
	}
	return outcomeSent
}

func (s *Scanner) check(candidate, current models.QueueEntry) error {
	if current.Status != models.StatusWaiting {
		return fmt.Errorf("entry is %s", current.Status)
	}
	if current.ReminderSentAt != nil || current.ReminderFailedAt != nil {
		return errors.New("reminder already recorded")
	}
	if current.EstimatedCallTime == nil || candidate.EstimatedCallTime == nil {
		return errors.New("entry has no estimate")
	}
	drift := current.EstimatedCallTime.Sub(*candidate.EstimatedCallTime)
	if drift < 0 {
		drift = -drift
	}
	if drift > s.cfg.DriftTolerance {
		return fmt.Errorf("%w: moved %s", ErrStaleEstimate, drift.Round(time.Second))
	}
	return nil
}

// dispatch sends msg with exponential backoff. A missing recipient fails at
// once without using the provider.
func (s *Scanner) dispatch(ctx context.Context, msg Message) (int, error) {
	if msg.Recipient == "" {
		return 0, fmt.Errorf("%w on channel %s", ErrNoRecipient, msg.Channel)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.Backoff
	policy.MaxInterval = s.cfg.Backoff * 8

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		defer cancel()
		if err := s.provider.Send(attemptCtx, msg); err != nil {
			s.logger.Debug("reminder attempt failed", "entry_id", msg.EntryID, "attempt", attempts, "err", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(s.cfg.MaxAttempts)))
	return attempts, err
}

// Start runs RunOnce on every tick until ctx is done.
func (s *Scanner) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				switch {
				case errors.Is(err, ErrScanInProgress), errors.Is(err, store.ErrLeaseHeld):
					s.logger.Debug("reminder scan skipped", "reason", err)
				default:
					s.logger.Error("reminder scan", "err", err)
				}
			}
		}
	}
}
