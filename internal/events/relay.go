package events

import (
	"context"
	"errors"
	"time"

	"qms/clinic-queue/internal/store"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// LeaseName guards the relay so one process publishes at a time.
const LeaseName = "outbox-relay"

type Store interface {
	store.OutboxStore
	store.LeaseStore
}

type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Lease       time.Duration
}

type Relay struct {
	store     Store
	publisher Publisher
	logger    *log.Logger
	cfg       Config
	holder    string
	now       func() time.Time
}

type Result struct {
	Published int `json:"published"`
	Failed    int `json:"failed"`
}

func NewRelay(st Store, publisher Publisher, logger *log.Logger, cfg Config) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	return &Relay{store: st, publisher: publisher, logger: logger, cfg: cfg, holder: uuid.NewString(), now: time.Now}
}

// RunOnce publishes one batch in creation order. It stops at the first
// failure so later events of the same aggregate are not published ahead of it.
// It returns store.ErrLeaseHeld when another process is relaying.
func (r *Relay) RunOnce(ctx context.Context) (Result, error) {
	ctx, release, err := store.HoldLease(ctx, r.store, LeaseName, r.holder, r.cfg.Lease, r.now)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := release(); err != nil {
			r.logger.Warn("release outbox lease", "err", err)
		}
	}()

	pending, err := r.store.ListPendingOutbox(ctx, r.cfg.BatchSize, r.cfg.MaxAttempts)
	if err != nil {
		return Result{}, err
	}
	// Marks outlive a canceled relay so a sent event is not sent again.
	markCtx := context.WithoutCancel(ctx)
	var result Result
	for _, event := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := r.publisher.Publish(ctx, event); err != nil {
			if ctx.Err() != nil {
				break
			}
			result.Failed++
			r.logger.Warn("outbox publish failed", "event_id", event.EventID, "type", event.Type, "attempt", event.Attempts+1, "err", err)
			if markErr := r.store.MarkOutboxFailed(markCtx, event.EventID, err.Error()); markErr != nil {
				return result, markErr
			}
			if event.Attempts+1 >= r.cfg.MaxAttempts {
				r.logger.Error("outbox event parked", "event_id", event.EventID, "attempts", event.Attempts+1)
			}
			break
		}
		if err := r.store.MarkOutboxPublished(markCtx, event.EventID, r.now().UTC()); err != nil {
			return result, err
		}
		result.Published++
	}
	if err := store.LeaseLost(ctx); err != nil {
		return result, err
	}
	return result, nil
}

func (r *Relay) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := r.RunOnce(ctx)
			if errors.Is(err, store.ErrLeaseHeld) {
				r.logger.Debug("outbox relay skipped", "reason", err)
				continue
			}
			if err != nil {
				r.logger.Error("outbox relay", "err", err)
				continue
			}
			if result.Published > 0 {
				r.logger.Debug("outbox relayed", "published", result.Published, "failed", result.Failed)
			}
		}
	}
}
