package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// HoldLease takes the named lease and renews it at a third of ttl until the
// returned release func is called. It returns ErrLeaseHeld when another
// holder has the lease. If a renewal fails the returned context is canceled
// with the reason, so work under it stops before the lease can pass to
// another holder.
func HoldLease(ctx context.Context, leases LeaseStore, name, holder string, ttl time.Duration, now func() time.Time) (context.Context, func() error, error) {
	acquired, err := leases.AcquireLease(ctx, name, holder, now().UTC(), ttl)
	if err != nil {
		return nil, nil, err
	}
	if !acquired {
		return nil, nil, ErrLeaseHeld
	}

	held, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-held.Done():
				return
			case <-ticker.C:
				renewed, err := leases.AcquireLease(held, name, holder, now().UTC(), ttl)
				if err == nil && !renewed {
					err = ErrLeaseHeld
				}
				if err != nil {
					cancel(fmt.Errorf("renew lease %s: %w", name, err))
					return
				}
			}
		}
	}()

	release := func() error {
		close(done)
		wg.Wait()
		cancel(nil)
		return leases.ReleaseLease(context.WithoutCancel(ctx), name, holder)
	}
	return held, release, nil
}

// LeaseLost reports the renewal failure that canceled a context returned by
// HoldLease, or nil when the context was not canceled for that reason.
func LeaseLost(held context.Context) error {
	cause := context.Cause(held)
	if cause == nil || cause == held.Err() {
		return nil
	}
	return cause
}
