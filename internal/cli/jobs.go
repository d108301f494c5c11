package cli

import (
	"errors"

	"qms/clinic-queue/internal/app"
	"qms/clinic-queue/internal/reminder"
	"qms/clinic-queue/internal/store"
)

type MigrateCmd struct{}

func (c *MigrateCmd) Run(ctx *Context) error {
	if _, err := ctx.Store(); err != nil {
		return err
	}
	ctx.printf("schema up to date\n")
	return nil
}

type ScanCmd struct{}

// Run performs one reminder scan and reports what it did.
func (c *ScanCmd) Run(ctx *Context) error {
	st, err := ctx.Store()
	if err != nil {
		return err
	}
	scanner, err := app.NewScanner(ctx.Ctx, ctx.Config, st, ctx.Logger)
	if err != nil {
		return err
	}
	result, err := scanner.RunOnce(ctx.Ctx)
	if errors.Is(err, store.ErrLeaseHeld) || errors.Is(err, reminder.ErrScanInProgress) {
		ctx.printf("another scan is running, nothing done\n")
		return nil
	}
	if err != nil {
		return err
	}
	ctx.printf("candidates=%d sent=%d failed=%d skipped=%d\n", result.Candidates, result.Sent, result.Failed, result.Skipped)
	return nil
}

type RelayCmd struct{}

func (c *RelayCmd) Run(ctx *Context) error {
	st, err := ctx.Store()
	if err != nil {
		return err
	}
	relay, publisher := app.NewRelay(ctx.Config, st, ctx.Logger)
	defer publisher.Close()
	result, err := relay.RunOnce(ctx.Ctx)
	if errors.Is(err, store.ErrLeaseHeld) {
		ctx.printf("another relay is running, nothing done\n")
		return nil
	}
	if err != nil {
		return err
	}
	ctx.printf("published=%d failed=%d\n", result.Published, result.Failed)
	return nil
}

type RecomputeCmd struct {
	Doctor string `required:"" help:"Doctor ID."`
	Date   string `help:"Service date (YYYY-MM-DD), defaults to today."`
}

func (c *RecomputeCmd) Run(ctx *Context) error {
	st, err := ctx.Store()
	if err != nil {
		return err
	}
	svc := app.NewQueueService(ctx.Config, st, ctx.Logger)
	date := c.Date
	if date == "" {
		date = svc.Today()
	}
	results, err := svc.Recompute(ctx.Ctx, c.Doctor, date)
	if err != nil {
		return err
	}
	ctx.printf("recomputed %d entries for %s\n", len(results), date)
	return nil
}
