package cli

import (
	"qms/clinic-queue/internal/app"
)

type QuotaShowCmd struct {
	Schedule string `arg:"" help:"Schedule ID."`
	Date     string `help:"Service date (YYYY-MM-DD), defaults to today."`
}

func (c *QuotaShowCmd) Run(ctx *Context) error {
	st, err := ctx.Store()
	if err != nil {
		return err
	}
	quota, err := app.NewQueueService(ctx.Config, st, ctx.Logger).GetQuota(ctx.Ctx, c.Schedule, c.Date)
	if err != nil {
		return err
	}
	ctx.printf("%s %s total=%d used=%d available=%d\n", quota.ScheduleID, quota.ServiceDate, quota.TotalQuota, quota.UsedQuota, quota.Available())
	return nil
}

type QuotaSetCmd struct {
	Schedule string `arg:"" help:"Schedule ID."`
	Date     string `required:"" help:"Service date (YYYY-MM-DD)."`
	Total    int    `required:"" help:"New total for the day."`
}

func (c *QuotaSetCmd) Run(ctx *Context) error {
	st, err := ctx.Store()
	if err != nil {
		return err
	}
	quota, err := app.NewQueueService(ctx.Config, st, ctx.Logger).SetQuota(ctx.Ctx, c.Schedule, c.Date, c.Total)
	if err != nil {
		return err
	}
	ctx.printf("%s %s total=%d used=%d available=%d\n", quota.ScheduleID, quota.ServiceDate, quota.TotalQuota, quota.UsedQuota, quota.Available())
	return nil
}
