package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"qms/clinic-queue/internal/app"
	"qms/clinic-queue/internal/cli"
	"qms/clinic-queue/internal/config"

	"github.com/alecthomas/kong"
)

var CLI struct {
	Version kong.VersionFlag
	DSN     string `help:"Database DSN, overrides DB_DSN." env:"CLINICCTL_DSN"`

	Migrate   cli.MigrateCmd   `cmd:"" help:"Apply pending schema migrations."`
	Scan      cli.ScanCmd      `cmd:"" help:"Run one reminder scan."`
	Relay     cli.RelayCmd     `cmd:"" help:"Publish one batch of outbox events."`
	Recompute cli.RecomputeCmd `cmd:"" help:"Recompute estimates for a doctor's queue."`
	Quota     struct {
		Show cli.QuotaShowCmd `cmd:"" help:"Show a schedule's quota for a date."`
		Set  cli.QuotaSetCmd  `cmd:"" help:"Override a schedule's quota for a date."`
	} `cmd:"" help:"Inspect and override daily quotas."`
	Session struct {
		Issue  cli.SessionIssueCmd  `cmd:"" help:"Issue a staff session."`
		Revoke cli.SessionRevokeCmd `cmd:"" help:"Revoke a staff session."`
		List   cli.SessionListCmd   `cmd:"" help:"List active staff sessions."`
	} `cmd:"" help:"Manage staff sessions."`
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("clinicctl"),
		kong.Description("Operator tool for the clinic queue service"),
		kong.UsageOnError(),
		kong.Vars{"version": "v0.1.0"},
	)

	cfg := config.Load()
	if CLI.DSN != "" {
		cfg.DatabaseURL = CLI.DSN
	}
	logger, closeLog, err := app.NewLogger(cfg, "clinicctl")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	appCtx := &cli.Context{Ctx: ctx, Config: cfg, Logger: logger, Out: os.Stdout}

	err = kctx.Run(appCtx)
	_ = appCtx.Close()
	stop()
	_ = closeLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
