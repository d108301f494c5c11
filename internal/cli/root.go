// Package cli holds the clinicctl operator commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"qms/clinic-queue/internal/app"
	"qms/clinic-queue/internal/config"
	"qms/clinic-queue/internal/store/backend"

	"github.com/charmbracelet/log"
)

type Context struct {
	Ctx    context.Context
	Config config.Config
	Logger *log.Logger
	Out    io.Writer
	Now    func() time.Time

	store backend.Backend
}

// Store opens and migrates the configured backend on first use.
func (c *Context) Store() (backend.Backend, error) {
	if c.store != nil {
		return c.store, nil
	}
	st, err := app.OpenStore(c.Ctx, c.Config, c.Logger)
	if err != nil {
		return nil, err
	}
	c.store = st
	return st, nil
}

func (c *Context) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

func (c *Context) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now().UTC()
}

func (c *Context) printf(format string, args ...any) {
	fmt.Fprintf(c.Out, format, args...)
}
