package cli

import (
	"fmt"
	"time"

	"qms/clinic-queue/internal/models"

	"github.com/google/uuid"
)

type SessionIssueCmd struct {
	Staff string        `arg:"" help:"Staff identifier."`
	Role  string        `required:"" help:"Role (admin|doctor|nurse|front_desk)."`
	TTL   time.Duration `help:"Session lifetime." default:"12h"`
}

func (c *SessionIssueCmd) Run(ctx *Context) error {
	role, err := models.ParseRole(c.Role)
	if err != nil {
		return err
	}
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	st, err := ctx.Store()
	if err != nil {
		return err
	}
	now := ctx.now()
	session := models.Session{
		SessionID: uuid.NewString(),
		StaffID:   c.Staff,
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(c.TTL),
	}
	if err := st.CreateSession(ctx.Ctx, session); err != nil {
		return err
	}
	ctx.printf("%s\n", session.SessionID)
	return nil
}

type SessionRevokeCmd struct {
	Session string `arg:"" help:"Session ID."`
}

func (c *SessionRevokeCmd) Run(ctx *Context) error {
	st, err := ctx.Store()
	if err != nil {
		return err
	}
	if err := st.RevokeSession(ctx.Ctx, c.Session, ctx.now()); err != nil {
		return err
	}
	ctx.printf("revoked %s\n", c.Session)
	return nil
}

type SessionListCmd struct{}

func (c *SessionListCmd) Run(ctx *Context) error {
	st, err := ctx.Store()
	if err != nil {
		return err
	}
	sessions, err := st.ListActiveSessions(ctx.Ctx, ctx.now())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ctx.printf("no active sessions\n")
		return nil
	}
	for _, session := range sessions {
		ctx.printf("%s  %-10s  %s  expires %s\n", session.SessionID, session.Role, session.StaffID, session.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
