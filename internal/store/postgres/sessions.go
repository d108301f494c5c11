package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/jackc/pgx/v5"
)

const sessionColumns = `session_id, staff_id, role, created_at, expires_at, revoked_at`

func (s *Store) CreateSession(ctx context.Context, session models.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO staff_sessions (session_id, staff_id, role, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, session.SessionID, session.StaffID, string(session.Role), pgTime(session.CreatedAt), pgTime(session.ExpiresAt))
	return err
}

func scanSession(row rowScanner) (models.Session, error) {
	var session models.Session
	var role string
	var revokedAt sql.NullTime
	if err := row.Scan(&session.SessionID, &session.StaffID, &role, &session.CreatedAt, &session.ExpiresAt, &revokedAt); err != nil {
		return models.Session{}, err
	}
	parsed, err := models.ParseRole(role)
	if err != nil {
		return models.Session{}, err
	}
	session.Role = parsed
	session.CreatedAt = session.CreatedAt.UTC()
	session.ExpiresAt = session.ExpiresAt.UTC()
	session.RevokedAt = nullTimePtr(revokedAt)
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	session, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM staff_sessions WHERE session_id = $1`, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, store.ErrSessionNotFound
		}
		return models.Session{}, err
	}
	return session, nil
}

func (s *Store) RevokeSession(ctx context.Context, sessionID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE staff_sessions SET revoked_at = $2 WHERE session_id = $1 AND revoked_at IS NULL
	`, sessionID, pgTime(at))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

func (s *Store) ListActiveSessions(ctx context.Context, now time.Time) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM staff_sessions
		WHERE revoked_at IS NULL AND expires_at > $1
		ORDER BY created_at ASC
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}
