package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

func (s *Store) CreateSession(ctx context.Context, session models.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO staff_sessions (session_id, staff_id, role, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, session.SessionID, session.StaffID, string(session.Role), toMillis(session.CreatedAt), toMillis(session.ExpiresAt))
	return err
}

func scanSession(row rowScanner) (models.Session, error) {
	var session models.Session
	var role string
	var createdAt, expiresAt int64
	var revokedAt sql.NullInt64
	if err := row.Scan(&session.SessionID, &session.StaffID, &role, &createdAt, &expiresAt, &revokedAt); err != nil {
		return models.Session{}, err
	}
	parsed, err := models.ParseRole(role)
	if err != nil {
		return models.Session{}, err
	}
	session.Role = parsed
	session.CreatedAt = fromMillis(createdAt)
	session.ExpiresAt = fromMillis(expiresAt)
	session.RevokedAt = nullTimePtr(revokedAt)
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT session_id, staff_id, role, created_at, expires_at, revoked_at
		FROM staff_sessions WHERE session_id = ?
	`, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Session{}, store.ErrSessionNotFound
		}
		return models.Session{}, err
	}
	return session, nil
}

func (s *Store) RevokeSession(ctx context.Context, sessionID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE staff_sessions SET revoked_at = ? WHERE session_id = ? AND revoked_at IS NULL
	`, toMillis(at), sessionID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

func (s *Store) ListActiveSessions(ctx context.Context, now time.Time) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, staff_id, role, created_at, expires_at, revoked_at
		FROM staff_sessions
		WHERE revoked_at IS NULL AND expires_at > ?
		ORDER BY created_at ASC
	`, toMillis(now))
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
