package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

const MaxSessionsPerUser = 10

func (db *Database) CreateSession(ctx context.Context, sessionID, userID string, expiresAt time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "db.CreateSession.Begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)",
		sessionID, userID, now(), expiresAt.UTC(),
	); err != nil {
		return errors.Wrap(err, "db.CreateSession.Insert")
	}

	// Evict oldest sessions beyond the cap
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sessions WHERE id IN (
			SELECT id FROM sessions
			WHERE user_id = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT -1 OFFSET ?
		)`, userID, MaxSessionsPerUser,
	); err != nil {
		return errors.Wrap(err, "db.CreateSession.Evict")
	}

	return errors.Wrap(tx.Commit(), "db.CreateSession.Commit")
}

// ValidateSession reports whether sessionID exists, belongs to userID and has not expired.
func (db *Database) ValidateSession(ctx context.Context, sessionID, userID string) (bool, error) {
	var storedUserID string
	var expiresAt time.Time
	err := db.QueryRowContext(ctx,
		"SELECT user_id, expires_at FROM sessions WHERE id = ?",
		sessionID,
	).Scan(&storedUserID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "db.ValidateSession.Scan")
	}
	if storedUserID != userID {
		return false, nil
	}
	if time.Now().After(expiresAt) {
		return false, nil
	}
	return true, nil
}

func (db *Database) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "db.DeleteSession.Begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM csrf_tokens WHERE session_id = ?", sessionID); err != nil {
		return errors.Wrap(err, "db.DeleteSession.CSRF")
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID); err != nil {
		return errors.Wrap(err, "db.DeleteSession.Delete")
	}
	return errors.Wrap(tx.Commit(), "db.DeleteSession.Commit")
}

func (db *Database) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	result, err := db.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at < ?", now())
	if err != nil {
		return 0, errors.Wrap(err, "db.CleanupExpiredSessions.Delete")
	}
	return result.RowsAffected()
}

func (db *Database) CreateCSRFToken(ctx context.Context, token, sessionID string) error {
	var sid sql.NullString
	if sessionID != "" {
		sid = sql.NullString{String: sessionID, Valid: true}
	}
	_, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO csrf_tokens (token, session_id, created_at) VALUES (?, ?, ?)",
		token, sid, now(),
	)
	return errors.Wrap(err, "db.CreateCSRFToken.Insert")
}

// ConsumeCSRFToken deletes token and reports whether it existed and was bound to sessionID
// (or to no session at all).
func (db *Database) ConsumeCSRFToken(ctx context.Context, token, sessionID string) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "db.ConsumeCSRFToken.Begin")
	}
	defer tx.Rollback()

	var storedSessionID sql.NullString
	err = tx.QueryRowContext(ctx, "SELECT session_id FROM csrf_tokens WHERE token = ?", token).Scan(&storedSessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, tx.Commit()
	}
	if err != nil {
		return false, errors.Wrap(err, "db.ConsumeCSRFToken.Scan")
	}

	if storedSessionID.Valid && storedSessionID.String != sessionID {
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM csrf_tokens WHERE token = ?", token); err != nil {
		return false, errors.Wrap(err, "db.ConsumeCSRFToken.Delete")
	}

	return true, errors.Wrap(tx.Commit(), "db.ConsumeCSRFToken.Commit")
}

func (db *Database) CleanupCSRFTokens(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := db.ExecContext(ctx, "DELETE FROM csrf_tokens WHERE created_at < ?", now().Add(-olderThan))
	if err != nil {
		return 0, errors.Wrap(err, "db.CleanupCSRFTokens.Delete")
	}
	return result.RowsAffected()
}
