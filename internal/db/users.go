package db

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"duochat/internal/models"
)

const userColumns = "id, email, full_name, password_hash, profile_pic, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	user := &models.User{}
	if err := row.Scan(&user.ID, &user.Email, &user.FullName, &user.PasswordHash, &user.ProfilePic, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	return user, nil
}

// CreateUser inserts user, filling timestamps. Returns ErrUserExists when the email is taken.
func (db *Database) CreateUser(ctx context.Context, user *models.User) error {
	ts := now()
	result, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO users ("+userColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		user.ID, strings.TrimSpace(user.Email), user.FullName, user.PasswordHash, user.ProfilePic, ts, ts,
	)
	if err != nil {
		return errors.Wrap(err, "db.CreateUser.Insert")
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "db.CreateUser.RowsAffected")
	}
	if rowsAffected == 0 {
		return ErrUserExists
	}
	user.CreatedAt, user.UpdatedAt = ts, ts
	return nil
}

func (db *Database) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	user, err := scanUser(db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db.GetUserByID.Scan")
	}
	return user, nil
}

func (db *Database) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	user, err := scanUser(db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = ?", strings.TrimSpace(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db.GetUserByEmail.Scan")
	}
	return user, nil
}

// ListUsersExcept returns every user other than excludeID, ordered by name.
func (db *Database) ListUsersExcept(ctx context.Context, excludeID string) ([]models.User, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id <> ? ORDER BY full_name COLLATE NOCASE, id",
		excludeID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "db.ListUsersExcept.Query")
	}
	return collectUsers(rows, "db.ListUsersExcept")
}

// ListRelatedUsers returns the user records whose ids are in userID's set.
func (db *Database) ListRelatedUsers(ctx context.Context, userID string, set models.RelationSet) ([]models.User, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT u.id, u.email, u.full_name, u.password_hash, u.profile_pic, u.created_at, u.updated_at
		FROM users u
		JOIN user_relations r ON r.other_id = u.id
		WHERE r.user_id = ? AND r.kind = ?
		ORDER BY u.full_name COLLATE NOCASE, u.id`,
		userID, string(set),
	)
	if err != nil {
		return nil, errors.Wrap(err, "db.ListRelatedUsers.Query")
	}
	return collectUsers(rows, "db.ListRelatedUsers")
}

func collectUsers(rows *sql.Rows, op string) ([]models.User, error) {
	defer rows.Close()

	users := make([]models.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, op+".Scan")
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, op+".Rows")
	}
	return users, nil
}

func (db *Database) UpdateProfilePic(ctx context.Context, userID, profilePic string) (*models.User, error) {
	result, err := db.ExecContext(ctx,
		"UPDATE users SET profile_pic = ?, updated_at = ? WHERE id = ?",
		profilePic, now(), userID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "db.UpdateProfilePic.Update")
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}
	return db.GetUserByID(ctx, userID)
}
