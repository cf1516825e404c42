package db

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"duochat/internal/models"
)

// AddToSet adds value to userID's set. Adding an existing member is a no-op.
func (db *Database) AddToSet(ctx context.Context, userID string, set models.RelationSet, value string) error {
	if !set.Valid() {
		return fmt.Errorf("db.AddToSet: unknown set %q", set)
	}
	_, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO user_relations (user_id, kind, other_id, created_at) VALUES (?, ?, ?, ?)",
		userID, string(set), value, now(),
	)
	return errors.Wrap(err, "db.AddToSet.Insert")
}

// RemoveFromSet removes value from userID's set. Removing an absent member is a no-op.
func (db *Database) RemoveFromSet(ctx context.Context, userID string, set models.RelationSet, value string) error {
	if !set.Valid() {
		return fmt.Errorf("db.RemoveFromSet: unknown set %q", set)
	}
	_, err := db.ExecContext(ctx,
		"DELETE FROM user_relations WHERE user_id = ? AND kind = ? AND other_id = ?",
		userID, string(set), value,
	)
	return errors.Wrap(err, "db.RemoveFromSet.Delete")
}

func (db *Database) IsInSet(ctx context.Context, userID string, set models.RelationSet, value string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM user_relations WHERE user_id = ? AND kind = ? AND other_id = ?",
		userID, string(set), value,
	).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, "db.IsInSet.Scan")
	}
	return count > 0, nil
}

// GetSet returns the member ids of userID's set in insertion order.
func (db *Database) GetSet(ctx context.Context, userID string, set models.RelationSet) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT other_id FROM user_relations WHERE user_id = ? AND kind = ? ORDER BY created_at, rowid",
		userID, string(set),
	)
	if err != nil {
		return nil, errors.Wrap(err, "db.GetSet.Query")
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "db.GetSet.Scan")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "db.GetSet.Rows")
	}
	return ids, nil
}
