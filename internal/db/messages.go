package db

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"duochat/internal/models"
)

const messageColumns = "id, sender_id, receiver_id, text, image, seen, transferred, transferred_from, created_at, updated_at"

func scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var seen, transferred int
	if err := row.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Text, &msg.Image, &seen, &transferred, &msg.TransferredFrom, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
		return nil, err
	}
	msg.Seen = seen == 1
	msg.Transferred = transferred == 1
	return msg, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertMessage stores msg, assigning an id and timestamps when missing.
func (db *Database) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	ts := now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = ts
	}
	msg.UpdatedAt = ts

	_, err := db.ExecContext(ctx,
		"INSERT INTO messages ("+messageColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Text, msg.Image,
		boolInt(msg.Seen), boolInt(msg.Transferred), msg.TransferredFrom,
		msg.CreatedAt, msg.UpdatedAt,
	)
	return errors.Wrap(err, "db.InsertMessage.Insert")
}

func (db *Database) GetMessageByID(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanMessage(db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db.GetMessageByID.Scan")
	}
	return msg, nil
}

// UpdateManySeen flips every unseen message from senderID to receiverID to seen.
func (db *Database) UpdateManySeen(ctx context.Context, senderID, receiverID string) (int64, error) {
	result, err := db.ExecContext(ctx,
		"UPDATE messages SET seen = 1, updated_at = ? WHERE sender_id = ? AND receiver_id = ? AND seen = 0",
		now(), senderID, receiverID,
	)
	if err != nil {
		return 0, errors.Wrap(err, "db.UpdateManySeen.Update")
	}
	n, err := result.RowsAffected()
	return n, errors.Wrap(err, "db.UpdateManySeen.RowsAffected")
}

func (db *Database) DeleteMessageByID(ctx context.Context, id string) error {
	result, err := db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "db.DeleteMessageByID.Delete")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "db.DeleteMessageByID.RowsAffected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindMessagesForPair returns the conversation between a and b in arrival order.
func (db *Database) FindMessagesForPair(ctx context.Context, a, b string) ([]models.Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY rowid`,
		a, b, b, a,
	)
	if err != nil {
		return nil, errors.Wrap(err, "db.FindMessagesForPair.Query")
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "db.FindMessagesForPair.Scan")
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "db.FindMessagesForPair.Rows")
	}
	return messages, nil
}
