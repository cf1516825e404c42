package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrUserExists = errors.New("user already exists")
)

type Database struct {
	*sql.DB
}

// migrations are applied in order; the slice index plus one is the resulting user_version.
var migrations = []func(*sql.Tx) error{
	createTablesInTx,
	createMessageIndexesInTx,
}

func New(dataSourceName string) (*Database, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "db.New.Open")
	}

	db.SetMaxOpenConns(4) // SQLite is single-writer; more connections waste FDs and increase lock contention
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "db.New."+pragma)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "db.New.Ping")
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db}, nil
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return errors.Wrap(err, "db.runMigrations.UserVersion")
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, len(migrations))
	}

	for next := version; next < len(migrations); next++ {
		if err := applyMigration(db, next+1, migrations[next]); err != nil {
			return errors.Wrapf(err, "db.runMigrations.v%d", next+1)
		}
	}
	return nil
}

func applyMigration(db *sql.DB, version int, migrate func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := migrate(tx); err != nil {
		return err
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return err
	}
	return tx.Commit()
}

func createTablesInTx(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL COLLATE NOCASE,
			full_name TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			profile_pic TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS csrf_tokens (
			token TEXT PRIMARY KEY,
			session_id TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS user_relations (
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			other_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, kind, other_id)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			receiver_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			text TEXT NOT NULL DEFAULT '',
			image TEXT NOT NULL DEFAULT '',
			seen INTEGER NOT NULL DEFAULT 0,
			transferred INTEGER NOT NULL DEFAULT 0,
			transferred_from TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
		CREATE INDEX IF NOT EXISTS idx_csrf_created_at ON csrf_tokens(created_at);
		CREATE INDEX IF NOT EXISTS idx_csrf_session_id ON csrf_tokens(session_id);
	`)
	return err
}

func createMessageIndexesInTx(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id);
		CREATE INDEX IF NOT EXISTS idx_messages_unseen ON messages(receiver_id, sender_id) WHERE seen = 0;
		CREATE INDEX IF NOT EXISTS idx_relations_other ON user_relations(other_id, kind);
	`)
	return err
}

func now() time.Time {
	return time.Now().UTC()
}

// Check pings the database within the context deadline.
func (db *Database) Check(ctx context.Context) error {
	return errors.Wrap(db.PingContext(ctx), "db.Check")
}
