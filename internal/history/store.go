// Package history provides PostgreSQL-backed storage for the chat message
// log. Messages are append-only: they are created on send, never updated,
// and deleted only in bulk by the admin moderation path.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Message is one persisted chat message. DisplayName is the author's name at
// the time of send; it is stored with the message so later renames do not
// retroactively alter history. CreatedAt is unix milliseconds.
type Message struct {
	ID          string
	UserID      string
	DisplayName string
	Text        string
	CreatedAt   int64
}

// Store manages the messages table in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore opens a connection to PostgreSQL, verifies it, and applies any
// pending schema migrations from the embedded migration files.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: postgres connection failed: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing database handle without running
// migrations. Used by tests that manage the schema themselves.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// runMigrations applies the embedded migrations using golang-migrate.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("history: load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("history: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("history: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: migrate up: %w", err)
	}
	return nil
}

// Insert appends a message to the log.
func (s *Store) Insert(ctx context.Context, msg Message) error {
	const query = `
		INSERT INTO messages (id, user_id, display_name, body, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.UserID, msg.DisplayName, msg.Text, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// Recent returns the most recent limit messages in chronological order
// (oldest first). Ordering is by creation timestamp with ties broken by id
// string comparison for determinism.
func (s *Store) Recent(ctx context.Context, limit int) ([]Message, error) {
	const query = `
		SELECT id, user_id, display_name, body, created_at
		FROM messages
		ORDER BY created_at DESC, id DESC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// Older returns up to limit messages created strictly before the cursor
// timestamp, in chronological order (oldest first). A result shorter than
// limit — including empty — signals that no more history exists before the
// cursor.
func (s *Store) Older(ctx context.Context, before int64, limit int) ([]Message, error) {
	const query = `
		SELECT id, user_id, display_name, body, created_at
		FROM messages
		WHERE created_at < $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("history: older: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// DeleteAll wipes the whole message log. There is no selective delete.
func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("history: delete all: %w", err)
	}
	return nil
}

// Count returns the number of persisted messages.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("history: count: %w", err)
	}
	return n, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.DisplayName, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	return msgs, nil
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
