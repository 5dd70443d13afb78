package chat

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore keeps messages in the messages table. Ids come from the
// BIGSERIAL primary key and timestamps from the database clock.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle. The schema must already be
// migrated; see OpenPostgres.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects to databaseURL, verifies the connection and applies
// pending migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("chat: open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("chat: postgres connection failed: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresStore(db), nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("chat: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("chat: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("chat: init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("chat: apply migrations: %w", err)
	}
	return nil
}

// Append inserts msg and reads back the assigned id and timestamp.
func (s *PostgresStore) Append(ctx context.Context, msg Message) (Message, error) {
	if err := validate(msg); err != nil {
		return Message{}, err
	}

	const query = `
		INSERT INTO messages (room, username, content, x_position, y_position,
			source_url, source_label, story_url, story_label)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`

	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, query,
		msg.Room, msg.Username, msg.Content, msg.XPosition, msg.YPosition,
		msg.SourceURL, msg.SourceLabel, msg.StoryURL, msg.StoryLabel,
	).Scan(&msg.ID, &createdAt)
	if err != nil {
		return Message{}, fmt.Errorf("chat: insert message: %w", err)
	}
	msg.Timestamp = createdAt.UnixMilli()
	return msg, nil
}

// Recent selects the newest limit rows for room and returns them oldest
// first.
func (s *PostgresStore) Recent(ctx context.Context, room string, limit int) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}

	const query = `
		SELECT id, room, username, content, x_position, y_position,
			source_url, source_label, story_url, story_label, created_at
		FROM messages
		WHERE room = $1
		ORDER BY id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, room, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: recent: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		var createdAt time.Time
		if err := rows.Scan(&m.ID, &m.Room, &m.Username, &m.Content, &m.XPosition, &m.YPosition,
			&m.SourceURL, &m.SourceLabel, &m.StoryURL, &m.StoryLabel, &createdAt); err != nil {
			return nil, fmt.Errorf("chat: scan message: %w", err)
		}
		m.Timestamp = createdAt.UnixMilli()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: recent rows: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// DeleteBefore removes rows created before cutoff.
func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("chat: delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("chat: rows affected: %w", err)
	}
	return int(n), nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
