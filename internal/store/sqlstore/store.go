package sqlstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/pliu/wala/internal/models"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
}

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// :memory: databases are per connection
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{db: db, driverName: driverName}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	// Simplified for brevity, ideally use migrations
	query := `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL DEFAULT '',
		public_key TEXT NOT NULL,
		session_key TEXT NOT NULL,
		online BOOLEAN NOT NULL DEFAULT FALSE,
		registered_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		ciphertext TEXT NOT NULL,
		signature TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY", "BIGINT PRIMARY KEY")
		query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMPTZ")
	}

	_, err := s.db.Exec(query)
	return err
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

func (s *SQLStore) SaveUser(ctx context.Context, u models.User) error {
	query := s.rebind(`
		INSERT INTO users (username, connection_id, public_key, session_key, online, registered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (username) DO UPDATE SET
			connection_id = excluded.connection_id,
			public_key = excluded.public_key,
			session_key = excluded.session_key,
			online = excluded.online
	`)
	_, err := s.db.ExecContext(ctx, query,
		u.Username, u.ConnectionID, u.PublicKey,
		base64.StdEncoding.EncodeToString(u.SessionKey), u.Online, u.RegisteredAt.UTC())
	return err
}

func (s *SQLStore) SetUserOnline(ctx context.Context, username string, online bool) error {
	query := s.rebind("UPDATE users SET online = ? WHERE username = ?")
	result, err := s.db.ExecContext(ctx, query, online, username)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("user %q not found", username)
	}
	return nil
}

func (s *SQLStore) ListUsers(ctx context.Context) ([]models.User, error) {
	query := "SELECT username, connection_id, public_key, session_key, online, registered_at FROM users ORDER BY username"
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var (
			u          models.User
			sessionKey string
		)
		if err := rows.Scan(&u.Username, &u.ConnectionID, &u.PublicKey, &sessionKey, &u.Online, &u.RegisteredAt); err != nil {
			return nil, err
		}
		if u.SessionKey, err = base64.StdEncoding.DecodeString(sessionKey); err != nil {
			return nil, fmt.Errorf("decode session key for %q: %w", u.Username, err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLStore) SaveMessage(ctx context.Context, m models.Message) error {
	query := s.rebind("INSERT INTO messages (id, sender, recipient, ciphertext, signature, created_at) VALUES (?, ?, ?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query, m.ID, m.Sender, m.Recipient, m.Ciphertext, m.Signature, m.Timestamp.UTC())
	return err
}

func (s *SQLStore) ListMessages(ctx context.Context) ([]models.Message, error) {
	query := "SELECT id, sender, recipient, ciphertext, signature, created_at FROM messages ORDER BY id ASC"
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			m  models.Message
			at time.Time
		)
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Ciphertext, &m.Signature, &at); err != nil {
			return nil, err
		}
		m.Timestamp = at
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
