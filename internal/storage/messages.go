// Package storage keeps a local write-through cache of chat messages in
// SQLite. The external persistence service remains the source of truth for
// history; the cache serves a conversation's log when a history round-trip
// fails.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/pvdmeer/babbel/internal/wire"
)

// DB wraps the SQLite message cache for one client directory.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the cache database in the given directory.
func Open(dir string) (*DB, error) {
	dbPath := filepath.Join(dir, "cache.db")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create client dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	// seq is the local arrival order. Messages are replayed in the order
	// they were observed, never re-sorted by timestamp.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			seq    INTEGER PRIMARY KEY AUTOINCREMENT,
			kind   TEXT NOT NULL,
			target TEXT NOT NULL,
			sender TEXT NOT NULL,
			body   TEXT NOT NULL,
			ts     REAL NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(kind, target, seq);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// SaveMessage appends one observed message for a conversation.
func (d *DB) SaveMessage(key wire.ConversationKey, msg wire.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(
		`INSERT INTO messages (kind, target, sender, body, ts) VALUES (?, ?, ?, ?, ?)`,
		string(key.Kind), key.ID, msg.From, msg.Text, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// History returns the most recent limit messages for a conversation, in
// arrival order. limit <= 0 returns everything.
func (d *DB) History(key wire.ConversationKey, limit int) ([]wire.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := `SELECT sender, body, ts FROM messages WHERE kind = ? AND target = ? ORDER BY seq`
	args := []any{string(key.Kind), key.ID}
	if limit > 0 {
		// Window to the newest rows, then restore arrival order.
		q = `SELECT sender, body, ts FROM (
			SELECT seq, sender, body, ts FROM messages
			WHERE kind = ? AND target = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []wire.Message
	for rows.Next() {
		var m wire.Message
		if err := rows.Scan(&m.From, &m.Text, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}
