package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// schemaVersion is stamped into _meta on first open; a database written by a
// newer layout refuses to open rather than corrupt it.
const schemaVersion = "1"

// DB wraps the node's SQLite database. It holds the session snapshot, the
// durable action outbox and a small metadata table.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database in the given directory.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "stagelink.db")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrency between the apply loop and readers.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_snapshot (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			body       TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			payload    TEXT NOT NULL,
			sender     TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create outbox table: %w", err)
	}

	d := &DB{db: db, path: dbPath}
	switch v, err := d.MetaGet("schema_version"); {
	case err != nil:
		db.Close()
		return nil, err
	case v == "":
		if err := d.MetaSet("schema_version", schemaVersion); err != nil {
			db.Close()
			return nil, err
		}
	case v != schemaVersion:
		db.Close()
		return nil, fmt.Errorf("database %s has schema version %s, want %s", dbPath, v, schemaVersion)
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// MetaGet reads a metadata value. Missing keys return "".
func (d *DB) MetaGet(key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var value string
	err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("meta get %q: %w", key, err)
	}
	return value, nil
}

// MetaSet writes a metadata value.
func (d *DB) MetaSet(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("meta set %q: %w", key, err)
	}
	return nil
}
