package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Durable is the device-local persistent store. Reads and writes are
// synchronous; callers treat them as never suspending.
type Durable interface {
	Load(key string) ([]byte, bool, error)
	Store(key string, value []byte) error
	Delete(key string) error
}

// MemoryDurable keeps durable blobs in process memory.
type MemoryDurable struct {
	mu     sync.Mutex
	values map[string][]byte
	writes map[string]int
}

// NewMemoryDurable creates an empty in-memory durable store.
func NewMemoryDurable() *MemoryDurable {
	return &MemoryDurable{values: make(map[string][]byte), writes: make(map[string]int)}
}

func (m *MemoryDurable) Load(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *MemoryDurable) Store(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	m.values[key] = stored
	m.writes[key]++
	return nil
}

func (m *MemoryDurable) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Writes reports how many times key has been stored.
func (m *MemoryDurable) Writes(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[key]
}

// SQLiteDurable stores blobs in a single-table SQLite database on the device.
type SQLiteDurable struct {
	db *sql.DB
}

const durableSchema = `
CREATE TABLE IF NOT EXISTS local_cache (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);`

// OpenSQLite creates or opens the durable cache at path.
//
// The database is configured with WAL mode, NORMAL synchronous mode and a
// busy timeout. Use ":memory:" in tests.
func OpenSQLite(path string) (*SQLiteDurable, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open local cache: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect local cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(durableSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply local cache schema: %w", err)
	}
	return &SQLiteDurable{db: db}, nil
}

func (s *SQLiteDurable) Load(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM local_cache WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteDurable) Store(key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO local_cache (key, value, updated_at) VALUES (?, ?, strftime('%s','now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	if err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteDurable) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM local_cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteDurable) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
