package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Store is a durable key/value store. Values are opaque byte strings.
// Remove and MultiRemove ignore missing keys; MultiGet omits them.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	MultiGet(ctx context.Context, keys []string) (map[string][]byte, error)
	MultiSet(ctx context.Context, entries map[string][]byte) error
	MultiRemove(ctx context.Context, keys []string) error
	Close() error
}

// SQLiteStore implements Store on a single SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
// Creates parent directories if needed. Enables WAL mode and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return openSQLite(ctx, connStr)
}

// NewMemorySQLiteStore creates a private in-memory SQLite store for testing.
// Each call gets its own named database; the shared cache lets the pool's
// connections see the same data.
func NewMemorySQLiteStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:mem-%s?mode=memory&cache=shared", uuid.NewString())
	return openSQLite(ctx, connStr)
}

func openSQLite(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Allow 2 connections: writes serialize on SQLite's lock anyway
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Get returns the value stored under key, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key, replacing any previous value.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	return s.MultiSet(ctx, map[string][]byte{key: value})
}

// Remove deletes key. Removing a missing key is not an error.
func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// ListKeys returns all keys starting with prefix, sorted.
func (s *SQLiteStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	// substr/length compare characters, so a multi-byte prefix matches exactly.
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, length(?)) = ? ORDER BY key`, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}
	return keys, nil
}

// MultiGet returns the values for the keys that exist.
func (s *SQLiteStore) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan value: %w", err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating values: %w", err)
	}
	return out, nil
}

// MultiSet writes all entries in one transaction.
func (s *SQLiteStore) MultiSet(ctx context.Context, entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}

	// Serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, key := range sortedKeys(entries) {
		value := entries[key]
		if value == nil {
			value = []byte{}
		}
		if _, err := stmt.ExecContext(ctx, key, value); err != nil {
			return fmt.Errorf("failed to upsert %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MultiRemove deletes all keys in one transaction.
func (s *SQLiteStore) MultiRemove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("failed to remove %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
