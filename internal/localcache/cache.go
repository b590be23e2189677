// Package localcache mirrors balances into an on-device SQLite file so the
// last known total survives process restarts. It is a read fallback for
// display when the durable store is unreachable, never a write-through
// source of truth.
package localcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS balance_cache (
    user_id    TEXT PRIMARY KEY,
    total      INTEGER NOT NULL,
    updated_at TEXT NOT NULL
)`

// Cache is a per-user keyed balance mirror. Entries are purged on session
// release so one user's balance never leaks into the next session's
// fallback path.
type Cache struct {
	db *sql.DB
}

// Open creates or opens the cache file at path.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// Get returns the cached total for userID, reporting whether an entry exists.
func (c *Cache) Get(ctx context.Context, userID string) (int64, bool, error) {
	var total int64
	err := c.db.QueryRowContext(ctx,
		`SELECT total FROM balance_cache WHERE user_id=?`, userID).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return total, true, nil
}

// Put stores the latest total for userID.
func (c *Cache) Put(ctx context.Context, userID string, total int64) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO balance_cache (user_id, total, updated_at) VALUES (?,?,?)
         ON CONFLICT (user_id) DO UPDATE SET total=excluded.total, updated_at=excluded.updated_at`,
		userID, total, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// Purge removes the entry for userID.
func (c *Cache) Purge(ctx context.Context, userID string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM balance_cache WHERE user_id=?`, userID)
	return err
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}
