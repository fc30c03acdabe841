package resilience

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a file-backed durable cache tier for single-host
// deployments that want cache survival across restarts without Redis.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS response_cache (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_response_cache_expiry ON response_cache(expires_at);
`

// NewSQLiteStore opens (creating if needed) the cache database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open %s: %w", path, err)
	}
	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Get retrieves the value for a key. Expired rows behave as absent and are
// removed opportunistically.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM response_cache WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, NewError(KindCacheBackend, fmt.Sprintf("sqlite get %q", key), err)
	}
	if s.now().UnixNano() > expiresAt {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM response_cache WHERE key = ?`, key)
		return nil, false, nil
	}
	return value, true, nil
}

// Set stores a value with the given TTL.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAt := s.now().Add(ttl).UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO response_cache (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return NewError(KindCacheBackend, fmt.Sprintf("sqlite set %q", key), err)
	}
	return nil
}

// Delete removes a key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM response_cache WHERE key = ?`, key); err != nil {
		return NewError(KindCacheBackend, fmt.Sprintf("sqlite delete %q", key), err)
	}
	return nil
}

// DeletePrefix removes every key with the given prefix.
func (s *SQLiteStore) DeletePrefix(ctx context.Context, prefix string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM response_cache WHERE key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%",
	); err != nil {
		return NewError(KindCacheBackend, fmt.Sprintf("sqlite prefix delete %q", prefix), err)
	}
	return nil
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
