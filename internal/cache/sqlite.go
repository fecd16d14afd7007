package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/helmsmanai/helmsman/internal/database"
)

// SQLiteTier is the durable L3 backed by the embedded database. Expiry is
// enforced at read time; Sweep deletes expired rows in bulk.
type SQLiteTier struct {
	db *database.DB
}

// NewSQLiteTier builds the durable tier on an open database handle.
func NewSQLiteTier(db *database.DB) *SQLiteTier {
	return &SQLiteTier{db: db}
}

func (s *SQLiteTier) Name() string { return "sqlite" }

func (s *SQLiteTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache read: %w", err)
	}
	if time.Now().UnixMilli() > expiresAt {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
		return nil, false, nil
	}
	return value, true, nil
}

func (s *SQLiteTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl).UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

func (s *SQLiteTier) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

func (s *SQLiteTier) DeletePrefix(ctx context.Context, prefix string) error {
	// ESCAPE guards against % or _ in keys.
	pattern := escapeLike(prefix) + "%"
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE key LIKE ? ESCAPE '\'`, pattern); err != nil {
		return fmt.Errorf("cache delete prefix: %w", err)
	}
	return nil
}

func (s *SQLiteTier) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Sweep removes expired rows. Called periodically by the scheduler.
func (s *SQLiteTier) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at < ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
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
