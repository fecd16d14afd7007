package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/helmsmanai/helmsman/internal/database"
	"github.com/helmsmanai/helmsman/internal/domain"
)

// Store mirrors registry sessions into the embedded database so long-running
// sessions are listable after a restart.
type Store struct {
	db *database.DB
}

// NewStore builds a store on an open database handle.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Upsert writes or replaces one session row.
func (s *Store) Upsert(ctx context.Context, sess *domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, thread_id, market, code, display_name, status, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   status = excluded.status, error = excluded.error, updated_at = excluded.updated_at`,
		sess.ID, sess.ThreadID, string(sess.Instrument.Market), sess.Instrument.Code,
		sess.DisplayName, string(sess.Status), sess.Error,
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// Get reads one session row.
func (s *Store) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, thread_id, market, code, display_name, status, error, created_at, updated_at
		 FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// ListInterrupted returns sessions persisted in awaiting_approval, used to
// rehydrate the registry after a restart.
func (s *Store) ListInterrupted(ctx context.Context) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, thread_id, market, code, display_name, status, error, created_at, updated_at
		 FROM sessions WHERE status = ? ORDER BY updated_at DESC`,
		string(domain.SessionAwaitingApproval))
	if err != nil {
		return nil, fmt.Errorf("list interrupted sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Delete removes one session row.
func (s *Store) Delete(ctx context.Context, sessionID string) {
	_, _ = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var market, code string
	var createdAt, updatedAt int64
	err := row.Scan(&sess.ID, &sess.ThreadID, &market, &code,
		&sess.DisplayName, &sess.Status, &sess.Error, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sess.Instrument = domain.Instrument{Market: domain.MarketType(market), Code: code}
	sess.MarketType = sess.Instrument.Market
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	return &sess, nil
}
