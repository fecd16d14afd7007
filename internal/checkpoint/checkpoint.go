// Package checkpoint persists graph-engine state snapshots so interrupted
// sessions survive restarts. Snapshots are keyed by (session_id, thread_id);
// only the latest is required for resume.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helmsmanai/helmsman/internal/database"
	"github.com/helmsmanai/helmsman/internal/domain"
)

// Metadata describes where a checkpoint came from.
type Metadata struct {
	Source string            `json:"source"` // "loop", "interrupt", "resume"
	Step   int               `json:"step"`
	Writes map[string]string `json:"writes,omitempty"`
}

// Checkpoint is one durable snapshot of session state.
type Checkpoint struct {
	Version   int                  `json:"version"`
	ID        string               `json:"id"`
	ParentID  string               `json:"parent_id,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
	State     *domain.TradingState `json:"state"`
	Metadata  Metadata             `json:"metadata"`
}

// PendingWrite is an intermediate write attached to a checkpoint.
type PendingWrite struct {
	Channel string `json:"channel"`
	Payload []byte `json:"payload"`
}

// NewCheckpoint snapshots a state with a fresh id chained to its parent.
func NewCheckpoint(state *domain.TradingState, parentID string, meta Metadata) *Checkpoint {
	return &Checkpoint{
		Version:   1,
		ID:        uuid.NewString(),
		ParentID:  parentID,
		Timestamp: time.Now().UTC(),
		State:     state,
		Metadata:  meta,
	}
}

// Store is the SQLite-backed checkpoint store.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore builds a store on an open database handle.
func NewStore(db *database.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "checkpoint").Logger(),
	}
}

// Put durably stores a checkpoint as the new latest for its key. The row
// insert is a single transaction so readers never observe a partial write.
func (s *Store) Put(ctx context.Context, sessionID, threadID string, cp *Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	return database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints (session_id, thread_id, checkpoint_id, parent_id, payload, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, threadID, cp.ID, cp.ParentID, payload, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		return nil
	})
}

// GetLatest returns the most recent checkpoint for a key, or (nil, nil) when
// none exists. A corrupt stored payload is treated as a miss.
func (s *Store) GetLatest(ctx context.Context, sessionID, threadID string) (*Checkpoint, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM checkpoints
		 WHERE session_id = ? AND thread_id = ?
		 ORDER BY id DESC LIMIT 1`,
		sessionID, threadID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		s.log.Warn().Err(err).
			Str("session_id", sessionID).
			Str("thread_id", threadID).
			Msg("corrupt checkpoint payload, treating as miss")
		return nil, nil
	}
	return &cp, nil
}

// List returns up to limit checkpoints for a key, newest first. Corrupt rows
// are skipped.
func (s *Store) List(ctx context.Context, sessionID, threadID string, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM checkpoints
		 WHERE session_id = ? AND thread_id = ?
		 ORDER BY id DESC LIMIT ?`,
		sessionID, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		var cp Checkpoint
		if err := json.Unmarshal(payload, &cp); err != nil {
			s.log.Warn().Err(err).Msg("skipping corrupt checkpoint row")
			continue
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}

// PutWrites attaches pending intermediate writes to the current checkpoint.
func (s *Store) PutWrites(ctx context.Context, sessionID, threadID, checkpointID string, writes []PendingWrite) error {
	return database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		for _, w := range writes {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO pending_writes (session_id, thread_id, checkpoint_id, channel, payload, created_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				sessionID, threadID, checkpointID, w.Channel, w.Payload, now)
			if err != nil {
				return fmt.Errorf("insert pending write: %w", err)
			}
		}
		return nil
	})
}

// Prune removes all checkpoints and pending writes for a key. The
// orchestrator calls it when an expired session is cleaned up.
func (s *Store) Prune(ctx context.Context, sessionID, threadID string) error {
	return database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM checkpoints WHERE session_id = ? AND thread_id = ?`,
			sessionID, threadID); err != nil {
			return fmt.Errorf("prune checkpoints: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pending_writes WHERE session_id = ? AND thread_id = ?`,
			sessionID, threadID); err != nil {
			return fmt.Errorf("prune pending writes: %w", err)
		}
		return nil
	})
}
