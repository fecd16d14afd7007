// Package session holds the process-wide session registry, its admission
// semaphore, and the orchestrator that drives analysis sessions through the
// graph engine.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helmsmanai/helmsman/internal/domain"
	"github.com/helmsmanai/helmsman/internal/events"
)

// Registry is the single source of truth for sessions. A buffered channel
// acts as the admission semaphore gating pipeline execution.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session

	slots chan struct{}
	ttl   time.Duration
	bus   *events.Bus
	store *Store // optional durable session rows
	log   zerolog.Logger
}

// NewRegistry builds a registry with maxConcurrent pipeline slots and a
// retention TTL for finished sessions.
func NewRegistry(maxConcurrent int, ttl time.Duration, bus *events.Bus, store *Store, log zerolog.Logger) *Registry {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Registry{
		sessions: make(map[string]*domain.Session),
		slots:    make(chan struct{}, maxConcurrent),
		ttl:      ttl,
		bus:      bus,
		store:    store,
		log:      log.With().Str("component", "session.registry").Logger(),
	}
}

// Register creates a Running session. Re-registering an existing id is an
// error.
func (r *Registry) Register(sessionID string, inst domain.Instrument, displayName string) (*domain.Session, error) {
	if err := inst.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sessionID]; exists {
		return nil, domain.E(domain.KindValidation, "", "session %s already registered", sessionID)
	}

	now := time.Now()
	s := &domain.Session{
		ID:          sessionID,
		ThreadID:    sessionID, // one thread per session; resume reuses it
		Instrument:  inst,
		MarketType:  inst.Market,
		DisplayName: displayName,
		Status:      domain.SessionRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.sessions[sessionID] = s
	r.persist(s)

	if r.bus != nil {
		r.bus.Publish(events.SessionRegistered, "session", map[string]interface{}{
			"session_id": sessionID,
			"instrument": inst.String(),
		})
	}
	copied := *s
	return &copied, nil
}

// AcquireSlot awaits an admission permit. A zero timeout succeeds only when
// a slot is free immediately.
func (r *Registry) AcquireSlot(ctx context.Context, timeout time.Duration) bool {
	if timeout == 0 {
		select {
		case r.slots <- struct{}{}:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r.slots <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// ReleaseSlot returns an admission permit. Releasing more than was acquired
// is a programming error and is dropped with a log line.
func (r *Registry) ReleaseSlot() {
	select {
	case <-r.slots:
	default:
		r.log.Error().Msg("slot released without matching acquire")
	}
}

// ActiveSlots reports how many permits are currently held.
func (r *Registry) ActiveSlots() int {
	return len(r.slots)
}

// Adopt inserts a session recovered from the durable store. Unlike Register
// it keeps the stored thread id and publishes no event.
func (r *Registry) Adopt(s *domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *s
	r.sessions[copied.ID] = &copied
}

// UpdateStatus transitions a session and bumps updated_at.
func (r *Registry) UpdateStatus(sessionID string, status domain.SessionStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.E(domain.KindValidation, "", "unknown session %s", sessionID)
	}
	s.Status = status
	s.Error = errMsg
	s.UpdatedAt = time.Now()
	r.persist(s)
	return nil
}

// Get returns a copy of the session, if present.
func (r *Registry) Get(sessionID string) (*domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	copied := *s
	return &copied, true
}

// Remove deletes a session from the registry.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	if r.store != nil {
		r.store.Delete(context.Background(), sessionID)
	}
}

// List returns sessions, optionally filtered by status, newest first,
// capped at limit.
func (r *Registry) List(statusFilter domain.SessionStatus, limit int) []*domain.Session {
	r.mu.RLock()
	out := make([]*domain.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if statusFilter != "" && s.Status != statusFilter {
			continue
		}
		copied := *s
		out = append(out, &copied)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CleanupExpired removes sessions that have sat in a terminal status for
// longer than the retention TTL. Returns copies of the removed sessions so
// callers can prune their durable leftovers.
func (r *Registry) CleanupExpired() []*domain.Session {
	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	var removed []*domain.Session
	for id, s := range r.sessions {
		if s.Status.Terminal() && s.UpdatedAt.Before(cutoff) {
			delete(r.sessions, id)
			copied := *s
			removed = append(removed, &copied)
		}
	}
	r.mu.Unlock()

	for _, s := range removed {
		if r.store != nil {
			r.store.Delete(context.Background(), s.ID)
		}
	}
	if len(removed) > 0 {
		r.log.Info().Int("count", len(removed)).Msg("expired sessions cleaned up")
	}
	return removed
}

// persist mirrors the session into the durable store; registry state stays
// authoritative even when the write fails.
func (r *Registry) persist(s *domain.Session) {
	if r.store == nil {
		return
	}
	if err := r.store.Upsert(context.Background(), s); err != nil {
		r.log.Warn().Err(err).Str("session_id", s.ID).Msg("session row write failed")
	}
}
