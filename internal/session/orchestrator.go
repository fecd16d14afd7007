package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helmsmanai/helmsman/internal/checkpoint"
	"github.com/helmsmanai/helmsman/internal/domain"
	"github.com/helmsmanai/helmsman/internal/events"
	"github.com/helmsmanai/helmsman/internal/graph"
)

// EngineFactory builds the compiled pipeline engine for one instrument.
// Each session gets its own engine because the node closures carry the
// instrument, but engines for the same session are reused across resumes.
type EngineFactory func(inst domain.Instrument) (*graph.Engine, error)

// Decision is the human response to an interrupted session.
type Decision struct {
	Status    domain.ApprovalStatus     `json:"status"`
	Feedback  string                    `json:"feedback,omitempty"`
	Overrides *domain.ProposalOverrides `json:"overrides,omitempty"`
}

// Orchestrator drives sessions through the pipeline: admission, background
// execution, interrupt handoff and resume.
type Orchestrator struct {
	reg         *Registry
	store       *Store
	ckpts       *checkpoint.Store
	bus         *events.Bus
	factory     EngineFactory
	slotTimeout time.Duration
	log         zerolog.Logger

	mu      sync.Mutex
	engines map[string]*graph.Engine
	cancels map[string]context.CancelFunc
}

// NewOrchestrator wires the orchestrator. store may be nil when durable
// session rows are disabled.
func NewOrchestrator(reg *Registry, store *Store, ckpts *checkpoint.Store, bus *events.Bus,
	factory EngineFactory, slotTimeout time.Duration, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		reg:         reg,
		store:       store,
		ckpts:       ckpts,
		bus:         bus,
		factory:     factory,
		slotTimeout: slotTimeout,
		log:         log.With().Str("component", "session.orchestrator").Logger(),
		engines:     make(map[string]*graph.Engine),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Analyze registers a new session and starts its pipeline in the background.
// It returns once admission succeeds; callers poll Get for progress.
func (o *Orchestrator) Analyze(ctx context.Context, inst domain.Instrument, displayName string) (*domain.Session, error) {
	sessionID := uuid.NewString()
	s, err := o.reg.Register(sessionID, inst, displayName)
	if err != nil {
		return nil, err
	}

	if !o.reg.AcquireSlot(ctx, o.slotTimeout) {
		o.reg.Remove(sessionID)
		return nil, domain.E(domain.KindRateLimit, "", "no analysis slot free within %s", o.slotTimeout)
	}

	engine, err := o.engineFor(sessionID, inst)
	if err != nil {
		o.reg.ReleaseSlot()
		o.reg.Remove(sessionID)
		return nil, err
	}

	runCtx := o.trackRun(sessionID)
	go func() {
		defer o.reg.ReleaseSlot()
		defer o.untrackRun(sessionID)
		res, runErr := engine.Run(runCtx, sessionID, s.ThreadID, domain.NewTradingState())
		o.finish(sessionID, res, runErr)
	}()

	o.log.Info().Str("session_id", sessionID).Str("instrument", inst.String()).Msg("analysis started")
	return s, nil
}

// Decide applies the human decision to an interrupted session and resumes it
// in the background.
func (o *Orchestrator) Decide(ctx context.Context, sessionID string, d Decision) (*domain.Session, error) {
	s, ok := o.reg.Get(sessionID)
	if !ok {
		return nil, domain.E(domain.KindValidation, "", "unknown session %s", sessionID)
	}
	if s.Status != domain.SessionAwaitingApproval {
		return nil, domain.E(domain.KindValidation, "", "session %s is %s, not awaiting approval", sessionID, s.Status)
	}
	switch d.Status {
	case domain.ApprovalApproved, domain.ApprovalRejected, domain.ApprovalModified:
	default:
		return nil, domain.E(domain.KindValidation, "", "invalid approval status %q", d.Status)
	}

	if !o.reg.AcquireSlot(ctx, o.slotTimeout) {
		return nil, domain.E(domain.KindRateLimit, "", "no analysis slot free within %s", o.slotTimeout)
	}

	engine, err := o.engineFor(sessionID, s.Instrument)
	if err != nil {
		o.reg.ReleaseSlot()
		return nil, err
	}

	delta := &domain.StateDelta{ApprovalStatus: d.Status}
	if d.Feedback != "" {
		fb := d.Feedback
		delta.UserFeedback = &fb
	}
	if d.Status == domain.ApprovalModified {
		delta.Overrides = d.Overrides
	}

	if err := o.reg.UpdateStatus(sessionID, domain.SessionRunning, ""); err != nil {
		o.reg.ReleaseSlot()
		return nil, err
	}
	o.bus.Publish(events.SessionResumed, "orchestrator", map[string]interface{}{
		"session_id": sessionID,
		"decision":   string(d.Status),
	})

	runCtx := o.trackRun(sessionID)
	go func() {
		defer o.reg.ReleaseSlot()
		defer o.untrackRun(sessionID)
		res, runErr := engine.Resume(runCtx, sessionID, s.ThreadID, delta)
		o.finish(sessionID, res, runErr)
	}()

	updated, _ := o.reg.Get(sessionID)
	return updated, nil
}

// Cancel stops a running or interrupted session. Cancelling a terminal
// session is an error.
func (o *Orchestrator) Cancel(sessionID string) error {
	s, ok := o.reg.Get(sessionID)
	if !ok {
		return domain.E(domain.KindValidation, "", "unknown session %s", sessionID)
	}
	if s.Status.Terminal() {
		return domain.E(domain.KindValidation, "", "session %s already %s", sessionID, s.Status)
	}

	o.mu.Lock()
	if cancel, has := o.cancels[sessionID]; has {
		cancel()
	}
	o.mu.Unlock()

	if err := o.reg.UpdateStatus(sessionID, domain.SessionCancelled, ""); err != nil {
		return err
	}
	o.bus.Publish(events.SessionCancelled, "orchestrator", map[string]interface{}{
		"session_id": sessionID,
	})
	return nil
}

// State loads the latest checkpointed pipeline state for a session.
func (o *Orchestrator) State(ctx context.Context, sessionID string) (*domain.TradingState, error) {
	s, ok := o.reg.Get(sessionID)
	if !ok {
		return nil, domain.E(domain.KindValidation, "", "unknown session %s", sessionID)
	}
	cp, err := o.ckpts.GetLatest(ctx, sessionID, s.ThreadID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, nil
	}
	return cp.State, nil
}

// Recover re-adopts interrupted sessions from the durable store so their
// approvals can still be applied after a restart. Returns how many were
// adopted.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	if o.store == nil {
		return 0, nil
	}
	sessions, err := o.store.ListInterrupted(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range sessions {
		o.reg.Adopt(s)
	}
	if len(sessions) > 0 {
		o.log.Info().Int("count", len(sessions)).Msg("interrupted sessions recovered")
	}
	return len(sessions), nil
}

// CleanupExpired drops expired terminal sessions and prunes their
// checkpoints so the durable store does not grow without bound. Returns how
// many sessions were removed.
func (o *Orchestrator) CleanupExpired(ctx context.Context) int {
	removed := o.reg.CleanupExpired()
	for _, s := range removed {
		if err := o.ckpts.Prune(ctx, s.ID, s.ThreadID); err != nil {
			o.log.Warn().Err(err).Str("session_id", s.ID).Msg("checkpoint prune failed")
		}
	}
	return len(removed)
}

// finish records the outcome of a background run. A session cancelled while
// running keeps its cancelled status.
func (o *Orchestrator) finish(sessionID string, res *graph.Result, err error) {
	if s, ok := o.reg.Get(sessionID); ok && s.Status == domain.SessionCancelled {
		o.dropEngine(sessionID)
		return
	}

	switch {
	case err != nil:
		o.log.Error().Err(err).Str("session_id", sessionID).Msg("pipeline failed")
		_ = o.reg.UpdateStatus(sessionID, domain.SessionError, err.Error())
		o.bus.Publish(events.SessionFailed, "orchestrator", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		o.dropEngine(sessionID)

	case res.Outcome == graph.OutcomeAwaitingApproval:
		_ = o.reg.UpdateStatus(sessionID, domain.SessionAwaitingApproval, "")
		data := map[string]interface{}{"session_id": sessionID}
		if res.State.TradeProposal != nil {
			data["action"] = string(res.State.TradeProposal.Action)
		}
		o.bus.Publish(events.SessionInterrupted, "orchestrator", data)

	default:
		_ = o.reg.UpdateStatus(sessionID, domain.SessionCompleted, "")
		data := map[string]interface{}{"session_id": sessionID}
		if res.State.ExecutionStatus != "" {
			data["execution_status"] = res.State.ExecutionStatus
		}
		o.bus.Publish(events.SessionCompleted, "orchestrator", data)
		o.dropEngine(sessionID)
	}
}

func (o *Orchestrator) engineFor(sessionID string, inst domain.Instrument) (*graph.Engine, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.engines[sessionID]; ok {
		return e, nil
	}
	e, err := o.factory(inst)
	if err != nil {
		return nil, err
	}
	o.engines[sessionID] = e
	return e, nil
}

func (o *Orchestrator) dropEngine(sessionID string) {
	o.mu.Lock()
	delete(o.engines, sessionID)
	o.mu.Unlock()
}

func (o *Orchestrator) trackRun(sessionID string) context.Context {
	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[sessionID] = cancel
	o.mu.Unlock()
	return runCtx
}

func (o *Orchestrator) untrackRun(sessionID string) {
	o.mu.Lock()
	if cancel, ok := o.cancels[sessionID]; ok {
		cancel()
		delete(o.cancels, sessionID)
	}
	o.mu.Unlock()
}
