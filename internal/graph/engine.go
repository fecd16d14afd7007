package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/helmsmanai/helmsman/internal/checkpoint"
	"github.com/helmsmanai/helmsman/internal/domain"
)

// maxSteps guards against a miswired graph cycling forever.
const maxSteps = 100

// Outcome is how a drive through the pipeline ended.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeAwaitingApproval Outcome = "awaiting_approval"
)

// Result is the state of a session after Run or Resume returns.
type Result struct {
	Outcome Outcome
	State   *domain.TradingState
}

// Engine drives compiled pipelines step by step, checkpointing after every
// merge so a crash resumes from the last completed node.
type Engine struct {
	pipeline *Compiled
	ckpts    *checkpoint.Store
	timeout  time.Duration // per parallel fan-out
	log      zerolog.Logger
}

// NewEngine builds an engine for one compiled pipeline.
func NewEngine(pipeline *Compiled, ckpts *checkpoint.Store, fanoutTimeout time.Duration, log zerolog.Logger) *Engine {
	return &Engine{
		pipeline: pipeline,
		ckpts:    ckpts,
		timeout:  fanoutTimeout,
		log:      log.With().Str("component", "graph").Logger(),
	}
}

// Run drives a fresh session from the entry node until the pipeline
// completes or hits an interrupt barrier.
func (e *Engine) Run(ctx context.Context, sessionID, threadID string, state *domain.TradingState) (*Result, error) {
	state.Stage = e.pipeline.entry
	return e.drive(ctx, sessionID, threadID, state, "", 0)
}

// Resume loads the latest checkpoint, applies the update payload, clears
// the interrupt flag and continues at the interrupted node. Resuming a
// session that is not interrupted returns its state unchanged, which makes
// applying the same approval twice a no-op.
func (e *Engine) Resume(ctx context.Context, sessionID, threadID string, update *domain.StateDelta) (*Result, error) {
	cp, err := e.ckpts.GetLatest(ctx, sessionID, threadID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, domain.E(domain.KindValidation, "", "no checkpoint for session %s", sessionID)
	}

	state := cp.State
	if !state.AwaitingApproval {
		e.log.Info().Str("session_id", sessionID).Msg("resume on non-interrupted session, returning current state")
		outcome := OutcomeCompleted
		return &Result{Outcome: outcome, State: state}, nil
	}

	state.Apply(update)
	state.AwaitingApproval = false

	resumeCp := checkpoint.NewCheckpoint(state, cp.ID, checkpoint.Metadata{
		Source: "resume",
		Step:   cp.Metadata.Step,
	})
	if err := e.ckpts.Put(ctx, sessionID, threadID, resumeCp); err != nil {
		return nil, fmt.Errorf("checkpoint resume state: %w", err)
	}

	return e.drive(ctx, sessionID, threadID, state, resumeCp.ID, cp.Metadata.Step)
}

// drive is the engine loop: run node, merge, checkpoint, route.
func (e *Engine) drive(ctx context.Context, sessionID, threadID string, state *domain.TradingState, parentID string, step int) (*Result, error) {
	current := state.Stage

	for i := 0; i < maxSteps; i++ {
		node, ok := e.pipeline.nodes[current]
		if !ok {
			return nil, domain.E(domain.KindInternal, "", "no node registered for stage %q", current)
		}

		e.log.Debug().
			Str("session_id", sessionID).
			Str("stage", string(current)).
			Int("step", step).
			Msg("running node")

		delta, err := e.runNode(ctx, node, state)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", current, err)
		}
		state.Apply(delta)
		step++

		next, err := e.pipeline.next(current, state)
		if err != nil {
			return nil, err
		}

		if next != End && e.pipeline.interruptBefore[next] {
			state.Stage = next
			state.AwaitingApproval = true
			cp := checkpoint.NewCheckpoint(state, parentID, checkpoint.Metadata{Source: "interrupt", Step: step})
			if err := e.ckpts.Put(ctx, sessionID, threadID, cp); err != nil {
				return nil, fmt.Errorf("checkpoint at interrupt: %w", err)
			}
			return &Result{Outcome: OutcomeAwaitingApproval, State: state}, nil
		}

		state.Stage = next
		cp := checkpoint.NewCheckpoint(state, parentID, checkpoint.Metadata{Source: "loop", Step: step})
		if err := e.ckpts.Put(ctx, sessionID, threadID, cp); err != nil {
			return nil, fmt.Errorf("checkpoint after %s: %w", current, err)
		}
		parentID = cp.ID

		if next == End {
			return &Result{Outcome: OutcomeCompleted, State: state}, nil
		}
		current = next
	}
	return nil, domain.E(domain.KindInternal, "", "pipeline exceeded %d steps, aborting", maxSteps)
}

func (e *Engine) runNode(ctx context.Context, node *Node, state *domain.TradingState) (*domain.StateDelta, error) {
	if node.Parallel {
		return RunParallel(ctx, e.timeout, state, node.Tasks)
	}
	return node.Run(ctx, state)
}
