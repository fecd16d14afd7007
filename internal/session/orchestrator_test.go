package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsmanai/helmsman/internal/checkpoint"
	"github.com/helmsmanai/helmsman/internal/domain"
	"github.com/helmsmanai/helmsman/internal/events"
	"github.com/helmsmanai/helmsman/internal/graph"
)

// miniPipeline compiles a three-node stand-in for the real analysis graph:
// start → approval (interrupt) → execute|end. executed counts reaches of the
// execute node; block, when non-nil, parks the start node until cancelled.
func miniPipeline(ckpts *checkpoint.Store, executed *atomic.Int64, block chan struct{}) EngineFactory {
	return func(_ domain.Instrument) (*graph.Engine, error) {
		g := graph.New(domain.StageStart).
			AddNode(&graph.Node{Name: domain.StageStart, Run: func(ctx context.Context, _ *domain.TradingState) (*domain.StateDelta, error) {
				if block != nil {
					select {
					case <-block:
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				}
				return &domain.StateDelta{ReasoningLog: []string{"started"}}, nil
			}}).
			AddNode(&graph.Node{Name: domain.StageApproval, Run: func(context.Context, *domain.TradingState) (*domain.StateDelta, error) {
				return nil, nil
			}}).
			AddNode(&graph.Node{Name: domain.StageExecute, Run: func(context.Context, *domain.TradingState) (*domain.StateDelta, error) {
				executed.Add(1)
				status := "done"
				return &domain.StateDelta{ExecutionStatus: &status}, nil
			}})

		g.AddEdge(domain.StageStart, domain.StageApproval)
		g.AddConditional(domain.StageApproval, func(s *domain.TradingState) domain.Stage {
			if s.ApprovalStatus == domain.ApprovalApproved {
				return domain.StageExecute
			}
			return graph.End
		})
		g.AddEdge(domain.StageExecute, graph.End)

		compiled, err := g.Compile([]string{string(domain.StageApproval)})
		if err != nil {
			return nil, err
		}
		return graph.NewEngine(compiled, ckpts, time.Second, zerolog.Nop()), nil
	}
}

type orchFixture struct {
	orch     *Orchestrator
	reg      *Registry
	store    *Store
	ckpts    *checkpoint.Store
	executed *atomic.Int64
}

func newOrchFixture(t *testing.T, maxConcurrent int, slotTimeout time.Duration, block chan struct{}) *orchFixture {
	t.Helper()
	db := newTestDB(t)
	store := NewStore(db)
	ckpts := checkpoint.NewStore(db, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	reg := NewRegistry(maxConcurrent, time.Hour, bus, store, zerolog.Nop())

	executed := &atomic.Int64{}
	orch := NewOrchestrator(reg, store, ckpts, bus,
		miniPipeline(ckpts, executed, block), slotTimeout, zerolog.Nop())
	return &orchFixture{orch: orch, reg: reg, store: store, ckpts: ckpts, executed: executed}
}

func waitStatus(t *testing.T, reg *Registry, sessionID string, want domain.SessionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := reg.Get(sessionID)
		return ok && s.Status == want
	}, 2*time.Second, 5*time.Millisecond, "session never reached %s", want)
}

func TestAnalyzeRunsToInterrupt(t *testing.T) {
	f := newOrchFixture(t, 2, time.Second, nil)

	s, err := f.orch.Analyze(context.Background(), domain.KrEquity("005930"), "Samsung")
	require.NoError(t, err)
	require.Equal(t, domain.SessionRunning, s.Status)

	waitStatus(t, f.reg, s.ID, domain.SessionAwaitingApproval)
	assert.Equal(t, int64(0), f.executed.Load())

	// Slot is released while the session waits on the human.
	require.Eventually(t, func() bool { return f.reg.ActiveSlots() == 0 }, time.Second, 5*time.Millisecond)

	state, err := f.orch.State(context.Background(), s.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.AwaitingApproval)
}

func TestDecideApproveExecutes(t *testing.T) {
	f := newOrchFixture(t, 2, time.Second, nil)
	ctx := context.Background()

	s, err := f.orch.Analyze(ctx, domain.KrEquity("005930"), "")
	require.NoError(t, err)
	waitStatus(t, f.reg, s.ID, domain.SessionAwaitingApproval)

	resumed, err := f.orch.Decide(ctx, s.ID, Decision{Status: domain.ApprovalApproved})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, resumed.Status)

	waitStatus(t, f.reg, s.ID, domain.SessionCompleted)
	assert.Equal(t, int64(1), f.executed.Load())
}

func TestDecideRejectCompletesWithoutExecution(t *testing.T) {
	f := newOrchFixture(t, 2, time.Second, nil)
	ctx := context.Background()

	s, err := f.orch.Analyze(ctx, domain.KrEquity("005930"), "")
	require.NoError(t, err)
	waitStatus(t, f.reg, s.ID, domain.SessionAwaitingApproval)

	_, err = f.orch.Decide(ctx, s.ID, Decision{Status: domain.ApprovalRejected})
	require.NoError(t, err)

	waitStatus(t, f.reg, s.ID, domain.SessionCompleted)
	assert.Equal(t, int64(0), f.executed.Load())
}

func TestDecideRequiresInterruptedSession(t *testing.T) {
	f := newOrchFixture(t, 2, time.Second, nil)
	ctx := context.Background()

	_, err := f.orch.Decide(ctx, "missing", Decision{Status: domain.ApprovalApproved})
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	s, err := f.orch.Analyze(ctx, domain.KrEquity("005930"), "")
	require.NoError(t, err)
	waitStatus(t, f.reg, s.ID, domain.SessionAwaitingApproval)

	_, err = f.orch.Decide(ctx, s.ID, Decision{Status: "maybe"})
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestAnalyzeRejectedWhenSlotsBusy(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	f := newOrchFixture(t, 1, 30*time.Millisecond, block)
	ctx := context.Background()

	_, err := f.orch.Analyze(ctx, domain.KrEquity("005930"), "")
	require.NoError(t, err)

	_, err = f.orch.Analyze(ctx, domain.KrEquity("000660"), "")
	require.Error(t, err)
	assert.Equal(t, domain.KindRateLimit, domain.KindOf(err))
}

func TestCancelRunningSession(t *testing.T) {
	block := make(chan struct{})
	f := newOrchFixture(t, 1, time.Second, block)
	ctx := context.Background()

	s, err := f.orch.Analyze(ctx, domain.KrEquity("005930"), "")
	require.NoError(t, err)

	require.NoError(t, f.orch.Cancel(s.ID))
	waitStatus(t, f.reg, s.ID, domain.SessionCancelled)

	// The cancelled run must release its slot and keep the cancelled status.
	require.Eventually(t, func() bool { return f.reg.ActiveSlots() == 0 }, time.Second, 5*time.Millisecond)
	got, _ := f.reg.Get(s.ID)
	assert.Equal(t, domain.SessionCancelled, got.Status)

	// Terminal sessions cannot be cancelled again.
	require.Error(t, f.orch.Cancel(s.ID))
}

func TestCleanupExpiredPrunesCheckpoints(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	ckpts := checkpoint.NewStore(db, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	reg := NewRegistry(2, 20*time.Millisecond, bus, store, zerolog.Nop())
	executed := &atomic.Int64{}
	orch := NewOrchestrator(reg, store, ckpts, bus,
		miniPipeline(ckpts, executed, nil), time.Second, zerolog.Nop())
	ctx := context.Background()

	s, err := orch.Analyze(ctx, domain.KrEquity("005930"), "")
	require.NoError(t, err)
	waitStatus(t, reg, s.ID, domain.SessionAwaitingApproval)

	_, err = orch.Decide(ctx, s.ID, Decision{Status: domain.ApprovalApproved})
	require.NoError(t, err)
	waitStatus(t, reg, s.ID, domain.SessionCompleted)

	cp, err := ckpts.GetLatest(ctx, s.ID, s.ThreadID)
	require.NoError(t, err)
	require.NotNil(t, cp, "completed session left checkpoints behind")

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, orch.CleanupExpired(ctx))

	_, ok := reg.Get(s.ID)
	assert.False(t, ok)
	cp, err = ckpts.GetLatest(ctx, s.ID, s.ThreadID)
	require.NoError(t, err)
	assert.Nil(t, cp, "cleanup must prune the session's checkpoint rows")
}

func TestRecoverAdoptsInterruptedSessions(t *testing.T) {
	f := newOrchFixture(t, 2, time.Second, nil)
	ctx := context.Background()

	s, err := f.orch.Analyze(ctx, domain.KrEquity("005930"), "Samsung")
	require.NoError(t, err)
	waitStatus(t, f.reg, s.ID, domain.SessionAwaitingApproval)

	// Simulate a restart: fresh registry and orchestrator over the same DB.
	bus := events.NewBus(zerolog.Nop())
	reg2 := NewRegistry(2, time.Hour, bus, f.store, zerolog.Nop())
	orch2 := NewOrchestrator(reg2, f.store, f.ckpts, bus,
		miniPipeline(f.ckpts, f.executed, nil), time.Second, zerolog.Nop())

	n, err := orch2.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := reg2.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, domain.SessionAwaitingApproval, got.Status)
	assert.Equal(t, s.ThreadID, got.ThreadID, "thread id survives the restart")

	// The recovered session can still be approved.
	_, err = orch2.Decide(ctx, s.ID, Decision{Status: domain.ApprovalApproved})
	require.NoError(t, err)
	waitStatus(t, reg2, s.ID, domain.SessionCompleted)
	assert.Equal(t, int64(1), f.executed.Load())
}
