package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsmanai/helmsman/internal/checkpoint"
	"github.com/helmsmanai/helmsman/internal/database"
	"github.com/helmsmanai/helmsman/internal/domain"
)

func newTestCheckpoints(t *testing.T) *checkpoint.Store {
	t.Helper()
	db, err := database.New(database.Config{
		Path: fmt.Sprintf("file:graph_%s?mode=memory&cache=shared", t.Name()),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return checkpoint.NewStore(db, zerolog.Nop())
}

func logNode(name domain.Stage, entry string) *Node {
	return &Node{
		Name: name,
		Run: func(_ context.Context, _ *domain.TradingState) (*domain.StateDelta, error) {
			return &domain.StateDelta{ReasoningLog: []string{entry}}, nil
		},
	}
}

// approvalGraph is a miniature of the production shape: work → gate → act.
func approvalGraph(t *testing.T) *Compiled {
	t.Helper()
	g := New("work").
		AddNode(logNode("work", "worked")).
		AddNode(&Node{
			Name: "gate",
			Run: func(_ context.Context, _ *domain.TradingState) (*domain.StateDelta, error) {
				return nil, nil // barrier node writes no state
			},
		}).
		AddNode(logNode("act", "acted")).
		AddEdge("work", "gate").
		AddConditional("gate", func(s *domain.TradingState) domain.Stage {
			if s.ApprovalStatus == domain.ApprovalApproved {
				return "act"
			}
			return End
		}).
		AddEdge("act", End)

	compiled, err := g.Compile([]string{"gate"})
	require.NoError(t, err)
	return compiled
}

func TestRunStopsAtInterruptBarrier(t *testing.T) {
	engine := NewEngine(approvalGraph(t), newTestCheckpoints(t), time.Minute, zerolog.Nop())

	res, err := engine.Run(context.Background(), "s1", "t1", domain.NewTradingState())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAwaitingApproval, res.Outcome)
	assert.True(t, res.State.AwaitingApproval)
	assert.Equal(t, domain.Stage("gate"), res.State.Stage)
	assert.Equal(t, []string{"worked"}, res.State.ReasoningLog)
}

func TestResumeAfterApproval(t *testing.T) {
	ckpts := newTestCheckpoints(t)
	engine := NewEngine(approvalGraph(t), ckpts, time.Minute, zerolog.Nop())
	ctx := context.Background()

	_, err := engine.Run(ctx, "s1", "t1", domain.NewTradingState())
	require.NoError(t, err)

	res, err := engine.Resume(ctx, "s1", "t1", &domain.StateDelta{ApprovalStatus: domain.ApprovalApproved})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.False(t, res.State.AwaitingApproval)
	assert.Equal(t, []string{"worked", "acted"}, res.State.ReasoningLog)
}

func TestResumeSurvivesEngineRestart(t *testing.T) {
	ckpts := newTestCheckpoints(t)
	ctx := context.Background()

	first := NewEngine(approvalGraph(t), ckpts, time.Minute, zerolog.Nop())
	_, err := first.Run(ctx, "s1", "t1", domain.NewTradingState())
	require.NoError(t, err)

	// A brand-new engine over the same store resumes from the checkpoint.
	second := NewEngine(approvalGraph(t), ckpts, time.Minute, zerolog.Nop())
	res, err := second.Resume(ctx, "s1", "t1", &domain.StateDelta{ApprovalStatus: domain.ApprovalApproved})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, []string{"worked", "acted"}, res.State.ReasoningLog)
}

func TestResumeIdempotent(t *testing.T) {
	ckpts := newTestCheckpoints(t)
	engine := NewEngine(approvalGraph(t), ckpts, time.Minute, zerolog.Nop())
	ctx := context.Background()

	_, err := engine.Run(ctx, "s1", "t1", domain.NewTradingState())
	require.NoError(t, err)

	once, err := engine.Resume(ctx, "s1", "t1", &domain.StateDelta{ApprovalStatus: domain.ApprovalApproved})
	require.NoError(t, err)

	twice, err := engine.Resume(ctx, "s1", "t1", &domain.StateDelta{ApprovalStatus: domain.ApprovalApproved})
	require.NoError(t, err)
	assert.Equal(t, once.State.ReasoningLog, twice.State.ReasoningLog, "second resume must not re-run nodes")
	assert.Equal(t, once.Outcome, twice.Outcome)
}

func TestRejectionRoutesToEnd(t *testing.T) {
	engine := NewEngine(approvalGraph(t), newTestCheckpoints(t), time.Minute, zerolog.Nop())
	ctx := context.Background()

	_, err := engine.Run(ctx, "s1", "t1", domain.NewTradingState())
	require.NoError(t, err)

	res, err := engine.Resume(ctx, "s1", "t1", &domain.StateDelta{ApprovalStatus: domain.ApprovalRejected})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.NotContains(t, res.State.ReasoningLog, "acted")
}

func TestNodeErrorSurfaces(t *testing.T) {
	g := New("boom").
		AddNode(&Node{
			Name: "boom",
			Run: func(context.Context, *domain.TradingState) (*domain.StateDelta, error) {
				return nil, errors.New("node blew up")
			},
		}).
		AddEdge("boom", End)
	compiled, err := g.Compile(nil)
	require.NoError(t, err)

	engine := NewEngine(compiled, newTestCheckpoints(t), time.Minute, zerolog.Nop())
	_, err = engine.Run(context.Background(), "s1", "t1", domain.NewTradingState())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node blew up")
}

func TestCompileValidation(t *testing.T) {
	t.Run("missing edge", func(t *testing.T) {
		_, err := New("a").AddNode(logNode("a", "x")).Compile(nil)
		assert.Error(t, err)
	})

	t.Run("unknown interrupt barrier", func(t *testing.T) {
		_, err := New("a").AddNode(logNode("a", "x")).AddEdge("a", End).Compile([]string{"ghost"})
		assert.Error(t, err)
	})

	t.Run("edge to unknown node", func(t *testing.T) {
		_, err := New("a").AddNode(logNode("a", "x")).AddEdge("a", "ghost").Compile(nil)
		assert.Error(t, err)
	})
}

func TestParallelNodeMergesDeterministically(t *testing.T) {
	mk := func(kind domain.AnalystKind, sig domain.Signal) NodeFunc {
		return func(context.Context, *domain.TradingState) (*domain.StateDelta, error) {
			return &domain.StateDelta{
				Analyses:     map[domain.AnalystKind]domain.AnalysisResult{kind: {Signal: sig, Confidence: 0.5}},
				ReasoningLog: []string{string(kind)},
			}, nil
		}
	}

	g := New("fan").
		AddNode(&Node{
			Name:     "fan",
			Parallel: true,
			Tasks: map[string]NodeFunc{
				"b_sentiment": mk(domain.AnalystSentiment, domain.SignalHold),
				"a_technical": mk(domain.AnalystTechnical, domain.SignalBuy),
			},
		}).
		AddEdge("fan", End)
	compiled, err := g.Compile(nil)
	require.NoError(t, err)

	engine := NewEngine(compiled, newTestCheckpoints(t), time.Minute, zerolog.Nop())
	res, err := engine.Run(context.Background(), "s1", "t1", domain.NewTradingState())
	require.NoError(t, err)

	assert.Len(t, res.State.Analyses, 2)
	// Task-name order, not completion order.
	assert.Equal(t, []string{"technical", "sentiment"}, res.State.ReasoningLog)
}

func TestParallelTaskTimeout(t *testing.T) {
	g := New("fan").
		AddNode(&Node{
			Name:     "fan",
			Parallel: true,
			Tasks: map[string]NodeFunc{
				"slow": func(ctx context.Context, _ *domain.TradingState) (*domain.StateDelta, error) {
					select {
					case <-time.After(5 * time.Second):
						return nil, nil
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				},
			},
		}).
		AddEdge("fan", End)
	compiled, err := g.Compile(nil)
	require.NoError(t, err)

	engine := NewEngine(compiled, newTestCheckpoints(t), 50*time.Millisecond, zerolog.Nop())
	_, err = engine.Run(context.Background(), "s1", "t1", domain.NewTradingState())
	assert.Error(t, err)
}
