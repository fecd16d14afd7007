package domain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyMergeRules(t *testing.T) {
	s := NewTradingState()

	t.Run("scalars overwrite", func(t *testing.T) {
		status := "done"
		s.Apply(&StateDelta{ApprovalStatus: ApprovalApproved, ExecutionStatus: &status})
		assert.Equal(t, ApprovalApproved, s.ApprovalStatus)
		assert.Equal(t, "done", s.ExecutionStatus)
	})

	t.Run("analyses merge by key", func(t *testing.T) {
		s.Apply(&StateDelta{Analyses: map[AnalystKind]AnalysisResult{
			AnalystTechnical: {Signal: SignalBuy, Confidence: 0.7},
		}})
		s.Apply(&StateDelta{Analyses: map[AnalystKind]AnalysisResult{
			AnalystRisk: {Signal: SignalHold, Confidence: 0.4},
		}})
		require.Len(t, s.Analyses, 2)

		// Re-delivery of the same key replaces, not duplicates.
		s.Apply(&StateDelta{Analyses: map[AnalystKind]AnalysisResult{
			AnalystTechnical: {Signal: SignalSell, Confidence: 0.9},
		}})
		require.Len(t, s.Analyses, 2)
		assert.Equal(t, SignalSell, s.Analyses[AnalystTechnical].Signal)
	})

	t.Run("log appends", func(t *testing.T) {
		before := len(s.ReasoningLog)
		s.Apply(&StateDelta{ReasoningLog: []string{"a", "b"}})
		assert.Len(t, s.ReasoningLog, before+2)
	})

	t.Run("nil delta is a no-op", func(t *testing.T) {
		snapshot := *s
		s.Apply(nil)
		assert.Equal(t, snapshot.ApprovalStatus, s.ApprovalStatus)
		assert.Equal(t, len(snapshot.ReasoningLog), len(s.ReasoningLog))
	})
}

func TestApplyReasoningLogCapped(t *testing.T) {
	s := NewTradingState()
	for i := 0; i < reasoningLogCap+50; i++ {
		s.Apply(&StateDelta{ReasoningLog: []string{fmt.Sprintf("entry %d", i)}})
	}
	require.Len(t, s.ReasoningLog, reasoningLogCap)
	assert.Equal(t, fmt.Sprintf("entry %d", reasoningLogCap+49), s.ReasoningLog[len(s.ReasoningLog)-1])
}

func TestApplyClearAndRetry(t *testing.T) {
	s := NewTradingState()
	s.Apply(&StateDelta{
		Analyses:      map[AnalystKind]AnalysisResult{AnalystRisk: {Signal: SignalHold}},
		TradeProposal: &TradeProposal{Action: ActionBuy},
	})

	s.Apply(&StateDelta{ClearAnalyses: true, ClearProposal: true, RetryIncrement: 1})
	assert.Empty(t, s.Analyses)
	assert.Nil(t, s.TradeProposal)
	assert.Equal(t, 1, s.RetryCount)
}

func TestApplyOverrides(t *testing.T) {
	entry := int64(72_000)
	s := NewTradingState()
	s.Apply(&StateDelta{TradeProposal: &TradeProposal{
		Action: ActionBuy, Quantity: 10, EntryPrice: &entry,
	}})

	qty := 5.0
	stop := int64(68_000)
	s.Apply(&StateDelta{Overrides: &ProposalOverrides{Quantity: &qty, StopLoss: &stop}})
	assert.Equal(t, 5.0, s.TradeProposal.Quantity)
	require.NotNil(t, s.TradeProposal.StopLoss)
	assert.Equal(t, int64(68_000), *s.TradeProposal.StopLoss)
	assert.Equal(t, int64(72_000), *s.TradeProposal.EntryPrice, "untouched fields survive")
}

func TestSignalScores(t *testing.T) {
	assert.Equal(t, 2.0, SignalStrongBuy.Score())
	assert.Equal(t, 1.0, SignalBuy.Score())
	assert.Equal(t, 0.0, SignalHold.Score())
	assert.Equal(t, -1.0, SignalSell.Score())
	assert.Equal(t, -2.0, SignalStrongSell.Score())

	assert.True(t, SignalStrongBuy.Valid())
	assert.False(t, Signal("MAYBE").Valid())
}

func TestAnalystsForMarket(t *testing.T) {
	kr := AnalystsFor(MarketKR)
	assert.Contains(t, kr, AnalystMarket)
	assert.NotContains(t, kr, AnalystFundamental)

	us := AnalystsFor(MarketUS)
	assert.Contains(t, us, AnalystFundamental)
	assert.NotContains(t, us, AnalystMarket)

	assert.Len(t, AnalystsFor(MarketCrypto), 4)
}

func TestInstrumentValidate(t *testing.T) {
	assert.NoError(t, KrEquity("005930").Validate())
	assert.Error(t, KrEquity("93").Validate())
	assert.Error(t, KrEquity("00593A").Validate())

	assert.NoError(t, Crypto("KRW-BTC").Validate())
	assert.Error(t, Crypto("BTC").Validate())

	assert.NoError(t, Equity("AAPL").Validate())
	assert.Error(t, Instrument{Market: "mars", Code: "X"}.Validate())
}

func TestSessionStatusTerminal(t *testing.T) {
	assert.True(t, SessionCompleted.Terminal())
	assert.True(t, SessionCancelled.Terminal())
	assert.True(t, SessionError.Terminal())
	assert.False(t, SessionRunning.Terminal())
	assert.False(t, SessionAwaitingApproval.Terminal())
}
