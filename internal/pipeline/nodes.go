package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/helmsmanai/helmsman/internal/broker"
	"github.com/helmsmanai/helmsman/internal/domain"
	"github.com/helmsmanai/helmsman/internal/events"
	"github.com/helmsmanai/helmsman/internal/graph"
	"github.com/helmsmanai/helmsman/internal/llm"
	"github.com/helmsmanai/helmsman/internal/ticksize"
)

// startNode seeds the reasoning log; the heavy lifting starts at data
// collection.
func startNode(d Deps) graph.NodeFunc {
	return func(_ context.Context, _ *domain.TradingState) (*domain.StateDelta, error) {
		return &domain.StateDelta{
			ReasoningLog: []string{fmt.Sprintf("session started for %s", d.Instrument)},
		}, nil
	}
}

// dataCollectionNode populates market data from the venue. Individual fetch
// failures degrade to partial data; only a total blackout fails the node.
func dataCollectionNode(d Deps) graph.NodeFunc {
	return func(ctx context.Context, state *domain.TradingState) (*domain.StateDelta, error) {
		md := &domain.MarketData{}
		errs := make(map[string]string)

		if candles, err := d.Venue.Candles(ctx, d.Instrument, d.Cfg.LookbackDays); err != nil {
			errs["candles"] = err.Error()
		} else {
			md.Candles = candles
			md.Indicators = computeIndicators(candles)
		}
		if tick, err := d.Venue.Ticker(ctx, d.Instrument); err != nil {
			errs["ticker"] = err.Error()
		} else {
			md.Ticker = tick
		}
		if ob, err := d.Venue.Orderbook(ctx, d.Instrument); err != nil {
			errs["orderbook"] = err.Error()
		} else {
			md.Orderbook = ob
		}
		if acct, err := d.Venue.Balance(ctx); err != nil {
			errs["account"] = err.Error()
		} else {
			holding, herr := d.Venue.Holding(ctx, d.Instrument)
			if herr != nil {
				errs["holding"] = herr.Error()
			} else {
				acct.Holding = holding
			}
			md.Account = acct
		}

		if md.Ticker == nil && len(md.Candles) == 0 {
			return nil, domain.E(domain.KindNetwork, "", "no market data available for %s", d.Instrument)
		}
		md.Partial = len(errs) > 0

		log := []string{fmt.Sprintf("market data collected (%d candles, partial=%v)", len(md.Candles), md.Partial)}
		return &domain.StateDelta{MarketData: md, ReasoningLog: log, Errors: errs}, nil
	}
}

// analystNode runs one LLM analyst stage. An LLM failure degrades to a
// neutral HOLD verdict and records the error instead of failing the session.
func analystNode(d Deps, kind domain.AnalystKind) graph.NodeFunc {
	return func(ctx context.Context, state *domain.TradingState) (*domain.StateDelta, error) {
		raw, err := d.LLM.Chat(ctx, analystMessages(kind, d.Instrument, state))
		if err != nil {
			d.Log.Warn().Err(err).Str("analyst", string(kind)).Msg("analyst degraded to neutral verdict")
			return neutralVerdict(kind, err), nil
		}

		var parsed struct {
			Signal     string             `json:"signal"`
			Confidence float64            `json:"confidence"`
			Summary    string             `json:"summary"`
			KeyFactors []string           `json:"key_factors"`
			Signals    map[string]float64 `json:"signals"`
		}
		if err := llm.ParseInto(raw, &parsed); err != nil {
			d.Log.Warn().Err(err).Str("analyst", string(kind)).Msg("unparseable analyst response")
			return neutralVerdict(kind, err), nil
		}

		signal := domain.Signal(strings.ToUpper(strings.TrimSpace(parsed.Signal)))
		if !signal.Valid() {
			signal = domain.SignalHold
		}
		confidence := math.Min(1, math.Max(0, parsed.Confidence))
		factors := parsed.KeyFactors
		if len(factors) > 5 {
			factors = factors[:5]
		}

		result := domain.AnalysisResult{
			Signal:       signal,
			Confidence:   confidence,
			Summary:      parsed.Summary,
			KeyFactors:   factors,
			RawReasoning: raw,
			Signals:      parsed.Signals,
		}
		return &domain.StateDelta{
			Analyses:     map[domain.AnalystKind]domain.AnalysisResult{kind: result},
			ReasoningLog: []string{fmt.Sprintf("%s: %s (%.2f) %s", kind, signal, confidence, parsed.Summary)},
		}, nil
	}
}

func neutralVerdict(kind domain.AnalystKind, err error) *domain.StateDelta {
	return &domain.StateDelta{
		Analyses: map[domain.AnalystKind]domain.AnalysisResult{
			kind: {Signal: domain.SignalHold, Confidence: 0, KeyFactors: []string{}},
		},
		Errors:       map[string]string{string(kind): err.Error()},
		ReasoningLog: []string{fmt.Sprintf("%s: degraded to HOLD (%v)", kind, err)},
	}
}

// decisionNode synthesizes the analyst verdicts into a trade proposal,
// enforcing the position-size cap and tick-grid validity.
func decisionNode(d Deps) graph.NodeFunc {
	return func(ctx context.Context, state *domain.TradingState) (*domain.StateDelta, error) {
		if len(state.Analyses) == 0 {
			return nil, domain.E(domain.KindInternal, "", "decision reached with no analyses")
		}

		action, score := aggregateSignals(state.Analyses)
		proposal := &domain.TradeProposal{
			ID:         uuid.NewString(),
			Instrument: d.Instrument,
			Action:     action,
			RiskScore:  riskScore(marketCandles(state)),
			CreatedAt:  time.Now().UTC(),
		}
		proposal.BullCase, proposal.BearCase = caseSummaries(state.Analyses)
		proposal.Rationale = fmt.Sprintf("weighted analyst score %.2f across %d analysts", score, len(state.Analyses))

		if action != domain.ActionHold {
			if err := sizeProposal(d, state, proposal); err != nil {
				return nil, err
			}
		}

		return &domain.StateDelta{
			TradeProposal: proposal,
			ReasoningLog: []string{fmt.Sprintf("decision: %s %s (score %.2f, risk %.2f)",
				action, d.Instrument, score, proposal.RiskScore)},
		}, nil
	}
}

// aggregateSignals reduces the analyst verdicts to an action by
// confidence-weighted vote.
func aggregateSignals(analyses map[domain.AnalystKind]domain.AnalysisResult) (domain.TradeAction, float64) {
	var weighted, totalWeight float64
	for _, a := range analyses {
		weighted += a.Signal.Score() * a.Confidence
		totalWeight += a.Confidence
	}
	if totalWeight == 0 {
		return domain.ActionHold, 0
	}
	score := weighted / totalWeight
	switch {
	case score >= 0.5:
		return domain.ActionBuy, score
	case score <= -0.5:
		return domain.ActionSell, score
	default:
		return domain.ActionHold, score
	}
}

// caseSummaries assembles the bull and bear cases from analyst summaries,
// in a stable analyst order.
func caseSummaries(analyses map[domain.AnalystKind]domain.AnalysisResult) (bull, bear string) {
	kinds := make([]string, 0, len(analyses))
	for k := range analyses {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	var bulls, bears []string
	for _, k := range kinds {
		a := analyses[domain.AnalystKind(k)]
		line := fmt.Sprintf("%s: %s", k, a.Summary)
		switch a.Signal {
		case domain.SignalBuy, domain.SignalStrongBuy:
			bulls = append(bulls, line)
		case domain.SignalSell, domain.SignalStrongSell:
			bears = append(bears, line)
		}
	}
	return strings.Join(bulls, "; "), strings.Join(bears, "; ")
}

// sizeProposal fills quantity and price fields under the buying-power and
// position-size constraints.
func sizeProposal(d Deps, state *domain.TradingState, p *domain.TradeProposal) error {
	md := state.MarketData
	if md == nil || md.Ticker == nil || md.Ticker.Price <= 0 {
		return domain.E(domain.KindValidation, "", "cannot size proposal without a current price")
	}

	price := md.Ticker.Price
	entry, err := d.Ticks.Round(int64(math.Round(price)), ticksize.RoundNearest)
	if err != nil {
		return err
	}
	p.EntryPrice = &entry

	if p.Action == domain.ActionSell {
		if md.Account == nil || md.Account.Holding <= 0 {
			p.Action = domain.ActionHold
			return nil
		}
		p.Quantity = md.Account.Holding
		p.PositionSizePct = 0
		return nil
	}

	if md.Account == nil || md.Account.BuyingPower <= 0 {
		p.Action = domain.ActionHold
		return nil
	}
	budget := md.Account.BuyingPower * d.Cfg.MaxPositionPct
	qty := math.Floor(budget / price)
	if d.Instrument.Market == domain.MarketCrypto {
		qty = budget / price // fractional quantities allowed
	}
	if qty <= 0 {
		p.Action = domain.ActionHold
		return nil
	}
	p.Quantity = qty
	p.PositionSizePct = d.Cfg.MaxPositionPct

	stop, err := d.Ticks.Slippage(entry, 0.05, ticksize.Sell)
	if err == nil {
		p.StopLoss = &stop
	}
	take, err := d.Ticks.Slippage(entry, 0.10, ticksize.Buy)
	if err == nil {
		p.TakeProfit = &take
	}
	return nil
}

func marketCandles(state *domain.TradingState) []domain.Candle {
	if state.MarketData == nil {
		return nil
	}
	return state.MarketData.Candles
}

// approvalNode is the interrupt barrier. It writes no state; the engine
// pauses before it and the branch after it routes on the human decision.
func approvalNode() graph.NodeFunc {
	return func(_ context.Context, _ *domain.TradingState) (*domain.StateDelta, error) {
		return nil, nil
	}
}

// approvalBranch routes the human decision: Approved and Modified execute
// (Modified after its overrides were applied during resume), Rejected
// re-analyzes until the retry cap, anything else ends.
func approvalBranch(d Deps) graph.Branch {
	return func(state *domain.TradingState) domain.Stage {
		switch state.ApprovalStatus {
		case domain.ApprovalApproved, domain.ApprovalModified:
			if state.TradeProposal == nil || state.TradeProposal.Action == domain.ActionHold {
				return graph.End
			}
			return domain.StageExecute
		case domain.ApprovalRejected:
			if d.Cfg.RejectReanalyzes && state.RetryCount+1 < d.Cfg.MaxReanalyses {
				return domain.StageReAnalyze
			}
			return graph.End
		default:
			return graph.End
		}
	}
}

// reAnalyzeNode clears the previous round's verdicts and routes back to
// data collection with an incremented retry counter. The reasoning log is
// preserved so the next round sees the history.
func reAnalyzeNode() graph.NodeFunc {
	return func(_ context.Context, state *domain.TradingState) (*domain.StateDelta, error) {
		return &domain.StateDelta{
			ClearAnalyses:  true,
			ClearProposal:  true,
			RetryIncrement: 1,
			ApprovalStatus: domain.ApprovalPending,
			ReasoningLog:   []string{fmt.Sprintf("re-analysis %d requested: %s", state.RetryCount+1, state.UserFeedback)},
		}, nil
	}
}

// executeNode turns the approved proposal into an order, submits it and
// polls until terminal or timeout.
func executeNode(d Deps) graph.NodeFunc {
	return func(ctx context.Context, state *domain.TradingState) (*domain.StateDelta, error) {
		p := state.TradeProposal
		if p == nil {
			return nil, domain.E(domain.KindInternal, "", "execute reached without a proposal")
		}

		side := broker.SideBuy
		if p.Action == domain.ActionSell {
			side = broker.SideSell
		}
		req := broker.OrderRequest{
			Instrument: p.Instrument,
			Side:       side,
			Type:       broker.TypeMarket,
			Quantity:   p.Quantity,
			Account:    d.Cfg.Account,
		}
		if p.EntryPrice != nil {
			req.Type = broker.TypeLimit
			req.Price = *p.EntryPrice
		}

		res, err := d.Venue.SubmitOrder(ctx, req)
		if err != nil {
			status := "failed"
			return &domain.StateDelta{
				ExecutionStatus: &status,
				Errors:          map[string]string{"execute": err.Error()},
				ReasoningLog:    []string{fmt.Sprintf("order submission failed: %v", err)},
			}, nil
		}

		status := "done"
		result := map[string]interface{}{
			"order_id": res.OrderID,
			"status":   string(res.Status),
		}
		logLine := fmt.Sprintf("order %s submitted (%s %v @ %v)", res.OrderID, side, p.Quantity, req.Price)
		if d.Bus != nil {
			d.Bus.Publish(events.OrderSubmitted, "pipeline", map[string]interface{}{
				"order_id":   res.OrderID,
				"instrument": p.Instrument.String(),
				"side":       string(side),
				"quantity":   p.Quantity,
			})
		}

		if !res.Status.Terminal() {
			final, done, pollErr := d.Venue.PollOrder(ctx, res.OrderID, d.Cfg.OrderPollTimeout)
			switch {
			case pollErr != nil:
				status = "unknown"
				result["poll_error"] = pollErr.Error()
			case !done:
				status = "timeout"
				if final != nil {
					result["status"] = string(final.Status)
				}
			default:
				result["status"] = string(final.Status)
				result["filled_qty"] = final.FilledQty
				result["avg_price"] = final.AvgPrice
				if final.Status != broker.OrderFilled {
					status = string(final.Status)
				}
			}
		} else {
			result["filled_qty"] = res.FilledQty
			result["avg_price"] = res.AvgPrice
		}

		return &domain.StateDelta{
			ExecutionStatus: &status,
			ExecutionResult: result,
			ReasoningLog:    []string{logLine, fmt.Sprintf("execution finished: %s", status)},
		}, nil
	}
}
