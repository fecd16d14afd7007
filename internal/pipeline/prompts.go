package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/helmsmanai/helmsman/internal/domain"
	"github.com/helmsmanai/helmsman/internal/llm"
)

const responseContract = `Respond with a single JSON object:
{"signal": "STRONG_BUY|BUY|HOLD|SELL|STRONG_SELL", "confidence": 0.0-1.0,
 "summary": "...", "key_factors": ["..."], "signals": {"metric": value}}`

var analystPrompts = map[domain.AnalystKind]string{
	domain.AnalystTechnical: "You are a technical analyst. Judge the trend, momentum and " +
		"support/resistance structure from the candle history and indicator block. " + responseContract,
	domain.AnalystFundamental: "You are a fundamental analyst. Judge valuation and business " +
		"quality from the instrument context provided. " + responseContract,
	domain.AnalystMarket: "You are a market analyst for the Korean exchange. Judge sector flow, " +
		"index direction and foreign/institutional positioning. " + responseContract,
	domain.AnalystSentiment: "You are a sentiment analyst. Judge crowd positioning and news tone " +
		"for the instrument. " + responseContract,
	domain.AnalystRisk: "You are a risk analyst. Judge downside exposure, volatility and " +
		"liquidity risk. Be conservative. " + responseContract,
}

// analystMessages renders the prompt pair for one analyst stage.
func analystMessages(kind domain.AnalystKind, inst domain.Instrument, state *domain.TradingState) []llm.Message {
	snapshot := map[string]interface{}{
		"instrument": inst.String(),
	}
	if md := state.MarketData; md != nil {
		if md.Ticker != nil {
			snapshot["price"] = md.Ticker.Price
			snapshot["change_pct"] = md.Ticker.ChangePct
		}
		if md.Indicators != nil {
			snapshot["indicators"] = md.Indicators
		}
		if md.Orderbook != nil && len(md.Orderbook.Bids) > 0 && len(md.Orderbook.Asks) > 0 {
			snapshot["best_bid"] = md.Orderbook.Bids[0].Price
			snapshot["best_ask"] = md.Orderbook.Asks[0].Price
		}
		if md.Partial {
			snapshot["data_partial"] = true
		}
	}
	if len(state.Analyses) > 0 {
		prior := make(map[string]string, len(state.Analyses))
		for k, a := range state.Analyses {
			prior[string(k)] = fmt.Sprintf("%s (%.2f): %s", a.Signal, a.Confidence, a.Summary)
		}
		snapshot["prior_analyses"] = prior
	}
	if state.UserFeedback != "" {
		snapshot["reviewer_feedback"] = state.UserFeedback
	}

	payload, _ := json.Marshal(snapshot)
	return []llm.Message{
		{Role: "system", Content: analystPrompts[kind]},
		{Role: "user", Content: string(payload)},
	}
}
