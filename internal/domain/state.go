package domain

import "time"

// Stage names the pipeline node a session is currently at. Stage values are
// also the node names used by the graph engine.
type Stage string

const (
	StageStart          Stage = "start"
	StageDataCollection Stage = "data_collection"
	StageDecision       Stage = "decision"
	StageApproval       Stage = "approval"
	StageReAnalyze      Stage = "re_analyze"
	StageExecute        Stage = "execute"
	StageEnd            Stage = "end"
)

// AnalystKind identifies one analyst stage. The set per market is closed:
// US and crypto pipelines run {technical, fundamental, sentiment, risk},
// the Korean equity pipeline runs {technical, market, sentiment, risk}.
type AnalystKind string

const (
	AnalystTechnical   AnalystKind = "technical"
	AnalystFundamental AnalystKind = "fundamental"
	AnalystMarket      AnalystKind = "market"
	AnalystSentiment   AnalystKind = "sentiment"
	AnalystRisk        AnalystKind = "risk"
)

// Stage returns the node name for this analyst inside the pipeline.
func (k AnalystKind) Stage() Stage { return Stage("analyst_" + string(k)) }

// AnalystsFor returns the ordered analyst stages for a market.
func AnalystsFor(m MarketType) []AnalystKind {
	if m == MarketKR {
		return []AnalystKind{AnalystTechnical, AnalystMarket, AnalystSentiment, AnalystRisk}
	}
	return []AnalystKind{AnalystTechnical, AnalystFundamental, AnalystSentiment, AnalystRisk}
}

// Signal is the closed analyst recommendation vocabulary.
type Signal string

const (
	SignalStrongBuy  Signal = "STRONG_BUY"
	SignalBuy        Signal = "BUY"
	SignalHold       Signal = "HOLD"
	SignalSell       Signal = "SELL"
	SignalStrongSell Signal = "STRONG_SELL"
)

// Valid reports whether the signal belongs to the closed set.
func (s Signal) Valid() bool {
	switch s {
	case SignalStrongBuy, SignalBuy, SignalHold, SignalSell, SignalStrongSell:
		return true
	}
	return false
}

// Score maps a signal onto [-2, 2] for aggregation in the decision node.
func (s Signal) Score() float64 {
	switch s {
	case SignalStrongBuy:
		return 2
	case SignalBuy:
		return 1
	case SignalSell:
		return -1
	case SignalStrongSell:
		return -2
	default:
		return 0
	}
}

// AnalysisResult is one analyst's structured verdict. Signals carries
// per-kind scalar metrics under documented keys (e.g. "rsi", "news_score").
type AnalysisResult struct {
	Signal       Signal             `json:"signal"`
	Confidence   float64            `json:"confidence"` // clamped to [0,1]
	Summary      string             `json:"summary"`
	KeyFactors   []string           `json:"key_factors"` // at most 5 retained
	RawReasoning string             `json:"raw_reasoning,omitempty"`
	Signals      map[string]float64 `json:"signals,omitempty"`
}

// TradeAction is the proposal-level action vocabulary.
type TradeAction string

const (
	ActionBuy  TradeAction = "BUY"
	ActionSell TradeAction = "SELL"
	ActionHold TradeAction = "HOLD"
)

// TradeProposal is the structured trade recommendation the decision node
// produces and the approval barrier pauses on.
type TradeProposal struct {
	ID              string      `json:"id"`
	Instrument      Instrument  `json:"instrument"`
	Action          TradeAction `json:"action"`
	Quantity        float64     `json:"quantity"`
	EntryPrice      *int64      `json:"entry_price,omitempty"`
	StopLoss        *int64      `json:"stop_loss,omitempty"`
	TakeProfit      *int64      `json:"take_profit,omitempty"`
	RiskScore       float64     `json:"risk_score"`
	PositionSizePct float64     `json:"position_size_pct"`
	Rationale       string      `json:"rationale"`
	BullCase        string      `json:"bull_case"`
	BearCase        string      `json:"bear_case"`
	CreatedAt       time.Time   `json:"created_at"`
}

// ApprovalStatus records the human decision on a proposal.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalModified ApprovalStatus = "modified"
)

// ProposalOverrides are the fields a Modified approval may change.
type ProposalOverrides struct {
	Quantity   *float64 `json:"quantity,omitempty"`
	StopLoss   *int64   `json:"stop_loss,omitempty"`
	TakeProfit *int64   `json:"take_profit,omitempty"`
}

// Candle is one OHLCV bar.
type Candle struct {
	Timestamp int64   `json:"timestamp"` // unix seconds
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// OrderbookLevel is a single price level.
type OrderbookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderbookSnapshot is a point-in-time depth snapshot.
type OrderbookSnapshot struct {
	Bids      []OrderbookLevel `json:"bids"`
	Asks      []OrderbookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// Ticker is the current price snapshot.
type Ticker struct {
	Price     float64   `json:"price"`
	ChangePct float64   `json:"change_pct"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// AccountContext is the account state relevant to sizing a position.
type AccountContext struct {
	BuyingPower float64 `json:"buying_power"`
	Currency    string  `json:"currency"`
	Holding     float64 `json:"holding"` // quantity currently held of the instrument
}

// IndicatorSnapshot carries the numeric indicator context computed from
// candles and fed into analyst prompts.
type IndicatorSnapshot struct {
	RSI14      float64 `json:"rsi_14"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	SMA20      float64 `json:"sma_20"`
	SMA60      float64 `json:"sma_60"`
}

// MarketData is the provider snapshot collected at the head of the pipeline.
// Partial is set when some fetches failed; later nodes degrade accordingly.
type MarketData struct {
	Candles    []Candle           `json:"candles,omitempty"`
	Orderbook  *OrderbookSnapshot `json:"orderbook,omitempty"`
	Ticker     *Ticker            `json:"ticker,omitempty"`
	Account    *AccountContext    `json:"account,omitempty"`
	Indicators *IndicatorSnapshot `json:"indicators,omitempty"`
	Partial    bool               `json:"partial,omitempty"`
}

// reasoningLogCap bounds the reasoning log; only the most recent entries
// are retained.
const reasoningLogCap = 200

// TradingState is the durable per-session state the graph engine checkpoints.
type TradingState struct {
	Stage            Stage                          `json:"stage"`
	MarketData       *MarketData                    `json:"market_data,omitempty"`
	Analyses         map[AnalystKind]AnalysisResult `json:"analyses,omitempty"`
	TradeProposal    *TradeProposal                 `json:"trade_proposal,omitempty"`
	ApprovalStatus   ApprovalStatus                 `json:"approval_status,omitempty"`
	UserFeedback     string                         `json:"user_feedback,omitempty"`
	AwaitingApproval bool                           `json:"awaiting_approval"`
	ExecutionStatus  string                         `json:"execution_status,omitempty"`
	ExecutionResult  map[string]interface{}         `json:"execution_result,omitempty"`
	ReasoningLog     []string                       `json:"reasoning_log,omitempty"`
	Errors           map[string]string              `json:"errors,omitempty"`
	RetryCount       int                            `json:"retry_count"`
}

// NewTradingState returns the initial state a session is seeded with.
func NewTradingState() *TradingState {
	return &TradingState{
		Stage:          StageStart,
		Analyses:       make(map[AnalystKind]AnalysisResult),
		ApprovalStatus: ApprovalPending,
		Errors:         make(map[string]string),
	}
}

// StateDelta is a partial state returned by a node (or an approval update).
// Nil fields leave the corresponding state field untouched.
type StateDelta struct {
	MarketData       *MarketData
	Analyses         map[AnalystKind]AnalysisResult
	ClearAnalyses    bool
	TradeProposal    *TradeProposal
	ClearProposal    bool
	ApprovalStatus   ApprovalStatus
	UserFeedback     *string
	AwaitingApproval *bool
	ExecutionStatus  *string
	ExecutionResult  map[string]interface{}
	ReasoningLog     []string
	Errors           map[string]string
	RetryIncrement   int
	Overrides        *ProposalOverrides
}

// Apply merges a delta into the state under the documented merge rule:
// scalar fields overwrite, the reasoning log appends, analyses merge by key.
func (s *TradingState) Apply(d *StateDelta) {
	if d == nil {
		return
	}
	if d.MarketData != nil {
		s.MarketData = d.MarketData
	}
	if d.ClearAnalyses {
		s.Analyses = make(map[AnalystKind]AnalysisResult)
	}
	for k, v := range d.Analyses {
		if s.Analyses == nil {
			s.Analyses = make(map[AnalystKind]AnalysisResult)
		}
		s.Analyses[k] = v
	}
	if d.ClearProposal {
		s.TradeProposal = nil
	}
	if d.TradeProposal != nil {
		s.TradeProposal = d.TradeProposal
	}
	if d.ApprovalStatus != "" {
		s.ApprovalStatus = d.ApprovalStatus
	}
	if d.UserFeedback != nil {
		s.UserFeedback = *d.UserFeedback
	}
	if d.AwaitingApproval != nil {
		s.AwaitingApproval = *d.AwaitingApproval
	}
	if d.ExecutionStatus != nil {
		s.ExecutionStatus = *d.ExecutionStatus
	}
	if d.ExecutionResult != nil {
		s.ExecutionResult = d.ExecutionResult
	}
	if len(d.ReasoningLog) > 0 {
		s.ReasoningLog = append(s.ReasoningLog, d.ReasoningLog...)
		if len(s.ReasoningLog) > reasoningLogCap {
			s.ReasoningLog = s.ReasoningLog[len(s.ReasoningLog)-reasoningLogCap:]
		}
	}
	for k, v := range d.Errors {
		if s.Errors == nil {
			s.Errors = make(map[string]string)
		}
		s.Errors[k] = v
	}
	s.RetryCount += d.RetryIncrement
	if d.Overrides != nil && s.TradeProposal != nil {
		if d.Overrides.Quantity != nil {
			s.TradeProposal.Quantity = *d.Overrides.Quantity
		}
		if d.Overrides.StopLoss != nil {
			s.TradeProposal.StopLoss = d.Overrides.StopLoss
		}
		if d.Overrides.TakeProfit != nil {
			s.TradeProposal.TakeProfit = d.Overrides.TakeProfit
		}
	}
}

// ReasoningTail returns at most the last n reasoning log entries.
func (s *TradingState) ReasoningTail(n int) []string {
	if n <= 0 || len(s.ReasoningLog) <= n {
		return s.ReasoningLog
	}
	return s.ReasoningLog[len(s.ReasoningLog)-n:]
}
