// Package pipeline builds the market-specific analysis pipeline that runs
// inside the graph engine: data collection, analyst stages, decision,
// approval barrier and execution.
package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/helmsmanai/helmsman/internal/broker"
	"github.com/helmsmanai/helmsman/internal/domain"
	"github.com/helmsmanai/helmsman/internal/events"
	"github.com/helmsmanai/helmsman/internal/llm"
	"github.com/helmsmanai/helmsman/internal/ticksize"
)

// Venue is the broker surface the pipeline needs. *broker.Gateway
// implements it; tests substitute fakes.
type Venue interface {
	Ticker(ctx context.Context, inst domain.Instrument) (*domain.Ticker, error)
	Orderbook(ctx context.Context, inst domain.Instrument) (*domain.OrderbookSnapshot, error)
	Candles(ctx context.Context, inst domain.Instrument, days int) ([]domain.Candle, error)
	Balance(ctx context.Context) (*domain.AccountContext, error)
	Holding(ctx context.Context, inst domain.Instrument) (float64, error)
	SubmitOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error)
	PollOrder(ctx context.Context, orderID string, deadline time.Duration) (*broker.OrderResult, bool, error)
}

// Chat is the completion surface the analyst nodes call.
type Chat interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

// Config carries the pipeline knobs.
type Config struct {
	LookbackDays     int
	MaxPositionPct   float64
	RejectReanalyzes bool
	MaxReanalyses    int // total analysis rounds allowed per session
	Account          string
	OrderPollTimeout time.Duration
}

// Deps bundles everything the nodes close over. Bus is optional; when set,
// the execute node announces submitted orders on it.
type Deps struct {
	Instrument domain.Instrument
	Venue      Venue
	LLM        Chat
	Ticks      *ticksize.Table
	Bus        *events.Bus
	Cfg        Config
	Log        zerolog.Logger
}
