package pipeline

import (
	"math"

	talib "github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/helmsmanai/helmsman/internal/domain"
)

// minIndicatorBars is the shortest candle history the indicator block
// accepts; SMA60 needs 60 closes.
const minIndicatorBars = 60

// computeIndicators derives the indicator snapshot fed into analyst prompts.
// Returns nil when the history is too short.
func computeIndicators(candles []domain.Candle) *domain.IndicatorSnapshot {
	if len(candles) < minIndicatorBars {
		return nil
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	rsi := talib.Rsi(closes, 14)
	macd, signal, _ := talib.Macd(closes, 12, 26, 9)
	sma20 := talib.Sma(closes, 20)
	sma60 := talib.Sma(closes, 60)

	last := len(closes) - 1
	return &domain.IndicatorSnapshot{
		RSI14:      rsi[last],
		MACD:       macd[last],
		MACDSignal: signal[last],
		SMA20:      sma20[last],
		SMA60:      sma60[last],
	}
}

// dailyReturns converts a close series into simple returns.
func dailyReturns(candles []domain.Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev == 0 {
			continue
		}
		out = append(out, (candles[i].Close-prev)/prev)
	}
	return out
}

// riskScore maps annualized volatility of daily returns onto [0, 1].
// 0 is placid, 1 is 80%+ annualized volatility.
func riskScore(candles []domain.Candle) float64 {
	returns := dailyReturns(candles)
	if len(returns) < 2 {
		return 0.5 // unknown history: assume middling risk
	}
	vol := stat.StdDev(returns, nil) * math.Sqrt(252)
	score := vol / 0.8
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}
