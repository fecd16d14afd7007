// Package ticksize implements exchange tick-size tables and the price
// arithmetic built on them. Prices are integers in the venue's smallest
// currency unit (KRW for KRX, cents for US equities).
package ticksize

import (
	"fmt"
	"math"
)

// Band is one row of a tick-size table: prices in [0, Upper) tick at Tick.
// The final band has Upper = math.MaxInt64.
type Band struct {
	Upper int64
	Tick  int64
}

// Table is an ordered list of bands covering the full non-negative price range.
type Table struct {
	name  string
	bands []Band
}

// KRX returns the Korea Exchange equity tick table.
func KRX() *Table {
	return &Table{
		name: "krx",
		bands: []Band{
			{Upper: 1_000, Tick: 1},
			{Upper: 5_000, Tick: 5},
			{Upper: 10_000, Tick: 10},
			{Upper: 50_000, Tick: 50},
			{Upper: 100_000, Tick: 100},
			{Upper: 500_000, Tick: 500},
			{Upper: math.MaxInt64, Tick: 1_000},
		},
	}
}

// USCents returns a flat one-cent table for US equities priced in cents.
func USCents() *Table {
	return &Table{
		name:  "us_cents",
		bands: []Band{{Upper: math.MaxInt64, Tick: 1}},
	}
}

// Name returns the table identifier.
func (t *Table) Name() string { return t.name }

// TickOf returns the tick size at the given price. Negative prices are
// rejected; band boundaries belong to the higher band (a price of exactly
// 1000 KRW ticks at 5).
func (t *Table) TickOf(price int64) (int64, error) {
	if price < 0 {
		return 0, fmt.Errorf("negative price: %d", price)
	}
	for _, b := range t.bands {
		if price < b.Upper {
			return b.Tick, nil
		}
	}
	return t.bands[len(t.bands)-1].Tick, nil
}

// RoundMode selects how Round resolves prices between ticks.
type RoundMode int

const (
	RoundDown RoundMode = iota
	RoundUp
	RoundNearest
)

// Round snaps a price to the table grid. RoundNearest breaks exact ties
// upward. Rounding uses the tick of the input price; a price rounded up
// across a band boundary lands exactly on the boundary, which is valid in
// both bands' grids.
func (t *Table) Round(price int64, mode RoundMode) (int64, error) {
	tick, err := t.TickOf(price)
	if err != nil {
		return 0, err
	}
	rem := price % tick
	if rem == 0 {
		return price, nil
	}
	down := price - rem
	up := down + tick
	switch mode {
	case RoundUp:
		return up, nil
	case RoundNearest:
		if rem*2 >= tick {
			return up, nil
		}
		return down, nil
	default:
		return down, nil
	}
}

// IsValid reports whether the price sits exactly on the table grid.
func (t *Table) IsValid(price int64) bool {
	tick, err := t.TickOf(price)
	if err != nil {
		return false
	}
	return price%tick == 0
}

// Side distinguishes the slippage direction.
type Side int

const (
	Buy Side = iota
	Sell
)

// Slippage applies a signed percentage adjustment to a price and snaps the
// result to the grid: buys round up (pay at most the adjusted price plus one
// tick), sells round down. pct is a fraction, e.g. 0.01 for 1%.
func (t *Table) Slippage(price int64, pct float64, side Side) (int64, error) {
	if price < 0 {
		return 0, fmt.Errorf("negative price: %d", price)
	}
	var adjusted int64
	if side == Buy {
		adjusted = int64(math.Ceil(float64(price) * (1 + pct)))
		return t.Round(adjusted, RoundUp)
	}
	adjusted = int64(math.Floor(float64(price) * (1 - pct)))
	if adjusted < 0 {
		adjusted = 0
	}
	return t.Round(adjusted, RoundDown)
}

// Steps returns the price n ticks away from a valid grid price, walking one
// tick at a time so band crossings use the correct tick on each step.
// Negative n walks downward; the result never goes below zero.
func (t *Table) Steps(price int64, n int) (int64, error) {
	if !t.IsValid(price) {
		return 0, fmt.Errorf("price %d is not on the tick grid", price)
	}
	p := price
	for i := 0; i < abs(n); i++ {
		if n > 0 {
			tick, err := t.TickOf(p)
			if err != nil {
				return 0, err
			}
			p += tick
		} else {
			if p == 0 {
				break
			}
			// Stepping down from a band boundary uses the lower band's tick.
			tick, err := t.TickOf(p - 1)
			if err != nil {
				return 0, err
			}
			p -= tick
			if p < 0 {
				p = 0
			}
		}
	}
	return p, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// ForMarket maps a market identifier to its tick table. Crypto venues quote
// on a per-market basis; the KRW crypto venue uses its own table which we
// approximate with the KRX bands for KRW pairs.
func ForMarket(market string) *Table {
	switch market {
	case "kr", "crypto":
		return KRX()
	default:
		return USCents()
	}
}
