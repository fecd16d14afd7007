// Package domain contains the core types shared by the analysis orchestrator:
// instruments, sessions, trading state, proposals and the error taxonomy.
// The domain layer is pure and has no infrastructure dependencies.
package domain

import (
	"fmt"
	"strings"
)

// MarketType identifies which analysis pipeline and venue an instrument belongs to.
type MarketType string

const (
	// MarketUS is a US-listed equity (e.g. "AAPL").
	MarketUS MarketType = "us"
	// MarketKR is a Korean-listed equity identified by its 6-digit code (e.g. "005930").
	MarketKR MarketType = "kr"
	// MarketCrypto is a cryptocurrency pair on the Korean exchange (e.g. "KRW-BTC").
	MarketCrypto MarketType = "crypto"
)

// Valid reports whether the market type is one of the known values.
func (m MarketType) Valid() bool {
	switch m {
	case MarketUS, MarketKR, MarketCrypto:
		return true
	}
	return false
}

// Instrument is a venue-native instrument identifier tagged with its market.
// The Code field is opaque to the orchestrator and passed to the venue as-is.
type Instrument struct {
	Market MarketType `json:"market"`
	Code   string     `json:"code"`
}

// Equity creates a US equity instrument.
func Equity(symbol string) Instrument {
	return Instrument{Market: MarketUS, Code: strings.ToUpper(symbol)}
}

// KrEquity creates a Korean equity instrument from its numeric code.
func KrEquity(code string) Instrument {
	return Instrument{Market: MarketKR, Code: code}
}

// Crypto creates a crypto instrument from a venue market code such as "KRW-BTC".
func Crypto(market string) Instrument {
	return Instrument{Market: MarketCrypto, Code: strings.ToUpper(market)}
}

// Validate checks the instrument code against per-market syntax rules.
func (i Instrument) Validate() error {
	if i.Code == "" {
		return E(KindValidation, "", "instrument code is empty")
	}
	switch i.Market {
	case MarketKR:
		if len(i.Code) != 6 {
			return E(KindValidation, "", "korean equity code must be 6 digits: %q", i.Code)
		}
		for _, r := range i.Code {
			if r < '0' || r > '9' {
				return E(KindValidation, "", "korean equity code must be numeric: %q", i.Code)
			}
		}
	case MarketCrypto:
		if !strings.Contains(i.Code, "-") {
			return E(KindValidation, "", "crypto market code must look like KRW-BTC: %q", i.Code)
		}
	case MarketUS:
		// Venue validates ticker syntax; only reject obvious garbage here.
		if len(i.Code) > 12 {
			return E(KindValidation, "", "equity symbol too long: %q", i.Code)
		}
	default:
		return E(KindValidation, "", "unknown market type: %q", i.Market)
	}
	return nil
}

// String renders the instrument as "market:code".
func (i Instrument) String() string {
	return fmt.Sprintf("%s:%s", i.Market, i.Code)
}
