// Package broker implements the per-venue HTTP gateway: OAuth token
// lifecycle, rate gating, retry with backoff, idempotent order placement
// and read-through caching.
package broker

import "github.com/helmsmanai/helmsman/internal/domain"

// VenueProfile describes one venue's wire conventions: endpoint paths, the
// API IDs used for rate classification, and the vendor code classes that
// drive retry decisions.
type VenueProfile struct {
	Name      string
	BaseURL   string
	MockURL   string
	TokenPath string

	// API IDs per operation, sent in the api-id header and used for rate
	// classification.
	BalanceAPI     string
	HoldingsAPI    string
	OrderbookAPI   string
	CandlesAPI     string
	TickerAPI      string
	OrderSubmitAPI string
	OrderModifyAPI string
	OrderCancelAPI string
	OrderStatusAPI string

	// Vendor return codes by class.
	AuthCodes      map[int]struct{}
	RateLimitCodes map[int]struct{}
}

// codeSet builds a membership set from a code list.
func codeSet(codes ...int) map[int]struct{} {
	s := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		s[c] = struct{}{}
	}
	return s
}

// Kiwoom is the Korean equity venue profile.
func Kiwoom() VenueProfile {
	return VenueProfile{
		Name:           "kiwoom",
		BaseURL:        "https://api.kiwoom.com",
		MockURL:        "https://mockapi.kiwoom.com",
		TokenPath:      "/oauth2/token",
		BalanceAPI:     "kt00001",
		HoldingsAPI:    "kt00004",
		OrderbookAPI:   "ka10004",
		CandlesAPI:     "ka10081",
		TickerAPI:      "ka10001",
		OrderSubmitAPI: "kt10000",
		OrderModifyAPI: "kt10002",
		OrderCancelAPI: "kt10003",
		OrderStatusAPI: "ka10075",
		AuthCodes:      codeSet(8005, 8006),
		RateLimitCodes: codeSet(4297),
	}
}

// Upbit is the Korean crypto venue profile.
func Upbit() VenueProfile {
	return VenueProfile{
		Name:           "upbit",
		BaseURL:        "https://api.upbit.com",
		TokenPath:      "/v1/token",
		BalanceAPI:     "accounts",
		HoldingsAPI:    "accounts",
		OrderbookAPI:   "orderbook",
		CandlesAPI:     "candles",
		TickerAPI:      "ticker",
		OrderSubmitAPI: "order_submit",
		OrderModifyAPI: "order_modify",
		OrderCancelAPI: "order_cancel",
		OrderStatusAPI: "order_status",
		AuthCodes:      codeSet(401),
		RateLimitCodes: codeSet(429),
	}
}

// Nasdaq is the US equity venue profile (served through the same broker).
func Nasdaq() VenueProfile {
	return VenueProfile{
		Name:           "nasdaq",
		BaseURL:        "https://api.kiwoom.com",
		MockURL:        "https://mockapi.kiwoom.com",
		TokenPath:      "/oauth2/token",
		BalanceAPI:     "us00001",
		HoldingsAPI:    "us00004",
		OrderbookAPI:   "us10004",
		CandlesAPI:     "us10081",
		TickerAPI:      "us10001",
		OrderSubmitAPI: "order_submit",
		OrderModifyAPI: "order_modify",
		OrderCancelAPI: "order_cancel",
		OrderStatusAPI: "us10075",
		AuthCodes:      codeSet(8005, 8006),
		RateLimitCodes: codeSet(4297),
	}
}

// ProfileFor maps a market type to its venue profile.
func ProfileFor(market domain.MarketType) VenueProfile {
	switch market {
	case domain.MarketKR:
		return Kiwoom()
	case domain.MarketCrypto:
		return Upbit()
	default:
		return Nasdaq()
	}
}

// envelope is the venue response wrapper. return_code 0 means success.
type envelope struct {
	ReturnCode int    `json:"return_code"`
	ReturnMsg  string `json:"return_msg"`
}

// classify maps a vendor return code to an error kind using the profile's
// code classes.
func (p VenueProfile) classify(code int) domain.Kind {
	if _, ok := p.AuthCodes[code]; ok {
		return domain.KindAuth
	}
	if _, ok := p.RateLimitCodes[code]; ok {
		return domain.KindRateLimit
	}
	return domain.KindRequest
}
