package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/helmsmanai/helmsman/internal/cache"
	"github.com/helmsmanai/helmsman/internal/config"
	"github.com/helmsmanai/helmsman/internal/domain"
	"github.com/helmsmanai/helmsman/internal/ratelimit"
	"github.com/helmsmanai/helmsman/internal/ticksize"
)

// pollInterval is the cadence of order-status polling after submission.
const pollInterval = time.Second

// Gateway is the typed HTTP client for one venue and one credential set.
// Instances are shared process-wide (see Registry) so the rate buckets and
// cache are shared across callers.
type Gateway struct {
	profile VenueProfile
	http    *resty.Client
	tokens  *tokenManager
	limiter *ratelimit.Limiter
	cache   *cache.Multi
	breaker *gobreaker.CircuitBreaker
	retry   config.RetryConfig
	account string
	ticks   *ticksize.Table
	log     zerolog.Logger
	observe func(api string, d time.Duration, err error)

	acquireTimeout time.Duration
}

// Options bundle the gateway dependencies.
type Options struct {
	Profile        VenueProfile
	BaseURL        string // overrides the profile URL (mock mode, tests)
	AppKey         string
	SecretKey      string
	Account        string
	Limiter        *ratelimit.Limiter
	Cache          *cache.Multi
	Retry          config.RetryConfig
	Ticks          *ticksize.Table
	AcquireTimeout time.Duration
	Logger         zerolog.Logger

	// Observe, when set, is called once per venue API call with its latency
	// and outcome.
	Observe func(api string, d time.Duration, err error)
}

// New builds a gateway. Prefer Registry.Get so instances are shared.
func New(opts Options) *Gateway {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = opts.Profile.BaseURL
	}

	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Profile.Name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	log := opts.Logger.With().
		Str("component", "broker").
		Str("venue", opts.Profile.Name).
		Logger()

	if opts.AcquireTimeout == 0 {
		opts.AcquireTimeout = 10 * time.Second
	}

	return &Gateway{
		profile:        opts.Profile,
		http:           http,
		tokens:         newTokenManager(http, opts.Profile, opts.AppKey, opts.SecretKey, opts.Logger),
		limiter:        opts.Limiter,
		cache:          opts.Cache,
		breaker:        breaker,
		retry:          opts.Retry,
		account:        opts.Account,
		ticks:          opts.Ticks,
		log:            log,
		observe:        opts.Observe,
		acquireTimeout: opts.AcquireTimeout,
	}
}

// Venue returns the venue name.
func (g *Gateway) Venue() string { return g.profile.Name }

// backoff returns the exponential delay before attempt n (0-based), capped.
func (g *Gateway) backoff(attempt int) time.Duration {
	d := g.retry.Base << attempt
	if d > g.retry.Cap {
		d = g.retry.Cap
	}
	return d
}

// call runs the request pipeline for one endpoint: rate gate, token, send,
// vendor-code classification. result must be a pointer embedding envelope.
func (g *Gateway) call(ctx context.Context, apiID, path string, body interface{}, result interface{}, env *envelope) (err error) {
	if g.observe != nil {
		start := time.Now()
		defer func() { g.observe(apiID, time.Since(start), err) }()
	}

	if !g.limiter.AcquireAPI(ctx, apiID, g.acquireTimeout) {
		return domain.E(domain.KindRateLimit, "", "rate gate timeout for %s", apiID)
	}

	token, err := g.tokens.Get(ctx)
	if err != nil {
		return err
	}

	_, err = g.breaker.Execute(func() (interface{}, error) {
		req := g.http.R().
			SetContext(ctx).
			SetHeader("authorization", "Bearer "+token).
			SetHeader("api-id", apiID).
			SetResult(result).
			SetError(result)
		if body != nil {
			req.SetBody(body)
		}
		resp, err := req.Post(path)
		if err != nil {
			return nil, domain.Wrap(domain.KindNetwork, err, "%s transport failure", apiID)
		}
		if env.ReturnCode != 0 {
			kind := g.profile.classify(env.ReturnCode)
			return nil, domain.E(kind, strconv.Itoa(env.ReturnCode), "%s rejected: %s", apiID, env.ReturnMsg)
		}
		if resp.IsError() {
			return nil, domain.E(domain.KindNetwork, strconv.Itoa(resp.StatusCode()), "%s status %d", apiID, resp.StatusCode())
		}
		return nil, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return domain.Wrap(domain.KindNetwork, err, "circuit open for %s", g.profile.Name)
	}
	return err
}

// callWithRetry wraps call with the shared retry policy: network and
// rate-limit errors back off exponentially; an auth error invalidates the
// token and retries once.
func (g *Gateway) callWithRetry(ctx context.Context, apiID, path string, body interface{}, result interface{}, env *envelope) error {
	var lastErr error
	authRetried := false

	for attempt := 0; attempt < g.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if attempt >= 2 {
				g.log.Warn().Str("api_id", apiID).Int("attempt", attempt).Err(lastErr).Msg("retrying venue call")
			}
			select {
			case <-ctx.Done():
				return domain.Wrap(domain.KindNetwork, ctx.Err(), "context cancelled during retry")
			case <-time.After(g.backoff(attempt - 1)):
			}
		}

		*env = envelope{}
		lastErr = g.call(ctx, apiID, path, body, result, env)
		if lastErr == nil {
			return nil
		}

		if domain.KindOf(lastErr) == domain.KindAuth && !authRetried {
			authRetried = true
			g.tokens.Invalidate()
			attempt-- // the auth retry does not consume a backoff attempt
			continue
		}
		if !domain.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// --- Read endpoints (cached) ---

func (g *Gateway) cacheKey(prefix, suffix string) string {
	return fmt.Sprintf("%s%s:%s", prefix, g.profile.Name, suffix)
}

type balanceResponse struct {
	envelope
	BuyingPower float64 `json:"buying_power"`
	Currency    string  `json:"currency"`
}

// Balance returns the account buying power.
func (g *Gateway) Balance(ctx context.Context) (*domain.AccountContext, error) {
	key := g.cacheKey("balance:", g.account)
	var cached domain.AccountContext
	if g.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	var out balanceResponse
	err := g.callWithRetry(ctx, g.profile.BalanceAPI, "/api/dostk/acnt",
		map[string]string{"account": g.account}, &out, &out.envelope)
	if err != nil {
		return nil, err
	}

	acct := &domain.AccountContext{BuyingPower: out.BuyingPower, Currency: out.Currency}
	g.cache.Set(ctx, key, acct)
	return acct, nil
}

type holdingsResponse struct {
	envelope
	Holdings []struct {
		Code     string  `json:"code"`
		Quantity float64 `json:"quantity"`
	} `json:"holdings"`
}

// Holding returns the quantity held of one instrument.
func (g *Gateway) Holding(ctx context.Context, inst domain.Instrument) (float64, error) {
	key := g.cacheKey("holdings:", g.account)
	var cached map[string]float64
	if !g.cache.Get(ctx, key, &cached) {
		var out holdingsResponse
		err := g.callWithRetry(ctx, g.profile.HoldingsAPI, "/api/dostk/acnt",
			map[string]string{"account": g.account}, &out, &out.envelope)
		if err != nil {
			return 0, err
		}
		cached = make(map[string]float64, len(out.Holdings))
		for _, h := range out.Holdings {
			cached[h.Code] = h.Quantity
		}
		g.cache.Set(ctx, key, cached)
	}
	return cached[inst.Code], nil
}

type orderbookResponse struct {
	envelope
	Bids []domain.OrderbookLevel `json:"bids"`
	Asks []domain.OrderbookLevel `json:"asks"`
}

// Orderbook returns a depth snapshot for the instrument.
func (g *Gateway) Orderbook(ctx context.Context, inst domain.Instrument) (*domain.OrderbookSnapshot, error) {
	key := g.cacheKey("orderbook:", inst.Code)
	var cached domain.OrderbookSnapshot
	if g.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	var out orderbookResponse
	err := g.callWithRetry(ctx, g.profile.OrderbookAPI, "/api/dostk/mrkcond",
		map[string]string{"code": inst.Code}, &out, &out.envelope)
	if err != nil {
		return nil, err
	}

	snap := &domain.OrderbookSnapshot{Bids: out.Bids, Asks: out.Asks, Timestamp: time.Now()}
	g.cache.Set(ctx, key, snap)
	return snap, nil
}

type candlesResponse struct {
	envelope
	Candles []domain.Candle `json:"candles"`
}

// Candles returns daily bars for the lookback window.
func (g *Gateway) Candles(ctx context.Context, inst domain.Instrument, days int) ([]domain.Candle, error) {
	key := g.cacheKey("candles:", fmt.Sprintf("%s:%dd", inst.Code, days))
	var cached []domain.Candle
	if g.cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	var out candlesResponse
	err := g.callWithRetry(ctx, g.profile.CandlesAPI, "/api/dostk/chart",
		map[string]interface{}{"code": inst.Code, "days": days}, &out, &out.envelope)
	if err != nil {
		return nil, err
	}

	g.cache.Set(ctx, key, out.Candles)
	return out.Candles, nil
}

type tickerResponse struct {
	envelope
	Price     float64 `json:"price"`
	ChangePct float64 `json:"change_pct"`
	Volume    float64 `json:"volume"`
}

// Ticker returns the current price snapshot.
func (g *Gateway) Ticker(ctx context.Context, inst domain.Instrument) (*domain.Ticker, error) {
	key := g.cacheKey("price:", inst.Code)
	var cached domain.Ticker
	if g.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	var out tickerResponse
	err := g.callWithRetry(ctx, g.profile.TickerAPI, "/api/dostk/stkinfo",
		map[string]string{"code": inst.Code}, &out, &out.envelope)
	if err != nil {
		return nil, err
	}

	tick := &domain.Ticker{
		Price:     out.Price,
		ChangePct: out.ChangePct,
		Volume:    out.Volume,
		Timestamp: time.Now(),
	}
	g.cache.Set(ctx, key, tick)
	return tick, nil
}

// --- Order endpoints ---

type orderResponse struct {
	envelope
	OrderID   string  `json:"order_id"`
	Status    string  `json:"status"`
	FilledQty float64 `json:"filled_qty"`
	AvgPrice  float64 `json:"avg_price"`
}

// validateOrder applies the pre-send checks: positive quantity, tick-valid
// limit price, instrument syntax.
func (g *Gateway) validateOrder(req OrderRequest) error {
	if err := req.Instrument.Validate(); err != nil {
		return err
	}
	if req.Quantity <= 0 {
		return domain.E(domain.KindValidation, "", "order quantity must be positive: %v", req.Quantity)
	}
	if req.Type == TypeLimit {
		if req.Price <= 0 {
			return domain.E(domain.KindValidation, "", "limit order requires a positive price")
		}
		if !g.ticks.IsValid(req.Price) {
			return domain.E(domain.KindValidation, "", "price %d is not on the %s tick grid", req.Price, g.ticks.Name())
		}
	}
	return nil
}

// SubmitOrder validates and submits an order. Pre-send failures (rate gate,
// token) are retried; once the request may have reached the venue, failures
// surface as KindOrder so the caller reconciles via OrderStatus instead of
// double-submitting.
func (g *Gateway) SubmitOrder(ctx context.Context, req OrderRequest) (res *OrderResult, err error) {
	if err := g.validateOrder(req); err != nil {
		return nil, err
	}
	if g.observe != nil {
		start := time.Now()
		defer func() { g.observe(g.profile.OrderSubmitAPI, time.Since(start), err) }()
	}

	var lastErr error
	for attempt := 0; attempt < g.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, domain.Wrap(domain.KindNetwork, ctx.Err(), "context cancelled before order send")
			case <-time.After(g.backoff(attempt - 1)):
			}
		}

		// Pre-send gates: safe to retry.
		if !g.limiter.AcquireAPI(ctx, g.profile.OrderSubmitAPI, g.acquireTimeout) {
			lastErr = domain.E(domain.KindRateLimit, "", "order rate gate timeout")
			continue
		}
		token, err := g.tokens.Get(ctx)
		if err != nil {
			if domain.KindOf(err) == domain.KindAuth {
				g.tokens.Invalidate()
			}
			lastErr = err
			if !domain.Retryable(err) && domain.KindOf(err) != domain.KindAuth {
				return nil, err
			}
			continue
		}

		// From here the request may reach the venue: no blind retry.
		var out orderResponse
		resp, err := g.http.R().
			SetContext(ctx).
			SetHeader("authorization", "Bearer "+token).
			SetHeader("api-id", g.profile.OrderSubmitAPI).
			SetBody(map[string]interface{}{
				"account":  req.Account,
				"code":     req.Instrument.Code,
				"side":     string(req.Side),
				"type":     string(req.Type),
				"quantity": req.Quantity,
				"price":    req.Price,
			}).
			SetResult(&out).
			SetError(&out).
			Post("/api/dostk/ordr")
		if err != nil {
			return nil, domain.Wrap(domain.KindOrder, err, "order transport failure after send, reconcile via order status")
		}
		if out.ReturnCode != 0 {
			kind := g.profile.classify(out.ReturnCode)
			if kind == domain.KindAuth && attempt == 0 {
				// The venue never accepted the order; token refresh + one retry is safe.
				g.tokens.Invalidate()
				lastErr = domain.E(kind, strconv.Itoa(out.ReturnCode), "order auth rejected: %s", out.ReturnMsg)
				continue
			}
			return nil, domain.E(kind, strconv.Itoa(out.ReturnCode), "order rejected: %s", out.ReturnMsg)
		}
		if resp.IsError() {
			return nil, domain.E(domain.KindOrder, strconv.Itoa(resp.StatusCode()), "ambiguous order status %d, reconcile via order status", resp.StatusCode())
		}

		g.invalidateAccount(ctx)
		return &OrderResult{
			OrderID:     out.OrderID,
			Status:      OrderStatus(out.Status),
			FilledQty:   out.FilledQty,
			AvgPrice:    out.AvgPrice,
			SubmittedAt: time.Now(),
		}, nil
	}
	return nil, lastErr
}

// ModifyOrder amends a resting order's price or quantity. A new price must
// sit on the venue tick grid.
func (g *Gateway) ModifyOrder(ctx context.Context, req ModifyRequest) (*OrderResult, error) {
	if req.OrderID == "" {
		return nil, domain.E(domain.KindValidation, "", "modify requires an order id")
	}
	if req.Quantity < 0 {
		return nil, domain.E(domain.KindValidation, "", "modify quantity cannot be negative: %v", req.Quantity)
	}
	if req.Price != 0 && !g.ticks.IsValid(req.Price) {
		return nil, domain.E(domain.KindValidation, "", "price %d is not on the %s tick grid", req.Price, g.ticks.Name())
	}

	var out orderResponse
	err := g.callWithRetry(ctx, g.profile.OrderModifyAPI, "/api/dostk/ordr",
		map[string]interface{}{
			"account":  g.account,
			"order_id": req.OrderID,
			"quantity": req.Quantity,
			"price":    req.Price,
		}, &out, &out.envelope)
	if err != nil {
		return nil, err
	}
	g.invalidateAccount(ctx)
	return &OrderResult{
		OrderID:   out.OrderID,
		Status:    OrderStatus(out.Status),
		FilledQty: out.FilledQty,
		AvgPrice:  out.AvgPrice,
	}, nil
}

// CancelOrder cancels a resting order.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	var out orderResponse
	err := g.callWithRetry(ctx, g.profile.OrderCancelAPI, "/api/dostk/ordr",
		map[string]string{"account": g.account, "order_id": orderID}, &out, &out.envelope)
	if err != nil {
		return err
	}
	g.invalidateAccount(ctx)
	return nil
}

// OrderStatus fetches the venue-side status of a submitted order.
func (g *Gateway) OrderStatus(ctx context.Context, orderID string) (*OrderResult, error) {
	var out orderResponse
	err := g.callWithRetry(ctx, g.profile.OrderStatusAPI, "/api/dostk/acnt",
		map[string]string{"account": g.account, "order_id": orderID}, &out, &out.envelope)
	if err != nil {
		return nil, err
	}
	return &OrderResult{
		OrderID:   out.OrderID,
		Status:    OrderStatus(out.Status),
		FilledQty: out.FilledQty,
		AvgPrice:  out.AvgPrice,
	}, nil
}

// PollOrder polls order status until it reaches a terminal state or the
// deadline passes. A timeout returns the last observed result with ok=false.
func (g *Gateway) PollOrder(ctx context.Context, orderID string, deadline time.Duration) (*OrderResult, bool, error) {
	pollCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var last *OrderResult
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		res, err := g.OrderStatus(pollCtx, orderID)
		if err == nil {
			last = res
			if res.Status.Terminal() {
				return res, true, nil
			}
		} else if !domain.Retryable(err) {
			return last, false, err
		}

		select {
		case <-pollCtx.Done():
			return last, false, nil
		case <-ticker.C:
		}
	}
}

// invalidateAccount drops all cached account state after a mutation.
func (g *Gateway) invalidateAccount(ctx context.Context) {
	g.cache.InvalidatePrefix(ctx, g.cacheKey("balance:", g.account))
	g.cache.InvalidatePrefix(ctx, g.cacheKey("holdings:", g.account))
	g.cache.InvalidatePrefix(ctx, g.cacheKey("order_status:", g.account))
}
