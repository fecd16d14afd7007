package broker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/helmsmanai/helmsman/internal/domain"
)

// tokenSkew is the safety margin before expiry: a token is usable only
// while now + skew < expires_at.
const tokenSkew = 5 * time.Minute

// fallbackTokenLife applies when the vendor's expiry field is unparseable.
const fallbackTokenLife = 24 * time.Hour

// expiryFormats are the documented vendor timestamp layouts, tried in order.
var expiryFormats = []string{
	"20060102150405",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

type tokenResponse struct {
	envelope
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresDt string `json:"expires_dt"`
	ExpiresIn int    `json:"expires_in"`
}

// tokenManager caches one bearer token per credential set and refreshes it
// under a mutex so concurrent callers trigger at most one vendor call.
type tokenManager struct {
	mu        sync.Mutex
	http      *resty.Client
	profile   VenueProfile
	appKey    string
	secretKey string

	token     string
	expiresAt time.Time

	now func() time.Time
	log zerolog.Logger
}

func newTokenManager(http *resty.Client, profile VenueProfile, appKey, secretKey string, log zerolog.Logger) *tokenManager {
	return &tokenManager{
		http:      http,
		profile:   profile,
		appKey:    appKey,
		secretKey: secretKey,
		now:       time.Now,
		log:       log.With().Str("component", "broker.token").Logger(),
	}
}

func (tm *tokenManager) usable() bool {
	return tm.token != "" && tm.now().Add(tokenSkew).Before(tm.expiresAt)
}

// Get returns a usable token, fetching a fresh one from the vendor when the
// cached token is absent or inside the expiry skew window.
func (tm *tokenManager) Get(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.usable() {
		return tm.token, nil
	}
	return tm.refreshLocked(ctx)
}

// Invalidate drops the cached token so the next Get refreshes. Called when
// the vendor reports an auth error despite a token we thought was usable.
func (tm *tokenManager) Invalidate() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.token = ""
	tm.expiresAt = time.Time{}
}

func (tm *tokenManager) refreshLocked(ctx context.Context) (string, error) {
	var out tokenResponse
	resp, err := tm.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     tm.appKey,
			"secretkey":  tm.secretKey,
		}).
		SetResult(&out).
		SetError(&out).
		Post(tm.profile.TokenPath)
	if err != nil {
		return "", domain.Wrap(domain.KindNetwork, err, "token request failed")
	}
	if resp.IsError() || out.ReturnCode != 0 {
		kind := tm.profile.classify(out.ReturnCode)
		if kind != domain.KindAuth {
			kind = domain.KindNetwork
		}
		return "", domain.E(kind, strconv.Itoa(out.ReturnCode), "token issuance rejected: %s", out.ReturnMsg)
	}
	if out.Token == "" {
		return "", domain.E(domain.KindAuth, "", "token issuance returned empty token")
	}

	tm.token = out.Token
	tm.expiresAt = tm.parseExpiry(out)
	tm.log.Info().
		Str("venue", tm.profile.Name).
		Time("expires_at", tm.expiresAt).
		Msg("venue token refreshed")
	return tm.token, nil
}

// parseExpiry tries the documented expiry formats and falls back to a fixed
// 24h lifetime when none parse.
func (tm *tokenManager) parseExpiry(out tokenResponse) time.Time {
	if out.ExpiresDt != "" {
		for _, layout := range expiryFormats {
			if t, err := time.ParseInLocation(layout, out.ExpiresDt, time.Local); err == nil {
				return t
			}
		}
		tm.log.Warn().Str("expires_dt", out.ExpiresDt).Msg("unparseable token expiry, assuming 24h")
	}
	if out.ExpiresIn > 0 {
		return tm.now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return tm.now().Add(fallbackTokenLife)
}

// ExpiresAt reports the cached token expiry for diagnostics.
func (tm *tokenManager) ExpiresAt() time.Time {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.expiresAt
}

// seed pre-loads a token, used by tests to model expired credentials.
func (tm *tokenManager) seed(token string, expiresAt time.Time) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.token = token
	tm.expiresAt = expiresAt
}
