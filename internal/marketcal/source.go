package marketcal

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPSource fetches holiday dates from a JSON endpoint returning
// {"holidays": ["2026-01-01", ...]}.
type HTTPSource struct {
	client *resty.Client
	url    string
}

// NewHTTPSource builds a source against the given URL.
func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		client: resty.New().SetTimeout(timeout),
		url:    url,
	}
}

type holidayPayload struct {
	Holidays []string `json:"holidays"`
}

// Holidays fetches and parses the holiday list. Unparseable dates are
// rejected wholesale so a bad feed never truncates the table silently.
func (s *HTTPSource) Holidays(ctx context.Context) ([]time.Time, error) {
	var payload holidayPayload
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&payload).
		Get(s.url)
	if err != nil {
		return nil, fmt.Errorf("fetch holidays: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch holidays: status %d", resp.StatusCode())
	}

	out := make([]time.Time, 0, len(payload.Holidays))
	for _, raw := range payload.Holidays {
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return nil, fmt.Errorf("parse holiday %q: %w", raw, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// StaticSource serves a fixed holiday list; used in tests and as the
// fallback when no feed URL is configured.
type StaticSource struct {
	Days []time.Time
}

func (s StaticSource) Holidays(_ context.Context) ([]time.Time, error) {
	return s.Days, nil
}
