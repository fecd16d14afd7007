// Package marketcal provides trading-day and holiday lookups for the
// supported venues. Lookups are pure in-memory operations; the holiday
// table is swapped atomically by a background refresh.
package marketcal

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// maxRangeDays bounds range queries to a little over a year.
const maxRangeDays = 366

// HolidaySource supplies the holiday dates for a venue. Implementations
// must return full-precision dates; time-of-day is ignored.
type HolidaySource interface {
	Holidays(ctx context.Context) ([]time.Time, error)
}

// holidayTable is an immutable sorted snapshot keyed by yyyy-mm-dd.
type holidayTable struct {
	set    map[string]struct{}
	sorted []time.Time
	loaded time.Time
}

// Calendar answers trading-day questions for one venue. AlwaysOpen venues
// (crypto) treat every day as a trading day.
type Calendar struct {
	loc        *time.Location
	alwaysOpen bool
	src        HolidaySource
	table      atomic.Pointer[holidayTable]
	log        zerolog.Logger
}

// New builds a calendar for a weekday-trading venue in the given location.
func New(loc *time.Location, src HolidaySource, log zerolog.Logger) *Calendar {
	c := &Calendar{
		loc: loc,
		src: src,
		log: log.With().Str("component", "marketcal").Logger(),
	}
	c.table.Store(&holidayTable{set: map[string]struct{}{}})
	return c
}

// NewAlwaysOpen builds a calendar for a venue with no closing days.
func NewAlwaysOpen(loc *time.Location) *Calendar {
	c := &Calendar{loc: loc, alwaysOpen: true}
	c.table.Store(&holidayTable{set: map[string]struct{}{}})
	return c
}

func dayKey(d time.Time) string {
	return d.Format("2006-01-02")
}

func (c *Calendar) normalize(d time.Time) time.Time {
	d = d.In(c.loc)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, c.loc)
}

// Refresh pulls the holiday table from the source and swaps it in. A failed
// refresh leaves the previous table intact.
func (c *Calendar) Refresh(ctx context.Context) error {
	if c.alwaysOpen || c.src == nil {
		return nil
	}
	days, err := c.src.Holidays(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("holiday refresh failed, keeping previous table")
		return fmt.Errorf("holiday refresh: %w", err)
	}

	set := make(map[string]struct{}, len(days))
	sorted := make([]time.Time, 0, len(days))
	for _, d := range days {
		n := c.normalize(d)
		key := dayKey(n)
		if _, dup := set[key]; dup {
			continue
		}
		set[key] = struct{}{}
		sorted = append(sorted, n)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	c.table.Store(&holidayTable{set: set, sorted: sorted, loaded: time.Now()})
	c.log.Info().Int("holidays", len(sorted)).Msg("holiday table refreshed")
	return nil
}

// IsHoliday reports whether the date is in the venue holiday table.
func (c *Calendar) IsHoliday(d time.Time) bool {
	if c.alwaysOpen {
		return false
	}
	_, ok := c.table.Load().set[dayKey(c.normalize(d))]
	return ok
}

// IsTradingDay reports whether the venue is open on the given date.
func (c *Calendar) IsTradingDay(d time.Time) bool {
	if c.alwaysOpen {
		return true
	}
	n := c.normalize(d)
	switch n.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.IsHoliday(n)
}

// NextTradingDay returns the first trading day strictly after d.
func (c *Calendar) NextTradingDay(d time.Time) time.Time {
	n := c.normalize(d)
	for {
		n = n.AddDate(0, 0, 1)
		if c.IsTradingDay(n) {
			return n
		}
	}
}

// PreviousTradingDay returns the last trading day strictly before d.
func (c *Calendar) PreviousTradingDay(d time.Time) time.Time {
	n := c.normalize(d)
	for {
		n = n.AddDate(0, 0, -1)
		if c.IsTradingDay(n) {
			return n
		}
	}
}

// HolidaysInRange returns the venue holidays within [from, to] inclusive.
// Ranges longer than 366 days are rejected.
func (c *Calendar) HolidaysInRange(from, to time.Time) ([]time.Time, error) {
	a, b := c.normalize(from), c.normalize(to)
	if b.Before(a) {
		return nil, fmt.Errorf("range end %s before start %s", dayKey(b), dayKey(a))
	}
	if b.Sub(a) > maxRangeDays*24*time.Hour {
		return nil, fmt.Errorf("range exceeds %d days", maxRangeDays)
	}
	var out []time.Time
	for _, h := range c.table.Load().sorted {
		if h.Before(a) {
			continue
		}
		if h.After(b) {
			break
		}
		out = append(out, h)
	}
	return out, nil
}

// TradingDaysInRange returns the trading days within [from, to] inclusive.
// Ranges longer than 366 days are rejected.
func (c *Calendar) TradingDaysInRange(from, to time.Time) ([]time.Time, error) {
	a, b := c.normalize(from), c.normalize(to)
	if b.Before(a) {
		return nil, fmt.Errorf("range end %s before start %s", dayKey(b), dayKey(a))
	}
	if b.Sub(a) > maxRangeDays*24*time.Hour {
		return nil, fmt.Errorf("range exceeds %d days", maxRangeDays)
	}
	var out []time.Time
	for d := a; !d.After(b); d = d.AddDate(0, 0, 1) {
		if c.IsTradingDay(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

// LoadedAt returns when the holiday table was last refreshed (zero if never).
func (c *Calendar) LoadedAt() time.Time {
	return c.table.Load().loaded
}
