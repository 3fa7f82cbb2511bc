// Package market implements the market-hours preparation/execution split
// (spec §4.5 point 4): certain Hands run only within configured trading
// windows, and can be split into always-on preparation tasks and
// hours-gated execution tasks. Grounded on
// _examples/original_source/services/zero-trading/src/scheduler.rs's
// morning/afternoon session window config (SPEC_FULL.md §C.5).
package market

import (
	"fmt"
	"time"
)

// Window is a single trading window expressed as "HH:MM"-"HH:MM" in the
// config's timezone.
type Window struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// Config is a Hand manifest's market_hours block. Morning and Afternoon
// mirror zero-trading's two A-share sessions (09:30-11:30 and
// 13:00-15:00 Beijing time) but are configurable per manifest rather than
// hardcoded, since this core is channel/market agnostic.
type Config struct {
	Timezone  string `yaml:"timezone"`
	Morning   Window `yaml:"morning"`
	Afternoon Window `yaml:"afternoon"`
}

func (w Window) parse(loc *time.Location, now time.Time) (start, end time.Time, err error) {
	startHM, err := time.ParseInLocation("15:04", w.Start, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("market: invalid window start %q: %w", w.Start, err)
	}
	endHM, err := time.ParseInLocation("15:04", w.End, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("market: invalid window end %q: %w", w.End, err)
	}
	y, m, d := now.In(loc).Date()
	start = time.Date(y, m, d, startHM.Hour(), startHM.Minute(), 0, 0, loc)
	end = time.Date(y, m, d, endHM.Hour(), endHM.Minute(), 0, 0, loc)
	return start, end, nil
}

// InSession reports whether now falls within the morning or afternoon
// trading window. A Config with no windows configured (zero value) is
// always in session, so a manifest without market_hours behaves as
// always-on (the "preparation" case never needs to check this at all).
func (c *Config) InSession(now time.Time) (bool, error) {
	if c == nil {
		return true, nil
	}
	loc := time.UTC
	if c.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(c.Timezone)
		if err != nil {
			return false, fmt.Errorf("market: unknown timezone %q: %w", c.Timezone, err)
		}
	}

	for _, w := range []Window{c.Morning, c.Afternoon} {
		if w.Start == "" || w.End == "" {
			continue
		}
		start, end, err := w.parse(loc, now)
		if err != nil {
			return false, err
		}
		t := now.In(loc)
		if !t.Before(start) && t.Before(end) {
			return true, nil
		}
	}
	return false, nil
}
