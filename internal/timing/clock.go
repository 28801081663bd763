// Package timing analyzes market-clock context: which session is
// live, when to enter and exit, and how confident the fabric should
// be in acting right now.
package timing

import (
	"fmt"
	"time"

	"github.com/pennyops/tradefabric/internal/config"
)

// Session is a market-clock window.
type Session string

const (
	SessionPreMarket  Session = "pre_market"
	SessionRegular    Session = "regular"
	SessionAfterHours Session = "after_hours"
	SessionClosed     Session = "closed"
)

// Clock maps wall-clock instants to sessions using configured
// exchange-local boundaries.
type Clock struct {
	loc       *time.Location
	preOpen   int // minutes from midnight, exchange local
	regOpen   int
	regClose  int
	afterEnd  int
}

// NewClock parses the configured session boundaries.
func NewClock(cfg config.TimingConfig) (*Clock, error) {
	loc, err := time.LoadLocation(cfg.ExchangeTZName)
	if err != nil {
		return nil, fmt.Errorf("invalid exchange timezone %q: %w", cfg.ExchangeTZName, err)
	}

	c := &Clock{loc: loc}
	for _, b := range []struct {
		raw  string
		dest *int
	}{
		{cfg.PreMarketOpen, &c.preOpen},
		{cfg.RegularOpen, &c.regOpen},
		{cfg.RegularClose, &c.regClose},
		{cfg.AfterHoursEnd, &c.afterEnd},
	} {
		minutes, err := parseClock(b.raw)
		if err != nil {
			return nil, err
		}
		*b.dest = minutes
	}

	if !(c.preOpen < c.regOpen && c.regOpen < c.regClose && c.regClose < c.afterEnd) {
		return nil, fmt.Errorf("session boundaries out of order: %s %s %s %s",
			cfg.PreMarketOpen, cfg.RegularOpen, cfg.RegularClose, cfg.AfterHoursEnd)
	}
	return c, nil
}

// SessionAt returns the session containing t. Weekends are closed.
func (c *Clock) SessionAt(t time.Time) Session {
	local := t.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return SessionClosed
	}

	minutes := local.Hour()*60 + local.Minute()
	switch {
	case minutes >= c.preOpen && minutes < c.regOpen:
		return SessionPreMarket
	case minutes >= c.regOpen && minutes < c.regClose:
		return SessionRegular
	case minutes >= c.regClose && minutes < c.afterEnd:
		return SessionAfterHours
	default:
		return SessionClosed
	}
}

// NextRegularOpen returns the first regular-session open at or after t.
func (c *Clock) NextRegularOpen(t time.Time) time.Time {
	local := t.In(c.loc)
	open := time.Date(local.Year(), local.Month(), local.Day(), c.regOpen/60, c.regOpen%60, 0, 0, c.loc)
	for !open.After(local) || isWeekend(open) {
		open = open.AddDate(0, 0, 1)
	}
	return open
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func parseClock(raw string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(raw, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", raw, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock time %q out of range", raw)
	}
	return h*60 + m, nil
}
