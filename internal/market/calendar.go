package market

import (
	"fmt"
	"time"
)

const DayLayout = "2006-01-02"

// Calendar answers "which trading day is it" and "is the session open" in the market timezone.
type Calendar struct {
	loc          *time.Location
	openMin      int // minutes since midnight
	closeMin     int
	cutoffHour   int
	weekdaysOnly bool
}

// NewCalendar parses "15:04" style open/close times.
func NewCalendar(tz, open, close string, cutoffHour int, weekdaysOnly bool) (*Calendar, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load location %q: %w", tz, err)
	}
	o, err := time.Parse("15:04", open)
	if err != nil {
		return nil, fmt.Errorf("parse open %q: %w", open, err)
	}
	c, err := time.Parse("15:04", close)
	if err != nil {
		return nil, fmt.Errorf("parse close %q: %w", close, err)
	}
	return &Calendar{
		loc:          loc,
		openMin:      o.Hour()*60 + o.Minute(),
		closeMin:     c.Hour()*60 + c.Minute(),
		cutoffHour:   cutoffHour,
		weekdaysOnly: weekdaysOnly,
	}, nil
}

func (c *Calendar) Location() *time.Location { return c.loc }

// TradingDay is today's date before the cutoff hour and the next calendar date after it.
func (c *Calendar) TradingDay(t time.Time) string {
	local := t.In(c.loc)
	if local.Hour() >= c.cutoffHour {
		local = local.AddDate(0, 0, 1)
	}
	return local.Format(DayLayout)
}

// IsOpen covers the regular session only. There is no holiday table.
func (c *Calendar) IsOpen(t time.Time) bool {
	local := t.In(c.loc)
	if c.weekdaysOnly {
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return false
		}
	}
	m := local.Hour()*60 + local.Minute()
	return m >= c.openMin && m < c.closeMin
}

// DayBefore returns the trading-day key `days` calendar days before `day`.
func DayBefore(day string, days int) (string, error) {
	d, err := time.Parse(DayLayout, day)
	if err != nil {
		return "", err
	}
	return d.AddDate(0, 0, -days).Format(DayLayout), nil
}
