package market

import (
	"testing"
	"time"
)

func newYork(t *testing.T) *Calendar {
	t.Helper()
	c, err := NewCalendar("America/New_York", "09:30", "16:00", 16, true)
	if err != nil {
		t.Fatalf("NewCalendar: %v", err)
	}
	return c
}

func TestTradingDayCutoff(t *testing.T) {
	c := newYork(t)
	loc := c.Location()

	cases := []struct {
		at   time.Time
		want string
	}{
		{time.Date(2025, 8, 4, 9, 0, 0, 0, loc), "2025-08-04"},
		{time.Date(2025, 8, 4, 15, 59, 59, 0, loc), "2025-08-04"},
		{time.Date(2025, 8, 4, 16, 0, 0, 0, loc), "2025-08-05"},
		{time.Date(2025, 8, 4, 23, 30, 0, 0, loc), "2025-08-05"},
		// UTC input is converted to market time first
		{time.Date(2025, 8, 4, 19, 0, 0, 0, time.UTC), "2025-08-04"},
		{time.Date(2025, 8, 4, 21, 0, 0, 0, time.UTC), "2025-08-05"},
	}
	for _, tc := range cases {
		if got := c.TradingDay(tc.at); got != tc.want {
			t.Errorf("TradingDay(%v) = %s, want %s", tc.at, got, tc.want)
		}
	}
}

func TestIsOpen(t *testing.T) {
	c := newYork(t)
	loc := c.Location()

	cases := []struct {
		at   time.Time
		want bool
	}{
		{time.Date(2025, 8, 4, 9, 29, 0, 0, loc), false},
		{time.Date(2025, 8, 4, 9, 30, 0, 0, loc), true},
		{time.Date(2025, 8, 4, 15, 59, 0, 0, loc), true},
		{time.Date(2025, 8, 4, 16, 0, 0, 0, loc), false},
		{time.Date(2025, 8, 9, 11, 0, 0, 0, loc), false}, // saturday
	}
	for _, tc := range cases {
		if got := c.IsOpen(tc.at); got != tc.want {
			t.Errorf("IsOpen(%v) = %v, want %v", tc.at, got, tc.want)
		}
	}
}

func TestDayBefore(t *testing.T) {
	got, err := DayBefore("2025-03-02", 7)
	if err != nil {
		t.Fatalf("DayBefore: %v", err)
	}
	if got != "2025-02-23" {
		t.Fatalf("DayBefore = %s", got)
	}
	if _, err := DayBefore("yesterday", 1); err == nil {
		t.Fatalf("expected parse error")
	}
}
