package models

import (
	"sort"
	"time"
)

// EarningsCalendar maps symbols to their known earnings dates. Loaded
// once and read-shared; dates are kept sorted.
type EarningsCalendar map[string][]time.Time

// Normalize sorts every symbol's dates and truncates them to midnight.
func (c EarningsCalendar) Normalize() {
	for sym, dates := range c {
		for i, d := range dates {
			dates[i] = DateOnly(d)
		}
		sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
		c[sym] = dates
	}
}

// Next returns the first earnings date on or after from for the symbol.
func (c EarningsCalendar) Next(symbol string, from time.Time) (time.Time, bool) {
	dates, ok := c[symbol]
	if !ok || len(dates) == 0 {
		return time.Time{}, false
	}
	d := DateOnly(from)
	i := sort.Search(len(dates), func(i int) bool {
		return !dates[i].Before(d)
	})
	if i >= len(dates) {
		return time.Time{}, false
	}
	return dates[i], true
}
