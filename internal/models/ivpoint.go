// Package models defines the core domain types of the backtester:
// IV time series, entry signals, simulated trades, and run results.
package models

import (
	"fmt"
	"sort"
	"time"
)

// IVPoint represents one day's implied-volatility snapshot for a symbol.
// ATMIV is stored as a decimal (0.20 = 20%); normalisation from percent
// inputs happens in the loader, never here.
type IVPoint struct {
	Symbol       string    `json:"symbol"`
	Date         time.Time `json:"date"`
	ATMIV        float64   `json:"atm_iv"`
	IVRank       *float64  `json:"iv_rank,omitempty"`       // 0-100
	IVPercentile *float64  `json:"iv_percentile,omitempty"` // 0-100
	HV30         *float64  `json:"hv30,omitempty"`
	Skew         *float64  `json:"skew,omitempty"`
	TermM1M2     *float64  `json:"term_m1_m2,omitempty"`
	TermM1M3     *float64  `json:"term_m1_m3,omitempty"`
	SpotPrice    *float64  `json:"spot_price,omitempty"`
}

// Valid reports whether the point carries the minimum fields required
// for signal evaluation: a date, an IV, and a percentile.
func (p *IVPoint) Valid() bool {
	return !p.Date.IsZero() && p.ATMIV > 0 && p.IVPercentile != nil
}

// IVSeries is an ordered sequence of IV points for a single symbol.
// Dates are strictly increasing with no duplicates; Add replaces an
// existing point for the same date. The series is treated as read-only
// once the loader hands it to the engine.
type IVSeries struct {
	Symbol string
	points []IVPoint
}

// NewIVSeries creates an empty series for the given symbol.
func NewIVSeries(symbol string) *IVSeries {
	return &IVSeries{Symbol: symbol}
}

// Len returns the number of points in the series.
func (s *IVSeries) Len() int { return len(s.points) }

// Add inserts a point in date order. A point with an existing date
// replaces the stored one.
func (s *IVSeries) Add(p IVPoint) {
	d := DateOnly(p.Date)
	p.Date = d
	i := sort.Search(len(s.points), func(i int) bool {
		return !s.points[i].Date.Before(d)
	})
	if i < len(s.points) && s.points[i].Date.Equal(d) {
		s.points[i] = p
		return
	}
	s.points = append(s.points, IVPoint{})
	copy(s.points[i+1:], s.points[i:])
	s.points[i] = p
}

// Get returns the point for the given date, or nil when absent.
func (s *IVSeries) Get(date time.Time) *IVPoint {
	d := DateOnly(date)
	i := sort.Search(len(s.points), func(i int) bool {
		return !s.points[i].Date.Before(d)
	})
	if i < len(s.points) && s.points[i].Date.Equal(d) {
		return &s.points[i]
	}
	return nil
}

// Range returns the points in [start, end] inclusive, in date order.
// The returned slice aliases the series storage and must not be mutated.
func (s *IVSeries) Range(start, end time.Time) []IVPoint {
	lo := DateOnly(start)
	hi := DateOnly(end)
	i := sort.Search(len(s.points), func(i int) bool {
		return !s.points[i].Date.Before(lo)
	})
	j := sort.Search(len(s.points), func(j int) bool {
		return s.points[j].Date.After(hi)
	})
	if i >= j {
		return nil
	}
	return s.points[i:j]
}

// Dates returns every date in the series in ascending order.
func (s *IVSeries) Dates() []time.Time {
	out := make([]time.Time, len(s.points))
	for i, p := range s.points {
		out[i] = p.Date
	}
	return out
}

// Points returns the full ordered point slice (read-only).
func (s *IVSeries) Points() []IVPoint { return s.points }

// First returns the earliest point, or nil for an empty series.
func (s *IVSeries) First() *IVPoint {
	if len(s.points) == 0 {
		return nil
	}
	return &s.points[0]
}

// Last returns the latest point, or nil for an empty series.
func (s *IVSeries) Last() *IVPoint {
	if len(s.points) == 0 {
		return nil
	}
	return &s.points[len(s.points)-1]
}

// SplitByDate partitions the series into [first, d) and [d, last].
func (s *IVSeries) SplitByDate(d time.Time) (before, after *IVSeries) {
	cut := DateOnly(d)
	before = NewIVSeries(s.Symbol)
	after = NewIVSeries(s.Symbol)
	i := sort.Search(len(s.points), func(i int) bool {
		return !s.points[i].Date.Before(cut)
	})
	before.points = append(before.points, s.points[:i]...)
	after.points = append(after.points, s.points[i:]...)
	return before, after
}

// SplitByRatio partitions the series so that the first partition covers
// ratio of the symbol's own calendar span. Both partitions are non-empty
// whenever the series has at least two points and 0 < ratio < 1.
func (s *IVSeries) SplitByRatio(ratio float64) (before, after *IVSeries, err error) {
	if ratio < 0 || ratio > 1 {
		return nil, nil, fmt.Errorf("split ratio %.2f outside [0,1]", ratio)
	}
	if len(s.points) == 0 {
		return NewIVSeries(s.Symbol), NewIVSeries(s.Symbol), nil
	}
	first := s.points[0].Date
	last := s.points[len(s.points)-1].Date
	span := last.Sub(first)
	cut := first.Add(time.Duration(float64(span) * ratio))
	before, after = s.SplitByDate(cut)
	// Nudge the boundary so neither side is empty on short series.
	if before.Len() == 0 && after.Len() > 1 {
		before.Add(after.points[0])
		after.points = after.points[1:]
	}
	if after.Len() == 0 && before.Len() > 1 {
		after.points = append(after.points, before.points[before.Len()-1])
		before.points = before.points[:before.Len()-1]
	}
	return before, after, nil
}

// SpotBar is one day's OHLC for a symbol's underlying.
type SpotBar struct {
	Date  time.Time `json:"date"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

// GapPct returns the open gap from the previous close, in percent.
func (b *SpotBar) GapPct(prevClose float64) float64 {
	if prevClose == 0 {
		return 0
	}
	return (b.Open - prevClose) / prevClose * 100
}

// DateOnly truncates t to midnight UTC so that all date arithmetic in
// the simulator works on whole days.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
