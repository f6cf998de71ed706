// Package data loads historical IV and spot files into immutable time
// series. Two on-disk layouts are supported: the pre-extracted
// historical dataset (preferred) and the daily-summary dataset. Missing
// percentile and rank columns are filled from a rolling 252-calendar-day
// window before the series is handed out.
package data

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/quantbrew/ivbacktest/internal/models"
)

const (
	// percentileWindowDays is the lookback for percentile and rank.
	// Calendar days, not trading days: gaps shrink the effective sample.
	percentileWindowDays = 252
	// minWindowSamples is the minimum prior-point count before a
	// percentile is computed at all.
	minWindowSamples = 20

	dateLayout = "2006-01-02"
)

// Loader reads per-symbol historical files from a data directory.
type Loader struct {
	dataDir string
	logger  *logrus.Logger
}

// NewLoader creates a loader rooted at dataDir. A nil logger falls back
// to the logrus standard logger.
func NewLoader(dataDir string, logger *logrus.Logger) *Loader {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Loader{dataDir: dataDir, logger: logger}
}

// historicalRecord is one row of the pre-extracted historical dataset.
type historicalRecord struct {
	Date         string   `json:"date"`
	ATMIV        float64  `json:"atm_iv"`
	IVRank       *float64 `json:"iv_rank"`
	IVPercentile *float64 `json:"iv_percentile"`
	HV30         *float64 `json:"hv30"`
	Skew         *float64 `json:"skew"`
	TermM1M2     *float64 `json:"term_m1_m2"`
	TermM1M3     *float64 `json:"term_m1_m3"`
	SpotPrice    *float64 `json:"spot_price"`
}

// dailyRecord is one row of the daily-summary dataset, which uses
// synonym column names for rank and spot.
type dailyRecord struct {
	Date         string   `json:"date"`
	ATMIV        float64  `json:"atm_iv"`
	IVRankIV     *float64 `json:"iv_rank (IV)"`
	IVRankHV     *float64 `json:"iv_rank (HV)"`
	IVPercentile *float64 `json:"iv_percentile"`
	HV30         *float64 `json:"hv30"`
	Skew         *float64 `json:"skew"`
	TermM1M2     *float64 `json:"term_m1_m2"`
	TermM1M3     *float64 `json:"term_m1_m3"`
	Close        *float64 `json:"close"`
}

// LoadAll loads every requested symbol in parallel and returns the
// per-symbol series restricted to [start, end]. A symbol whose file is
// missing or unreadable is omitted with a warning; the caller decides
// whether an empty result is fatal.
func (l *Loader) LoadAll(symbols []string, start, end time.Time) (map[string]*models.IVSeries, error) {
	var (
		mu     sync.Mutex
		result = make(map[string]*models.IVSeries, len(symbols))
	)

	var g errgroup.Group
	g.SetLimit(8)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			series, err := l.loadSymbol(symbol, start, end)
			if err != nil {
				l.logger.WithFields(logrus.Fields{
					"symbol": symbol,
					"error":  err,
				}).Warn("skipping symbol: no usable history")
				return nil
			}
			if series.Len() == 0 {
				l.logger.WithField("symbol", symbol).Warn("skipping symbol: empty series in range")
				return nil
			}
			mu.Lock()
			result[symbol] = series
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// loadSymbol tries the historical layout first, then the daily-summary
// layout.
func (l *Loader) loadSymbol(symbol string, start, end time.Time) (*models.IVSeries, error) {
	histPath := filepath.Join(l.dataDir, "historical", symbol+"_iv_history.json")
	if _, err := os.Stat(histPath); err == nil {
		return l.loadHistorical(symbol, histPath, start, end)
	}
	dailyPath := filepath.Join(l.dataDir, "daily", symbol+".json")
	if _, err := os.Stat(dailyPath); err == nil {
		return l.loadDaily(symbol, dailyPath, start, end)
	}
	return nil, fmt.Errorf("no data file for %s under %s", symbol, l.dataDir)
}

func (l *Loader) loadHistorical(symbol, path string, start, end time.Time) (*models.IVSeries, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- path is derived from the configured data dir
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var records []historicalRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	series := models.NewIVSeries(symbol)
	for _, rec := range records {
		date, err := time.Parse(dateLayout, rec.Date)
		if err != nil {
			l.logger.WithFields(logrus.Fields{"symbol": symbol, "date": rec.Date}).
				Debug("skipping record: bad date")
			continue
		}
		if date.Before(start) || date.After(end) {
			continue
		}
		if rec.ATMIV <= 0 {
			l.logger.WithFields(logrus.Fields{"symbol": symbol, "date": rec.Date}).
				Debug("skipping record: missing atm_iv")
			continue
		}
		series.Add(models.IVPoint{
			Symbol:       symbol,
			Date:         date,
			ATMIV:        normalizeIV(rec.ATMIV),
			IVRank:       rec.IVRank,
			IVPercentile: rec.IVPercentile,
			HV30:         normalizeIVPtr(rec.HV30),
			Skew:         rec.Skew,
			TermM1M2:     rec.TermM1M2,
			TermM1M3:     rec.TermM1M3,
			SpotPrice:    rec.SpotPrice,
		})
	}
	fillPercentiles(series)
	return series, nil
}

func (l *Loader) loadDaily(symbol, path string, start, end time.Time) (*models.IVSeries, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- path is derived from the configured data dir
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var records []dailyRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	series := models.NewIVSeries(symbol)
	for _, rec := range records {
		date, err := time.Parse(dateLayout, rec.Date)
		if err != nil {
			l.logger.WithFields(logrus.Fields{"symbol": symbol, "date": rec.Date}).
				Debug("skipping record: bad date")
			continue
		}
		if date.Before(start) || date.After(end) {
			continue
		}
		if rec.ATMIV <= 0 {
			continue
		}
		rank := rec.IVRankIV
		if rank == nil {
			rank = rec.IVRankHV
		}
		series.Add(models.IVPoint{
			Symbol:       symbol,
			Date:         date,
			ATMIV:        normalizeIV(rec.ATMIV),
			IVRank:       rank,
			IVPercentile: rec.IVPercentile,
			HV30:         normalizeIVPtr(rec.HV30),
			Skew:         rec.Skew,
			TermM1M2:     rec.TermM1M2,
			TermM1M3:     rec.TermM1M3,
			SpotPrice:    rec.Close,
		})
	}
	fillPercentiles(series)
	return series, nil
}

// LoadSpotOHLC reads the per-symbol OHLC CSV. Best-effort: a missing
// file returns (nil, nil).
func (l *Loader) LoadSpotOHLC(symbol string) ([]models.SpotBar, error) {
	path := filepath.Join(l.dataDir, "spot", symbol+".csv")
	f, err := os.Open(path) // #nosec G304 -- path is derived from the configured data dir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading %s header: %w", path, err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, required := range []string{"date", "open", "high", "low", "close"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("%s: missing column %q", path, required)
		}
	}

	var bars []models.SpotBar
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			l.logger.WithFields(logrus.Fields{"symbol": symbol, "error": err}).
				Debug("skipping spot row")
			continue
		}
		date, err := time.Parse(dateLayout, row[col["date"]])
		if err != nil {
			continue
		}
		bar := models.SpotBar{Date: models.DateOnly(date)}
		fields := []struct {
			name string
			dst  *float64
		}{
			{"open", &bar.Open}, {"high", &bar.High},
			{"low", &bar.Low}, {"close", &bar.Close},
		}
		ok := true
		for _, fld := range fields {
			v, err := strconv.ParseFloat(row[col[fld.name]], 64)
			if err != nil {
				ok = false
				break
			}
			*fld.dst = v
		}
		if !ok {
			continue
		}
		bars = append(bars, bar)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return bars, nil
}

// LoadSpotPrices returns date-keyed closes from the OHLC file.
// Best-effort like LoadSpotOHLC.
func (l *Loader) LoadSpotPrices(symbol string) (map[time.Time]float64, error) {
	bars, err := l.LoadSpotOHLC(symbol)
	if err != nil || bars == nil {
		return nil, err
	}
	out := make(map[time.Time]float64, len(bars))
	for _, b := range bars {
		out[b.Date] = b.Close
	}
	return out, nil
}

// LoadEarnings reads the earnings calendar. Best-effort: a missing file
// returns an empty calendar.
func (l *Loader) LoadEarnings() (models.EarningsCalendar, error) {
	path := filepath.Join(l.dataDir, "earnings.json")
	raw, err := os.ReadFile(path) // #nosec G304 -- path is derived from the configured data dir
	if err != nil {
		if os.IsNotExist(err) {
			return models.EarningsCalendar{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var byDate map[string][]string
	if err := json.Unmarshal(raw, &byDate); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cal := make(models.EarningsCalendar, len(byDate))
	for symbol, dates := range byDate {
		for _, ds := range dates {
			d, err := time.Parse(dateLayout, ds)
			if err != nil {
				l.logger.WithFields(logrus.Fields{"symbol": symbol, "date": ds}).
					Debug("skipping earnings date")
				continue
			}
			cal[symbol] = append(cal[symbol], d)
		}
	}
	cal.Normalize()
	return cal, nil
}

// SplitByDate partitions every series at the given date.
func SplitByDate(all map[string]*models.IVSeries, d time.Time) (is, oos map[string]*models.IVSeries) {
	is = make(map[string]*models.IVSeries, len(all))
	oos = make(map[string]*models.IVSeries, len(all))
	for symbol, series := range all {
		before, after := series.SplitByDate(d)
		is[symbol] = before
		oos[symbol] = after
	}
	return is, oos
}

// SplitByRatio partitions every series at its own ratio point, so both
// partitions contain data even when symbols cover disjoint histories.
func SplitByRatio(all map[string]*models.IVSeries, ratio float64) (is, oos map[string]*models.IVSeries, err error) {
	is = make(map[string]*models.IVSeries, len(all))
	oos = make(map[string]*models.IVSeries, len(all))
	for symbol, series := range all {
		before, after, err := series.SplitByRatio(ratio)
		if err != nil {
			return nil, nil, fmt.Errorf("splitting %s: %w", symbol, err)
		}
		is[symbol] = before
		oos[symbol] = after
	}
	return is, oos, nil
}

// normalizeIV converts percent-quoted vols to decimals at the boundary.
// Values above 2 cannot plausibly be decimal annualised vols.
func normalizeIV(v float64) float64 {
	if v > 2 {
		return v / 100
	}
	return v
}

func normalizeIVPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	n := normalizeIV(*v)
	return &n
}

// fillPercentiles computes iv_percentile and iv_rank for points missing
// them, rolling a window of prior same-symbol points no older than
// percentileWindowDays calendar days. Fewer than minWindowSamples prior
// points leaves the fields unset.
func fillPercentiles(series *models.IVSeries) {
	points := series.Points()
	for i := range points {
		p := &points[i]
		if p.IVPercentile != nil && p.IVRank != nil {
			continue
		}
		cutoff := p.Date.AddDate(0, 0, -percentileWindowDays)
		var window []float64
		for j := i - 1; j >= 0; j-- {
			if points[j].Date.Before(cutoff) {
				break
			}
			window = append(window, points[j].ATMIV)
		}
		if len(window) < minWindowSamples {
			continue
		}
		if p.IVPercentile == nil {
			below := 0
			for _, iv := range window {
				if iv < p.ATMIV {
					below++
				}
			}
			pct := float64(below) / float64(len(window)) * 100
			p.IVPercentile = &pct
		}
		if p.IVRank == nil {
			lo, hi := window[0], window[0]
			for _, iv := range window[1:] {
				if iv < lo {
					lo = iv
				}
				if iv > hi {
					hi = iv
				}
			}
			if hi > lo {
				rank := (p.ATMIV - lo) / (hi - lo) * 100
				if rank < 0 {
					rank = 0
				}
				if rank > 100 {
					rank = 100
				}
				p.IVRank = &rank
			}
		}
	}
}
