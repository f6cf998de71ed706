package data

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbrew/ivbacktest/internal/models"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func writeHistorical(t *testing.T, dir, symbol string, records []map[string]any) {
	t.Helper()
	path := filepath.Join(dir, "historical")
	require.NoError(t, os.MkdirAll(path, 0o750))
	raw, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, symbol+"_iv_history.json"), raw, 0o600))
}

func writeDaily(t *testing.T, dir, symbol string, records []map[string]any) {
	t.Helper()
	path := filepath.Join(dir, "daily")
	require.NoError(t, os.MkdirAll(path, 0o750))
	raw, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, symbol+".json"), raw, 0o600))
}

func TestLoadHistoricalNormalizesPercentIV(t *testing.T) {
	dir := t.TempDir()
	writeHistorical(t, dir, "SPY", []map[string]any{
		{"date": "2024-01-02", "atm_iv": 25.0, "iv_percentile": 80.0, "hv30": 18.0},
		{"date": "2024-01-03", "atm_iv": 0.26, "iv_percentile": 82.0},
		{"date": "bad-date", "atm_iv": 0.5},
		{"date": "2024-01-04", "atm_iv": 0.0}, // missing IV skipped
	})

	l := NewLoader(dir, testLogger())
	series, err := l.loadSymbol("SPY", day(2024, 1, 1), day(2024, 12, 31))
	require.NoError(t, err)
	require.Equal(t, 2, series.Len())

	p := series.Get(day(2024, 1, 2))
	require.NotNil(t, p)
	assert.InDelta(t, 0.25, p.ATMIV, 1e-9, "percent-quoted IV divided by 100")
	require.NotNil(t, p.HV30)
	assert.InDelta(t, 0.18, *p.HV30, 1e-9)

	p = series.Get(day(2024, 1, 3))
	require.NotNil(t, p)
	assert.InDelta(t, 0.26, p.ATMIV, 1e-9, "decimal IV left alone")
}

func TestLoadDailySchemaSynonyms(t *testing.T) {
	dir := t.TempDir()
	writeDaily(t, dir, "QQQ", []map[string]any{
		{"date": "2024-01-02", "atm_iv": 0.30, "iv_rank (IV)": 64.0, "close": 402.5},
		{"date": "2024-01-03", "atm_iv": 0.31, "iv_rank (HV)": 58.0, "close": 404.0},
	})

	l := NewLoader(dir, testLogger())
	series, err := l.loadSymbol("QQQ", day(2024, 1, 1), day(2024, 12, 31))
	require.NoError(t, err)
	require.Equal(t, 2, series.Len())

	p := series.Get(day(2024, 1, 2))
	require.NotNil(t, p.IVRank)
	assert.Equal(t, 64.0, *p.IVRank)
	require.NotNil(t, p.SpotPrice)
	assert.Equal(t, 402.5, *p.SpotPrice)

	// The HV-based rank is the fallback when the IV-based one is absent.
	p = series.Get(day(2024, 1, 3))
	require.NotNil(t, p.IVRank)
	assert.Equal(t, 58.0, *p.IVRank)
}

// Reference property: for a window of prior points, the filled
// percentile equals 100 * count(prior < current) / count(prior).
func TestFillPercentilesReferenceFormula(t *testing.T) {
	dir := t.TempDir()
	n := 30
	records := make([]map[string]any, 0, n)
	ivs := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		// A wiggly but deterministic IV path.
		iv := 0.15 + 0.01*float64(i%7) + 0.002*float64(i)
		ivs = append(ivs, iv)
		records = append(records, map[string]any{
			"date":   day(2024, 1, 1).AddDate(0, 0, i).Format("2006-01-02"),
			"atm_iv": iv,
		})
	}
	writeHistorical(t, dir, "SPY", records)

	l := NewLoader(dir, testLogger())
	series, err := l.loadSymbol("SPY", day(2023, 1, 1), day(2025, 1, 1))
	require.NoError(t, err)
	require.Equal(t, n, series.Len())

	last := series.Last()
	require.NotNil(t, last.IVPercentile)

	below := 0
	for _, iv := range ivs[:n-1] {
		if iv < ivs[n-1] {
			below++
		}
	}
	want := float64(below) / float64(n-1) * 100
	assert.InDelta(t, want, *last.IVPercentile, 1e-9)

	// Rank spans the window's min/max.
	require.NotNil(t, last.IVRank)
	lo, hi := ivs[0], ivs[0]
	for _, iv := range ivs[:n-1] {
		if iv < lo {
			lo = iv
		}
		if iv > hi {
			hi = iv
		}
	}
	assert.InDelta(t, (ivs[n-1]-lo)/(hi-lo)*100, *last.IVRank, 1e-9)
}

func TestFillPercentilesNeedsMinimumWindow(t *testing.T) {
	dir := t.TempDir()
	records := make([]map[string]any, 0, 10)
	for i := 0; i < 10; i++ {
		records = append(records, map[string]any{
			"date":   day(2024, 1, 1).AddDate(0, 0, i).Format("2006-01-02"),
			"atm_iv": 0.2 + 0.01*float64(i),
		})
	}
	writeHistorical(t, dir, "SPY", records)

	l := NewLoader(dir, testLogger())
	series, err := l.loadSymbol("SPY", day(2023, 1, 1), day(2025, 1, 1))
	require.NoError(t, err)
	assert.Nil(t, series.Last().IVPercentile, "fewer than 20 prior points leaves percentile unset")
}

func TestFillPercentilesKeepsProvidedValues(t *testing.T) {
	dir := t.TempDir()
	records := make([]map[string]any, 0, 25)
	for i := 0; i < 25; i++ {
		rec := map[string]any{
			"date":   day(2024, 1, 1).AddDate(0, 0, i).Format("2006-01-02"),
			"atm_iv": 0.2 + 0.001*float64(i),
		}
		if i == 24 {
			rec["iv_percentile"] = 55.5
			rec["iv_rank"] = 44.4
		}
		records = append(records, rec)
	}
	writeHistorical(t, dir, "SPY", records)

	l := NewLoader(dir, testLogger())
	series, err := l.loadSymbol("SPY", day(2023, 1, 1), day(2025, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, 55.5, *series.Last().IVPercentile)
	assert.Equal(t, 44.4, *series.Last().IVRank)
}

func TestLoadAllOmitsMissingSymbols(t *testing.T) {
	dir := t.TempDir()
	writeHistorical(t, dir, "SPY", []map[string]any{
		{"date": "2024-01-02", "atm_iv": 0.2, "iv_percentile": 70.0},
	})

	l := NewLoader(dir, testLogger())
	all, err := l.LoadAll([]string{"SPY", "NOPE"}, day(2024, 1, 1), day(2024, 12, 31))
	require.NoError(t, err)
	assert.Contains(t, all, "SPY")
	assert.NotContains(t, all, "NOPE")
}

func TestLoadAllRestrictsToRange(t *testing.T) {
	dir := t.TempDir()
	writeHistorical(t, dir, "SPY", []map[string]any{
		{"date": "2023-12-29", "atm_iv": 0.2, "iv_percentile": 70.0},
		{"date": "2024-01-02", "atm_iv": 0.2, "iv_percentile": 70.0},
		{"date": "2024-06-03", "atm_iv": 0.2, "iv_percentile": 70.0},
		{"date": "2025-01-02", "atm_iv": 0.2, "iv_percentile": 70.0},
	})

	l := NewLoader(dir, testLogger())
	all, err := l.LoadAll([]string{"SPY"}, day(2024, 1, 1), day(2024, 12, 31))
	require.NoError(t, err)
	require.Contains(t, all, "SPY")
	assert.Equal(t, 2, all["SPY"].Len())
}

// Symbols with disjoint histories split at their own midpoint, so both
// partitions stay populated for every symbol.
func TestSplitByRatioPerSymbol(t *testing.T) {
	spy := models.NewIVSeries("SPY")
	for d := day(2020, 1, 1); d.Before(day(2024, 12, 31)); d = d.AddDate(0, 0, 7) {
		spy.Add(models.IVPoint{Date: d, ATMIV: 0.2})
	}
	aapl := models.NewIVSeries("AAPL")
	for d := day(2022, 1, 1); d.Before(day(2024, 12, 31)); d = d.AddDate(0, 0, 7) {
		aapl.Add(models.IVPoint{Date: d, ATMIV: 0.3})
	}

	is, oos, err := SplitByRatio(map[string]*models.IVSeries{"SPY": spy, "AAPL": aapl}, 0.5)
	require.NoError(t, err)

	for _, symbol := range []string{"SPY", "AAPL"} {
		assert.NotZero(t, is[symbol].Len(), "%s in-sample empty", symbol)
		assert.NotZero(t, oos[symbol].Len(), "%s out-of-sample empty", symbol)
	}

	// SPY covers 2020-2024, so its midpoint lands mid-2022; AAPL covers
	// 2022-2024 and splits around the start of 2023.
	spyCut := oos["SPY"].First().Date
	assert.Equal(t, 2022, spyCut.Year())
	aaplCut := oos["AAPL"].First().Date
	assert.True(t, aaplCut.After(day(2023, 1, 1).AddDate(0, -3, 0)), "AAPL cut %s too early", aaplCut)
	assert.True(t, aaplCut.Before(day(2023, 6, 1)), "AAPL cut %s too late", aaplCut)
}

func TestLoadSpotOHLC(t *testing.T) {
	dir := t.TempDir()
	spotDir := filepath.Join(dir, "spot")
	require.NoError(t, os.MkdirAll(spotDir, 0o750))
	csv := "date,open,high,low,close\n" +
		"2024-01-03,101,103,100,102\n" +
		"2024-01-02,100,101,99,100.5\n" + // out of order on disk
		"2024-01-04,not-a-number,1,1,1\n" // skipped
	require.NoError(t, os.WriteFile(filepath.Join(spotDir, "SPY.csv"), []byte(csv), 0o600))

	l := NewLoader(dir, testLogger())
	bars, err := l.LoadSpotOHLC("SPY")
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, day(2024, 1, 2), bars[0].Date, "bars sorted by date")
	assert.Equal(t, 102.0, bars[1].Close)

	missing, err := l.LoadSpotOHLC("NOPE")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLoadEarnings(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(dir, testLogger())

	cal, err := l.LoadEarnings()
	require.NoError(t, err)
	assert.Empty(t, cal, "missing file yields empty calendar")

	raw := `{"AAPL": ["2024-06-15", "2024-03-15", "garbage"]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "earnings.json"), []byte(raw), 0o600))
	cal, err = l.LoadEarnings()
	require.NoError(t, err)
	require.Len(t, cal["AAPL"], 2)
	assert.Equal(t, day(2024, 3, 15), cal["AAPL"][0], "dates sorted, bad ones dropped")
}

func TestLoaderPrefersHistoricalLayout(t *testing.T) {
	dir := t.TempDir()
	writeHistorical(t, dir, "SPY", []map[string]any{
		{"date": "2024-01-02", "atm_iv": 0.21, "iv_percentile": 70.0},
	})
	writeDaily(t, dir, "SPY", []map[string]any{
		{"date": "2024-01-02", "atm_iv": 0.99},
	})

	l := NewLoader(dir, testLogger())
	series, err := l.loadSymbol("SPY", day(2024, 1, 1), day(2024, 12, 31))
	require.NoError(t, err)
	assert.InDelta(t, 0.21, series.Get(day(2024, 1, 2)).ATMIV, 1e-9)
}

func ExampleLoader() {
	l := NewLoader("data", nil)
	series, _ := l.LoadAll([]string{"SPY"}, day(2024, 1, 1), day(2024, 12, 31))
	fmt.Println(len(series))
	// Output: 0
}
