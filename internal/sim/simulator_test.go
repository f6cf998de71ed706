package sim

import (
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbrew/ivbacktest/internal/config"
	"github.com/quantbrew/ivbacktest/internal/exitrules"
	"github.com/quantbrew/ivbacktest/internal/models"
	"github.com/quantbrew/ivbacktest/internal/pnl"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ptr(v float64) *float64 { return &v }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func simConfig(t *testing.T, extraSizing string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
strategy_type: iron_condor
symbols: [SPY, QQQ, IWM]
start_date: "2024-01-01"
end_date: "2024-12-31"
position_sizing:
  max_risk_per_trade: 400
  max_total_positions: 2
` + extraSizing + `
iron_condor:
  wing_width: 5
  short_delta: 0.16
`))
	require.NoError(t, err)
	return cfg
}

// stubModel gives tests day-precise control over marks. Exit shaping
// mirrors the credit models for the target and stop reasons; an
// override, when set, replaces the default mark-at-exit.
type stubModel struct {
	credit       float64
	marks        map[string]float64
	exitOverride *float64
}

func (m *stubModel) EstimateEntry(t *models.Trade) error {
	t.EstimatedCredit = m.credit
	return nil
}

func (m *stubModel) EstimatePnL(t *models.Trade, date time.Time, iv *models.IVPoint) (pnl.Breakdown, error) {
	return pnl.Breakdown{Total: m.marks[date.Format("2006-01-02")]}, nil
}

func (m *stubModel) EstimateExitPnL(t *models.Trade, reason models.ExitReason) float64 {
	switch reason {
	case models.ExitProfitTarget:
		return math.Min(t.CurrentPnL, t.EstimatedCredit*0.5)
	case models.ExitStopLoss:
		return math.Max(t.CurrentPnL, -2*t.EstimatedCredit)
	default:
		if m.exitOverride != nil {
			return *m.exitOverride
		}
		return t.CurrentPnL
	}
}

func newSim(cfg *config.Config, model pnl.Model) *Simulator {
	ev := exitrules.NewEvaluator(cfg.Exit, cfg.StrategyType)
	return NewSimulator(cfg, model, ev, quietLogger())
}

func entrySignal(symbol string, d time.Time, iv float64) models.EntrySignal {
	return models.EntrySignal{
		Date:   d,
		Symbol: symbol,
		IV: models.IVPoint{
			Symbol: symbol, Date: d, ATMIV: iv,
			IVPercentile: ptr(85.0), IVRank: ptr(60.0),
		},
		Spot:     450,
		Strength: 80,
	}
}

// flatSeries builds a series with one point per day over [start, start+days]
// at the given IVs; ivByDay overrides specific day offsets.
func flatSeries(symbol string, start time.Time, days int, baseIV float64, ivByDay map[int]float64) map[string]*models.IVSeries {
	s := models.NewIVSeries(symbol)
	for i := 0; i <= days; i++ {
		iv := baseIV
		if v, ok := ivByDay[i]; ok {
			iv = v
		}
		s.Add(models.IVPoint{Symbol: symbol, Date: start.AddDate(0, 0, i), ATMIV: iv})
	}
	return map[string]*models.IVSeries{symbol: s}
}

func TestOpenTradeRejections(t *testing.T) {
	t.Run("duplicate symbol", func(t *testing.T) {
		sim := newSim(simConfig(t, ""), &stubModel{credit: 100})
		_, err := sim.OpenTrade(entrySignal("SPY", day(2024, 3, 1), 0.25), nil)
		require.NoError(t, err)
		_, err = sim.OpenTrade(entrySignal("SPY", day(2024, 3, 1), 0.25), nil)
		require.ErrorIs(t, err, ErrPositionExists)
		assert.Equal(t, 1, sim.Summary().RejectedDuplicate)
		assert.Equal(t, 1, sim.Summary().OpenPositions)
	})

	t.Run("position limit", func(t *testing.T) {
		sim := newSim(simConfig(t, ""), &stubModel{credit: 100})
		_, err := sim.OpenTrade(entrySignal("SPY", day(2024, 3, 1), 0.25), nil)
		require.NoError(t, err)
		_, err = sim.OpenTrade(entrySignal("QQQ", day(2024, 3, 1), 0.25), nil)
		require.NoError(t, err)
		_, err = sim.OpenTrade(entrySignal("IWM", day(2024, 3, 1), 0.25), nil)
		require.ErrorIs(t, err, ErrPositionLimit)
		assert.Equal(t, 1, sim.Summary().RejectedLimit)
	})

	t.Run("risk reward gate", func(t *testing.T) {
		// Risk 400 against credit 100 is 4:1, over the 2:1 cap.
		sim := newSim(simConfig(t, "  min_risk_reward: 2.0\n"), &stubModel{credit: 100})
		_, err := sim.OpenTrade(entrySignal("SPY", day(2024, 3, 1), 0.25), nil)
		require.ErrorIs(t, err, ErrRiskReward)
		assert.Equal(t, 1, sim.Summary().RejectedRiskReward)
		assert.False(t, sim.HasPosition("SPY"))
	})
}

func TestProfitTargetClosesAtTarget(t *testing.T) {
	entry := day(2024, 3, 1)
	marks := map[string]float64{}
	for i := 1; i <= 14; i++ {
		marks[entry.AddDate(0, 0, i).Format("2006-01-02")] = 40
	}
	marks[entry.AddDate(0, 0, 15).Format("2006-01-02")] = 55

	sim := newSim(simConfig(t, ""), &stubModel{credit: 100, marks: marks})
	tr, err := sim.OpenTrade(entrySignal("SPY", entry, 0.25), nil)
	require.NoError(t, err)
	assert.Equal(t, 400.0, tr.MaxRisk, "sizing cap carries onto the trade")

	series := flatSeries("SPY", entry, 20, 0.25, nil)
	for i := 1; i <= 14; i++ {
		closed, err := sim.ProcessDay(entry.AddDate(0, 0, i), series)
		require.NoError(t, err)
		assert.Empty(t, closed, "mark at 40%% stays under the 50%% target")
	}

	closed, err := sim.ProcessDay(entry.AddDate(0, 0, 15), series)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	got := closed[0]
	assert.Equal(t, models.ExitProfitTarget, got.ExitReason)
	assert.Equal(t, 50.0, got.FinalPnL, "booked at the target, not the overshoot")
	assert.Equal(t, 15, got.DaysInTrade)
	require.NoError(t, got.Validate())
	assert.Equal(t, 1, sim.Summary().ClosedTrades)
	assert.Equal(t, 0, sim.Summary().OpenPositions)
}

func TestIVSpikeTriggersDeltaBreach(t *testing.T) {
	entry := day(2024, 3, 1)
	d5 := entry.AddDate(0, 0, 5)
	marks := map[string]float64{d5.Format("2006-01-02"): -120}
	for i := 1; i < 5; i++ {
		marks[entry.AddDate(0, 0, i).Format("2006-01-02")] = -20
	}

	sim := newSim(simConfig(t, ""), &stubModel{credit: 100, marks: marks})
	_, err := sim.OpenTrade(entrySignal("SPY", entry, 0.25), nil)
	require.NoError(t, err)

	// Day 5: IV jumps 25 points. The loss (-120) is still inside the
	// -200 stop, so the breach rule is what fires.
	series := flatSeries("SPY", entry, 6, 0.25, map[int]float64{5: 0.50})
	for i := 1; i < 5; i++ {
		closed, err := sim.ProcessDay(entry.AddDate(0, 0, i), series)
		require.NoError(t, err)
		assert.Empty(t, closed)
	}
	closed, err := sim.ProcessDay(d5, series)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, models.ExitDeltaBreach, closed[0].ExitReason)
	assert.Equal(t, -120.0, closed[0].FinalPnL)
	assert.NotEqual(t, -200.0, closed[0].FinalPnL, "breach books the mark, not the stop")
}

func TestTimeDecayExitAtMinDTE(t *testing.T) {
	entry := day(2024, 3, 1)
	marks := map[string]float64{}
	for i := 1; i <= 30; i++ {
		marks[entry.AddDate(0, 0, i).Format("2006-01-02")] = 10
	}

	sim := newSim(simConfig(t, ""), &stubModel{credit: 100, marks: marks})
	_, err := sim.OpenTrade(entrySignal("SPY", entry, 0.25), nil)
	require.NoError(t, err)

	series := flatSeries("SPY", entry, 30, 0.25, nil)

	// Day 23: 22 DTE against a 45-day expiry, still above the floor.
	closed, err := sim.ProcessDay(entry.AddDate(0, 0, 23), series)
	require.NoError(t, err)
	assert.Empty(t, closed)

	// Day 24: 21 DTE, the floor.
	closed, err = sim.ProcessDay(entry.AddDate(0, 0, 24), series)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, models.ExitTimeDecay, closed[0].ExitReason)
	assert.Equal(t, 10.0, closed[0].FinalPnL)
}

func TestProcessDayIgnoresReplay(t *testing.T) {
	entry := day(2024, 3, 1)
	sim := newSim(simConfig(t, ""), &stubModel{credit: 100, marks: map[string]float64{"2024-03-02": 5}})
	tr, err := sim.OpenTrade(entrySignal("SPY", entry, 0.25), nil)
	require.NoError(t, err)

	series := flatSeries("SPY", entry, 3, 0.25, nil)
	_, err = sim.ProcessDay(day(2024, 3, 2), series)
	require.NoError(t, err)
	require.Len(t, tr.DateHistory, 1)

	// Replaying the same date must not double-count history.
	closed, err := sim.ProcessDay(day(2024, 3, 2), series)
	require.NoError(t, err)
	assert.Nil(t, closed)
	assert.Len(t, tr.DateHistory, 1)

	// Neither may an earlier date.
	closed, err = sim.ProcessDay(day(2024, 3, 1), series)
	require.NoError(t, err)
	assert.Nil(t, closed)
	assert.Len(t, tr.DateHistory, 1)
}

func TestNoQuoteCarriesMarkForward(t *testing.T) {
	entry := day(2024, 3, 1)
	sim := newSim(simConfig(t, ""), &stubModel{credit: 100, marks: map[string]float64{"2024-03-02": 20}})
	tr, err := sim.OpenTrade(entrySignal("SPY", entry, 0.25), nil)
	require.NoError(t, err)

	// Day 1 has a quote, day 2 does not.
	s := models.NewIVSeries("SPY")
	s.Add(models.IVPoint{Symbol: "SPY", Date: day(2024, 3, 2), ATMIV: 0.26, SpotPrice: ptr(452.0)})
	series := map[string]*models.IVSeries{"SPY": s}

	_, err = sim.ProcessDay(day(2024, 3, 2), series)
	require.NoError(t, err)
	_, err = sim.ProcessDay(day(2024, 3, 3), series)
	require.NoError(t, err)

	require.Len(t, tr.DateHistory, 2, "history stays in lockstep without a quote")
	assert.Equal(t, 20.0, tr.CurrentPnL)
	assert.Equal(t, 0.26, tr.IVHistory[1])
	assert.Equal(t, 452.0, tr.SpotHistory[1])
	require.NoError(t, tr.Validate())
}

func TestForceCloseAllCapsFinalPnL(t *testing.T) {
	t.Run("loss capped at max risk", func(t *testing.T) {
		sim := newSim(simConfig(t, ""), &stubModel{credit: 100, exitOverride: ptr(-10000)})
		_, err := sim.OpenTrade(entrySignal("SPY", day(2024, 3, 1), 0.25), nil)
		require.NoError(t, err)

		closed := sim.ForceCloseAll(day(2024, 3, 10), models.ExitManual)
		require.Len(t, closed, 1)
		assert.Equal(t, -400.0, closed[0].FinalPnL)
		assert.Equal(t, models.ExitManual, closed[0].ExitReason)
		assert.False(t, sim.HasPosition("SPY"))
		assert.Empty(t, sim.OpenPositionSymbols())
	})

	t.Run("gain capped at credit", func(t *testing.T) {
		sim := newSim(simConfig(t, ""), &stubModel{credit: 100, exitOverride: ptr(10000)})
		_, err := sim.OpenTrade(entrySignal("SPY", day(2024, 3, 1), 0.25), nil)
		require.NoError(t, err)
		_, err = sim.OpenTrade(entrySignal("QQQ", day(2024, 3, 1), 0.25), nil)
		require.NoError(t, err)

		closed := sim.ForceCloseAll(day(2024, 3, 10), models.ExitManual)
		require.Len(t, closed, 2)
		for _, tr := range closed {
			assert.Equal(t, 100.0, tr.FinalPnL)
			require.NoError(t, tr.Validate())
		}
		assert.Equal(t, 2, sim.Summary().ClosedTrades)
	})
}

func TestEntrySlippageShrinksCredit(t *testing.T) {
	cfg := simConfig(t, "")
	cfg.Costs.SlippagePct = 2
	sim := newSim(cfg, &stubModel{credit: 100})

	tr, err := sim.OpenTrade(entrySignal("SPY", day(2024, 3, 1), 0.25), nil)
	require.NoError(t, err)
	assert.InDelta(t, 98, tr.EstimatedCredit, 1e-9)
}

func TestCalendarEntrySetsLegExpiries(t *testing.T) {
	cfg, err := config.Parse([]byte(`
strategy_type: calendar
symbols: [SPY]
start_date: "2024-01-01"
end_date: "2024-12-31"
position_sizing:
  max_risk_per_trade: 400
calendar:
  near_dte: 30
  far_dte: 60
`))
	require.NoError(t, err)
	model, err := pnl.New(cfg)
	require.NoError(t, err)
	sim := newSim(cfg, model)

	entry := day(2024, 3, 1)
	tr, err := sim.OpenTrade(entrySignal("SPY", entry, 0.18), nil)
	require.NoError(t, err)
	assert.Equal(t, entry.AddDate(0, 0, 30), tr.ShortExpiry)
	assert.Equal(t, entry.AddDate(0, 0, 60), tr.LongExpiry)
	assert.Equal(t, tr.LongExpiry, tr.TargetExpiry)
	assert.Greater(t, tr.EntryDebit, 0.0)
}

func TestAllTradesIncludesOpenAndClosed(t *testing.T) {
	sim := newSim(simConfig(t, ""), &stubModel{credit: 100})
	_, err := sim.OpenTrade(entrySignal("SPY", day(2024, 3, 1), 0.25), nil)
	require.NoError(t, err)
	_, err = sim.OpenTrade(entrySignal("QQQ", day(2024, 3, 1), 0.25), nil)
	require.NoError(t, err)

	sim.ForceCloseAll(day(2024, 3, 5), models.ExitManual)
	_, err = sim.OpenTrade(entrySignal("IWM", day(2024, 3, 6), 0.25), nil)
	require.NoError(t, err)

	assert.Len(t, sim.AllTrades(), 3)
	assert.Len(t, sim.ClosedTrades(), 2)
}

func TestCalendarProfitTargetOnIVRise(t *testing.T) {
	cfg, err := config.Parse([]byte(`
strategy_type: calendar
symbols: [SPY]
start_date: "2024-01-01"
end_date: "2024-12-31"
exit_rules:
  min_dte: 5
position_sizing:
  max_risk_per_trade: 400
calendar:
  near_dte: 30
  far_dte: 60
`))
	require.NoError(t, err)
	model, err := pnl.New(cfg)
	require.NoError(t, err)
	sim := newSim(cfg, model)

	entry := day(2024, 3, 1)
	tr, err := sim.OpenTrade(entrySignal("SPY", entry, 0.20), nil)
	require.NoError(t, err)
	require.Greater(t, tr.EntryDebit, 0.0)

	// Front-leg decay alone stays below the 50% target.
	series := flatSeries("SPY", entry, 12, 0.20, map[int]float64{10: 0.50})
	for i := 1; i <= 9; i++ {
		closed, err := sim.ProcessDay(entry.AddDate(0, 0, i), series)
		require.NoError(t, err)
		assert.Empty(t, closed)
	}

	// Day 10: a 30-point IV rise puts the long back-month vega through
	// the target. The profit target outranks the breach rule.
	closed, err := sim.ProcessDay(entry.AddDate(0, 0, 10), series)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	got := closed[0]
	assert.Equal(t, models.ExitProfitTarget, got.ExitReason)
	assert.InDelta(t, got.EntryDebit*0.5, got.FinalPnL, 1e-9,
		"booked at the target, not the overshoot")
	require.NoError(t, got.Validate())
	assert.Equal(t, 0, sim.Summary().OpenPositions)
}
