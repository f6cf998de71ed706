package pnl

import (
	"io"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbrew/ivbacktest/internal/config"
	"github.com/quantbrew/ivbacktest/internal/models"
)

func greeksModel() *GreeksModel {
	m := NewGreeksModel(config.IronCondorParams{WingWidth: 5, ShortDelta: 0.16}, 45, defaultExit(), config.Costs{})
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	m.SetLogger(quiet)
	return m
}

func greeksTrade() *models.Trade {
	return &models.Trade{
		EntryDate:    day(2024, 3, 1),
		Symbol:       "SPY",
		StrategyType: models.StrategyIronCondor,
		IVAtEntry:    0.20,
		SpotAtEntry:  450,
		TargetExpiry: day(2024, 3, 1).AddDate(0, 0, 45),
		NumContracts: 1,
		State:        models.TradeOpen,
	}
}

func TestGreeksEntrySynthesisesStrikes(t *testing.T) {
	m := greeksModel()
	tr := greeksTrade()
	require.NoError(t, m.EstimateEntry(tr))

	require.NotNil(t, tr.Strikes)
	k := tr.Strikes
	assert.Less(t, k.LongPut, k.ShortPut)
	assert.Less(t, k.ShortPut, tr.SpotAtEntry)
	assert.Less(t, tr.SpotAtEntry, k.ShortCall)
	assert.Less(t, k.ShortCall, k.LongCall)

	// Short strikes at 0.85 sigma, wings one sigma further out.
	sigma := tr.IVAtEntry * tr.SpotAtEntry
	assert.InDelta(t, 450-0.85*sigma, k.ShortPut, 1e-9)
	assert.InDelta(t, 450+0.85*sigma+sigma, k.LongCall, 1e-9)

	// Credit always lands inside the wing band, clamped if the leg
	// pricing falls outside it.
	wing := 100 * 5.0
	assert.GreaterOrEqual(t, tr.EstimatedCredit, wing*0.15)
	assert.LessOrEqual(t, tr.EstimatedCredit, wing*0.50)
	assert.InDelta(t, wing-tr.EstimatedCredit, tr.MaxRisk, 1e-9)

	require.NotNil(t, tr.GreeksAtEntry)
	// A short condor is short vega and collects theta; delta is roughly
	// flat with strikes symmetric in sigma.
	assert.Less(t, tr.GreeksAtEntry.Vega, 0.0)
	assert.Greater(t, tr.GreeksAtEntry.Theta, 0.0)
	assert.Less(t, math.Abs(tr.GreeksAtEntry.Delta), 0.1)
}

func TestGreeksEntryErrors(t *testing.T) {
	m := greeksModel()

	tr := greeksTrade()
	tr.SpotAtEntry = 0
	assert.Error(t, m.EstimateEntry(tr))

	tr = greeksTrade()
	tr.IVAtEntry = 0
	assert.Error(t, m.EstimateEntry(tr))
}

func TestGreeksDailyMark(t *testing.T) {
	m := greeksModel()
	tr := greeksTrade()
	require.NoError(t, m.EstimateEntry(tr))

	// Spot pinned, IV unchanged, ten days later: the mark is theta
	// carry, positive and inside the cap.
	iv := &models.IVPoint{ATMIV: 0.20, SpotPrice: ptr(450.0)}
	bd, err := m.EstimatePnL(tr, day(2024, 3, 11), iv)
	require.NoError(t, err)
	assert.Greater(t, bd.Theta, 0.0)
	assert.Greater(t, bd.Total, 0.0)
	assert.LessOrEqual(t, bd.Total, tr.EstimatedCredit)

	// A big spot move hurts through the gamma term.
	moved := &models.IVPoint{ATMIV: 0.20, SpotPrice: ptr(520.0)}
	bdMoved, err := m.EstimatePnL(tr, day(2024, 3, 11), moved)
	require.NoError(t, err)
	assert.Less(t, bdMoved.Total, bd.Total)
	assert.GreaterOrEqual(t, bdMoved.Total, -tr.MaxRisk)
}

func TestGreeksMarkErrors(t *testing.T) {
	m := greeksModel()

	tr := greeksTrade()
	_, err := m.EstimatePnL(tr, day(2024, 3, 11), &models.IVPoint{ATMIV: 0.2})
	assert.Error(t, err, "mark before entry estimate")

	require.NoError(t, m.EstimateEntry(tr))
	_, err = m.EstimatePnL(tr, day(2024, 3, 11), nil)
	assert.Error(t, err)
}

func TestCurrentGreeks(t *testing.T) {
	m := greeksModel()
	tr := greeksTrade()
	require.NoError(t, m.EstimateEntry(tr))

	g, ok := m.CurrentGreeks(tr, day(2024, 3, 11), &models.IVPoint{ATMIV: 0.22, SpotPrice: ptr(455.0)})
	require.True(t, ok)
	assert.Less(t, g.Vega, 0.0)

	_, ok = m.CurrentGreeks(tr, day(2024, 3, 11), &models.IVPoint{ATMIV: 0})
	assert.False(t, ok)

	bare := greeksTrade()
	_, ok = m.CurrentGreeks(bare, day(2024, 3, 11), &models.IVPoint{ATMIV: 0.22})
	assert.False(t, ok, "no strikes before entry")
}

func TestGreeksModelSatisfiesProvider(t *testing.T) {
	var _ GreeksProvider = greeksModel()
}

func TestNewRejectsUnknownModel(t *testing.T) {
	cfg, err := config.Parse([]byte(`
strategy_type: iron_condor
symbols: [SPY]
start_date: "2024-01-01"
end_date: "2024-12-31"
position_sizing:
  max_risk_per_trade: 500
iron_condor:
  wing_width: 5
  short_delta: 0.16
`))
	require.NoError(t, err)
	cfg.PnLModel = "monte_carlo"
	_, err = New(cfg)
	assert.Error(t, err)
}
