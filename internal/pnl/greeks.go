package pnl

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantbrew/ivbacktest/internal/config"
	"github.com/quantbrew/ivbacktest/internal/models"
	"github.com/quantbrew/ivbacktest/internal/util"
)

// Short strikes sit 0.85 IV-sigma from spot; wings one full IV-sigma
// further out. Credit is clamped to the band condor credits trade in
// relative to wing width.
const (
	shortStrikeSigma = 0.85
	minGreeksCredit  = 0.15
	maxGreeksCredit  = 0.50
)

// GreeksProvider is the optional capability the simulator uses to
// append daily position Greeks to the trade history.
type GreeksProvider interface {
	CurrentGreeks(t *models.Trade, date time.Time, iv *models.IVPoint) (models.Greeks, bool)
}

// GreeksModel synthesises condor strikes at entry, prices the four legs
// with Black-Scholes, and marks daily P&L from gamma, theta, and vega
// terms.
type GreeksModel struct {
	params config.IronCondorParams
	target int
	exit   config.ExitRules
	costs  config.Costs
	logger *logrus.Logger
}

// NewGreeksModel creates the Greeks-based condor model.
func NewGreeksModel(params config.IronCondorParams, targetDTE int, exit config.ExitRules, costs config.Costs) *GreeksModel {
	return &GreeksModel{
		params: params,
		target: targetDTE,
		exit:   exit,
		costs:  costs,
		logger: logrus.StandardLogger(),
	}
}

// SetLogger overrides the default logger.
func (m *GreeksModel) SetLogger(logger *logrus.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// EstimateEntry synthesises strikes, prices the legs, and records the
// net credit and entry position Greeks on the trade.
func (m *GreeksModel) EstimateEntry(t *models.Trade) error {
	if t.SpotAtEntry <= 0 {
		return fmt.Errorf("greeks model requires spot at entry for %s", t.Symbol)
	}
	if t.IVAtEntry <= 0 {
		return fmt.Errorf("entry IV must be positive, got %.4f", t.IVAtEntry)
	}
	spot := t.SpotAtEntry
	sigma := t.IVAtEntry * spot

	strikes := &models.CondorStrikes{
		ShortPut:  spot - shortStrikeSigma*sigma,
		ShortCall: spot + shortStrikeSigma*sigma,
	}
	strikes.LongPut = strikes.ShortPut - sigma
	strikes.LongCall = strikes.ShortCall + sigma
	t.Strikes = strikes

	T := float64(m.target) / 365
	credit := (m.legPrice(false, spot, strikes.ShortPut, T, t.IVAtEntry) +
		m.legPrice(true, spot, strikes.ShortCall, T, t.IVAtEntry) -
		m.legPrice(false, spot, strikes.LongPut, T, t.IVAtEntry) -
		m.legPrice(true, spot, strikes.LongCall, T, t.IVAtEntry)) * 100

	wingWidth := 100 * m.params.WingWidth
	lo, hi := wingWidth*minGreeksCredit, wingWidth*maxGreeksCredit
	if credit < lo || credit > hi {
		m.logger.WithFields(logrus.Fields{
			"symbol": t.Symbol,
			"credit": credit,
			"band":   fmt.Sprintf("[%.0f, %.0f]", lo, hi),
		}).Warn("leg-priced credit outside wing band, clamping")
		credit = util.Clamp(credit, lo, hi)
	}
	t.EstimatedCredit = credit
	if t.MaxRisk <= 0 {
		t.MaxRisk = wingWidth - credit
	}

	g := m.positionGreeks(spot, t.IVAtEntry, T, strikes)
	t.GreeksAtEntry = &g
	return nil
}

// EstimatePnL combines a gamma term on the realised spot move, average
// theta carry, and the vega drift of the position.
func (m *GreeksModel) EstimatePnL(t *models.Trade, date time.Time, iv *models.IVPoint) (Breakdown, error) {
	if iv == nil {
		return Breakdown{}, fmt.Errorf("iv point required for mark")
	}
	if t.GreeksAtEntry == nil || t.Strikes == nil {
		return Breakdown{}, fmt.Errorf("trade %s missing entry greeks", t.Symbol)
	}
	current, ok := m.CurrentGreeks(t, date, iv)
	if !ok {
		return Breakdown{}, fmt.Errorf("cannot price greeks for %s on %s", t.Symbol, date.Format("2006-01-02"))
	}

	spot := t.LastSpot()
	if iv.SpotPrice != nil {
		spot = *iv.SpotPrice
	}
	spotMove := spot - t.SpotAtEntry
	daysIn := float64(int(models.DateOnly(date).Sub(models.DateOnly(t.EntryDate)).Hours() / 24))

	gammaTerm := 0.5 * t.GreeksAtEntry.Gamma * spotMove * spotMove * 100
	thetaTerm := (t.GreeksAtEntry.Theta + current.Theta) / 2 * daysIn * 100
	vegaTerm := (current.Vega - t.GreeksAtEntry.Vega) * 100

	contracts := t.NumContracts
	if contracts < 1 {
		contracts = 1
	}
	costs := m.costs.CommissionPerContract * float64(legCount(models.StrategyIronCondor)) * float64(contracts)

	total := util.Clamp(gammaTerm+thetaTerm+vegaTerm-costs, -t.MaxRisk, t.EstimatedCredit)
	pct := 0.0
	if t.MaxRisk > 0 {
		pct = total / t.MaxRisk * 100
	}
	return Breakdown{Total: total, Vega: vegaTerm + gammaTerm, Theta: thetaTerm, Costs: costs, Pct: pct}, nil
}

// EstimateExitPnL uses the same exit shaping as the IV-proxy model.
func (m *GreeksModel) EstimateExitPnL(t *models.Trade, reason models.ExitReason) float64 {
	running := t.CurrentPnL
	switch reason {
	case models.ExitProfitTarget:
		return math.Min(running, t.EstimatedCredit*m.exit.ProfitTargetPct/100)
	case models.ExitStopLoss:
		return math.Max(running, -t.EstimatedCredit*m.exit.StopLossPct/100)
	case models.ExitIVCollapse:
		return math.Max(0, running)
	case models.ExitDeltaBreach:
		if move, ok := spotMovePct(t); ok {
			frac := util.Clamp(0.2+0.8*math.Min(1, move/15), 0.2, 1.0)
			return -t.MaxRisk * frac
		}
		return -0.6 * t.MaxRisk
	default:
		return running
	}
}

// CurrentGreeks reprices the position Greeks at the day's spot and IV
// with the remaining time to expiry.
func (m *GreeksModel) CurrentGreeks(t *models.Trade, date time.Time, iv *models.IVPoint) (models.Greeks, bool) {
	if t.Strikes == nil || iv == nil || iv.ATMIV <= 0 {
		return models.Greeks{}, false
	}
	spot := t.LastSpot()
	if iv.SpotPrice != nil {
		spot = *iv.SpotPrice
	}
	if spot <= 0 {
		return models.Greeks{}, false
	}
	T := float64(t.RemainingDTE(date)) / 365
	return m.positionGreeks(spot, iv.ATMIV, T, t.Strikes), true
}

func (m *GreeksModel) legPrice(isCall bool, spot, strike, T, sigma float64) float64 {
	return bsPrice(isCall, spot, strike, T, riskFreeRate, sigma)
}

// positionGreeks nets the four legs: short both inner strikes, long
// both wings.
func (m *GreeksModel) positionGreeks(spot, sigma, T float64, k *models.CondorStrikes) models.Greeks {
	leg := func(isCall bool, strike float64) models.Greeks {
		return models.Greeks{
			Delta: bsDelta(isCall, spot, strike, T, riskFreeRate, sigma),
			Gamma: bsGamma(spot, strike, T, riskFreeRate, sigma),
			Theta: bsTheta(isCall, spot, strike, T, riskFreeRate, sigma),
			Vega:  bsVega(spot, strike, T, riskFreeRate, sigma),
		}
	}
	shortPut := leg(false, k.ShortPut)
	longPut := leg(false, k.LongPut)
	shortCall := leg(true, k.ShortCall)
	longCall := leg(true, k.LongCall)
	return models.Greeks{
		Delta: -shortPut.Delta + longPut.Delta - shortCall.Delta + longCall.Delta,
		Gamma: -shortPut.Gamma + longPut.Gamma - shortCall.Gamma + longCall.Gamma,
		Theta: -shortPut.Theta + longPut.Theta - shortCall.Theta + longCall.Theta,
		Vega:  -shortPut.Vega + longPut.Vega - shortCall.Vega + longCall.Vega,
	}
}
