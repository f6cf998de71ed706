package pnl

import (
	"fmt"
	"math"
	"time"

	"github.com/quantbrew/ivbacktest/internal/config"
	"github.com/quantbrew/ivbacktest/internal/models"
	"github.com/quantbrew/ivbacktest/internal/util"
)

// Calendar model calibration. The spread is long the back month, so
// vega works in the opposite direction to the credit models: rising IV
// is profit.
const (
	minEntryDebit      = 50.0
	debitHaircut       = 0.70
	atmPremiumFactor   = 0.4
	calendarVegaFactor = 2.0
	calendarThetaRatio = 0.15
	thetaCurveExp      = 0.7
	termStructureBeta  = 0.5
)

// CalendarModel estimates debit time-spread P&L: long back-month vega,
// positive carry while the front leg decays, and an optional term
// structure convergence term.
type CalendarModel struct {
	params config.CalendarParams
	exit   config.ExitRules
	costs  config.Costs
}

// NewCalendarModel creates the calendar-spread model.
func NewCalendarModel(params config.CalendarParams, exit config.ExitRules, costs config.Costs) *CalendarModel {
	return &CalendarModel{params: params, exit: exit, costs: costs}
}

// EstimateEntry prices the debit from spot, entry IV, and the square
// root of time gap between the two legs.
func (m *CalendarModel) EstimateEntry(t *models.Trade) error {
	if t.IVAtEntry <= 0 {
		return fmt.Errorf("entry IV must be positive, got %.4f", t.IVAtEntry)
	}
	far := float64(m.params.FarDTE)
	near := float64(m.params.NearDTE)
	gap := math.Sqrt(far/365) - math.Sqrt(near/365)
	debit := debitHaircut * atmPremiumFactor * t.SpotAtEntry * t.IVAtEntry * gap * 100
	if debit < minEntryDebit {
		debit = minEntryDebit
	}
	t.EntryDebit = debit
	t.EstimatedCredit = 0
	t.MaxRisk = debit
	return nil
}

// EstimatePnL marks the spread from the IV rise, front-leg decay, and
// term-structure convergence.
func (m *CalendarModel) EstimatePnL(t *models.Trade, date time.Time, iv *models.IVPoint) (Breakdown, error) {
	if iv == nil {
		return Breakdown{}, fmt.Errorf("iv point required for mark")
	}
	ivCurrent := iv.ATMIV
	if ivCurrent <= 0 {
		return Breakdown{}, fmt.Errorf("current IV must be positive, got %.4f", ivCurrent)
	}
	debit := t.EntryDebit

	vega := (ivCurrent - t.IVAtEntry) * 100 * calendarVegaFactor * (debit / 100)

	daysIn := float64(int(models.DateOnly(date).Sub(models.DateOnly(t.EntryDate)).Hours() / 24))
	decayFrac := math.Min(1, math.Pow(daysIn/float64(m.params.NearDTE), thetaCurveExp))
	theta := debit * decayFrac * calendarThetaRatio

	term := 0.0
	if t.TermAtEntry != nil && iv.TermM1M2 != nil {
		term = (*t.TermAtEntry - *iv.TermM1M2) * (debit / 100) * termStructureBeta
	}

	contracts := t.NumContracts
	if contracts < 1 {
		contracts = 1
	}
	costs := m.costs.CommissionPerContract * float64(legCount(models.StrategyCalendar)) * float64(contracts)

	total := util.Clamp(vega+theta+term-costs, -debit, debit)
	pct := 0.0
	if debit > 0 {
		pct = total / debit * 100
	}
	return Breakdown{Total: total, Vega: vega, Theta: theta + term, Costs: costs, Pct: pct}, nil
}

// EstimateExitPnL mirrors the credit-model exit shaping with the entry
// debit as the basis.
func (m *CalendarModel) EstimateExitPnL(t *models.Trade, reason models.ExitReason) float64 {
	running := t.CurrentPnL
	debit := t.EntryDebit
	switch reason {
	case models.ExitProfitTarget:
		return math.Min(running, debit*m.exit.ProfitTargetPct/100)
	case models.ExitStopLoss:
		return math.Max(running, -debit*m.exit.StopLossPct/100)
	case models.ExitIVCollapse:
		return math.Max(0, running)
	case models.ExitDeltaBreach:
		if move, ok := spotMovePct(t); ok {
			frac := util.Clamp(0.2+0.8*math.Min(1, move/15), 0.2, 1.0)
			return -debit * frac
		}
		return -0.6 * debit
	default:
		return running
	}
}
