package pnl

import (
	"fmt"
	"math"
	"time"

	"github.com/quantbrew/ivbacktest/internal/config"
	"github.com/quantbrew/ivbacktest/internal/models"
	"github.com/quantbrew/ivbacktest/internal/util"
)

// IV-proxy calibration constants. The credit ratio centres on 30% of
// wing width at 20 vol and 45 DTE and is clamped to the band real
// condor credits trade in.
const (
	baseCreditRatio = 0.30
	referenceIV     = 0.20
	referenceDTE    = 45.0
	minCreditRatio  = 0.20
	maxCreditRatio  = 0.50

	vegaPerVolPoint   = 1.5
	thetaCaptureRatio = 0.5
)

// IVProxyModel estimates credit-strategy P&L from IV changes and time
// decay alone. It serves every credit structure; wing width and the
// stddev adjustment only apply when condor params are present.
type IVProxyModel struct {
	strategy models.StrategyType
	condor   *config.IronCondorParams
	target   int // target DTE
	exit     config.ExitRules
	costs    config.Costs
}

// NewIVProxyModel creates the IV-proxy model. condor may be nil for
// strategies without wings.
func NewIVProxyModel(
	strategy models.StrategyType,
	condor *config.IronCondorParams,
	targetDTE int,
	exit config.ExitRules,
	costs config.Costs,
) *IVProxyModel {
	return &IVProxyModel{strategy: strategy, condor: condor, target: targetDTE, exit: exit, costs: costs}
}

// EstimateEntry sets the trade's estimated credit from wing width, IV
// richness, DTE, and the configured short-strike distance.
func (m *IVProxyModel) EstimateEntry(t *models.Trade) error {
	if t.IVAtEntry <= 0 {
		return fmt.Errorf("entry IV must be positive, got %.4f", t.IVAtEntry)
	}
	wingPoints := 1.0
	stddevRange := 0.0
	if m.condor != nil {
		wingPoints = m.condor.WingWidth
		stddevRange = m.condor.StdDevRange
	}
	wingWidth := 100 * wingPoints

	ivAdj := t.IVAtEntry / referenceIV
	dteAdj := math.Min(1.2, float64(m.target)/referenceDTE)
	stddevAdj := 1.0
	if stddevRange > 0 {
		stddevAdj = util.Clamp(math.Pow(1.5/stddevRange, 0.6), 0.5, 1.5)
	}
	ratio := util.Clamp(baseCreditRatio*ivAdj*dteAdj*stddevAdj, minCreditRatio, maxCreditRatio)

	t.EstimatedCredit = wingWidth * ratio
	if t.MaxRisk <= 0 {
		t.MaxRisk = wingWidth - t.EstimatedCredit
	}
	return nil
}

// EstimatePnL marks the trade from the IV move and elapsed time.
func (m *IVProxyModel) EstimatePnL(t *models.Trade, date time.Time, iv *models.IVPoint) (Breakdown, error) {
	if iv == nil {
		return Breakdown{}, fmt.Errorf("iv point required for mark")
	}
	ivCurrent := iv.ATMIV
	if ivCurrent <= 0 {
		return Breakdown{}, fmt.Errorf("current IV must be positive, got %.4f", ivCurrent)
	}

	ivDropVP := (t.IVAtEntry - ivCurrent) * 100
	vega := ivDropVP * vegaPerVolPoint * (t.MaxRisk / 100)

	daysIn := float64(int(models.DateOnly(date).Sub(models.DateOnly(t.EntryDate)).Hours() / 24))
	timeFrac := daysIn / float64(m.target)
	if timeFrac < 0 {
		timeFrac = 0
	}
	theta := t.EstimatedCredit * math.Sqrt(timeFrac) * thetaCaptureRatio

	contracts := t.NumContracts
	if contracts < 1 {
		contracts = 1
	}
	costs := m.costs.CommissionPerContract * float64(legCount(m.strategy)) * float64(contracts)

	total := util.Clamp(vega+theta-costs, -t.MaxRisk, t.EstimatedCredit)
	pct := 0.0
	if t.MaxRisk > 0 {
		pct = total / t.MaxRisk * 100
	}
	return Breakdown{Total: total, Vega: vega, Theta: theta, Costs: costs, Pct: pct}, nil
}

// EstimateExitPnL shapes the final P&L to the exit reason: profit
// targets cap at the target, stops floor at the stop, IV collapse never
// exits at a loss, and a delta breach books a spot-move-scaled loss.
func (m *IVProxyModel) EstimateExitPnL(t *models.Trade, reason models.ExitReason) float64 {
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
