// Package exitrules decides when an open trade must close. The rules
// form a strict priority cascade; at most one exit fires per trade per
// day, and a lower-priority rule can never pre-empt a higher one.
package exitrules

import (
	"time"

	"github.com/quantbrew/ivbacktest/internal/config"
	"github.com/quantbrew/ivbacktest/internal/models"
)

// Evaluator applies the configured thresholds to one trade per day.
type Evaluator struct {
	rules    config.ExitRules
	strategy models.StrategyType
}

// NewEvaluator creates an evaluator for the strategy's rule set.
func NewEvaluator(rules config.ExitRules, strategy models.StrategyType) *Evaluator {
	return &Evaluator{rules: rules, strategy: strategy}
}

// Evaluate checks the cascade and returns the first matching reason.
// currentPnL is the day's fresh mark; iv may be nil on days without
// data, in which case only the time-based rules run.
//
// Priority: profit target, stop loss, time decay (near-leg DTE for
// calendars), delta breach, IV collapse, max days in trade, expiration.
func (e *Evaluator) Evaluate(t *models.Trade, date time.Time, iv *models.IVPoint, currentPnL float64) (models.ExitReason, bool) {
	day := models.DateOnly(date)
	hasIV := iv != nil && iv.ATMIV > 0
	basis := t.RiskBasis()

	// 1. Profit target.
	if hasIV && basis > 0 && currentPnL >= basis*e.rules.ProfitTargetPct/100 {
		return models.ExitProfitTarget, true
	}

	// 2. Stop loss.
	if hasIV && basis > 0 && currentPnL <= -basis*e.rules.StopLossPct/100 {
		return models.ExitStopLoss, true
	}

	// 3. Time decay; for calendars the near leg drives the exit.
	if e.strategy == models.StrategyCalendar {
		if !t.ShortExpiry.IsZero() && t.NearLegDTE(day) <= e.rules.MinDTE {
			return models.ExitNearLegDTE, true
		}
	} else if t.RemainingDTE(day) <= e.rules.MinDTE {
		return models.ExitTimeDecay, true
	}

	// 4. Delta breach, proxied by an IV spike or a large spot move.
	if hasIV {
		spikeVP := (iv.ATMIV - t.IVAtEntry) * 100
		if e.rules.DeltaBreachIVSpike > 0 && spikeVP >= e.rules.DeltaBreachIVSpike {
			return models.ExitDeltaBreach, true
		}
		if move, ok := e.spotMove(t, iv); ok && move >= e.rules.SpotMoveBreachPct {
			return models.ExitDeltaBreach, true
		}
	}

	// 5. IV collapse. Threshold 0 disables the rule (calendars).
	if hasIV && e.rules.IVCollapseThreshold > 0 {
		dropVP := (t.IVAtEntry - iv.ATMIV) * 100
		if dropVP >= e.rules.IVCollapseThreshold {
			return models.ExitIVCollapse, true
		}
	}

	// 6. Max days in trade.
	daysIn := int(day.Sub(models.DateOnly(t.EntryDate)).Hours() / 24)
	if daysIn >= e.rules.MaxDaysInTrade {
		return models.ExitMaxDIT, true
	}

	// 7. Expiration failsafe.
	if t.RemainingDTE(day) <= 0 {
		return models.ExitExpiration, true
	}

	return "", false
}

// spotMove returns the absolute percent move from entry using the
// day's spot when present, falling back to the last marked spot.
func (e *Evaluator) spotMove(t *models.Trade, iv *models.IVPoint) (float64, bool) {
	if t.SpotAtEntry <= 0 {
		return 0, false
	}
	spot := t.LastSpot()
	if iv != nil && iv.SpotPrice != nil {
		spot = *iv.SpotPrice
	}
	if spot <= 0 {
		return 0, false
	}
	move := (spot - t.SpotAtEntry) / t.SpotAtEntry * 100
	if move < 0 {
		move = -move
	}
	return move, true
}
