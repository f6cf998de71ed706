// Package pnl estimates entry cost and daily unrealised P&L for
// simulated option structures without intraday quotes. Three model
// variants exist behind one interface: an IV-proxy model for credit
// strategies, a vega-long calendar model, and an optional Greeks-based
// model that synthesises strikes and prices legs with Black-Scholes.
package pnl

import (
	"fmt"
	"time"

	"github.com/quantbrew/ivbacktest/internal/config"
	"github.com/quantbrew/ivbacktest/internal/models"
)

// Breakdown is the result of one daily mark.
type Breakdown struct {
	Total float64 `json:"total_pnl"`
	Vega  float64 `json:"vega_pnl"`
	Theta float64 `json:"theta_pnl"`
	Costs float64 `json:"costs"`
	Pct   float64 `json:"pnl_pct"`
}

// Model is the capability set the simulator depends on. The simulator
// never branches on the concrete variant.
type Model interface {
	// EstimateEntry fills the trade's credit (or debit) and, for the
	// Greeks variant, the entry Greeks. Called once at open.
	EstimateEntry(t *models.Trade) error
	// EstimatePnL marks the trade to market for the trading date using
	// the day's IV point. Never mutates the trade.
	EstimatePnL(t *models.Trade, date time.Time, iv *models.IVPoint) (Breakdown, error)
	// EstimateExitPnL adjusts the running estimate for the exit reason
	// chosen by the exit evaluator.
	EstimateExitPnL(t *models.Trade, reason models.ExitReason) float64
}

// New selects the model variant for the configuration: the calendar
// model for calendar spreads, otherwise the IV-proxy or Greeks model
// per pnl_model.
func New(cfg *config.Config) (Model, error) {
	if cfg.StrategyType == models.StrategyCalendar {
		params, ok := cfg.Strategy().(config.CalendarParams)
		if !ok {
			return nil, fmt.Errorf("calendar strategy requires calendar params")
		}
		return NewCalendarModel(params, cfg.Exit, cfg.Costs), nil
	}
	switch cfg.PnLModel {
	case config.ModelGreeks:
		params, ok := cfg.Strategy().(config.IronCondorParams)
		if !ok {
			return nil, fmt.Errorf("greeks model requires iron_condor params")
		}
		return NewGreeksModel(params, cfg.TargetDTE, cfg.Exit, cfg.Costs), nil
	case config.ModelIVProxy, "":
		return NewIVProxyModel(cfg.StrategyType, cfg.IronCondor, cfg.TargetDTE, cfg.Exit, cfg.Costs), nil
	default:
		return nil, fmt.Errorf("unknown pnl model %q", cfg.PnLModel)
	}
}

// legCount returns the number of option legs priced per strategy, used
// for commission.
func legCount(strategy models.StrategyType) int {
	switch strategy {
	case models.StrategyIronCondor:
		return 4
	case models.StrategyButterfly:
		return 3
	case models.StrategyCreditSpread, models.StrategyCalendar:
		return 2
	case models.StrategyNakedPut:
		return 1
	default:
		return 2
	}
}

// spotMovePct returns the absolute percent move from entry spot to the
// last known spot, and whether spot is known at all.
func spotMovePct(t *models.Trade) (float64, bool) {
	if t.SpotAtEntry <= 0 {
		return 0, false
	}
	last := t.LastSpot()
	if last <= 0 {
		return 0, false
	}
	move := (last - t.SpotAtEntry) / t.SpotAtEntry * 100
	if move < 0 {
		move = -move
	}
	return move, true
}
