// Package sim owns open positions and drives the daily tick for each of
// them. The simulator is single-threaded: each partition of a backtest
// gets its own instance and processes trading dates strictly ascending.
package sim

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantbrew/ivbacktest/internal/config"
	"github.com/quantbrew/ivbacktest/internal/exitrules"
	"github.com/quantbrew/ivbacktest/internal/models"
	"github.com/quantbrew/ivbacktest/internal/pnl"
)

// Sentinel errors returned by OpenTrade. All are counted in the
// summary; none abort the run.
var (
	ErrPositionExists = errors.New("position already open for symbol")
	ErrPositionLimit  = errors.New("max total positions reached")
	ErrRiskReward     = errors.New("risk/reward below configured minimum")
)

// Summary reports position counts and rejection diagnostics.
type Summary struct {
	OpenPositions      int `json:"open_positions"`
	ClosedTrades       int `json:"closed_trades"`
	RejectedDuplicate  int `json:"rejected_duplicate"`
	RejectedLimit      int `json:"rejected_limit"`
	RejectedRiskReward int `json:"rejected_risk_reward"`
}

// Simulator holds the open-position map and the full trade history for
// one partition.
type Simulator struct {
	cfg       *config.Config
	model     pnl.Model
	evaluator *exitrules.Evaluator
	logger    *logrus.Logger

	open      map[string]*models.Trade
	allTrades []*models.Trade
	summary   Summary

	lastDate time.Time
}

// NewSimulator creates a simulator for one partition.
func NewSimulator(cfg *config.Config, model pnl.Model, evaluator *exitrules.Evaluator, logger *logrus.Logger) *Simulator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Simulator{
		cfg:       cfg,
		model:     model,
		evaluator: evaluator,
		logger:    logger,
		open:      make(map[string]*models.Trade),
	}
}

// OpenTrade opens a position from an entry signal. Refusals (duplicate
// symbol, position limit, risk/reward) return sentinel errors and are
// counted; a model failure is propagated as a hard error.
func (s *Simulator) OpenTrade(sig models.EntrySignal, termAtEntry *float64) (*models.Trade, error) {
	if _, exists := s.open[sig.Symbol]; exists {
		s.summary.RejectedDuplicate++
		return nil, fmt.Errorf("%s: %w", sig.Symbol, ErrPositionExists)
	}
	if len(s.open) >= s.cfg.Sizing.MaxTotalPositions {
		s.summary.RejectedLimit++
		return nil, fmt.Errorf("%s: %w", sig.Symbol, ErrPositionLimit)
	}

	entryDate := models.DateOnly(sig.Date)
	t := &models.Trade{
		EntryDate:    entryDate,
		Symbol:       sig.Symbol,
		StrategyType: s.cfg.StrategyType,
		IVAtEntry:    sig.IV.ATMIV,
		SpotAtEntry:  sig.Spot,
		TargetExpiry: entryDate.AddDate(0, 0, s.cfg.TargetDTE),
		MaxRisk:      s.cfg.Sizing.MaxRiskPerTrade,
		NumContracts: s.cfg.Sizing.NumContracts,
		TermAtEntry:  termAtEntry,
		State:        models.TradeOpen,
	}
	if sig.IV.IVPercentile != nil {
		t.IVPercentileAtEntry = *sig.IV.IVPercentile
	}
	if sig.IV.IVRank != nil {
		t.IVRankAtEntry = *sig.IV.IVRank
	}
	if params, ok := s.cfg.Strategy().(config.CalendarParams); ok {
		t.ShortExpiry = entryDate.AddDate(0, 0, params.NearDTE)
		t.LongExpiry = entryDate.AddDate(0, 0, params.FarDTE)
		t.TargetExpiry = t.LongExpiry
	}

	if err := s.model.EstimateEntry(t); err != nil {
		return nil, fmt.Errorf("estimating entry for %s: %w", sig.Symbol, err)
	}

	// Risk/reward gate applies to credit structures only.
	if rr := s.cfg.Sizing.MinRiskReward; rr != nil && s.cfg.StrategyType.IsCredit() {
		if t.EstimatedCredit <= 0 || t.MaxRisk/t.EstimatedCredit > *rr {
			s.summary.RejectedRiskReward++
			return nil, fmt.Errorf("%s: %w", sig.Symbol, ErrRiskReward)
		}
	}

	// Entry slippage: credits shrink, debits grow.
	slip := s.cfg.Costs.SlippagePct / 100
	if slip > 0 {
		if s.cfg.StrategyType.IsCredit() {
			t.EstimatedCredit *= 1 - slip
		} else {
			t.EntryDebit *= 1 + slip
			t.MaxRisk = t.EntryDebit
		}
	}

	s.open[sig.Symbol] = t
	s.allTrades = append(s.allTrades, t)
	s.logger.WithFields(logrus.Fields{
		"symbol": sig.Symbol,
		"date":   entryDate.Format("2006-01-02"),
		"credit": t.EstimatedCredit,
		"debit":  t.EntryDebit,
	}).Debug("opened trade")
	return t, nil
}

// ProcessDay advances every open position one trading day: records
// history, marks to market, and applies the exit cascade. It returns
// the trades closed on this date. Dates must be strictly ascending;
// replaying a date is rejected so history is never double-counted.
func (s *Simulator) ProcessDay(date time.Time, series map[string]*models.IVSeries) ([]*models.Trade, error) {
	day := models.DateOnly(date)
	if !s.lastDate.IsZero() && !day.After(s.lastDate) {
		s.logger.WithField("date", day.Format("2006-01-02")).
			Warn("process day called out of order, ignoring")
		return nil, nil
	}
	s.lastDate = day

	var closed []*models.Trade
	for _, symbol := range s.OpenPositionSymbols() {
		t := s.open[symbol]

		var iv *models.IVPoint
		if sr, ok := series[symbol]; ok {
			iv = sr.Get(day)
		}

		if iv != nil {
			mark, err := s.model.EstimatePnL(t, day, iv)
			if err != nil {
				return nil, fmt.Errorf("marking %s on %s: %w", symbol, day.Format("2006-01-02"), err)
			}
			spot := 0.0
			if iv.SpotPrice != nil {
				spot = *iv.SpotPrice
			}
			t.RecordDay(day, iv.ATMIV, spot, mark.Total)
			if gp, ok := s.model.(pnl.GreeksProvider); ok {
				if g, ok := gp.CurrentGreeks(t, day, iv); ok {
					t.GreeksHistory = append(t.GreeksHistory, g)
				}
			}
		} else {
			// No quote today: carry the last mark forward so the
			// history arrays stay in lockstep, and let the time-based
			// rules run.
			t.RecordDay(day, t.LastIV(), t.LastSpot(), t.CurrentPnL)
		}

		reason, exit := s.evaluator.Evaluate(t, day, iv, t.CurrentPnL)
		if !exit {
			continue
		}
		s.closeTrade(t, day, reason, iv)
		closed = append(closed, t)
	}
	return closed, nil
}

// ForceCloseAll closes every open position at its last mark. Used at
// partition end.
func (s *Simulator) ForceCloseAll(date time.Time, reason models.ExitReason) []*models.Trade {
	day := models.DateOnly(date)
	var closed []*models.Trade
	for _, symbol := range s.OpenPositionSymbols() {
		t := s.open[symbol]
		s.closeTrade(t, day, reason, nil)
		closed = append(closed, t)
	}
	return closed
}

func (s *Simulator) closeTrade(t *models.Trade, day time.Time, reason models.ExitReason, iv *models.IVPoint) {
	final := s.model.EstimateExitPnL(t, reason)
	final = s.capFinal(t, final)

	ivAtExit := t.LastIV()
	spotAtExit := t.LastSpot()
	if iv != nil {
		ivAtExit = iv.ATMIV
		if iv.SpotPrice != nil {
			spotAtExit = *iv.SpotPrice
		}
	}
	t.Close(day, reason, final, ivAtExit, spotAtExit)
	delete(s.open, t.Symbol)
	s.summary.ClosedTrades++
	s.logger.WithFields(logrus.Fields{
		"symbol": t.Symbol,
		"date":   day.Format("2006-01-02"),
		"reason": string(reason),
		"pnl":    final,
	}).Debug("closed trade")
}

// capFinal enforces the P&L bounds: [-max_risk, credit] for credit
// structures, [-debit, debit] for calendars.
func (s *Simulator) capFinal(t *models.Trade, pnl float64) float64 {
	lo, hi := -t.MaxRisk, t.EstimatedCredit
	if !t.StrategyType.IsCredit() {
		lo, hi = -t.EntryDebit, t.EntryDebit
	}
	if pnl < lo {
		return lo
	}
	if pnl > hi {
		return hi
	}
	return pnl
}

// HasPosition reports whether a position is open for the symbol.
func (s *Simulator) HasPosition(symbol string) bool {
	_, ok := s.open[symbol]
	return ok
}

// OpenSymbols returns the set of symbols currently holding a position.
// Callers snapshot this before the daily tick so a position closed
// during the tick still blocks re-entry for the rest of the day.
func (s *Simulator) OpenSymbols() map[string]bool {
	out := make(map[string]bool, len(s.open))
	for symbol := range s.open {
		out[symbol] = true
	}
	return out
}

// OpenPositionSymbols returns the open symbols in sorted order so the
// daily tick is deterministic.
func (s *Simulator) OpenPositionSymbols() []string {
	symbols := make([]string, 0, len(s.open))
	for symbol := range s.open {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// AllTrades returns every trade ever opened, open and closed.
func (s *Simulator) AllTrades() []*models.Trade {
	return s.allTrades
}

// ClosedTrades returns only the closed trades.
func (s *Simulator) ClosedTrades() []*models.Trade {
	var out []*models.Trade
	for _, t := range s.allTrades {
		if t.State == models.TradeClosed {
			out = append(out, t)
		}
	}
	return out
}

// Summary returns the position counters and rejection diagnostics.
func (s *Simulator) Summary() Summary {
	out := s.summary
	out.OpenPositions = len(s.open)
	return out
}
